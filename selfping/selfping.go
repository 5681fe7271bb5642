// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package selfping detects and evicts ghost occupants.
//
// A client whose transport died without a clean departure keeps occupying a
// nickname forever, blocking it for everyone else. The monitor periodically
// (or on demand, for example before treating a nickname conflict as real)
// sends one XEP-0199 ping per connection bound to a nickname and aggregates
// the results: if every connection answers the occupant is alive, and every
// connection that errors out or never answers is evicted from all of its
// rooms.
//
// Responses arrive asynchronously from arbitrary goroutines while a periodic
// sweep force-closes requests that have outlived the probe window, so the
// probe lookup is internally synchronized and closing a request is
// idempotent: the completion callback fires exactly once no matter which
// trigger wins.
package selfping

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/ping"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/internal/attr"
	"mellium.im/mucd/room"
)

// Outcome is the aggregate result of one probe cycle.
type Outcome uint8

const (
	// AllSuccess means every sub-probe was answered.
	AllSuccess Outcome = iota

	// Errors means at least one sub-probe resolved to an error and none timed
	// out.
	Errors

	// Timeouts means at least one sub-probe was still unanswered when the
	// request closed.
	Timeouts
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case AllSuccess:
		return "all-success"
	case Errors:
		return "errors"
	case Timeouts:
		return "timeouts"
	}
	return "invalid"
}

type probeState uint8

const (
	probePending probeState = iota
	probeOK
	probeFailed
)

type probe struct {
	id    string
	conn  jid.JID
	state probeState
}

// Request is one outstanding probe cycle covering every connection bound to a
// nickname.
type Request struct {
	id        string
	requester jid.JID
	room      jid.JID
	nick      string
	created   time.Time
	probes    []*probe
	pending   int
	closed    bool
	done      func(Outcome)
}

// ID returns the request identifier.
func (r *Request) ID() string { return r.id }

// Room returns the room whose occupant is being probed.
func (r *Request) Room() jid.JID { return r.room }

// Nick returns the nickname being probed.
func (r *Request) Nick() string { return r.nick }

// Evictor removes a connection from every room it occupies.
// It is satisfied by *room.Registry.
type Evictor interface {
	KickConnection(ctx context.Context, conn jid.JID)
}

// Config configures a Monitor.
type Config struct {
	// Send delivers outbound probe stanzas.
	Send room.Sender

	// Evict is called for every connection that failed or timed out.
	Evict Evictor

	// SweepInterval is how often stale requests are checked for.
	// The default is one minute.
	SweepInterval time.Duration

	// MaxAge is the age past which a sweep force-closes a request, treating
	// unresolved sub-probes as timeouts. The default is 45 seconds.
	MaxAge time.Duration

	Logger zerolog.Logger
}

// Monitor issues liveness probes and aggregates their results.
type Monitor struct {
	cfg Config

	mu       sync.Mutex
	requests map[string]*Request
	byProbe  map[string]*Request
}

// New returns a monitor ready to issue probes.
// Spawn Serve on its own goroutine to get stale request sweeping.
func New(cfg Config) *Monitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 45 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		requests: make(map[string]*Request),
		byProbe:  make(map[string]*Request),
	}
}

// Probe opens a probe cycle for the given connections, which should be every
// connection currently bound to the nickname. One ping IQ is sent per
// connection, addressed from the occupant's own room JID so that the reply
// (or lack of one) reflects the connection actually behind the nickname.
//
// The done callback is invoked exactly once with the aggregate outcome, from
// whichever goroutine closes the request.
func (m *Monitor) Probe(ctx context.Context, requester, roomAddr jid.JID, nick string, conns []jid.JID, done func(Outcome)) (*Request, error) {
	if len(conns) == 0 {
		return nil, errors.New("selfping: no connections to probe")
	}
	from, err := roomAddr.Bare().WithResource(nick)
	if err != nil {
		return nil, err
	}

	req := &Request{
		id:        attr.RandomID(),
		requester: requester,
		room:      roomAddr.Bare(),
		nick:      nick,
		created:   time.Now(),
		done:      done,
	}

	m.mu.Lock()
	for _, conn := range conns {
		p := &probe{id: attr.RandomID(), conn: conn}
		req.probes = append(req.probes, p)
		req.pending++
		m.byProbe[p.id] = req
	}
	m.requests[req.id] = req
	m.mu.Unlock()

	for _, p := range req.probes {
		iq := ping.IQ{
			IQ: stanza.IQ{
				ID:   p.id,
				To:   p.conn,
				From: from,
				Type: stanza.GetIQ,
			},
		}
		if err := m.cfg.Send.Send(ctx, iq.TokenReader()); err != nil {
			// A probe we cannot even send is as dead as one that errors back.
			m.cfg.Logger.Debug().Err(err).
				Str("conn", p.conn.String()).
				Msg("probe delivery failed")
			m.Resolve(p.id, false)
		}
	}

	m.cfg.Logger.Debug().
		Str("room", req.room.String()).
		Str("nick", nick).
		Int("probes", len(req.probes)).
		Msg("probe cycle opened")
	return req, nil
}

// Resolve records the result of a single sub-probe. Resolving an identifier
// that is unknown, or that belongs to a request that has already closed, is a
// no-op. When the last outstanding sub-probe of a request resolves the
// request is closed.
func (m *Monitor) Resolve(probeID string, ok bool) {
	m.mu.Lock()
	req := m.byProbe[probeID]
	if req == nil || req.closed {
		m.mu.Unlock()
		return
	}
	for _, p := range req.probes {
		if p.id != probeID || p.state != probePending {
			continue
		}
		if ok {
			p.state = probeOK
		} else {
			p.state = probeFailed
		}
		req.pending--
	}
	if req.pending > 0 {
		m.mu.Unlock()
		return
	}
	evict, outcome, done := m.closeLocked(req)
	m.mu.Unlock()
	m.finish(req, evict, outcome, done)
}

// Serve runs the periodic sweep until the context is canceled.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep force-closes every request older than MaxAge, counting unresolved
// sub-probes as timeouts.
func (m *Monitor) sweep(now time.Time) {
	type closure struct {
		req     *Request
		evict   []jid.JID
		outcome Outcome
		done    func(Outcome)
	}
	var closures []closure

	m.mu.Lock()
	for _, req := range m.requests {
		if req.closed || now.Sub(req.created) < m.cfg.MaxAge {
			continue
		}
		evict, outcome, done := m.closeLocked(req)
		closures = append(closures, closure{req, evict, outcome, done})
	}
	m.mu.Unlock()

	for _, c := range closures {
		m.finish(c.req, c.evict, c.outcome, c.done)
	}
}

// closeLocked finalizes a request: classifies the outcome, deregisters every
// sub-probe, and returns the connections to evict along with the completion
// callback. The caller must hold the monitor mutex and must invoke finish
// after releasing it. Requests already closed never reach this point, so the
// callback is returned exactly once per request.
func (m *Monitor) closeLocked(req *Request) ([]jid.JID, Outcome, func(Outcome)) {
	req.closed = true
	delete(m.requests, req.id)

	outcome := AllSuccess
	var evict []jid.JID
	for _, p := range req.probes {
		delete(m.byProbe, p.id)
		switch p.state {
		case probePending:
			outcome = Timeouts
			evict = append(evict, p.conn)
		case probeFailed:
			if outcome == AllSuccess {
				outcome = Errors
			}
			evict = append(evict, p.conn)
		}
	}
	done := req.done
	req.done = nil
	return evict, outcome, done
}

// finish applies the side effects of a closed request outside the monitor
// mutex: dead connections are evicted from every room they occupy and the
// completion callback fires.
func (m *Monitor) finish(req *Request, evict []jid.JID, outcome Outcome, done func(Outcome)) {
	for _, conn := range evict {
		m.cfg.Logger.Info().
			Str("conn", conn.String()).
			Str("room", req.room.String()).
			Str("nick", req.nick).
			Stringer("outcome", outcome).
			Msg("evicting unresponsive connection")
		if m.cfg.Evict != nil {
			m.cfg.Evict.KickConnection(context.Background(), conn)
		}
	}
	if done != nil {
		done(outcome)
	}
}

// Open returns the number of requests still awaiting closure.
func (m *Monitor) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Pending reports whether the given probe identifier is still registered.
// The host uses it to decide whether an inbound IQ result belongs to the
// monitor or to some other request/response exchange.
func (m *Monitor) Pending(probeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byProbe[probeID]
	return ok
}
