// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package selfping

import (
	"context"
	"encoding/xml"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
)

var (
	probedRoom = jid.MustParse("lounge@muc.example.org")
	connA      = jid.MustParse("alice@example.org/balcony")
	connB      = jid.MustParse("alice@example.org/garden")
)

type senderFunc func(ctx context.Context, r xml.TokenReader) error

func (f senderFunc) Send(ctx context.Context, r xml.TokenReader) error { return f(ctx, r) }

type sentPing struct {
	XMLName xml.Name `xml:"iq"`
	ID      string   `xml:"id,attr"`
	To      string   `xml:"to,attr"`
	From    string   `xml:"from,attr"`
	Type    string   `xml:"type,attr"`
}

// pingRecorder collects every outbound probe so tests can feed responses back
// by identifier.
type pingRecorder struct {
	mu    sync.Mutex
	pings []sentPing
}

func (r *pingRecorder) Send(_ context.Context, rd xml.TokenReader) error {
	var buf strings.Builder
	e := xml.NewEncoder(&buf)
	if _, err := xmlstream.Copy(e, rd); err != nil {
		return err
	}
	if err := e.Flush(); err != nil {
		return err
	}
	var p sentPing
	if err := xml.Unmarshal([]byte(buf.String()), &p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pings = append(r.pings, p)
	return nil
}

func (r *pingRecorder) idFor(t *testing.T, conn jid.JID) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pings {
		if p.To == conn.String() {
			return p.ID
		}
	}
	t.Fatalf("no probe sent to %v", conn)
	return ""
}

type evictRecorder struct {
	mu    sync.Mutex
	conns []jid.JID
}

func (e *evictRecorder) KickConnection(_ context.Context, conn jid.JID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns = append(e.conns, conn)
}

func (e *evictRecorder) evicted() []jid.JID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]jid.JID, len(e.conns))
	copy(out, e.conns)
	return out
}

// outcomeRecorder counts completion callbacks so tests can assert that a
// request closes exactly once.
type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (o *outcomeRecorder) done(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, out)
}

func (o *outcomeRecorder) all() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Outcome, len(o.outcomes))
	copy(out, o.outcomes)
	return out
}

func newTestMonitor(send interface {
	Send(ctx context.Context, r xml.TokenReader) error
}) (*Monitor, *evictRecorder) {
	evict := &evictRecorder{}
	return New(Config{
		Send:   send,
		Evict:  evict,
		Logger: zerolog.Nop(),
	}), evict
}

func TestProbeAllSuccess(t *testing.T) {
	rec := &pingRecorder{}
	m, evict := newTestMonitor(rec)
	var outcomes outcomeRecorder

	req, err := m.Probe(context.Background(), probedRoom, probedRoom, "alice", []jid.JID{connA, connB}, outcomes.done)
	if err != nil {
		t.Fatalf("error opening probe cycle: %v", err)
	}

	wantFrom := probedRoom.String() + "/alice"
	for _, conn := range []jid.JID{connA, connB} {
		id := rec.idFor(t, conn)
		if !m.Pending(id) {
			t.Errorf("sub-probe %s not pending after open", id)
		}
	}
	rec.mu.Lock()
	for _, p := range rec.pings {
		if p.From != wantFrom {
			t.Errorf("wrong probe sender: want=%s, got=%s", wantFrom, p.From)
		}
		if p.Type != "get" {
			t.Errorf("wrong probe type: want=get, got=%s", p.Type)
		}
	}
	rec.mu.Unlock()

	m.Resolve(rec.idFor(t, connA), true)
	if got := outcomes.all(); len(got) != 0 {
		t.Fatalf("request closed before the last sub-probe resolved: %v", got)
	}
	m.Resolve(rec.idFor(t, connB), true)

	got := outcomes.all()
	if len(got) != 1 || got[0] != AllSuccess {
		t.Fatalf("wrong outcomes: want=[all-success], got=%v", got)
	}
	if len(evict.evicted()) != 0 {
		t.Errorf("successful cycle evicted connections: %v", evict.evicted())
	}
	if m.Open() != 0 {
		t.Errorf("request still open after closure: %d", m.Open())
	}
	if m.Pending(req.probes[0].id) {
		t.Error("sub-probe still pending after closure")
	}
}

func TestProbeErrorsEvict(t *testing.T) {
	rec := &pingRecorder{}
	m, evict := newTestMonitor(rec)
	var outcomes outcomeRecorder

	_, err := m.Probe(context.Background(), probedRoom, probedRoom, "alice", []jid.JID{connA, connB}, outcomes.done)
	if err != nil {
		t.Fatalf("error opening probe cycle: %v", err)
	}
	m.Resolve(rec.idFor(t, connA), true)
	m.Resolve(rec.idFor(t, connB), false)

	got := outcomes.all()
	if len(got) != 1 || got[0] != Errors {
		t.Fatalf("wrong outcomes: want=[errors], got=%v", got)
	}
	evicted := evict.evicted()
	if len(evicted) != 1 || !evicted[0].Equal(connB) {
		t.Fatalf("wrong evictions: want=[%v], got=%v", connB, evicted)
	}
}

func TestSweepClosesStaleRequests(t *testing.T) {
	rec := &pingRecorder{}
	m, evict := newTestMonitor(rec)
	var outcomes outcomeRecorder

	_, err := m.Probe(context.Background(), probedRoom, probedRoom, "alice", []jid.JID{connA, connB}, outcomes.done)
	if err != nil {
		t.Fatalf("error opening probe cycle: %v", err)
	}
	idB := rec.idFor(t, connB)
	m.Resolve(rec.idFor(t, connA), true)

	// Too young: nothing happens.
	m.sweep(time.Now())
	if got := outcomes.all(); len(got) != 0 {
		t.Fatalf("sweep closed a request inside the probe window: %v", got)
	}

	m.sweep(time.Now().Add(time.Hour))
	got := outcomes.all()
	if len(got) != 1 || got[0] != Timeouts {
		t.Fatalf("wrong outcomes: want=[timeouts], got=%v", got)
	}
	evicted := evict.evicted()
	if len(evicted) != 1 || !evicted[0].Equal(connB) {
		t.Fatalf("wrong evictions: want=[%v], got=%v", connB, evicted)
	}

	// Closure is idempotent: late responses and further sweeps are no-ops.
	m.Resolve(idB, true)
	m.sweep(time.Now().Add(2 * time.Hour))
	if got := outcomes.all(); len(got) != 1 {
		t.Fatalf("completion callback fired more than once: %v", got)
	}
	if m.Open() != 0 {
		t.Errorf("request still open after sweep: %d", m.Open())
	}
}

func TestResolveUnknownProbe(t *testing.T) {
	m, _ := newTestMonitor(senderFunc(func(context.Context, xml.TokenReader) error { return nil }))
	m.Resolve("no-such-probe", true)
	if m.Open() != 0 {
		t.Errorf("unknown resolution opened a request: %d", m.Open())
	}
}

func TestProbeSendFailure(t *testing.T) {
	send := senderFunc(func(context.Context, xml.TokenReader) error {
		return errors.New("connection reset")
	})
	m, evict := newTestMonitor(send)
	var outcomes outcomeRecorder

	_, err := m.Probe(context.Background(), probedRoom, probedRoom, "alice", []jid.JID{connA, connB}, outcomes.done)
	if err != nil {
		t.Fatalf("error opening probe cycle: %v", err)
	}

	// Every send failed, so the request closed without a single response.
	got := outcomes.all()
	if len(got) != 1 || got[0] != Errors {
		t.Fatalf("wrong outcomes: want=[errors], got=%v", got)
	}
	if len(evict.evicted()) != 2 {
		t.Fatalf("wrong evictions: want=2, got=%v", evict.evicted())
	}
}

func TestProbeNoConnections(t *testing.T) {
	m, _ := newTestMonitor(senderFunc(func(context.Context, xml.TokenReader) error { return nil }))
	_, err := m.Probe(context.Background(), probedRoom, probedRoom, "alice", nil, func(Outcome) {})
	if err == nil {
		t.Fatal("probe cycle opened with no connections")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	m, _ := newTestMonitor(senderFunc(func(context.Context, xml.TokenReader) error { return nil }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("wrong error: want=%v, got=%v", context.Canceled, err)
	}
}

func TestOutcomeString(t *testing.T) {
	testCases := map[Outcome]string{
		AllSuccess: "all-success",
		Errors:     "errors",
		Timeouts:   "timeouts",
		Outcome(9): "invalid",
	}
	for o, want := range testCases {
		if got := o.String(); got != want {
			t.Errorf("wrong string for %d: want=%s, got=%s", uint8(o), want, got)
		}
	}
}
