// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package room implements the presence and authorization engine for a
// multi-user chat service.
//
// A Room owns all live state for one chatroom: the occupant directory, the
// in-memory affiliation cache, the current subject, and the lifecycle flag.
// Every mutating operation takes the room's mutex, so all state transitions
// for a given room are serialized while distinct rooms proceed in parallel.
// Operations emit presence and message stanzas through the Sender and report
// rejections as stanza.Error values which the caller is expected to relay to
// the requesting entity.
package room

import (
	"context"
	"encoding/xml"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/internal/attr"
	"mellium.im/mucd/roomdb"
)

// Env collects the collaborators a room needs to operate.
// Every field except Archive and Events is required.
type Env struct {
	Send    Sender
	DB      roomdb.AffiliationStore
	Archive roomdb.Archive
	Events  Events
	Logger  zerolog.Logger
}

// Subject is the current room subject together with the nickname that set it
// and when.
type Subject struct {
	Text string
	Nick string
	At   time.Time
}

// Room is the live state of a single chatroom.
type Room struct {
	addr    jid.JID
	cfg     Config
	creator jid.JID
	created time.Time
	env     Env

	mu        sync.Mutex
	dir       *directory
	affils    map[string]muc.Affiliation
	subject   Subject
	destroyed bool
	fresh     bool
}

// New activates a room, rebuilding the affiliation cache from the store.
// The room is considered freshly created (and the first entrant will be told
// so with status code 201) when the store holds no prior grants for it.
func New(ctx context.Context, addr jid.JID, cfg Config, creator jid.JID, env Env) (*Room, error) {
	affils, err := env.DB.Affiliations(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &Room{
		addr:    addr.Bare(),
		cfg:     cfg,
		creator: creator.Bare(),
		created: time.Now(),
		env:     env,
		dir:     newDirectory(),
		affils:  affils,
		fresh:   len(affils) == 0,
	}, nil
}

// Addr returns the bare address of the room.
func (r *Room) Addr() jid.JID { return r.addr }

// Config returns the room configuration.
func (r *Room) Config() Config { return r.cfg }

// Created returns the room's activation time.
func (r *Room) Created() time.Time { return r.created }

// Destroyed reports whether the room has been torn down.
func (r *Room) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// Subject returns the current subject.
func (r *Room) Subject() Subject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subject
}

// Len returns the number of occupants.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir.len()
}

// Occupant returns a snapshot of the occupant holding the nickname, or nil.
func (r *Room) Occupant(nick string) *Occupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.dir.occupant(nick)
	if o == nil {
		return nil
	}
	snapshot := *o
	snapshot.conns = make(map[string]jid.JID, len(o.conns))
	for k, v := range o.conns {
		snapshot.conns[k] = v
	}
	return &snapshot
}

// OccupantForConn returns a snapshot of the occupant bound to the given
// connection, or nil.
func (r *Room) OccupantForConn(conn jid.JID) *Occupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.dir.occupantForConn(conn)
	if o == nil {
		return nil
	}
	snapshot := *o
	return &snapshot
}

// Nicks returns the nickname of every occupant.
func (r *Room) Nicks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	nicks := make([]string, 0, r.dir.len())
	for nick := range r.dir.byNick {
		nicks = append(nicks, nick)
	}
	return nicks
}

// AffiliationOf returns the cached affiliation of the bare JID behind the
// given address.
func (r *Room) AffiliationOf(j jid.JID) muc.Affiliation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.affiliation(j)
}

// affiliation returns the cached affiliation of the bare JID behind the given
// address.
func (r *Room) affiliation(j jid.JID) muc.Affiliation {
	return r.affils[j.Bare().String()]
}

// occupantAddr returns the room JID for a nickname.
func (r *Room) occupantAddr(nick string) (jid.JID, error) {
	return r.addr.WithResource(nick)
}

// sendPresence emits one presence stanza. Delivery is fire-and-forget: a
// transport error is logged and otherwise ignored.
func (r *Room) sendPresence(ctx context.Context, from, to jid.JID, typ stanza.PresenceType, payload Presence, item Item) {
	p := stanza.Presence{
		ID:   attr.RandomID(),
		From: from,
		To:   to,
		Type: typ,
	}
	err := r.env.Send.Send(ctx, p.Wrap(xmlstream.MultiReader(
		payload.TokenReader(),
		item.TokenReader(),
	)))
	if err != nil {
		r.env.Logger.Debug().Err(err).
			Str("room", r.addr.String()).
			Str("to", to.String()).
			Msg("presence delivery failed")
	}
}

// fanOutPresence broadcasts a presence from the given nickname to every
// connection of every occupant. The item callback picks the payload per
// recipient so that copies going back to the subject itself can carry status
// code 110 and real JIDs can be revealed selectively.
func (r *Room) fanOutPresence(ctx context.Context, fromNick string, typ stanza.PresenceType, payload Presence, item func(viewer *Occupant, conn jid.JID) Item) {
	from, err := r.occupantAddr(fromNick)
	if err != nil {
		return
	}
	for _, viewer := range r.dir.occupants() {
		for _, conn := range viewer.Conns() {
			r.sendPresence(ctx, from, conn, typ, payload, item(viewer, conn))
		}
	}
}

// maybeTeardown destroys a non-persistent room that has become empty.
// The caller must hold the room mutex.
func (r *Room) maybeTeardown() {
	if r.destroyed || r.cfg.Persistent || !r.dir.empty() {
		return
	}
	r.destroyed = true
	r.env.Logger.Debug().Str("room", r.addr.String()).Msg("room emptied")
	if r.env.Events != nil {
		r.env.Events.RoomEmptied(r.addr)
	}
}

// Enter processes a join request from the given connection.
//
// Checks run in a fixed order: room lifecycle, nickname validity, password,
// outcast rejection, members-only rejection, nickname conflict, and occupancy
// limit. All of them are pure rejections: they return a single stanza.Error
// and leave the directory untouched. A connection that already holds a
// different nickname is treated as a nickname change instead.
func (r *Room) Enter(ctx context.Context, conn jid.JID, nick string, payload Presence, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.Gone}
	}
	if _, err := r.occupantAddr(nick); err != nil || nick == "" {
		return stanza.Error{Type: stanza.Modify, Condition: stanza.JIDMalformed}
	}
	if r.cfg.Password != "" && password != r.cfg.Password {
		return stanza.Error{Type: stanza.Auth, Condition: stanza.NotAuthorized}
	}

	aff := r.affiliation(conn)
	if aff == muc.AffiliationOutcast {
		return stanza.Error{Type: stanza.Auth, Condition: stanza.Forbidden}
	}
	// The creator of a room with no recorded grants enters as its owner, so
	// the membership requirement never locks a brand new room's creator out.
	founder := aff == muc.AffiliationNone && len(r.affils) == 0 && conn.Bare().Equal(r.creator)
	if founder {
		aff = muc.AffiliationOwner
	}
	if r.cfg.MembersOnly && aff == muc.AffiliationNone {
		return stanza.Error{Type: stanza.Auth, Condition: stanza.RegistrationRequired}
	}

	existing := r.dir.occupant(nick)
	if existing != nil && !existing.bare.Equal(conn.Bare()) {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.Conflict}
	}

	if cur := r.dir.occupantForConn(conn); cur != nil {
		if cur.nick == nick {
			// Same connection, same nickname: a presence update.
			cur.presence = payload
			r.fanOutPresence(ctx, nick, stanza.AvailablePresence, payload, func(viewer *Occupant, _ jid.JID) Item {
				it := cur.item(viewer, r.cfg.Whois)
				if viewer == cur {
					it = it.WithStatus(StatusSelf)
				}
				return it
			})
			return nil
		}
		return r.changeNickLocked(ctx, cur, nick, payload)
	}

	if existing == nil && r.cfg.MaxOccupants > 0 && r.dir.len() >= r.cfg.MaxOccupants {
		return stanza.Error{Type: stanza.Wait, Condition: stanza.ServiceUnavailable}
	}

	if founder {
		err := r.env.DB.SetAffiliation(ctx, r.addr, conn.Bare(), muc.AffiliationOwner)
		if err != nil {
			r.env.Logger.Error().Err(err).
				Str("room", r.addr.String()).
				Str("user", conn.Bare().String()).
				Msg("persisting creator affiliation failed")
			return stanza.Error{Type: stanza.Wait, Condition: stanza.InternalServerError}
		}
		r.affils[conn.Bare().String()] = aff
	}

	role := roleFor(aff, r.cfg.Moderated)
	created := r.fresh
	r.fresh = false
	o := r.dir.add(nick, conn, role, aff, payload)

	// Existing occupants first, so the entrant can build a roster before its
	// own presence (the sequence point) arrives.
	for _, other := range r.dir.occupants() {
		if other == o {
			continue
		}
		from, err := r.occupantAddr(other.nick)
		if err != nil {
			continue
		}
		r.sendPresence(ctx, from, conn, stanza.AvailablePresence, other.presence, other.item(o, r.cfg.Whois))
	}

	r.fanOutPresence(ctx, nick, stanza.AvailablePresence, payload, func(viewer *Occupant, c jid.JID) Item {
		it := o.item(viewer, r.cfg.Whois)
		if viewer != o {
			return it
		}
		if c.Equal(conn) {
			it = it.WithStatus(StatusSelf)
			if r.cfg.Whois == WhoisAnyone {
				it = it.WithStatus(StatusNonAnonymous)
			}
			if created {
				it = it.WithStatus(StatusCreated)
			}
			return it
		}
		return it.WithStatus(StatusSelf)
	})

	if r.subject.Text != "" {
		r.sendSubject(ctx, conn, r.subject)
	}

	r.env.Logger.Info().
		Str("room", r.addr.String()).
		Str("nick", nick).
		Str("conn", conn.String()).
		Bool("created", created).
		Msg("occupant entered")
	return nil
}

// ChangeNick renames the occupant bound to the given connection.
func (r *Room) ChangeNick(ctx context.Context, conn jid.JID, newNick string, payload Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := r.dir.occupantForConn(conn)
	if o == nil {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound}
	}
	return r.changeNickLocked(ctx, o, newNick, payload)
}

func (r *Room) changeNickLocked(ctx context.Context, o *Occupant, newNick string, payload Presence) error {
	if _, err := r.occupantAddr(newNick); err != nil || newNick == "" {
		return stanza.Error{Type: stanza.Modify, Condition: stanza.JIDMalformed}
	}
	if target := r.dir.occupant(newNick); target != nil && target != o {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.Conflict}
	}

	oldNick := o.nick
	r.fanOutPresence(ctx, oldNick, stanza.UnavailablePresence, Presence{}, func(viewer *Occupant, _ jid.JID) Item {
		it := o.item(viewer, r.cfg.Whois)
		it.Nick = newNick
		it = it.WithStatus(StatusNewNick)
		if viewer == o {
			it = it.WithStatus(StatusSelf)
		}
		return it
	})

	r.dir.rename(o, newNick)
	o.presence = payload

	r.fanOutPresence(ctx, newNick, stanza.AvailablePresence, payload, func(viewer *Occupant, _ jid.JID) Item {
		it := o.item(viewer, r.cfg.Whois)
		if viewer == o {
			it = it.WithStatus(StatusSelf)
		}
		return it
	})

	r.env.Logger.Info().
		Str("room", r.addr.String()).
		Str("old", oldNick).
		Str("new", newNick).
		Msg("nickname changed")
	return nil
}

// Leave removes one connection from the room. If it was the occupant's last
// connection the departure is broadcast to every remaining occupant;
// otherwise only the departing connection is told. Leaving a room you do not
// occupy is a no-op so that ghost eviction can race a clean departure.
func (r *Room) Leave(ctx context.Context, conn jid.JID, payload Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, gone := r.dir.removeConn(conn)
	if o == nil {
		return nil
	}
	from, err := r.occupantAddr(o.nick)
	if err != nil {
		return err
	}

	if !gone {
		r.sendPresence(ctx, from, conn, stanza.UnavailablePresence, payload,
			Item{Affiliation: o.affiliation, Role: o.role}.WithStatus(StatusSelf))
		return nil
	}

	// The occupant is no longer in the directory, so fan out by hand and
	// include the departing connection itself.
	it := Item{Affiliation: o.affiliation, Role: muc.RoleNone}
	for _, viewer := range r.dir.occupants() {
		for _, c := range viewer.Conns() {
			r.sendPresence(ctx, from, c, stanza.UnavailablePresence, payload, it)
		}
	}
	r.sendPresence(ctx, from, conn, stanza.UnavailablePresence, payload, it.WithStatus(StatusSelf))

	r.env.Logger.Info().
		Str("room", r.addr.String()).
		Str("nick", o.nick).
		Str("conn", conn.String()).
		Msg("occupant left")
	r.maybeTeardown()
	return nil
}

// Shutdown empties the room because the service is going away: every
// connection gets a final self-presence tagged with status code 332.
// Persisted grants are kept, so persistent rooms come back intact on the next
// start.
func (r *Room) Shutdown(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return
	}
	for _, o := range r.dir.occupants() {
		from, err := r.occupantAddr(o.nick)
		if err != nil {
			continue
		}
		it := Item{Affiliation: o.affiliation, Role: muc.RoleNone}.
			WithStatus(StatusShutdown, StatusSelf)
		for _, conn := range o.Conns() {
			r.sendPresence(ctx, from, conn, stanza.UnavailablePresence, Presence{}, it)
		}
	}
	r.dir.clear()
	r.destroyed = true
	r.env.Logger.Info().Str("room", r.addr.String()).Msg("room shut down")
}

// sendSubject delivers the subject message to a single connection.
// The caller must hold the room mutex.
func (r *Room) sendSubject(ctx context.Context, to jid.JID, s Subject) {
	from, err := r.occupantAddr(s.Nick)
	if err != nil {
		from = r.addr
	}
	m := stanza.Message{
		ID:   attr.RandomID(),
		From: from,
		To:   to,
		Type: stanza.GroupChatMessage,
	}
	err = r.env.Send.Send(ctx, m.Wrap(xmlstream.Wrap(
		xmlstream.Token(xml.CharData(s.Text)),
		xml.StartElement{Name: xml.Name{Local: "subject"}},
	)))
	if err != nil {
		r.env.Logger.Debug().Err(err).Str("room", r.addr.String()).Msg("subject delivery failed")
	}
}
