// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
)

// Occupant is one nickname's presence in a room for the lifetime of a
// session. A nickname may be shared by several connections of the same bare
// JID (one user joined from multiple devices); it is never shared across bare
// JIDs.
type Occupant struct {
	nick        string
	bare        jid.JID
	conns       map[string]jid.JID
	role        muc.Role
	affiliation muc.Affiliation
	presence    Presence
}

// Nick returns the occupant's nickname.
func (o *Occupant) Nick() string { return o.nick }

// Bare returns the bare JID shared by the occupant's connections.
func (o *Occupant) Bare() jid.JID { return o.bare }

// Role returns the occupant's current role.
func (o *Occupant) Role() muc.Role { return o.role }

// Affiliation returns the occupant's current affiliation.
func (o *Occupant) Affiliation() muc.Affiliation { return o.affiliation }

// Presence returns the last presence payload broadcast for the occupant.
func (o *Occupant) Presence() Presence { return o.presence }

// Conns returns the full JID of every connection currently bound to the
// nickname.
func (o *Occupant) Conns() []jid.JID {
	conns := make([]jid.JID, 0, len(o.conns))
	for _, c := range o.conns {
		conns = append(conns, c)
	}
	return conns
}

// item returns the muc#user item describing the occupant. The real JID is
// attached only when this room's whois policy exposes it to the viewer.
func (o *Occupant) item(viewer *Occupant, whois Whois) Item {
	it := Item{Affiliation: o.affiliation, Role: o.role}
	switch whois {
	case WhoisAnyone:
		it.JID = o.bare
	case WhoisModerators:
		if viewer != nil && viewer.role == muc.RoleModerator {
			it.JID = o.bare
		}
	}
	return it
}

// directory is the bidirectional nickname ↔ connection mapping for one room.
// It is owned by the room and only ever touched while the room's mutex is
// held.
type directory struct {
	byNick map[string]*Occupant
	byConn map[string]*Occupant
}

func newDirectory() *directory {
	return &directory{
		byNick: make(map[string]*Occupant),
		byConn: make(map[string]*Occupant),
	}
}

func (d *directory) occupant(nick string) *Occupant {
	return d.byNick[nick]
}

func (d *directory) occupantForConn(conn jid.JID) *Occupant {
	return d.byConn[conn.String()]
}

func (d *directory) empty() bool { return len(d.byNick) == 0 }

func (d *directory) len() int { return len(d.byNick) }

func (d *directory) occupants() []*Occupant {
	occupants := make([]*Occupant, 0, len(d.byNick))
	for _, o := range d.byNick {
		occupants = append(occupants, o)
	}
	return occupants
}

// add binds a connection to a nickname, creating the occupant if the nickname
// is free.
func (d *directory) add(nick string, conn jid.JID, role muc.Role, affiliation muc.Affiliation, p Presence) *Occupant {
	o := d.byNick[nick]
	if o == nil {
		o = &Occupant{
			nick:        nick,
			bare:        conn.Bare(),
			conns:       make(map[string]jid.JID),
			role:        role,
			affiliation: affiliation,
		}
		d.byNick[nick] = o
	}
	o.conns[conn.String()] = conn
	o.presence = p
	d.byConn[conn.String()] = o
	return o
}

// removeConn unbinds a single connection. It reports whether the occupant was
// removed entirely (ie. this was its last connection).
func (d *directory) removeConn(conn jid.JID) (*Occupant, bool) {
	o := d.byConn[conn.String()]
	if o == nil {
		return nil, false
	}
	delete(d.byConn, conn.String())
	delete(o.conns, conn.String())
	if len(o.conns) > 0 {
		return o, false
	}
	delete(d.byNick, o.nick)
	return o, true
}

// remove unbinds the occupant and every connection behind it.
func (d *directory) remove(o *Occupant) {
	for key := range o.conns {
		delete(d.byConn, key)
	}
	delete(d.byNick, o.nick)
}

// rename moves the occupant to a new nickname. The caller must have verified
// that the new nickname is free.
func (d *directory) rename(o *Occupant, newNick string) {
	delete(d.byNick, o.nick)
	o.nick = newNick
	d.byNick[newNick] = o
}

func (d *directory) clear() {
	d.byNick = make(map[string]*Occupant)
	d.byConn = make(map[string]*Occupant)
}
