// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"context"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"
)

// SetAffiliation changes the long-lived affiliation of a bare JID.
//
// Authorization: owners may grant anything; admins may grant only member or
// none and only to targets that are not currently owners or admins; everyone
// else is refused. The grant is written through to the store before the
// in-memory state changes, so a persistence failure leaves both sides
// untouched.
//
// If the target currently occupies the room the new affiliation is applied to
// every occupant bound to their bare JID, whatever nickname each one holds:
// outcasts are removed with status code 301, members
// dropped from members-only rooms with 321, and everyone else gets a fresh
// presence broadcast with their recomputed role.
func (r *Room) SetAffiliation(ctx context.Context, actor jid.JID, target jid.JID, a muc.Affiliation, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target = target.Bare()
	actorAff := r.affiliation(actor)
	switch actorAff {
	case muc.AffiliationOwner:
	case muc.AffiliationAdmin:
		if a != muc.AffiliationMember && a != muc.AffiliationNone {
			return stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed}
		}
		switch r.affiliation(target) {
		case muc.AffiliationOwner, muc.AffiliationAdmin:
			return stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed}
		}
	default:
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed}
	}

	err := r.env.DB.SetAffiliation(ctx, r.addr, target, a)
	if err != nil {
		r.env.Logger.Error().Err(err).
			Str("room", r.addr.String()).
			Str("user", target.String()).
			Str("affiliation", a.String()).
			Msg("persisting affiliation failed; change dropped")
		return stanza.Error{Type: stanza.Wait, Condition: stanza.InternalServerError}
	}
	if a == muc.AffiliationNone {
		delete(r.affils, target.String())
	} else {
		r.affils[target.String()] = a
	}

	// One bare JID may occupy the room under several nicknames, one per set
	// of connections, so the change has to reach every one of them.
	var occs []*Occupant
	for _, o := range r.dir.occupants() {
		if o.bare.Equal(target) {
			occs = append(occs, o)
		}
	}
	for _, occ := range occs {
		occ.affiliation = a
		switch {
		case a == muc.AffiliationOutcast:
			occ.role = muc.RoleNone
			r.removeOccupantLocked(ctx, occ, reason, StatusBanned)
		case a == muc.AffiliationNone && r.cfg.MembersOnly:
			occ.role = muc.RoleNone
			r.removeOccupantLocked(ctx, occ, reason, StatusAffiliationChange, StatusMembersOnly)
		default:
			occ.role = roleFor(a, r.cfg.Moderated)
			r.broadcastItemLocked(ctx, occ)
		}
	}
	return nil
}

// SetRole changes the session-scoped role of the occupant holding a nickname.
//
// The actor must be a moderator. Moderators whose affiliation is below admin
// may only act on participants and visitors, and only owners and admins may
// grant the moderator role. Setting the role to none removes the occupant
// with status code 307.
func (r *Room) SetRole(ctx context.Context, actor jid.JID, targetNick string, role muc.Role, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	actorOcc := r.dir.occupantForConn(actor)
	if actorOcc == nil || actorOcc.role != muc.RoleModerator {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed}
	}
	target := r.dir.occupant(targetNick)
	if target == nil {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound}
	}

	privileged := actorOcc.affiliation == muc.AffiliationOwner || actorOcc.affiliation == muc.AffiliationAdmin
	if !privileged && target.role == muc.RoleModerator {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed}
	}
	if role == muc.RoleModerator && !privileged {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed}
	}
	// Nobody may demote an occupant who outranks them in affiliation.
	if affiliationOutranks(target.affiliation, actorOcc.affiliation) {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed}
	}

	if role == muc.RoleNone {
		target.role = muc.RoleNone
		r.removeOccupantLocked(ctx, target, reason, StatusKicked)
		return nil
	}
	target.role = role
	r.broadcastItemLocked(ctx, target)
	return nil
}

// Destroy tears the room down. Only owners may do so.
//
// Every occupant receives a final unavailable presence from their own room
// JID carrying the destroy element, the directory is cleared, the persisted
// grants are purged, and the registry is told to drop the room.
func (r *Room) Destroy(ctx context.Context, actor jid.JID, reason string, alt jid.JID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.Gone}
	}
	if r.affiliation(actor) != muc.AffiliationOwner {
		return stanza.Error{Type: stanza.Auth, Condition: stanza.Forbidden}
	}

	it := Item{
		Affiliation: muc.AffiliationNone,
		Role:        muc.RoleNone,
		Destroy:     &Destroy{Reason: reason, AltJID: alt},
	}
	for _, o := range r.dir.occupants() {
		from, err := r.occupantAddr(o.nick)
		if err != nil {
			continue
		}
		for _, conn := range o.Conns() {
			r.sendPresence(ctx, from, conn, stanza.UnavailablePresence, Presence{}, it)
		}
	}
	r.dir.clear()
	r.destroyed = true

	if err := r.env.DB.Remove(ctx, r.addr); err != nil {
		// The room is gone from memory either way; surface the divergence.
		r.env.Logger.Error().Err(err).
			Str("room", r.addr.String()).
			Msg("purging persisted affiliations failed")
	}

	r.env.Logger.Info().
		Str("room", r.addr.String()).
		Str("actor", actor.Bare().String()).
		Msg("room destroyed")
	if r.env.Events != nil {
		r.env.Events.RoomDestroyed(r.addr)
	}
	return nil
}

// Affiliations returns the in-memory affiliation cache keyed by bare JID
// string, filtered to the given affiliation (useful for answering admin list
// queries).
func (r *Room) Affiliations(a muc.Affiliation) map[string]muc.Affiliation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]muc.Affiliation)
	for user, got := range r.affils {
		if got == a {
			out[user] = got
		}
	}
	return out
}

// removeOccupantLocked broadcasts the occupant's removal tagged with the
// given status codes and drops them from the directory. The caller must hold
// the room mutex and must already have adjusted the occupant's affiliation
// and role.
func (r *Room) removeOccupantLocked(ctx context.Context, o *Occupant, reason string, codes ...int) {
	r.fanOutPresence(ctx, o.nick, stanza.UnavailablePresence, Presence{}, func(viewer *Occupant, _ jid.JID) Item {
		it := Item{Affiliation: o.affiliation, Role: muc.RoleNone, Reason: reason}
		it = it.WithStatus(codes...)
		if viewer == o {
			it = it.WithStatus(StatusSelf)
		}
		return it
	})
	r.dir.remove(o)
	r.env.Logger.Info().
		Str("room", r.addr.String()).
		Str("nick", o.nick).
		Ints("status", codes).
		Msg("occupant removed")
	r.maybeTeardown()
}

// broadcastItemLocked re-broadcasts the occupant's current presence so that
// everyone sees an updated role or affiliation. The caller must hold the room
// mutex.
func (r *Room) broadcastItemLocked(ctx context.Context, o *Occupant) {
	r.fanOutPresence(ctx, o.nick, stanza.AvailablePresence, o.presence, func(viewer *Occupant, _ jid.JID) Item {
		it := o.item(viewer, r.cfg.Whois)
		if viewer == o {
			it = it.WithStatus(StatusSelf)
		}
		return it
	})
}

// affiliationOutranks reports whether a strictly outranks b in the
// owner > admin > member > none ordering. Outcasts rank below none.
func affiliationOutranks(a, b muc.Affiliation) bool {
	return affiliationRank(a) > affiliationRank(b)
}

func affiliationRank(a muc.Affiliation) int {
	switch a {
	case muc.AffiliationOwner:
		return 3
	case muc.AffiliationAdmin:
		return 2
	case muc.AffiliationMember:
		return 1
	case muc.AffiliationOutcast:
		return -1
	}
	return 0
}
