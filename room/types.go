// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"context"
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
)

// A list of status codes attached to presence broadcast by the service.
// See XEP-0045 §11 for the full registry.
const (
	// StatusNonAnonymous indicates that the full JID of every occupant is
	// visible to anyone in the room.
	StatusNonAnonymous = 100

	// StatusSelf marks a presence as the recipient's own.
	StatusSelf = 110

	// StatusCreated indicates that the room was created by the join that this
	// presence acknowledges.
	StatusCreated = 201

	// StatusBanned indicates removal due to an outcast affiliation.
	StatusBanned = 301

	// StatusNewNick indicates that the occupant changed nickname; the new
	// nickname is carried in the item's nick attribute.
	StatusNewNick = 303

	// StatusKicked indicates removal by a moderator.
	StatusKicked = 307

	// StatusAffiliationChange indicates removal caused by an affiliation
	// change.
	StatusAffiliationChange = 321

	// StatusMembersOnly indicates removal because the room became members-only
	// and the occupant is not a member.
	StatusMembersOnly = 322

	// StatusShutdown indicates removal because the service is shutting down.
	StatusShutdown = 332
)

// Whois controls which occupants may discover the real JID behind a nickname.
type Whois uint8

const (
	// WhoisModerators exposes real JIDs to moderators only (a semi-anonymous
	// room, the XEP-0045 default).
	WhoisModerators Whois = iota

	// WhoisAnyone exposes real JIDs to every occupant (a non-anonymous room).
	WhoisAnyone

	// WhoisNobody never exposes real JIDs (a fully-anonymous room).
	WhoisNobody
)

// Config holds the per-room configuration.
//
// Configuration is orthogonal to occupancy: it is fixed when the room is
// created or reconfigured by an owner and read (never written) by the
// presence state machine.
type Config struct {
	// Name is a human readable room title.
	Name string

	// Moderated rooms grant visitor (rather than participant) to users with no
	// affiliation.
	Moderated bool

	// Persistent rooms survive the departure of their last occupant.
	Persistent bool

	// MembersOnly rooms reject users with no affiliation.
	MembersOnly bool

	// Password protects entry when non-empty.
	Password string

	// MaxOccupants caps simultaneous occupants when greater than zero.
	MaxOccupants int

	// Whois controls real JID visibility.
	Whois Whois

	// Language is the primary language of discussion, advertised in service
	// discovery.
	Language string
}

// roleFor returns the default role assigned to a user with the given
// affiliation. Outcasts are rejected before a role is ever computed, so the
// mapping for them is RoleNone.
func roleFor(a muc.Affiliation, moderated bool) muc.Role {
	switch a {
	case muc.AffiliationOwner, muc.AffiliationAdmin:
		return muc.RoleModerator
	case muc.AffiliationMember:
		return muc.RoleParticipant
	case muc.AffiliationOutcast:
		return muc.RoleNone
	}
	if moderated {
		return muc.RoleVisitor
	}
	return muc.RoleParticipant
}

// Presence is the user supplied portion of a presence broadcast: the optional
// show and status elements. It is remembered per occupant so that a freshly
// joined user can be told about everyone already present.
type Presence struct {
	Show   string
	Status string
}

// TokenReader implements xmlstream.Marshaler.
// It emits the show and status children only; the enclosing presence element
// is supplied by the caller.
func (p Presence) TokenReader() xml.TokenReader {
	var inner []xml.TokenReader
	if p.Show != "" {
		inner = append(inner, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(p.Show)),
			xml.StartElement{Name: xml.Name{Local: "show"}},
		))
	}
	if p.Status != "" {
		inner = append(inner, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(p.Status)),
			xml.StartElement{Name: xml.Name{Local: "status"}},
		))
	}
	if len(inner) == 0 {
		return xmlstream.ReaderFunc(func() (xml.Token, error) {
			return nil, io.EOF
		})
	}
	return xmlstream.MultiReader(inner...)
}

// Sender is the outbound half of the stanza transport.
// It is satisfied by *xmpp.Session; delivery is fire-and-forget and failures
// are the transport's concern except in the liveness path.
type Sender interface {
	Send(ctx context.Context, r xml.TokenReader) error
}

// Events is the contract between a room and the registry that owns it.
type Events interface {
	// RoomEmptied is called after the last occupant of a non-persistent room
	// leaves and the room has been marked destroyed.
	RoomEmptied(room jid.JID)

	// RoomDestroyed is called after an owner explicitly destroys the room.
	RoomDestroyed(room jid.JID)
}
