// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package roomdb defines the persistence contracts used by the chat service.
//
// Affiliations outlive any individual session: a ban or an ownership grant
// must still be in force when the room is next activated, so the engine
// treats the AffiliationStore as authoritative and only caches it in memory.
// The archive is write-only from the engine's point of view; reading history
// back out (MAM queries, pagination) is a concern of whatever serves the
// archive, not of the room engine.
package roomdb

import (
	"context"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
)

// AffiliationStore persists long-lived affiliation grants keyed by the bare
// JID of the user. Implementations must be safe for concurrent use.
type AffiliationStore interface {
	// Affiliation returns the stored affiliation for the user in the given
	// room, or muc.AffiliationNone if no grant is recorded.
	Affiliation(ctx context.Context, room, user jid.JID) (muc.Affiliation, error)

	// SetAffiliation records a new affiliation for the user in the given room.
	// Setting muc.AffiliationNone removes any existing grant.
	SetAffiliation(ctx context.Context, room, user jid.JID, a muc.Affiliation) error

	// Affiliations returns every recorded grant for the room keyed by the bare
	// JID string of the user.
	Affiliations(ctx context.Context, room jid.JID) (map[string]muc.Affiliation, error)

	// Remove purges every grant recorded for the room.
	Remove(ctx context.Context, room jid.JID) error
}

// Archive records messages broadcast through a room.
type Archive interface {
	Append(ctx context.Context, room jid.JID, sender jid.JID, nick, body string, at time.Time) error
}
