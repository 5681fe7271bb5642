// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package sqldb_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"

	"mellium.im/mucd/roomdb/sqldb"
)

var (
	lounge = jid.MustParse("lounge@muc.example.org")
	alice  = jid.MustParse("alice@example.org")
	bob    = jid.MustParse("bob@example.net")
)

func openTestStore(t *testing.T) *sqldb.Store {
	t.Helper()
	s, err := sqldb.Open(filepath.Join(t.TempDir(), "mucd.db"))
	if err != nil {
		t.Fatalf("error opening store: %v", err)
	}
	return s
}

func TestStoreAffiliations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.Affiliation(ctx, lounge, alice)
	if err != nil {
		t.Fatalf("error reading empty store: %v", err)
	}
	if a != muc.AffiliationNone {
		t.Errorf("wrong default affiliation: want=%v, got=%v", muc.AffiliationNone, a)
	}

	if err := s.SetAffiliation(ctx, lounge, alice, muc.AffiliationOwner); err != nil {
		t.Fatalf("error writing grant: %v", err)
	}
	// Writing again upserts rather than duplicating the row.
	if err := s.SetAffiliation(ctx, lounge, alice, muc.AffiliationAdmin); err != nil {
		t.Fatalf("error overwriting grant: %v", err)
	}
	if err := s.SetAffiliation(ctx, lounge, bob, muc.AffiliationOutcast); err != nil {
		t.Fatalf("error writing grant: %v", err)
	}

	a, err = s.Affiliation(ctx, lounge, jid.MustParse("alice@example.org/balcony"))
	if err != nil {
		t.Fatalf("error reading grant: %v", err)
	}
	if a != muc.AffiliationAdmin {
		t.Errorf("wrong affiliation: want=%v, got=%v", muc.AffiliationAdmin, a)
	}

	all, err := s.Affiliations(ctx, lounge)
	if err != nil {
		t.Fatalf("error listing grants: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("wrong number of grants: want=2, got=%d", len(all))
	}
	if all[alice.String()] != muc.AffiliationAdmin || all[bob.String()] != muc.AffiliationOutcast {
		t.Errorf("wrong grants: %v", all)
	}

	// Granting none deletes the stored row.
	if err := s.SetAffiliation(ctx, lounge, bob, muc.AffiliationNone); err != nil {
		t.Fatalf("error revoking grant: %v", err)
	}
	all, err = s.Affiliations(ctx, lounge)
	if err != nil {
		t.Fatalf("error listing grants: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("revoked grant still listed: %v", all)
	}

	if err := s.Remove(ctx, lounge); err != nil {
		t.Fatalf("error removing room: %v", err)
	}
	all, err = s.Affiliations(ctx, lounge)
	if err != nil {
		t.Fatalf("error listing grants: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("grants survived removal: %v", all)
	}
}

func TestStoreArchive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	err := s.Append(ctx, lounge, alice, "alice", "hello", time.Now())
	if err != nil {
		t.Fatalf("error archiving: %v", err)
	}
}
