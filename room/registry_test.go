// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"

	"mellium.im/mucd/room"
	"mellium.im/mucd/roomdb"
)

func newTestRegistry(t *testing.T, defaults room.Config) (*room.Registry, *recorder, *roomdb.Memory) {
	t.Helper()
	rec := &recorder{}
	db := &roomdb.Memory{}
	return room.NewRegistry(room.Env{
		Send:    rec,
		DB:      db,
		Archive: db,
		Logger:  zerolog.Nop(),
	}, defaults), rec, db
}

func TestRegistryLookupOrCreate(t *testing.T) {
	reg, _, _ := newTestRegistry(t, room.Config{})
	ctx := context.Background()

	if got := reg.Lookup(lounge); got != nil {
		t.Fatal("lookup of an inactive room returned a room")
	}
	first, err := reg.LookupOrCreate(ctx, lounge, aliceConn)
	if err != nil {
		t.Fatalf("error activating room: %v", err)
	}
	second, err := reg.LookupOrCreate(ctx, lounge, bobConn)
	if err != nil {
		t.Fatalf("error looking up room: %v", err)
	}
	if first != second {
		t.Error("second activation returned a different room")
	}
	if got := reg.Len(); got != 1 {
		t.Errorf("wrong number of rooms: want=1, got=%d", got)
	}
	if got := reg.Lookup(lounge); got != first {
		t.Error("lookup did not return the active room")
	}
}

func TestRegistryDropsEmptiedRoom(t *testing.T) {
	reg, _, _ := newTestRegistry(t, room.Config{})
	ctx := context.Background()

	rm, err := reg.LookupOrCreate(ctx, lounge, aliceConn)
	if err != nil {
		t.Fatalf("error activating room: %v", err)
	}
	if err := rm.Enter(ctx, aliceConn, "alice", room.Presence{}, ""); err != nil {
		t.Fatalf("error entering: %v", err)
	}
	if err := rm.Leave(ctx, aliceConn, room.Presence{}); err != nil {
		t.Fatalf("error leaving: %v", err)
	}
	if got := reg.Len(); got != 0 {
		t.Errorf("emptied room not dropped: %d rooms left", got)
	}
}

func TestRegistryDropsDestroyedRoom(t *testing.T) {
	reg, _, _ := newTestRegistry(t, room.Config{Persistent: true})
	ctx := context.Background()

	rm, err := reg.LookupOrCreate(ctx, lounge, aliceConn)
	if err != nil {
		t.Fatalf("error activating room: %v", err)
	}
	if err := rm.Enter(ctx, aliceConn, "alice", room.Presence{}, ""); err != nil {
		t.Fatalf("error entering: %v", err)
	}
	if err := rm.Destroy(ctx, aliceConn, "", jid.JID{}); err != nil {
		t.Fatalf("error destroying: %v", err)
	}
	if got := reg.Len(); got != 0 {
		t.Errorf("destroyed room not dropped: %d rooms left", got)
	}
}

func TestRegistryShutdown(t *testing.T) {
	reg, rec, db := newTestRegistry(t, room.Config{Persistent: true})
	ctx := context.Background()

	rm, err := reg.LookupOrCreate(ctx, lounge, aliceConn)
	if err != nil {
		t.Fatalf("error activating room: %v", err)
	}
	if err := rm.Enter(ctx, aliceConn, "alice", room.Presence{}, ""); err != nil {
		t.Fatalf("error entering: %v", err)
	}
	if err := rm.Enter(ctx, bobConn, "bob", room.Presence{}, ""); err != nil {
		t.Fatalf("error entering: %v", err)
	}
	rec.reset()

	reg.Shutdown(ctx)

	if got := reg.Len(); got != 0 {
		t.Errorf("rooms survived shutdown: %d", got)
	}
	if !rm.Destroyed() {
		t.Error("room not torn down by shutdown")
	}
	for _, conn := range []jid.JID{aliceConn, bobConn} {
		got := rec.presencesTo(t, conn)
		if len(got) != 1 {
			t.Fatalf("wrong number of presences to %v: want=1, got=%d", conn, len(got))
		}
		p := got[0]
		if p.Type != "unavailable" || !p.hasCode(room.StatusShutdown) || !p.hasCode(room.StatusSelf) {
			t.Errorf("final presence to %v not tagged 332+110: type=%s codes=%v", conn, p.Type, p.X.Status)
		}
	}

	// Grants survive so persistent rooms come back after a restart.
	grants, err := db.Affiliations(ctx, lounge)
	if err != nil {
		t.Fatalf("error reading store: %v", err)
	}
	if grants[aliceConn.Bare().String()] != muc.AffiliationOwner {
		t.Errorf("owner grant lost across shutdown: %v", grants)
	}

	rec.reset()
	reg.Shutdown(ctx)
	if got := rec.all(); len(got) != 0 {
		t.Errorf("repeated shutdown emitted %d stanzas", len(got))
	}
}

func TestRegistryConcurrentActivation(t *testing.T) {
	reg, _, _ := newTestRegistry(t, room.Config{})
	ctx := context.Background()

	rooms := make([]*room.Room, 8)
	var wg sync.WaitGroup
	for i := range rooms {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rm, err := reg.LookupOrCreate(ctx, lounge, aliceConn)
			if err != nil {
				t.Errorf("error activating room: %v", err)
				return
			}
			rooms[i] = rm
		}(i)
	}
	wg.Wait()

	if got := reg.Len(); got != 1 {
		t.Fatalf("wrong number of rooms: want=1, got=%d", got)
	}
	want := reg.Lookup(lounge)
	for i, rm := range rooms {
		if rm != want {
			t.Errorf("activation %d returned a different room", i)
		}
	}
}

func TestRegistryKickConnection(t *testing.T) {
	reg, _, _ := newTestRegistry(t, room.Config{})
	ctx := context.Background()
	parlor := jid.MustParse("parlor@muc.example.org")

	for _, addr := range []jid.JID{lounge, parlor} {
		rm, err := reg.LookupOrCreate(ctx, addr, aliceConn)
		if err != nil {
			t.Fatalf("error activating room: %v", err)
		}
		if err := rm.Enter(ctx, aliceConn, "alice", room.Presence{}, ""); err != nil {
			t.Fatalf("error entering: %v", err)
		}
		if err := rm.Enter(ctx, bobConn, "bob", room.Presence{}, ""); err != nil {
			t.Fatalf("error entering: %v", err)
		}
	}

	reg.KickConnection(ctx, aliceConn)

	for _, rm := range reg.Rooms() {
		if rm.OccupantForConn(aliceConn) != nil {
			t.Errorf("connection still occupies %v after eviction", rm.Addr())
		}
		if rm.OccupantForConn(bobConn) == nil {
			t.Errorf("eviction removed an unrelated occupant from %v", rm.Addr())
		}
	}
	if got := reg.Len(); got != 2 {
		t.Errorf("wrong number of rooms after eviction: want=2, got=%d", got)
	}
}
