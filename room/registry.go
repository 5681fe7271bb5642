// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"context"
	"sync"

	"mellium.im/xmpp/jid"
)

// Registry creates, looks up, and drops rooms by their bare address.
// Rooms report back through the Events interface which the registry wires
// into every room it creates; distinct registries are fully independent so
// tests (or tenants) can each run their own.
type Registry struct {
	env      Env
	defaults Config

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry returns a registry that activates rooms with the given
// collaborators and default configuration.
func NewRegistry(env Env, defaults Config) *Registry {
	return &Registry{
		env:      env,
		defaults: defaults,
		rooms:    make(map[string]*Room),
	}
}

// Lookup returns the room with the given address, or nil.
func (r *Registry) Lookup(addr jid.JID) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[addr.Bare().String()]
}

// LookupOrCreate returns the room with the given address, activating it with
// the registry's default configuration if it does not exist yet. The creator
// is recorded so that the engine can grant ownership on first entry.
//
// Activation reads the affiliation store, so it happens outside the registry
// mutex and a slow store never stalls lookups of unrelated rooms. Two
// concurrent activations of the same address race; the loser's room is
// discarded before anyone has seen it.
func (r *Registry) LookupOrCreate(ctx context.Context, addr jid.JID, creator jid.JID) (*Room, error) {
	addr = addr.Bare()
	if room := r.Lookup(addr); room != nil {
		return room, nil
	}
	env := r.env
	env.Events = r
	room, err := New(ctx, addr, r.defaults, creator, env)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.rooms[addr.String()]; existing != nil {
		return existing, nil
	}
	r.rooms[addr.String()] = room
	return room, nil
}

// Len returns the number of active rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Rooms returns every active room.
func (r *Registry) Rooms() []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// RoomEmptied implements Events by dropping the room.
func (r *Registry) RoomEmptied(addr jid.JID) {
	r.drop(addr)
}

// RoomDestroyed implements Events by dropping the room.
func (r *Registry) RoomDestroyed(addr jid.JID) {
	r.drop(addr)
}

func (r *Registry) drop(addr jid.JID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, addr.Bare().String())
}

// Shutdown tears down every active room with status code 332 and empties the
// registry. Joins racing the shutdown may still activate fresh rooms; callers
// are expected to stop accepting stanzas first.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	for _, room := range rooms {
		room.Shutdown(ctx)
	}
}

// KickConnection removes the connection from every room it currently
// occupies. It is the eviction hook used by the liveness monitor when a
// connection stops answering probes; failures are logged and the sweep moves
// on to the next room.
func (r *Registry) KickConnection(ctx context.Context, conn jid.JID) {
	for _, room := range r.Rooms() {
		if room.OccupantForConn(conn) == nil {
			continue
		}
		if err := room.Leave(ctx, conn, Presence{}); err != nil {
			r.env.Logger.Warn().Err(err).
				Str("room", room.Addr().String()).
				Str("conn", conn.String()).
				Msg("evicting dead connection failed")
		}
	}
}
