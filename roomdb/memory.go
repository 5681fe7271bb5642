// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package roomdb

import (
	"context"
	"sync"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
)

// Memory is an in-memory AffiliationStore and Archive.
// It is primarily useful for tests and for running the service without a
// database; nothing survives a restart.
//
// The zero value is ready to use.
type Memory struct {
	mu       sync.Mutex
	grants   map[string]map[string]muc.Affiliation
	messages []ArchivedMessage
}

// ArchivedMessage is a single message recorded by the in-memory archive.
type ArchivedMessage struct {
	Room   jid.JID
	Sender jid.JID
	Nick   string
	Body   string
	At     time.Time
}

// Affiliation implements AffiliationStore.
func (m *Memory) Affiliation(_ context.Context, room, user jid.JID) (muc.Affiliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grants[room.Bare().String()][user.Bare().String()], nil
}

// SetAffiliation implements AffiliationStore.
func (m *Memory) SetAffiliation(_ context.Context, room, user jid.JID, a muc.Affiliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	roomKey := room.Bare().String()
	userKey := user.Bare().String()
	if a == muc.AffiliationNone {
		delete(m.grants[roomKey], userKey)
		return nil
	}
	if m.grants == nil {
		m.grants = make(map[string]map[string]muc.Affiliation)
	}
	if m.grants[roomKey] == nil {
		m.grants[roomKey] = make(map[string]muc.Affiliation)
	}
	m.grants[roomKey][userKey] = a
	return nil
}

// Affiliations implements AffiliationStore.
func (m *Memory) Affiliations(_ context.Context, room jid.JID) (map[string]muc.Affiliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]muc.Affiliation, len(m.grants[room.Bare().String()]))
	for user, a := range m.grants[room.Bare().String()] {
		out[user] = a
	}
	return out, nil
}

// Remove implements AffiliationStore.
func (m *Memory) Remove(_ context.Context, room jid.JID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, room.Bare().String())
	return nil
}

// Append implements Archive.
func (m *Memory) Append(_ context.Context, room jid.JID, sender jid.JID, nick, body string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, ArchivedMessage{
		Room:   room.Bare(),
		Sender: sender,
		Nick:   nick,
		Body:   body,
		At:     at,
	})
	return nil
}

// Messages returns a copy of every message recorded so far.
func (m *Memory) Messages() []ArchivedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ArchivedMessage, len(m.messages))
	copy(out, m.messages)
	return out
}
