// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"context"
	"encoding/xml"
	"time"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/internal/attr"
)

// Broadcast fans a groupchat message out to every occupant and appends it to
// the archive. The sender must be an occupant with voice: visitors in a
// moderated room are refused.
func (r *Room) Broadcast(ctx context.Context, from jid.JID, id, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := r.dir.occupantForConn(from)
	if o == nil {
		return stanza.Error{Type: stanza.Modify, Condition: stanza.NotAcceptable}
	}
	if o.role == muc.RoleVisitor || o.role == muc.RoleNone {
		return stanza.Error{Type: stanza.Auth, Condition: stanza.Forbidden}
	}
	fromAddr, err := r.occupantAddr(o.nick)
	if err != nil {
		return err
	}

	if id == "" {
		id = attr.RandomID()
	}
	payload := func() xml.TokenReader {
		return xmlstream.Wrap(
			xmlstream.Token(xml.CharData(body)),
			xml.StartElement{Name: xml.Name{Local: "body"}},
		)
	}
	for _, viewer := range r.dir.occupants() {
		for _, conn := range viewer.Conns() {
			m := stanza.Message{
				ID:   id,
				From: fromAddr,
				To:   conn,
				Type: stanza.GroupChatMessage,
			}
			if err := r.env.Send.Send(ctx, m.Wrap(payload())); err != nil {
				r.env.Logger.Debug().Err(err).
					Str("room", r.addr.String()).
					Str("to", conn.String()).
					Msg("message delivery failed")
			}
		}
	}

	if r.env.Archive != nil {
		err := r.env.Archive.Append(ctx, r.addr, o.bare, o.nick, body, time.Now())
		if err != nil {
			// Losing history silently would be worse than the noise.
			r.env.Logger.Error().Err(err).
				Str("room", r.addr.String()).
				Str("nick", o.nick).
				Msg("archiving message failed")
		}
	}
	return nil
}

// PrivateMessage relays a chat message from one occupant to another through
// the room, rewriting the sender to their room JID so the recipient sees the
// nickname and not the real address.
func (r *Room) PrivateMessage(ctx context.Context, from jid.JID, toNick, id, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := r.dir.occupantForConn(from)
	if o == nil {
		return stanza.Error{Type: stanza.Modify, Condition: stanza.NotAcceptable}
	}
	target := r.dir.occupant(toNick)
	if target == nil {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound}
	}
	fromAddr, err := r.occupantAddr(o.nick)
	if err != nil {
		return err
	}

	if id == "" {
		id = attr.RandomID()
	}
	for _, conn := range target.Conns() {
		m := stanza.Message{
			ID:   id,
			From: fromAddr,
			To:   conn,
			Type: stanza.ChatMessage,
		}
		err := r.env.Send.Send(ctx, m.Wrap(xmlstream.Wrap(
			xmlstream.Token(xml.CharData(body)),
			xml.StartElement{Name: xml.Name{Local: "body"}},
		)))
		if err != nil {
			r.env.Logger.Debug().Err(err).
				Str("room", r.addr.String()).
				Str("to", conn.String()).
				Msg("private message delivery failed")
		}
	}
	return nil
}

// SetSubject changes the room subject and broadcasts it. Only occupants with
// voice may change the subject.
func (r *Room) SetSubject(ctx context.Context, from jid.JID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := r.dir.occupantForConn(from)
	if o == nil {
		return stanza.Error{Type: stanza.Modify, Condition: stanza.NotAcceptable}
	}
	if o.role == muc.RoleVisitor || o.role == muc.RoleNone {
		return stanza.Error{Type: stanza.Auth, Condition: stanza.Forbidden}
	}

	r.subject = Subject{Text: text, Nick: o.nick, At: time.Now()}
	for _, viewer := range r.dir.occupants() {
		for _, conn := range viewer.Conns() {
			r.sendSubject(ctx, conn, r.subject)
		}
	}
	return nil
}
