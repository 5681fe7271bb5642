// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package host converts the inbound stanza stream of a component session into
// calls on the room engine.
//
// The operation set is closed: available presence addressed to room/nick is
// an enter (or nickname change), unavailable presence a departure, groupchat
// messages a broadcast or subject change, chat messages a private message,
// and muc#admin/muc#owner IQs administration and destruction. IQ results and
// errors carrying a known probe identifier are routed to the liveness
// monitor. Everything is resolved once, here, at the boundary; the engine
// never sees raw XML.
package host

import (
	"context"
	"encoding/xml"
	"errors"

	"github.com/rs/zerolog"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/disco/info"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/ping"
	"mellium.im/xmpp/stanza"

	"mellium.im/mucd/internal/attr"
	"mellium.im/mucd/room"
	"mellium.im/mucd/selfping"
)

// Server routes stanzas addressed to the chat service.
type Server struct {
	rooms  *room.Registry
	pings  *selfping.Monitor
	logger zerolog.Logger
	inner  *mux.ServeMux
}

// New returns a server that dispatches to the given registry and liveness
// monitor.
func New(rooms *room.Registry, pings *selfping.Monitor, logger zerolog.Logger) *Server {
	s := &Server{
		rooms:  rooms,
		pings:  pings,
		logger: logger,
	}
	s.inner = mux.New(
		component.NSAccept,
		mux.PresenceFunc(stanza.AvailablePresence, xml.Name{}, s.handlePresence),
		mux.PresenceFunc(stanza.UnavailablePresence, xml.Name{}, s.handlePresence),
		mux.MessageFunc(stanza.GroupChatMessage, xml.Name{}, s.handleGroupChat),
		mux.MessageFunc(stanza.ChatMessage, xml.Name{}, s.handleChat),
		mux.IQFunc(stanza.SetIQ, xml.Name{Space: muc.NSAdmin, Local: "query"}, s.handleAdminSet),
		mux.IQFunc(stanza.GetIQ, xml.Name{Space: muc.NSAdmin, Local: "query"}, s.handleAdminGet),
		mux.IQFunc(stanza.SetIQ, xml.Name{Space: muc.NSOwner, Local: "query"}, s.handleOwnerSet),
		mux.IQFunc(stanza.GetIQ, xml.Name{Space: disco.NSInfo, Local: "query"}, s.handleDiscoInfo),
		mux.IQFunc(stanza.GetIQ, xml.Name{Space: ping.NS, Local: "ping"}, s.handlePing),
	)
	return s
}

// HandleXMPP implements xmpp.Handler.
// Probe responses are intercepted before multiplexing: an IQ result or error
// whose identifier matches an open sub-probe belongs to the liveness monitor
// and produces no further processing.
func (s *Server) HandleXMPP(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	if start.Name.Local == "iq" {
		typ := attr.Get(start.Attr, "type")
		if typ == string(stanza.ResultIQ) || typ == string(stanza.ErrorIQ) {
			if id := attr.Get(start.Attr, "id"); s.pings.Pending(id) {
				s.pings.Resolve(id, typ == string(stanza.ResultIQ))
				return nil
			}
		}
	}
	return s.inner.HandleXMPP(t, start)
}

// stanzaError converts any error returned by the engine into a wire error
// payload.
func stanzaError(err error) stanza.Error {
	var se stanza.Error
	if errors.As(err, &se) {
		return se
	}
	return stanza.Error{Type: stanza.Wait, Condition: stanza.InternalServerError}
}

type inboundPresence struct {
	stanza.Presence
	Show   string `xml:"show"`
	Status string `xml:"status"`
	X      struct {
		XMLName  xml.Name `xml:"http://jabber.org/protocol/muc x"`
		Password string   `xml:"password"`
	} `xml:"x"`
}

func (s *Server) handlePresence(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	d := xml.NewTokenDecoder(t)
	var pres inboundPresence
	if err := d.Decode(&pres); err != nil {
		return err
	}

	nick := p.To.Resourcepart()
	if nick == "" {
		return s.presenceError(t, p, stanza.Error{Type: stanza.Modify, Condition: stanza.JIDMalformed})
	}
	ctx := context.Background()
	payload := room.Presence{Show: pres.Show, Status: pres.Status}

	switch p.Type {
	case stanza.AvailablePresence:
		rm, err := s.rooms.LookupOrCreate(ctx, p.To, p.From)
		if err != nil {
			s.logger.Error().Err(err).Str("room", p.To.Bare().String()).Msg("activating room failed")
			return s.presenceError(t, p, stanzaError(err))
		}
		err = rm.Enter(ctx, p.From, nick, payload, pres.X.Password)
		if err != nil {
			se := stanzaError(err)
			if se.Condition == stanza.Conflict {
				// The nickname holder may be a ghost; probe it so a retry can
				// succeed once the dead connections are reaped.
				s.probeConflict(ctx, rm, nick)
			}
			return s.presenceError(t, p, se)
		}
	case stanza.UnavailablePresence:
		rm := s.rooms.Lookup(p.To)
		if rm == nil {
			return nil
		}
		if err := rm.Leave(ctx, p.From, payload); err != nil {
			return s.presenceError(t, p, stanzaError(err))
		}
	}
	return nil
}

// probeConflict opens a liveness probe for the connections holding a
// contested nickname. Best effort: the conflicting join already failed and
// the probe only serves to clear ghosts before the next attempt.
func (s *Server) probeConflict(ctx context.Context, rm *room.Room, nick string) {
	occ := rm.Occupant(nick)
	if occ == nil {
		return
	}
	_, err := s.pings.Probe(ctx, rm.Addr(), rm.Addr(), nick, occ.Conns(), func(o selfping.Outcome) {
		s.logger.Debug().
			Str("room", rm.Addr().String()).
			Str("nick", nick).
			Stringer("outcome", o).
			Msg("conflict probe closed")
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("nick", nick).Msg("conflict probe failed to open")
	}
}

func (s *Server) presenceError(t xmlstream.TokenReadEncoder, p stanza.Presence, se stanza.Error) error {
	reply := stanza.Presence{
		ID:   p.ID,
		To:   p.From,
		From: p.To,
		Type: stanza.ErrorPresence,
	}
	_, err := xmlstream.Copy(t, reply.Wrap(se.TokenReader()))
	return err
}

type inboundMessage struct {
	stanza.Message
	Body    string  `xml:"body"`
	Subject *string `xml:"subject"`
}

func (s *Server) handleGroupChat(m stanza.Message, t xmlstream.TokenReadEncoder) error {
	d := xml.NewTokenDecoder(t)
	var msg inboundMessage
	if err := d.Decode(&msg); err != nil {
		return err
	}

	ctx := context.Background()
	rm := s.rooms.Lookup(m.To)
	if rm == nil {
		return s.messageError(t, m, stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound})
	}

	var err error
	if msg.Subject != nil && msg.Body == "" {
		err = rm.SetSubject(ctx, m.From, *msg.Subject)
	} else {
		err = rm.Broadcast(ctx, m.From, m.ID, msg.Body)
	}
	if err != nil {
		return s.messageError(t, m, stanzaError(err))
	}
	return nil
}

func (s *Server) handleChat(m stanza.Message, t xmlstream.TokenReadEncoder) error {
	d := xml.NewTokenDecoder(t)
	var msg inboundMessage
	if err := d.Decode(&msg); err != nil {
		return err
	}

	rm := s.rooms.Lookup(m.To)
	toNick := m.To.Resourcepart()
	if rm == nil || toNick == "" {
		return s.messageError(t, m, stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound})
	}
	err := rm.PrivateMessage(context.Background(), m.From, toNick, m.ID, msg.Body)
	if err != nil {
		return s.messageError(t, m, stanzaError(err))
	}
	return nil
}

func (s *Server) messageError(t xmlstream.TokenReadEncoder, m stanza.Message, se stanza.Error) error {
	reply := stanza.Message{
		ID:   m.ID,
		To:   m.From,
		From: m.To,
		Type: stanza.ErrorMessage,
	}
	_, err := xmlstream.Copy(t, reply.Wrap(se.TokenReader()))
	return err
}

type adminQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc#admin query"`
	Items   []struct {
		Affiliation string `xml:"affiliation,attr"`
		Role        string `xml:"role,attr"`
		JID         string `xml:"jid,attr"`
		Nick        string `xml:"nick,attr"`
		Reason      string `xml:"reason"`
	} `xml:"item"`
}

// adminChange is one parsed muc#admin item: either an affiliation change
// (target set) or a role change (nick set).
type adminChange struct {
	affiliation bool
	a           muc.Affiliation
	target      jid.JID
	role        muc.Role
	nick        string
	reason      string
}

// handleAdminSet applies the items of a muc#admin set in document order.
// Every item is validated syntactically before any of them is applied, so a
// malformed list changes nothing. An engine rejection partway through stops
// processing and reports that error while earlier items stay in effect.
func (s *Server) handleAdminSet(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	d := xml.NewTokenDecoder(t)
	var q adminQuery
	if err := d.DecodeElement(&q, start); err != nil {
		return err
	}

	ctx := context.Background()
	rm := s.rooms.Lookup(iq.To)
	if rm == nil {
		return s.iqError(t, iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound})
	}

	changes := make([]adminChange, 0, len(q.Items))
	for _, item := range q.Items {
		var c adminChange
		c.reason = item.Reason
		switch {
		case item.Affiliation != "":
			c.affiliation = true
			if err := c.a.UnmarshalXMLAttr(xml.Attr{Value: item.Affiliation}); err != nil {
				return s.iqError(t, iq, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest})
			}
			target, err := jid.Parse(item.JID)
			if err != nil {
				return s.iqError(t, iq, stanza.Error{Type: stanza.Modify, Condition: stanza.JIDMalformed})
			}
			c.target = target
		case item.Role != "":
			if err := c.role.UnmarshalXMLAttr(xml.Attr{Value: item.Role}); err != nil || item.Nick == "" {
				return s.iqError(t, iq, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest})
			}
			c.nick = item.Nick
		default:
			return s.iqError(t, iq, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest})
		}
		changes = append(changes, c)
	}

	for _, c := range changes {
		var err error
		if c.affiliation {
			err = rm.SetAffiliation(ctx, iq.From, c.target, c.a, c.reason)
		} else {
			err = rm.SetRole(ctx, iq.From, c.nick, c.role, c.reason)
		}
		if err != nil {
			return s.iqError(t, iq, stanzaError(err))
		}
	}
	_, err := xmlstream.Copy(t, iq.Result(nil))
	return err
}

func (s *Server) handleAdminGet(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	d := xml.NewTokenDecoder(t)
	var q adminQuery
	if err := d.DecodeElement(&q, start); err != nil {
		return err
	}

	rm := s.rooms.Lookup(iq.To)
	if rm == nil {
		return s.iqError(t, iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound})
	}
	if len(q.Items) != 1 || q.Items[0].Affiliation == "" {
		return s.iqError(t, iq, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest})
	}
	switch rm.AffiliationOf(iq.From) {
	case muc.AffiliationOwner, muc.AffiliationAdmin:
	default:
		return s.iqError(t, iq, stanza.Error{Type: stanza.Auth, Condition: stanza.Forbidden})
	}

	var a muc.Affiliation
	if err := a.UnmarshalXMLAttr(xml.Attr{Value: q.Items[0].Affiliation}); err != nil {
		return s.iqError(t, iq, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest})
	}

	var items []xml.TokenReader
	for user, aff := range rm.Affiliations(a) {
		items = append(items, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "item"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "affiliation"}, Value: aff.String()},
				{Name: xml.Name{Local: "jid"}, Value: user},
			},
		}))
	}
	payload := xmlstream.Wrap(
		xmlstream.MultiReader(items...),
		xml.StartElement{Name: xml.Name{Space: muc.NSAdmin, Local: "query"}},
	)
	_, err := xmlstream.Copy(t, iq.Result(payload))
	return err
}

type ownerQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc#owner query"`
	Destroy *struct {
		JID    string `xml:"jid,attr"`
		Reason string `xml:"reason"`
	} `xml:"destroy"`
}

func (s *Server) handleOwnerSet(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	d := xml.NewTokenDecoder(t)
	var q ownerQuery
	if err := d.DecodeElement(&q, start); err != nil {
		return err
	}
	if q.Destroy == nil {
		// Room configuration forms are not supported.
		return s.iqError(t, iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented})
	}

	rm := s.rooms.Lookup(iq.To)
	if rm == nil {
		return s.iqError(t, iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound})
	}
	var alt jid.JID
	if q.Destroy.JID != "" {
		parsed, err := jid.Parse(q.Destroy.JID)
		if err != nil {
			return s.iqError(t, iq, stanza.Error{Type: stanza.Modify, Condition: stanza.JIDMalformed})
		}
		alt = parsed
	}
	if err := rm.Destroy(context.Background(), iq.From, q.Destroy.Reason, alt); err != nil {
		return s.iqError(t, iq, stanzaError(err))
	}
	_, err := xmlstream.Copy(t, iq.Result(nil))
	return err
}

func (s *Server) handleDiscoInfo(iq stanza.IQ, t xmlstream.TokenReadEncoder, _ *xml.StartElement) error {
	rm := s.rooms.Lookup(iq.To)
	if rm == nil {
		return s.iqError(t, iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound})
	}
	cfg := rm.Config()

	identity := info.Identity{
		Category: "conference",
		Type:     "text",
		Name:     cfg.Name,
	}
	features := []info.Feature{{Var: muc.NS}}
	boolFeature := func(on bool, yes, no string) {
		if on {
			features = append(features, info.Feature{Var: yes})
		} else {
			features = append(features, info.Feature{Var: no})
		}
	}
	boolFeature(cfg.Persistent, "muc_persistent", "muc_temporary")
	boolFeature(cfg.Moderated, "muc_moderated", "muc_unmoderated")
	boolFeature(cfg.MembersOnly, "muc_membersonly", "muc_open")
	boolFeature(cfg.Password != "", "muc_passwordprotected", "muc_unsecured")
	boolFeature(cfg.Whois == room.WhoisAnyone, "muc_nonanonymous", "muc_semianonymous")

	inner := []xml.TokenReader{identity.TokenReader()}
	for _, f := range features {
		inner = append(inner, f.TokenReader())
	}
	payload := xmlstream.Wrap(
		xmlstream.MultiReader(inner...),
		xml.StartElement{Name: xml.Name{Space: disco.NSInfo, Local: "query"}},
	)
	_, err := xmlstream.Copy(t, iq.Result(payload))
	return err
}

func (s *Server) handlePing(iq stanza.IQ, t xmlstream.TokenReadEncoder, _ *xml.StartElement) error {
	rm := s.rooms.Lookup(iq.To)
	nick := iq.To.Resourcepart()
	if rm == nil || nick == "" {
		return s.iqError(t, iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound})
	}
	occ := rm.Occupant(nick)
	if occ == nil {
		return s.iqError(t, iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound})
	}
	if !occ.Bare().Equal(iq.From.Bare()) {
		// Self-ping only answers for the occupant's own connections.
		return s.iqError(t, iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAcceptable})
	}
	_, err := xmlstream.Copy(t, iq.Result(nil))
	return err
}

func (s *Server) iqError(t xmlstream.TokenReadEncoder, iq stanza.IQ, se stanza.Error) error {
	reply := stanza.IQ{
		ID:   iq.ID,
		To:   iq.From,
		From: iq.To,
		Type: stanza.ErrorIQ,
	}
	_, err := xmlstream.Copy(t, reply.Wrap(se.TokenReader()))
	return err
}
