// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"encoding/xml"
	"strconv"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
)

// Item is the <x xmlns='http://jabber.org/protocol/muc#user'/> payload
// attached to presence broadcast by the room: the target's affiliation and
// role, optionally their real JID (when the room's whois policy permits the
// recipient to see it), the new nickname during a nick change, a reason for
// kicks and bans, and any number of status codes.
type Item struct {
	Affiliation muc.Affiliation
	Role        muc.Role
	JID         jid.JID
	Nick        string
	Reason      string
	Status      []int

	// Destroy carries the destroy element in the final presence sent when an
	// owner tears the room down.
	Destroy *Destroy
}

// Destroy is the <destroy/> child carried by the last presence sent to each
// occupant of a room being torn down.
type Destroy struct {
	Reason string
	AltJID jid.JID
}

// WithStatus returns a copy of the item with the provided status codes
// appended. The receiver is not modified, so a single base item can be
// specialized per recipient during fan-out.
func (i Item) WithStatus(codes ...int) Item {
	status := make([]int, 0, len(i.Status)+len(codes))
	status = append(status, i.Status...)
	status = append(status, codes...)
	i.Status = status
	return i
}

// TokenReader implements xmlstream.Marshaler.
func (i Item) TokenReader() xml.TokenReader {
	attrs := []xml.Attr{{
		Name:  xml.Name{Local: "affiliation"},
		Value: i.Affiliation.String(),
	}, {
		Name:  xml.Name{Local: "role"},
		Value: i.Role.String(),
	}}
	if !i.JID.Equal(jid.JID{}) {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "jid"}, Value: i.JID.String()})
	}
	if i.Nick != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "nick"}, Value: i.Nick})
	}

	var reason xml.TokenReader
	if i.Reason != "" {
		reason = xmlstream.Wrap(
			xmlstream.Token(xml.CharData(i.Reason)),
			xml.StartElement{Name: xml.Name{Local: "reason"}},
		)
	}

	inner := []xml.TokenReader{xmlstream.Wrap(
		reason,
		xml.StartElement{Name: xml.Name{Local: "item"}, Attr: attrs},
	)}
	if i.Destroy != nil {
		var destroyReason xml.TokenReader
		if i.Destroy.Reason != "" {
			destroyReason = xmlstream.Wrap(
				xmlstream.Token(xml.CharData(i.Destroy.Reason)),
				xml.StartElement{Name: xml.Name{Local: "reason"}},
			)
		}
		var destroyAttr []xml.Attr
		if !i.Destroy.AltJID.Equal(jid.JID{}) {
			destroyAttr = append(destroyAttr, xml.Attr{
				Name:  xml.Name{Local: "jid"},
				Value: i.Destroy.AltJID.String(),
			})
		}
		inner = append(inner, xmlstream.Wrap(
			destroyReason,
			xml.StartElement{Name: xml.Name{Local: "destroy"}, Attr: destroyAttr},
		))
	}
	for _, code := range i.Status {
		inner = append(inner, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "status"},
			Attr: []xml.Attr{{
				Name:  xml.Name{Local: "code"},
				Value: strconv.Itoa(code),
			}},
		}))
	}

	return xmlstream.Wrap(
		xmlstream.MultiReader(inner...),
		xml.StartElement{Name: xml.Name{Space: muc.NSUser, Local: "x"}},
	)
}

// WriteXML implements xmlstream.WriterTo.
func (i Item) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, i.TokenReader())
}

// MarshalXML implements xml.Marshaler.
func (i Item) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := i.WriteXML(e)
	return err
}
