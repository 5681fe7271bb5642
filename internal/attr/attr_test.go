// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package attr

import (
	"encoding/xml"
	"strings"
	"testing"
)

func TestRandomID(t *testing.T) {
	id := RandomID()
	if len(id) != IDLen {
		t.Errorf("wrong length: want=%d, got=%d", IDLen, len(id))
	}
	for _, r := range id {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Errorf("unexpected rune in identifier: %q", r)
		}
	}
	if other := RandomID(); other == id {
		t.Errorf("generated the same identifier twice: %s", id)
	}
}

func TestRandomIDOddLength(t *testing.T) {
	id := randomID(5, strings.NewReader("randomness"))
	if len(id) != 5 {
		t.Errorf("wrong length: want=5, got=%d", len(id))
	}
}

func TestGet(t *testing.T) {
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "id"}, Value: "1234"},
		{Name: xml.Name{Local: "type"}, Value: "result"},
		{Name: xml.Name{Local: "type"}, Value: "error"},
	}
	if got := Get(attrs, "type"); got != "result" {
		t.Errorf("wrong value: want=result, got=%s", got)
	}
	if got := Get(attrs, "to"); got != "" {
		t.Errorf("missing attribute should be empty, got=%s", got)
	}
	if got := Get(nil, "id"); got != "" {
		t.Errorf("nil attribute list should be empty, got=%s", got)
	}
}
