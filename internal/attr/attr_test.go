// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package attr_test

import (
	"encoding/xml"
	"strconv"
	"testing"

	"mellium.im/koine/internal/attr"
)

func TestGetFirstMatch(t *testing.T) {
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "id"}, Value: "one"},
		{Name: xml.Name{Local: "id"}, Value: "two"},
	}
	idx, v := attr.Get(attrs, "id")
	if idx != 0 || v != "one" {
		t.Errorf("Get = (%d, %q), want (0, \"one\")", idx, v)
	}
	idx, v = attr.Get(attrs, "missing")
	if idx != -1 || v != "" {
		t.Errorf("Get on missing = (%d, %q)", idx, v)
	}
}

func TestRandomID(t *testing.T) {
	id := attr.RandomID()
	if len(id) != attr.IDLen {
		t.Errorf("len(RandomID()) = %d", len(id))
	}
	if id == attr.RandomID() {
		t.Error("successive ids collided")
	}
}

func TestRandomDigitsRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		s := attr.RandomDigits()
		n, err := strconv.Atoi(s)
		if err != nil {
			t.Fatalf("RandomDigits() = %q: %v", s, err)
		}
		if n < 0 || n >= 1000000000 {
			t.Fatalf("RandomDigits() out of range: %d", n)
		}
	}
}
