// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package host_test

import (
	"testing"

	"mellium.im/koine/host"
)

func TestConfigureCanonicalises(t *testing.T) {
	if err := host.Configure("EXAMPLE.com", "localhost"); err != nil {
		t.Fatal(err)
	}
	if !host.IsLocal("example.com") {
		t.Error("canonical name not found")
	}
	if !host.IsLocal("localhost") {
		t.Error("localhost not found")
	}
	if host.IsLocal("elsewhere.org") {
		t.Error("unexpected host")
	}
	if got := len(host.Names()); got != 2 {
		t.Errorf("Names() returned %d entries", got)
	}
}

func TestConfigureReplaces(t *testing.T) {
	if err := host.Configure("one.example"); err != nil {
		t.Fatal(err)
	}
	if err := host.Configure("two.example"); err != nil {
		t.Fatal(err)
	}
	if host.IsLocal("one.example") {
		t.Error("stale host survived reconfiguration")
	}
}
