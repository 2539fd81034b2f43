// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package host keeps the registry of hostnames served by this node. The
// registry is populated at startup by the configuration collaborator and is
// effectively read-only afterwards.
package host // import "mellium.im/koine/host"

import (
	"sync"

	"mellium.im/koine/xmpp/jid"
)

var (
	mu    sync.RWMutex
	hosts = make(map[string]struct{})
)

// Configure replaces the set of served hostnames. Names are canonicalised
// before insertion.
func Configure(names ...string) error {
	prepped := make(map[string]struct{}, len(names))
	for _, name := range names {
		canonical, err := jid.Nameprep(name)
		if err != nil {
			return err
		}
		prepped[canonical] = struct{}{}
	}
	mu.Lock()
	hosts = prepped
	mu.Unlock()
	return nil
}

// IsLocal reports whether the canonical name is served by this node.
func IsLocal(name string) bool {
	mu.RLock()
	_, ok := hosts[name]
	mu.RUnlock()
	return ok
}

// Names returns the served hostnames.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(hosts))
	for name := range hosts {
		names = append(names, name)
	}
	return names
}
