// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package router maintains the domain routing table: a mapping from
// canonicalised server names to handlers. Components register the domains
// they own; stanzas whose destination domain has no route fall through to
// the server-to-server stub.
package router // import "mellium.im/koine/router"

import (
	"sync"

	"mellium.im/koine/log"
	"mellium.im/koine/proc"
	"mellium.im/koine/xmpp"
	"mellium.im/koine/xmpp/jid"
)

// Packet is the routed-stanza message delivered to a route's process
// mailbox or to a session process.
type Packet struct {
	From jid.JID
	To   jid.JID
	El   *xmpp.Element
}

// Shortcut is an in-process delivery function attached to a route. When
// present it is invoked synchronously, avoiding a mailbox hop.
type Shortcut func(from, to jid.JID, el *xmpp.Element)

type route struct {
	pid      *proc.Pid
	shortcut Shortcut
}

// S2S is the server-to-server fallback invoked for unknown domains.
type S2S interface {
	Route(from, to jid.JID, el *xmpp.Element)
}

// Router is the domain routing table. A domain has at most one route entry.
// Registration follows a single-writer discipline (the component owning a
// domain registers from its own process); readers are concurrent.
type Router struct {
	mu     sync.RWMutex
	routes map[string]route
	s2s    S2S
}

// New returns an empty routing table with the given s2s fallback. A nil
// fallback drops unroutable packets.
func New(s2s S2S) *Router {
	return &Router{routes: make(map[string]route), s2s: s2s}
}

// RegisterRoute inserts a route for a canonicalised domain. The shortcut
// may be nil, in which case packets are delivered to the process mailbox.
func (r *Router) RegisterRoute(domain string, pid *proc.Pid, shortcut Shortcut) {
	r.mu.Lock()
	r.routes[domain] = route{pid: pid, shortcut: shortcut}
	r.mu.Unlock()
}

// UnregisterRoute removes the route for a domain if it is owned by pid.
// Removing an absent route is a no-op.
func (r *Router) UnregisterRoute(domain string, pid *proc.Pid) {
	r.mu.Lock()
	if rt, ok := r.routes[domain]; ok && rt.pid == pid {
		delete(r.routes, domain)
	}
	r.mu.Unlock()
}

// Route delivers a packet towards to's domain. A failing handler is logged
// and swallowed; a routing failure must never tear down the router.
func (r *Router) Route(from, to jid.JID, el *xmpp.Element) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("router: handler for %q failed: %v", to.LServer, rec)
		}
	}()

	r.mu.RLock()
	rt, ok := r.routes[to.LServer]
	r.mu.RUnlock()

	if !ok {
		if r.s2s != nil {
			r.s2s.Route(from, to, el)
		} else {
			log.Debugf("router: no route for %q, dropping %s", to.LServer, el.Name())
		}
		return
	}
	if rt.shortcut != nil {
		rt.shortcut(from, to, el)
		return
	}
	if err := rt.pid.Send(Packet{From: from, To: to, El: el}); err != nil {
		log.Errorf("router: delivery to %q failed: %v", to.LServer, err)
	}
}
