// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package local handles stanzas addressed directly to a served host: IQs go
// to the per-(namespace, host) handler table, everything else is dropped or
// delegated to the session manager.
package local // import "mellium.im/koine/local"

import (
	"sync"

	"mellium.im/koine/log"
	"mellium.im/koine/router"
	"mellium.im/koine/sm"
	"mellium.im/koine/xmpp"
	"mellium.im/koine/xmpp/jid"
)

// IQHandler serves an IQ request addressed to a host.
type IQHandler func(from, to jid.JID, iq *xmpp.Element)

type handlerKey struct {
	xmlns string
	host  string
}

// Handler is the route target for the served hosts.
type Handler struct {
	rt *router.Router
	sm *sm.SM

	mu         sync.RWMutex
	iqHandlers map[handlerKey]IQHandler
}

// New returns a local handler delegating user-addressed stanzas to the
// session manager.
func New(rt *router.Router, sessions *sm.SM) *Handler {
	return &Handler{
		rt:         rt,
		sm:         sessions,
		iqHandlers: make(map[handlerKey]IQHandler),
	}
}

// RegisterIQHandler attaches a handler for IQ requests with the given
// payload namespace addressed to the given host.
func (h *Handler) RegisterIQHandler(xmlns, host string, fn IQHandler) {
	h.mu.Lock()
	h.iqHandlers[handlerKey{xmlns, host}] = fn
	h.mu.Unlock()
}

// Register installs h as the route for each served host on rt, using the
// in-process shortcut.
func (h *Handler) Register(hosts ...string) {
	for _, name := range hosts {
		h.rt.RegisterRoute(name, nil, h.Route)
	}
}

// Route implements the local host dispatch.
func (h *Handler) Route(from, to jid.JID, el *xmpp.Element) {
	if to.LUser != "" {
		h.sm.Route(from, to, el)
		return
	}
	if to.LResource == "" {
		if el.Name() != xmpp.IQName {
			// presence and messages to the bare host are dropped
			return
		}
		h.routeIQ(from, to, el)
		return
	}
	// A host resource with no user: nothing is addressable there.
	switch el.Type() {
	case xmpp.ErrorType, xmpp.ResultType:
	default:
		log.Debugf("local: dropping %s to %s", el.Name(), to.String())
	}
}

func (h *Handler) routeIQ(from, to jid.JID, el *xmpp.Element) {
	info, xmlns, _ := xmpp.IQQueryInfo(el)
	switch info {
	case xmpp.IQRequest:
		h.mu.RLock()
		fn := h.iqHandlers[handlerKey{xmlns, to.LServer}]
		h.mu.RUnlock()
		if fn == nil {
			h.rt.Route(to, from, xmpp.MakeErrorReply(el, xmpp.ErrServiceUnavailable))
			return
		}
		fn(from, to, el)
	case xmpp.IQReply:
		// nothing awaits replies here
	default:
		h.rt.Route(to, from, xmpp.MakeErrorReply(el, xmpp.ErrBadRequest))
	}
}
