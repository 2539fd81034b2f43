// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mellium.im/koine/proc"
	"mellium.im/koine/router"
	"mellium.im/koine/xmpp"
	"mellium.im/koine/xmpp/jid"
)

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	require.NoError(t, err)
	return j
}

func TestShortcutAvoidsMailbox(t *testing.T) {
	rt := router.New(nil)
	var got *xmpp.Element
	rt.RegisterRoute("example.com", nil, func(from, to jid.JID, el *xmpp.Element) {
		got = el
	})

	msg := xmpp.NewElementName("message")
	rt.Route(mustJID(t, "a@example.com"), mustJID(t, "b@example.com"), msg)
	require.Equal(t, msg, got)
}

func TestMailboxDelivery(t *testing.T) {
	rt := router.New(nil)
	delivered := make(chan router.Packet, 1)
	pid := proc.Spawn(func(self *proc.Pid) {
		msg, ok := self.Receive()
		require.True(t, ok)
		delivered <- msg.(router.Packet)
	})
	rt.RegisterRoute("example.com", pid, nil)

	rt.Route(mustJID(t, "a@example.com"), mustJID(t, "b@example.com"),
		xmpp.NewElementName("presence"))

	select {
	case pkt := <-delivered:
		require.Equal(t, "b@example.com", pkt.To.String())
	case <-time.After(time.Second):
		t.Fatal("packet never reached the route mailbox")
	}
}

type recordingS2S struct {
	to chan jid.JID
}

func (r *recordingS2S) Route(from, to jid.JID, el *xmpp.Element) {
	r.to <- to
}

func TestUnknownDomainFallsToS2S(t *testing.T) {
	s2s := &recordingS2S{to: make(chan jid.JID, 1)}
	rt := router.New(s2s)
	rt.Route(mustJID(t, "a@example.com"), mustJID(t, "b@elsewhere.org"),
		xmpp.NewElementName("message"))
	require.Equal(t, "elsewhere.org", (<-s2s.to).LServer)
}

func TestUnregisterRoute(t *testing.T) {
	s2s := &recordingS2S{to: make(chan jid.JID, 1)}
	rt := router.New(s2s)
	pid := proc.Spawn(func(self *proc.Pid) { self.Receive() })
	rt.RegisterRoute("example.com", pid, nil)
	rt.UnregisterRoute("example.com", pid)

	rt.Route(mustJID(t, "a@example.com"), mustJID(t, "b@example.com"),
		xmpp.NewElementName("message"))
	require.Equal(t, "example.com", (<-s2s.to).LServer)

	// removing twice is a no-op
	rt.UnregisterRoute("example.com", pid)
}

func TestPanickingHandlerIsSwallowed(t *testing.T) {
	rt := router.New(nil)
	rt.RegisterRoute("example.com", nil, func(from, to jid.JID, el *xmpp.Element) {
		panic("handler exploded")
	})

	require.NotPanics(t, func() {
		rt.Route(mustJID(t, "a@example.com"), mustJID(t, "b@example.com"),
			xmpp.NewElementName("message"))
	})

	// the router keeps routing afterwards
	var delivered bool
	rt.RegisterRoute("other.com", nil, func(from, to jid.JID, el *xmpp.Element) {
		delivered = true
	})
	rt.Route(mustJID(t, "a@example.com"), mustJID(t, "b@other.com"),
		xmpp.NewElementName("message"))
	require.True(t, delivered)
}
