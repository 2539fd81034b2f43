// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants that are used by the koine packages.
package ns // import "mellium.im/koine/internal/ns"

// List of commonly used namespaces.
const (
	Client   = "jabber:client"
	Server   = "jabber:server"
	Stream   = "http://etherx.jabber.org/streams"
	Streams  = "urn:ietf:params:xml:ns:xmpp-streams"
	Stanzas  = "urn:ietf:params:xml:ns:xmpp-stanzas"
	SASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	Bind     = "urn:ietf:params:xml:ns:xmpp-bind"
	Session  = "urn:ietf:params:xml:ns:xmpp-session"
	StartTLS = "urn:ietf:params:xml:ns:xmpp-tls"
	Compress = "http://jabber.org/features/compress"
	IQAuth   = "jabber:iq:auth"
	XML      = "http://www.w3.org/XML/1998/namespace"
)
