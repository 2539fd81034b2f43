// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package streamerror implements the stream-level error conditions defined
// by RFC 6120 §4.9. A stream error always terminates the stream: the
// element is written, the closing tag follows and the connection goes away.
package streamerror // import "mellium.im/koine/streamerror"

import (
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"

	"mellium.im/koine/internal/ns"
	"mellium.im/koine/xmpp"
)

// Error represents a stream error condition, optionally carrying character
// data (see-other-host carries the new host).
type Error struct {
	Err   string
	cdata string
}

// Stream error conditions.
var (
	ErrBadFormat             = &Error{Err: "bad-format"}
	ErrBadNamespacePrefix    = &Error{Err: "bad-namespace-prefix"}
	ErrConflict              = &Error{Err: "conflict"}
	ErrConnectionTimeout     = &Error{Err: "connection-timeout"}
	ErrHostGone              = &Error{Err: "host-gone"}
	ErrHostUnknown           = &Error{Err: "host-unknown"}
	ErrImproperAddressing    = &Error{Err: "improper-addressing"}
	ErrInternalServerError   = &Error{Err: "internal-server-error"}
	ErrInvalidFrom           = &Error{Err: "invalid-from"}
	ErrInvalidID             = &Error{Err: "invalid-id"}
	ErrInvalidNamespace      = &Error{Err: "invalid-namespace"}
	ErrInvalidXML            = &Error{Err: "invalid-xml"}
	ErrNotAuthorized         = &Error{Err: "not-authorized"}
	ErrPolicyViolation       = &Error{Err: "policy-violation"}
	ErrRemoteConnectionFailed = &Error{Err: "remote-connection-failed"}
	ErrResourceConstraint    = &Error{Err: "resource-constraint"}
	ErrRestrictedXML         = &Error{Err: "restricted-xml"}
	ErrSystemShutdown        = &Error{Err: "system-shutdown"}
	ErrUndefinedCondition    = &Error{Err: "undefined-condition"}
	ErrUnsupportedEncoding   = &Error{Err: "unsupported-encoding"}
	ErrUnsupportedStanzaType = &Error{Err: "unsupported-stanza-type"}
	ErrUnsupportedVersion    = &Error{Err: "unsupported-version"}
	ErrXMLNotWellFormed      = &Error{Err: "xml-not-well-formed"}
)

// SeeOtherHost returns a see-other-host error directing the client to the
// given host.
func SeeOtherHost(host string) *Error {
	return &Error{Err: "see-other-host", cdata: host}
}

// Error satisfies the builtin error interface and returns the condition
// name.
func (s *Error) Error() string { return s.Err }

// Element builds the <stream:error/> envelope for the condition.
func (s *Error) Element() *xmpp.Element {
	cond := xmpp.NewElementNamespace(s.Err, ns.Streams)
	if s.cdata != "" {
		cond.SetText(s.cdata)
	}
	el := xmpp.NewElementName("stream:error")
	el.AppendElement(cond)
	return el
}

// TokenReader returns a new xmlstream.TokenReader that returns an encoding
// of the error.
func (s *Error) TokenReader() xmlstream.TokenReader {
	var inner xmlstream.TokenReader
	if s.cdata != "" {
		cdata := s.cdata
		inner = xmlstream.ReaderFunc(func() (xml.Token, error) {
			return xml.CharData(cdata), io.EOF
		})
	}
	return xmlstream.Wrap(
		xmlstream.Wrap(inner, xml.StartElement{
			Name: xml.Name{Local: s.Err, Space: ns.Streams},
		}),
		xml.StartElement{
			Name: xml.Name{Local: "error", Space: ns.Stream},
		},
	)
}

// WriteXML satisfies the xmlstream.Marshaler interface.
// It is like MarshalXML except it writes tokens to w.
func (s *Error) WriteXML(w xmlstream.TokenWriter) error {
	_, err := xmlstream.Copy(w, s.TokenReader())
	return err
}

// MarshalXML satisfies the xml.Marshaler interface.
func (s *Error) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	if err := s.WriteXML(e); err != nil {
		return err
	}
	return e.Flush()
}
