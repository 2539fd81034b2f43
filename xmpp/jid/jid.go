// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements XMPP addresses (historically, "Jabber IDs").
//
// A JID is composed of a localpart, a domainpart, and a resourcepart, written
// as [user@]server[/resource]. Each part is kept both as received and in its
// canonical stringprep-applied form; routing tables and comparisons always
// use the canonical form while the raw form is preserved for echoing back on
// the wire.
package jid // import "mellium.im/koine/xmpp/jid"

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// Errors returned while parsing or preparing a JID.
var (
	ErrMalformed = errors.New("jid: malformed address")
	ErrTooLong   = errors.New("jid: part exceeds 1023 bytes")
)

// JID is an XMPP address. User, Server and Resource hold the raw parts as
// received; LUser, LServer and LResource hold the canonicalised forms
// (nodeprep, nameprep and resourceprep respectively). A JID with an empty
// resource is a bare JID.
type JID struct {
	User, Server, Resource    string
	LUser, LServer, LResource string
}

// New constructs a JID from raw parts, applying the stringprep profiles to
// each part. The server part is mandatory.
func New(user, server, resource string) (JID, error) {
	var j JID
	var err error

	if j.LUser, err = Nodeprep(user); err != nil {
		return JID{}, err
	}
	if j.LServer, err = Nameprep(server); err != nil {
		return JID{}, err
	}
	if j.LServer == "" {
		return JID{}, ErrMalformed
	}
	if j.LResource, err = Resourceprep(resource); err != nil {
		return JID{}, err
	}
	j.User, j.Server, j.Resource = user, server, resource
	return j, nil
}

// Parse converts the textual form [user@]server[/resource] into a JID.
//
// Parsing fails when the first character is '@' or '/', when '@' is present
// with an empty localpart or appears twice, and when '/' directly follows
// '@' or terminates the string.
func Parse(s string) (JID, error) {
	if s == "" || s[0] == '@' || s[0] == '/' {
		return JID{}, ErrMalformed
	}
	var user, server, resource string

	// The separator characters are matched before any transformation is
	// applied; a '@' inside the resourcepart is literal.
	if i := strings.IndexByte(s, '/'); i >= 0 {
		resource = s[i+1:]
		s = s[:i]
		if resource == "" {
			return JID{}, ErrMalformed
		}
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		user, server = s[:i], s[i+1:]
		if user == "" || server == "" || strings.IndexByte(server, '@') >= 0 {
			return JID{}, ErrMalformed
		}
	} else {
		server = s
	}
	return New(user, server, resource)
}

// Bare returns a copy of the JID with the resourcepart removed.
func (j JID) Bare() JID {
	j.Resource = ""
	j.LResource = ""
	return j
}

// IsBare reports whether the JID has no resourcepart.
func (j JID) IsBare() bool { return j.LResource == "" }

// IsZero reports whether the JID is the zero value.
func (j JID) IsZero() bool { return j == JID{} }

// String renders the raw textual form of the JID.
func (j JID) String() string {
	s := j.Server
	if j.User != "" {
		s = j.User + "@" + s
	}
	if j.Resource != "" {
		s = s + "/" + j.Resource
	}
	return s
}

// CanonicalString renders the canonicalised textual form of the JID.
func (j JID) CanonicalString() string {
	s := j.LServer
	if j.LUser != "" {
		s = j.LUser + "@" + s
	}
	if j.LResource != "" {
		s = s + "/" + j.LResource
	}
	return s
}

// Equal performs an octet-for-octet comparison of the canonical forms.
func (j JID) Equal(other JID) bool {
	return j.LUser == other.LUser &&
		j.LServer == other.LServer &&
		j.LResource == other.LResource
}

// MatchesBare reports whether both JIDs share the canonical (user, server)
// pair, ignoring resourceparts.
func (j JID) MatchesBare(other JID) bool {
	return j.LUser == other.LUser && j.LServer == other.LServer
}

// Compare orders JIDs lexicographically on the canonical
// (user, server, resource) triple. It returns -1, 0 or 1.
func (j JID) Compare(other JID) int {
	if c := strings.Compare(j.LUser, other.LUser); c != 0 {
		return c
	}
	if c := strings.Compare(j.LServer, other.LServer); c != 0 {
		return c
	}
	return strings.Compare(j.LResource, other.LResource)
}

// Nodeprep applies the localpart stringprep profile. The empty string passes
// through unchanged.
func Nodeprep(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	if !utf8.ValidString(s) {
		return "", ErrMalformed
	}
	prepped, err := precis.UsernameCaseMapped.String(s)
	if err != nil {
		return "", err
	}
	// RFC 7622 §3.3.1 forbids a handful of characters that the
	// UsernameCaseMapped profile still allows.
	if strings.ContainsAny(prepped, "\"&'/:<>@") {
		return "", ErrMalformed
	}
	if len(prepped) > 1023 {
		return "", ErrTooLong
	}
	return prepped, nil
}

// Nameprep applies the domainpart preparation: A-labels are converted to
// U-labels and the result is case folded.
func Nameprep(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	if !utf8.ValidString(s) {
		return "", ErrMalformed
	}
	// Trailing label separators are ignored for routing purposes and are
	// stripped before any other canonicalisation step.
	s = strings.TrimSuffix(s, ".")
	prepped, err := idna.ToUnicode(s)
	if err != nil {
		return "", err
	}
	prepped = strings.ToLower(prepped)
	if len(prepped) == 0 {
		return "", ErrMalformed
	}
	if len(prepped) > 1023 {
		return "", ErrTooLong
	}
	return prepped, nil
}

// Resourceprep applies the resourcepart stringprep profile. The empty string
// passes through unchanged.
func Resourceprep(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	if !utf8.ValidString(s) {
		return "", ErrMalformed
	}
	prepped, err := precis.OpaqueString.String(s)
	if err != nil {
		return "", err
	}
	if len(prepped) > 1023 {
		return "", ErrTooLong
	}
	return prepped, nil
}
