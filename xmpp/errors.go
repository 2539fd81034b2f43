// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"strconv"

	"golang.org/x/text/language"

	"mellium.im/koine/internal/ns"
)

// ErrorKind is the error-type attribute of a stanza error.
type ErrorKind string

// Stanza error types per RFC 6120 §8.3.2.
const (
	ModifyKind ErrorKind = "modify"
	CancelKind ErrorKind = "cancel"
	AuthKind   ErrorKind = "auth"
	WaitKind   ErrorKind = "wait"
)

// StanzaError is a stanza-level error condition together with its legacy
// numeric code and error type.
type StanzaError struct {
	Code      int
	Kind      ErrorKind
	Condition string
	Text      string
	Lang      language.Tag
}

// Error satisfies the error interface and returns the text if set, or the
// condition otherwise.
func (se *StanzaError) Error() string {
	if se.Text != "" {
		return se.Text
	}
	return se.Condition
}

// WithText returns a copy of the error carrying localised text.
func (se *StanzaError) WithText(lang language.Tag, text string) *StanzaError {
	cp := *se
	cp.Lang = lang
	cp.Text = text
	return &cp
}

// Element builds the <error/> envelope for the condition.
func (se *StanzaError) Element() *Element {
	errEl := NewElementName("error")
	errEl.SetAttribute("code", strconv.Itoa(se.Code))
	errEl.SetType(string(se.Kind))
	errEl.AppendElement(NewElementNamespace(se.Condition, ns.Stanzas))
	if se.Text != "" {
		text := NewElementNamespace("text", ns.Stanzas)
		if se.Lang != language.Und {
			text.SetLanguage(se.Lang.String())
		}
		text.SetText(se.Text)
		errEl.AppendElement(text)
	}
	return errEl
}

// The standard stanza error vocabulary, each condition paired with its
// legacy code and error type.
var (
	ErrBadRequest           = &StanzaError{400, ModifyKind, "bad-request", "", language.Und}
	ErrConflict             = &StanzaError{409, CancelKind, "conflict", "", language.Und}
	ErrFeatureNotImplemented = &StanzaError{501, CancelKind, "feature-not-implemented", "", language.Und}
	ErrForbidden            = &StanzaError{403, AuthKind, "forbidden", "", language.Und}
	ErrGone                 = &StanzaError{302, ModifyKind, "gone", "", language.Und}
	ErrInternalServerError  = &StanzaError{500, WaitKind, "internal-server-error", "", language.Und}
	ErrItemNotFound         = &StanzaError{404, CancelKind, "item-not-found", "", language.Und}
	ErrJidMalformed         = &StanzaError{400, ModifyKind, "jid-malformed", "", language.Und}
	ErrNotAcceptable        = &StanzaError{406, ModifyKind, "not-acceptable", "", language.Und}
	ErrNotAllowed           = &StanzaError{405, CancelKind, "not-allowed", "", language.Und}
	ErrNotAuthorized        = &StanzaError{401, AuthKind, "not-authorized", "", language.Und}
	ErrPaymentRequired      = &StanzaError{402, AuthKind, "payment-required", "", language.Und}
	ErrRecipientUnavailable = &StanzaError{404, WaitKind, "recipient-unavailable", "", language.Und}
	ErrRedirect             = &StanzaError{302, ModifyKind, "redirect", "", language.Und}
	ErrRegistrationRequired = &StanzaError{407, AuthKind, "registration-required", "", language.Und}
	ErrRemoteServerNotFound = &StanzaError{404, CancelKind, "remote-server-not-found", "", language.Und}
	ErrRemoteServerTimeout  = &StanzaError{504, WaitKind, "remote-server-timeout", "", language.Und}
	ErrResourceConstraint   = &StanzaError{500, WaitKind, "resource-constraint", "", language.Und}
	ErrServiceUnavailable   = &StanzaError{503, CancelKind, "service-unavailable", "", language.Und}
	ErrSubscriptionRequired = &StanzaError{407, AuthKind, "subscription-required", "", language.Und}
	ErrUndefinedCondition   = &StanzaError{500, WaitKind, "undefined-condition", "", language.Und}
	ErrUnexpectedRequest    = &StanzaError{400, WaitKind, "unexpected-request", "", language.Und}
)

// MakeErrorReply builds an error reply for el: from and to are swapped, the
// type becomes "error" and the error envelope is appended to the preserved
// children.
func MakeErrorReply(el *Element, stanzaErr *StanzaError) *Element {
	reply := NewElementFromElement(el)
	swapFromTo(reply)
	reply.SetType(ErrorType)
	reply.AppendElement(stanzaErr.Element())
	return reply
}
