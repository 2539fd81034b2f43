// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"mellium.im/koine/xmpp/jid"
)

// Stanza element names.
const (
	MessageName  = "message"
	PresenceName = "presence"
	IQName       = "iq"
)

// IQ types.
const (
	GetType    = "get"
	SetType    = "set"
	ResultType = "result"
	ErrorType  = "error"
)

// Message types.
const (
	NormalType    = "normal"
	ChatType      = "chat"
	GroupChatType = "groupchat"
	HeadlineType  = "headline"
)

// ID returns the stanza id attribute.
func (e *Element) ID() string { return e.Attribute("id") }

// SetID sets the stanza id attribute.
func (e *Element) SetID(id string) { e.SetAttribute("id", id) }

// Type returns the stanza type attribute.
func (e *Element) Type() string { return e.Attribute("type") }

// SetType sets the stanza type attribute.
func (e *Element) SetType(typ string) { e.SetAttribute("type", typ) }

// From returns the stanza from attribute.
func (e *Element) From() string { return e.Attribute("from") }

// SetFrom sets the stanza from attribute.
func (e *Element) SetFrom(from string) { e.SetAttribute("from", from) }

// To returns the stanza to attribute.
func (e *Element) To() string { return e.Attribute("to") }

// SetTo sets the stanza to attribute.
func (e *Element) SetTo(to string) { e.SetAttribute("to", to) }

// Language returns the stanza xml:lang attribute.
func (e *Element) Language() string { return e.Attribute("xml:lang") }

// SetLanguage sets the stanza xml:lang attribute.
func (e *Element) SetLanguage(lang string) { e.SetAttribute("xml:lang", lang) }

// IsStanza reports whether the element is a message, presence or iq.
func (e *Element) IsStanza() bool {
	switch e.name {
	case MessageName, PresenceName, IQName:
		return true
	}
	return false
}

// NewIQType creates an iq element with the given id and type.
func NewIQType(id, typ string) *Element {
	iq := NewElementName(IQName)
	iq.SetID(id)
	iq.SetType(typ)
	return iq
}

// ReplaceFromTo returns a copy of el with the from and to attributes
// replaced by the given addresses.
func ReplaceFromTo(from, to jid.JID, el *Element) *Element {
	cp := NewElementFromElement(el)
	cp.SetFrom(from.String())
	cp.SetTo(to.String())
	return cp
}

// RemoveAttr returns a copy of el without any attribute named label.
func RemoveAttr(label string, el *Element) *Element {
	cp := NewElementFromElement(el)
	cp.RemoveAttribute(label)
	return cp
}

// MakeResultIQReply builds a result reply for the given IQ request: from and
// to are swapped, the type becomes "result" and id and children are
// preserved.
func MakeResultIQReply(el *Element) *Element {
	reply := NewElementFromElement(el)
	swapFromTo(reply)
	reply.SetType(ResultType)
	return reply
}

// IQInfo is the payload classification of an iq element.
type IQInfo int

// Classification returned by IQQueryInfo.
const (
	// IQRequest is an iq of type get or set with exactly one payload child
	// carrying a non-empty xmlns.
	IQRequest IQInfo = iota
	// IQReply is an iq of type result or error.
	IQReply
	// IQInvalid is an iq violating the request/reply payload rules.
	IQInvalid
	// IQNotIQ is any element that is not an iq.
	IQNotIQ
)

// IQQueryInfo classifies an element per the IQ semantics. For a valid
// request it also returns the payload namespace and the payload child.
func IQQueryInfo(el *Element) (IQInfo, string, *Element) {
	if el.Name() != IQName {
		return IQNotIQ, "", nil
	}
	switch el.Type() {
	case GetType, SetType:
		if len(el.Children()) != 1 {
			return IQInvalid, "", nil
		}
		payload := el.Children()[0]
		xmlns := payload.Namespace()
		if xmlns == "" {
			return IQInvalid, "", nil
		}
		return IQRequest, xmlns, payload
	case ResultType, ErrorType:
		return IQReply, "", nil
	}
	return IQInvalid, "", nil
}

func swapFromTo(el *Element) {
	from, to := el.From(), el.To()
	el.RemoveAttribute("from")
	el.RemoveAttribute("to")
	if to != "" {
		el.SetFrom(to)
	}
	if from != "" {
		el.SetTo(from)
	}
}
