// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpp implements the XML element model exchanged inside an XMPP
// stream along with stanza construction and reply helpers.
package xmpp // import "mellium.im/koine/xmpp"

import (
	"io"
	"strings"
)

// Attr is a single element attribute. Attribute order is preserved and key
// lookup returns the first match.
type Attr struct {
	Label string
	Value string
}

// Element is a tagged XML element: a name, an ordered attribute list,
// character data and child elements.
type Element struct {
	name     string
	text     string
	attrs    []Attr
	children []*Element
}

// NewElementName creates an element with the given name and no attributes.
func NewElementName(name string) *Element {
	return &Element{name: name}
}

// NewElementNamespace creates an element with the given name and an xmlns
// attribute.
func NewElementNamespace(name, namespace string) *Element {
	return &Element{name: name, attrs: []Attr{{"xmlns", namespace}}}
}

// NewElementFromElement returns a deep copy of el.
func NewElementFromElement(el *Element) *Element {
	cp := &Element{name: el.name, text: el.text}
	cp.attrs = append(cp.attrs, el.attrs...)
	for _, ch := range el.children {
		cp.children = append(cp.children, NewElementFromElement(ch))
	}
	return cp
}

// Name returns the element tag name.
func (e *Element) Name() string { return e.name }

// SetName sets the element tag name.
func (e *Element) SetName(name string) { e.name = name }

// Text returns the element character data.
func (e *Element) Text() string { return e.text }

// SetText replaces the element character data.
func (e *Element) SetText(text string) { e.text = text }

// AppendText appends to the element character data.
func (e *Element) AppendText(text string) { e.text += text }

// Attribute returns the value of the first attribute with the given label,
// or the empty string.
func (e *Element) Attribute(label string) string {
	for _, a := range e.attrs {
		if a.Label == label {
			return a.Value
		}
	}
	return ""
}

// SetAttribute sets the first attribute with the given label, appending a
// new attribute if none exists.
func (e *Element) SetAttribute(label, value string) {
	for i, a := range e.attrs {
		if a.Label == label {
			e.attrs[i].Value = value
			return
		}
	}
	e.attrs = append(e.attrs, Attr{label, value})
}

// RemoveAttribute deletes every attribute with the given label.
func (e *Element) RemoveAttribute(label string) {
	out := e.attrs[:0]
	for _, a := range e.attrs {
		if a.Label != label {
			out = append(out, a)
		}
	}
	e.attrs = out
}

// Attributes returns the ordered attribute list.
func (e *Element) Attributes() []Attr { return e.attrs }

// Namespace returns the xmlns attribute value.
func (e *Element) Namespace() string { return e.Attribute("xmlns") }

// SetNamespace sets the xmlns attribute.
func (e *Element) SetNamespace(namespace string) { e.SetAttribute("xmlns", namespace) }

// Child returns the first child element with the given name, or nil.
func (e *Element) Child(name string) *Element {
	for _, ch := range e.children {
		if ch.name == name {
			return ch
		}
	}
	return nil
}

// ChildNamespace returns the first child element with the given name and
// xmlns, or nil.
func (e *Element) ChildNamespace(name, namespace string) *Element {
	for _, ch := range e.children {
		if ch.name == name && ch.Namespace() == namespace {
			return ch
		}
	}
	return nil
}

// Children returns all child elements.
func (e *Element) Children() []*Element { return e.children }

// ChildCount returns the number of child elements.
func (e *Element) ChildCount() int { return len(e.children) }

// AppendElement appends a child element.
func (e *Element) AppendElement(child *Element) { e.children = append(e.children, child) }

// AppendElements appends a list of child elements.
func (e *Element) AppendElements(children []*Element) {
	e.children = append(e.children, children...)
}

// RemoveElements deletes every child element with the given name.
func (e *Element) RemoveElements(name string) {
	out := e.children[:0]
	for _, ch := range e.children {
		if ch.name != name {
			out = append(out, ch)
		}
	}
	e.children = out
}

// ClearElements deletes every child element.
func (e *Element) ClearElements() { e.children = nil }

// ToXML serialises the element to w. Attribute values are written between
// single quotes.
func (e *Element) ToXML(w io.Writer) error {
	if err := writeString(w, "<"+e.name); err != nil {
		return err
	}
	for _, a := range e.attrs {
		if err := writeString(w, " "+a.Label+"='"+escapeXML(a.Value)+"'"); err != nil {
			return err
		}
	}
	if e.text == "" && len(e.children) == 0 {
		return writeString(w, "/>")
	}
	if err := writeString(w, ">"); err != nil {
		return err
	}
	if e.text != "" {
		if err := writeString(w, escapeXML(e.text)); err != nil {
			return err
		}
	}
	for _, ch := range e.children {
		if err := ch.ToXML(w); err != nil {
			return err
		}
	}
	return writeString(w, "</"+e.name+">")
}

// String renders the element as XML text.
func (e *Element) String() string {
	var sb strings.Builder
	_ = e.ToXML(&sb)
	return sb.String()
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"'", "&apos;",
	`"`, "&quot;",
)

func escapeXML(s string) string { return xmlEscaper.Replace(s) }

func writeString(w io.Writer, s string) error {
	_, err := io.WriteString(w, s)
	return err
}
