// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"mellium.im/xmlstream"

	"mellium.im/koine/internal/ns"
)

// ErrUnbalancedXML is returned by ReadElement when the token stream ends
// before the element is closed.
var ErrUnbalancedXML = errors.New("xmpp: unbalanced element")

// startElement builds the xml.StartElement token for e.
func (e *Element) startElement() xml.StartElement {
	start := xml.StartElement{Name: elementName(e.name)}
	for _, a := range e.attrs {
		start.Attr = append(start.Attr, xml.Attr{Name: elementName(a.Label), Value: a.Value})
	}
	return start
}

// TokenReader returns a stream of XML tokens that encode the element.
func (e *Element) TokenReader() xmlstream.TokenReader {
	var inner []xmlstream.TokenReader
	if e.text != "" {
		text := e.text
		inner = append(inner, xmlstream.ReaderFunc(func() (xml.Token, error) {
			return xml.CharData(text), io.EOF
		}))
	}
	for _, ch := range e.children {
		inner = append(inner, ch.TokenReader())
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), e.startElement())
}

// WriteXML satisfies the xmlstream.Marshaler interface.
// It is like MarshalXML except it writes tokens to w.
func (e *Element) WriteXML(w xmlstream.TokenWriter) error {
	_, err := xmlstream.Copy(w, e.TokenReader())
	return err
}

// MarshalXML satisfies the xml.Marshaler interface.
func (e *Element) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	if err := e.WriteXML(enc); err != nil {
		return err
	}
	return enc.Flush()
}

// ReadElement consumes tokens from r until the element opened by start is
// closed and returns the fully constructed sub-tree.
func ReadElement(start xml.StartElement, r xml.TokenReader) (*Element, error) {
	el := &Element{name: rawName(start.Name)}
	for _, a := range start.Attr {
		el.attrs = append(el.attrs, Attr{rawName(a.Name), a.Value})
	}
	for {
		tok, err := r.Token()
		if err != nil {
			if err == io.EOF {
				err = ErrUnbalancedXML
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			el.text += string(t)
		case xml.StartElement:
			child, err := ReadElement(t, r)
			if err != nil {
				return nil, err
			}
			el.children = append(el.children, child)
		case xml.EndElement:
			return el, nil
		}
	}
}

// elementName splits a possibly prefixed raw name into an xml.Name.
func elementName(raw string) xml.Name {
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		return xml.Name{Space: raw[:i], Local: raw[i+1:]}
	}
	return xml.Name{Local: raw}
}

// rawName restores the prefixed form of a decoded name for the "xml",
// "xmlns" and "stream" prefixes. The decoder leaves "xmlns" and unresolvable
// prefixes in the Space field and replaces the reserved "xml" prefix with
// its namespace; any other Space value is dropped.
func rawName(n xml.Name) string {
	switch n.Space {
	case "":
		return n.Local
	case "xml", "xmlns", "stream":
		return n.Space + ":" + n.Local
	case ns.XML:
		return "xml:" + n.Local
	}
	return n.Local
}
