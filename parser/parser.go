// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package parser adapts an incremental XML decoder to the process model:
// bytes are fed in chunks and stream events come back as messages in the
// owning process's mailbox.
//
// The parser operates at element depth one. The opening tag of the stream
// root produces a Start event, every complete child element of the root
// produces an Element event with its fully constructed sub-tree, and the
// matching close of the root produces an End event.
package parser // import "mellium.im/koine/parser"

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"mellium.im/koine/internal/ns"
	"mellium.im/koine/log"
	"mellium.im/koine/proc"
	"mellium.im/koine/xmpp"
)

// Start is posted when the stream root opens.
type Start struct {
	P     *Parser
	Name  string
	Attrs []xmpp.Attr
}

// Element is posted for every complete depth-one element.
type Element struct {
	P  *Parser
	El *xmpp.Element
}

// End is posted when the stream root closes.
type End struct {
	P    *Parser
	Name string
}

// Error is posted when the byte stream is not well formed.
type Error struct {
	P   *Parser
	Err error
}

var errReset = errors.New("parser: reset")

// Parser is an incremental depth-one XML stream reader owned by a single
// process. Parser state is private to that process; after a stream restart
// the parser must be discarded via Close and rebuilt.
type Parser struct {
	owner  *proc.Pid
	pw     *io.PipeWriter
	closed int32
}

// New creates a parser whose events are sent to owner's mailbox.
func New(owner *proc.Pid) *Parser {
	pr, pw := io.Pipe()
	p := &Parser{owner: owner, pw: pw}
	go p.run(pr)
	return p
}

// Parse feeds a chunk of stream bytes to the decoder. Events produced by
// the chunk arrive in the owner's mailbox.
func (p *Parser) Parse(chunk []byte) {
	_, _ = p.pw.Write(chunk)
}

// Close releases the decoder. No further events are delivered. It is used
// on connection teardown and after SASL success, which restarts the XML
// stream with a fresh parser.
func (p *Parser) Close() {
	atomic.StoreInt32(&p.closed, 1)
	_ = p.pw.CloseWithError(errReset)
}

func (p *Parser) run(pr *io.PipeReader) {
	d := xml.NewDecoder(pr)
	depth := 0
	for {
		tok, err := d.Token()
		if err != nil {
			if !errors.Is(err, errReset) && atomic.LoadInt32(&p.closed) == 0 {
				p.post(Error{P: p, Err: err})
			}
			pr.CloseWithError(errReset)
			return
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				depth = 1
				var attrs []xmpp.Attr
				for _, a := range t.Attr {
					attrs = append(attrs, xmpp.Attr{Label: attrName(a.Name), Value: a.Value})
				}
				p.post(Start{P: p, Name: rootName(t.Name), Attrs: attrs})
				continue
			}
			el, err := xmpp.ReadElement(t, d)
			if err != nil {
				p.post(Error{P: p, Err: err})
				pr.CloseWithError(errReset)
				return
			}
			p.post(Element{P: p, El: el})
		case xml.EndElement:
			// Depth-one sub-trees are consumed whole, so the only end
			// element seen here closes the root.
			p.post(End{P: p, Name: rootName(t.Name)})
			pr.CloseWithError(errReset)
			return
		case xml.ProcInst, xml.Comment, xml.Directive, xml.CharData:
			// The declaration and inter-stanza whitespace are fine;
			// anything else at the top level is not worth a stream error.
		}
	}
}

func (p *Parser) post(msg interface{}) {
	if err := p.owner.Send(msg); err != nil {
		log.Debugf("parser: dropping event for process %d: %v", p.owner.ID(), err)
		p.pw.CloseWithError(errReset)
	}
}

func rootName(n xml.Name) string {
	if n.Space == ns.Stream || n.Space == "stream" {
		return "stream:" + n.Local
	}
	if n.Space != "" && !strings.Contains(n.Space, ":") {
		return n.Space + ":" + n.Local
	}
	return n.Local
}

func attrName(n xml.Name) string {
	switch n.Space {
	case "":
		return n.Local
	case "xmlns", "xml":
		return n.Space + ":" + n.Local
	case ns.XML:
		// the decoder resolves the reserved xml prefix to its namespace
		return "xml:" + n.Local
	}
	if !strings.Contains(n.Space, ":") {
		return n.Space + ":" + n.Local
	}
	return n.Local
}
