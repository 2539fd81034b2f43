// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package c2s

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"time"

	"mellium.im/koine/internal/attr"
	"mellium.im/koine/log"
	"mellium.im/koine/parser"
	"mellium.im/koine/sasl"
	"mellium.im/koine/xmpp"
	"mellium.im/koine/xmpp/jid"
)

const saslNamespace = "urn:ietf:params:xml:ns:xmpp-sasl"

// handleAuth implements the pre-XMPP-1.0 jabber:iq:auth path.
func (s *stream) handleAuth(el *xmpp.Element) {
	info, xmlns, query := xmpp.IQQueryInfo(el)
	if info != xmpp.IQRequest || xmlns != "jabber:iq:auth" {
		if info == xmpp.IQRequest {
			s.writeElement(unauthReply(el, xmpp.ErrServiceUnavailable))
		}
		return
	}

	switch el.Type() {
	case xmpp.GetType:
		reply := xmpp.NewIQType(el.ID(), xmpp.ResultType)
		form := xmpp.NewElementNamespace("query", "jabber:iq:auth")
		username := xmpp.NewElementName("username")
		if u := query.Child("username"); u != nil {
			username.SetText(u.Text())
		}
		form.AppendElement(username)
		form.AppendElement(xmpp.NewElementName("password"))
		form.AppendElement(xmpp.NewElementName("digest"))
		form.AppendElement(xmpp.NewElementName("resource"))
		reply.AppendElement(form)
		s.writeElement(reply)

	case xmpp.SetType:
		s.handleAuthSet(el, query)
	}
}

func (s *stream) handleAuthSet(el, query *xmpp.Element) {
	username := childText(query, "username")
	password := childText(query, "password")
	digest := childText(query, "digest")
	resource := childText(query, "resource")

	if resource == "" {
		s.writeElement(unauthReply(el,
			xmpp.ErrNotAcceptable.WithText(langTag(s.lang), "No resource provided")))
		return
	}
	userJID, err := jid.New(username, s.server, resource)
	if err != nil || userJID.LUser == "" {
		s.writeElement(unauthReply(el, xmpp.ErrJidMalformed))
		return
	}
	if s.cfg.Access != nil && !s.cfg.Access(userJID) {
		s.writeElement(unauthReply(el, xmpp.ErrNotAllowed))
		return
	}

	streamID := s.id
	gen := func(password string) string {
		sum := sha1.Sum([]byte(streamID + password))
		return hex.EncodeToString(sum[:])
	}
	_, ok := s.cfg.Auth.CheckPasswordDigest(userJID.LUser, s.server, password, digest, gen)
	if !ok {
		log.Infof("c2s: failed legacy authentication for %s@%s", userJID.LUser, s.server)
		s.writeElement(unauthReply(el, xmpp.ErrNotAuthorized))
		return
	}

	s.authenticated = true
	s.user = userJID.LUser
	s.resource = userJID.LResource
	s.jid = userJID
	s.seedPresenceSets()
	s.openSession()
	s.state = sessionEstablished
	s.writeElement(xmpp.NewIQType(el.ID(), xmpp.ResultType))
	log.Infof("c2s: opened legacy session for %s", userJID.String())
}

// handleFeatureRequest consumes the SASL auth element.
func (s *stream) handleFeatureRequest(el *xmpp.Element) {
	if el.Name() == "auth" && el.Namespace() == saslNamespace {
		mechanism := el.Attribute("mechanism")
		clientIn, ok := decodeSASL(el.Text())
		if !ok {
			s.saslFailure("incorrect-encoding")
			return
		}
		s.handleSaslResult(s.saslSrv.Start(mechanism, clientIn))
		return
	}
	s.unauthenticatedStanza(el)
}

// handleSaslResponse consumes the client response while a step is pending.
func (s *stream) handleSaslResponse(el *xmpp.Element) {
	if el.Namespace() == saslNamespace {
		switch el.Name() {
		case "response":
			clientIn, ok := decodeSASL(el.Text())
			if !ok {
				s.saslFailure("incorrect-encoding")
				s.state = waitForFeatureRequest
				return
			}
			s.handleSaslResult(s.saslSrv.StepResponse(s.saslStep, clientIn))
			return
		case "abort":
			s.saslFailure("aborted")
			s.state = waitForFeatureRequest
			return
		}
	}
	s.unauthenticatedStanza(el)
}

func (s *stream) handleSaslResult(res sasl.Result) {
	switch res.Kind {
	case sasl.Done:
		s.writeElement(xmpp.NewElementNamespace("success", saslNamespace))
		// SASL success restarts the XML stream: discard the parser state
		// entirely before building the replacement.
		s.p.Close()
		s.p = parser.New(s.pid)
		s.authenticated = true
		s.user = res.Props.Username
		s.id = attr.RandomDigits()
		s.state = waitForStream
		log.Infof("c2s: accepted authentication for %s@%s via %s",
			res.Props.Username, s.server, res.Props.AuthModule)
	case sasl.Continue:
		s.saslStep = res.Next
		challenge := xmpp.NewElementNamespace("challenge", saslNamespace)
		challenge.SetText(base64.StdEncoding.EncodeToString([]byte(res.ServerOut)))
		s.writeElement(challenge)
		s.state = waitForSaslResponse
	case sasl.Failure:
		if res.Username != "" {
			log.Infof("c2s: failed authentication for %s@%s", res.Username, s.server)
		}
		s.saslFailure(res.Condition)
		s.state = waitForFeatureRequest
	}
}

func (s *stream) saslFailure(condition string) {
	failure := xmpp.NewElementNamespace("failure", saslNamespace)
	failure.AppendElement(xmpp.NewElementName(condition))
	s.writeElement(failure)
}

// handleBind consumes the resource binding IQ.
func (s *stream) handleBind(el *xmpp.Element) {
	info, xmlns, bind := xmpp.IQQueryInfo(el)
	if info != xmpp.IQRequest || el.Type() != xmpp.SetType ||
		xmlns != "urn:ietf:params:xml:ns:xmpp-bind" {
		if info == xmpp.IQRequest {
			s.writeElement(unauthReply(el, xmpp.ErrServiceUnavailable))
		}
		return
	}

	resource := childText(bind, "resource")
	if resource == "" {
		resource = attr.RandomDigits() + strconv.FormatInt(time.Now().Unix(), 10)
	}
	prepped, err := jid.Resourceprep(resource)
	if err != nil || prepped == "" {
		s.writeElement(unauthReply(el, xmpp.ErrBadRequest))
		return
	}
	userJID, err := jid.New(s.user, s.server, resource)
	if err != nil {
		s.writeElement(unauthReply(el, xmpp.ErrBadRequest))
		return
	}
	s.resource = userJID.LResource
	s.jid = userJID

	reply := xmpp.NewIQType(el.ID(), xmpp.ResultType)
	bound := xmpp.NewElementNamespace("bind", "urn:ietf:params:xml:ns:xmpp-bind")
	j := xmpp.NewElementName("jid")
	j.SetText(userJID.String())
	bound.AppendElement(j)
	reply.AppendElement(bound)
	s.writeElement(reply)

	s.state = waitForSession
}

// handleSession consumes the session establishment IQ.
func (s *stream) handleSession(el *xmpp.Element) {
	info, xmlns, _ := xmpp.IQQueryInfo(el)
	if info != xmpp.IQRequest || el.Type() != xmpp.SetType ||
		xmlns != "urn:ietf:params:xml:ns:xmpp-session" {
		if info == xmpp.IQRequest {
			s.writeElement(unauthReply(el, xmpp.ErrServiceUnavailable))
		}
		return
	}

	if s.cfg.Access != nil && !s.cfg.Access(s.jid) {
		s.writeElement(unauthReply(el, xmpp.ErrNotAllowed))
		return
	}
	s.seedPresenceSets()
	s.openSession()
	s.state = sessionEstablished
	s.writeElement(xmpp.NewIQType(el.ID(), xmpp.ResultType))
	log.Infof("c2s: opened session for %s", s.jid.String())
}

// seedPresenceSets primes pres_f and pres_t from the roster. The stub seed
// is the user's own bare JID in both.
func (s *stream) seedPresenceSets() {
	var presF, presT []jid.JID
	if s.cfg.RosterSeed != nil {
		presF, presT = s.cfg.RosterSeed(s.jid)
	} else {
		bare := s.jid.Bare()
		presF = []jid.JID{bare}
		presT = []jid.JID{bare}
	}
	for _, f := range presF {
		s.presF[f.CanonicalString()] = f
	}
	for _, t := range presT {
		s.presT[t.CanonicalString()] = t
	}
}

// unauthenticatedStanza answers IQ requests received before authentication
// completes. The reply never echoes the request's sub-trees.
func (s *stream) unauthenticatedStanza(el *xmpp.Element) {
	if info, _, _ := xmpp.IQQueryInfo(el); info == xmpp.IQRequest {
		s.writeElement(unauthReply(el, xmpp.ErrServiceUnavailable))
	}
}

// unauthReply builds an error reply carrying only the stanza id; in
// particular credential-bearing sub-trees are not echoed.
func unauthReply(el *xmpp.Element, stanzaErr *xmpp.StanzaError) *xmpp.Element {
	reply := xmpp.NewElementName(el.Name())
	if id := el.ID(); id != "" {
		reply.SetID(id)
	}
	reply.SetType(xmpp.ErrorType)
	reply.AppendElement(stanzaErr.Element())
	return reply
}

func childText(el *xmpp.Element, name string) string {
	if child := el.Child(name); child != nil {
		return child.Text()
	}
	return ""
}

// decodeSASL decodes a base64 SASL payload; the single "=" marks a present
// but empty response.
func decodeSASL(text string) (string, bool) {
	if text == "" || text == "=" {
		return "", true
	}
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}
