// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package c2s drives one client connection from stream open through
// authentication, resource binding and session establishment to the stanza
// pump, transporting stanzas between the client and the router.
package c2s // import "mellium.im/koine/c2s"

import (
	"net"
	"strconv"
	"time"

	"mellium.im/koine/auth"
	"mellium.im/koine/host"
	"mellium.im/koine/internal/attr"
	"mellium.im/koine/log"
	"mellium.im/koine/parser"
	"mellium.im/koine/proc"
	"mellium.im/koine/router"
	"mellium.im/koine/sasl"
	"mellium.im/koine/sm"
	"mellium.im/koine/streamerror"
	"mellium.im/koine/tcp"
	"mellium.im/koine/xmpp"
	"mellium.im/koine/xmpp/jid"
)

// Automaton states.
const (
	waitForStream = iota
	waitForAuth
	waitForFeatureRequest
	waitForSaslResponse
	waitForBind
	waitForSession
	sessionEstablished
	disconnected
)

const maxLangLen = 35

// Config carries the collaborators and policies of a connection.
type Config struct {
	Router *router.Router
	SM     *sm.SM
	Auth   auth.Backend

	// SendTimeout bounds blocking socket sends. BufferLimit is handed to the
	// socket, which applies it to asynchronous sends only; the connection
	// writes with blocking sends, so slow consumers are cut off by
	// SendTimeout rather than by BufferLimit.
	SendTimeout time.Duration
	BufferLimit int

	// Lang is the default stream language.
	Lang string

	// TLSAvailable and CompressionAvailable advertise the corresponding
	// negotiation hooks in the pre-authentication features.
	TLSAvailable         bool
	CompressionAvailable bool

	// Access decides whether an authenticated user may open a session. A
	// nil rule allows everyone.
	Access func(user jid.JID) bool

	// Privacy decides whether a stanza may pass between two addresses. A
	// nil checker allows everything.
	Privacy func(from, to jid.JID, el *xmpp.Element) bool

	// RosterSeed lists the presence subscription sets of a user at session
	// start: who may see the user (pres_f) and whom the user may see
	// (pres_t). The nil seed uses the user's own bare JID for both.
	RosterSeed func(user jid.JID) (presF, presT []jid.JID)

	// ResendOffline flushes stored offline messages back to the user when
	// the session becomes available.
	ResendOffline func(user, server string)
}

type stream struct {
	cfg  *Config
	pid  *proc.Pid
	sock *tcp.Socket
	p    *parser.Parser

	state         int
	id            string
	authenticated bool
	user          string
	server        string
	resource      string
	jid           jid.JID
	lang          string
	version       string

	saslSrv  *sasl.Server
	saslStep sasl.Step

	sid         sm.SID
	sessionOpen bool

	priority  int
	presF     map[string]jid.JID
	presT     map[string]jid.JID
	presA     map[string]jid.JID
	presI     map[string]jid.JID
	presLast  *xmpp.Element
	presTime  time.Time
	presInvis bool
}

// Serve wraps an accepted connection in a new connection process and
// returns its identity.
func Serve(conn net.Conn, cfg *Config) *proc.Pid {
	s := &stream{
		cfg:      cfg,
		state:    waitForStream,
		id:       attr.RandomDigits(),
		lang:     cfg.Lang,
		priority: -1,
		presF:    make(map[string]jid.JID),
		presT:    make(map[string]jid.JID),
		presA:    make(map[string]jid.JID),
		presI:    make(map[string]jid.JID),
	}
	return proc.Spawn(func(self *proc.Pid) {
		s.pid = self
		s.sock = tcp.OfConn(conn, self,
			tcp.SendTimeout(cfg.SendTimeout), tcp.BufferLimit(cfg.BufferLimit))
		s.p = parser.New(self)
		s.sock.Activate(self)
		s.loop(self)
		s.cleanup()
	})
}

func (s *stream) loop(self *proc.Pid) {
	for s.state != disconnected {
		msg, ok := self.Receive()
		if !ok {
			return
		}
		s.handleMessage(msg)
	}
}

func (s *stream) handleMessage(msg interface{}) {
	switch m := msg.(type) {
	case tcp.Data:
		s.p.Parse(m.Chunk)
		s.sock.Activate(s.pid)
	case tcp.Closed:
		s.state = disconnected
	case parser.Start:
		s.handleStreamStart(m)
	case parser.Element:
		s.handleElement(m.El)
	case parser.End:
		s.sendTrailer()
		s.state = disconnected
	case parser.Error:
		if s.state == waitForStream {
			s.sendHeader(false)
		}
		s.streamError(streamerror.ErrXMLNotWellFormed)
	case router.Packet:
		s.deliver(m)
	case sm.Replaced:
		s.streamError(streamerror.ErrConflict)
	}
}

func (s *stream) handleStreamStart(ev parser.Start) {
	if s.state != waitForStream {
		// a second stream header without a reset
		s.streamError(streamerror.ErrInvalidNamespace)
		return
	}
	get := func(label string) string {
		for _, a := range ev.Attrs {
			if a.Label == label {
				return a.Value
			}
		}
		return ""
	}

	if get("xmlns:stream") != "http://etherx.jabber.org/streams" {
		s.sendHeader(false)
		s.streamError(streamerror.ErrInvalidNamespace)
		return
	}

	to, err := jid.Nameprep(get("to"))
	if err != nil || !host.IsLocal(to) {
		s.server = to
		s.sendHeader(false)
		s.streamError(streamerror.ErrHostUnknown)
		return
	}
	s.server = to

	if lang := get("xml:lang"); lang != "" {
		if len(lang) > maxLangLen {
			lang = lang[:maxLangLen]
		}
		s.lang = lang
	}
	s.version = get("version")

	if s.saslSrv == nil {
		s.saslSrv = sasl.NewServer(s.server, sasl.Callbacks{
			GetPassword: func(user string) (string, string, bool) {
				return s.cfg.Auth.GetPassword(user, s.server)
			},
			CheckPassword: func(user, password string) (string, bool) {
				return s.cfg.Auth.CheckPassword(user, s.server, password)
			},
		})
	}

	s.sendHeader(s.version == "1.0")

	switch {
	case s.version == "1.0" && !s.authenticated:
		s.writeElement(s.streamFeatures(s.preAuthFeatures()))
		s.state = waitForFeatureRequest
	case s.version == "1.0" && s.authenticated && s.resource == "":
		s.writeElement(s.streamFeatures(s.postAuthFeatures()))
		s.state = waitForBind
	case s.version == "1.0" && s.authenticated:
		s.writeElement(s.streamFeatures(nil))
		s.state = waitForSession
	default:
		s.state = waitForAuth
	}
}

func (s *stream) handleElement(el *xmpp.Element) {
	switch s.state {
	case waitForAuth:
		s.handleAuth(el)
	case waitForFeatureRequest:
		s.handleFeatureRequest(el)
	case waitForSaslResponse:
		s.handleSaslResponse(el)
	case waitForBind:
		s.handleBind(el)
	case waitForSession:
		s.handleSession(el)
	case sessionEstablished:
		s.handleStanza(el)
	}
}

func (s *stream) streamFeatures(features []*xmpp.Element) *xmpp.Element {
	fs := xmpp.NewElementName("stream:features")
	fs.AppendElements(features)
	return fs
}

func (s *stream) preAuthFeatures() []*xmpp.Element {
	var features []*xmpp.Element
	if s.cfg.TLSAvailable {
		startTLS := xmpp.NewElementNamespace("starttls", "urn:ietf:params:xml:ns:xmpp-tls")
		features = append(features, startTLS)
	}
	if s.cfg.CompressionAvailable {
		compression := xmpp.NewElementNamespace("compression", "http://jabber.org/features/compress")
		method := xmpp.NewElementName("method")
		method.SetText("zlib")
		compression.AppendElement(method)
		features = append(features, compression)
	}
	mechanisms := xmpp.NewElementNamespace("mechanisms", "urn:ietf:params:xml:ns:xmpp-sasl")
	for _, name := range sasl.Mechanisms() {
		mechanism := xmpp.NewElementName("mechanism")
		mechanism.SetText(name)
		mechanisms.AppendElement(mechanism)
	}
	features = append(features, mechanisms)
	return features
}

func (s *stream) postAuthFeatures() []*xmpp.Element {
	bind := xmpp.NewElementNamespace("bind", "urn:ietf:params:xml:ns:xmpp-bind")
	session := xmpp.NewElementNamespace("session", "urn:ietf:params:xml:ns:xmpp-session")
	return []*xmpp.Element{bind, session}
}

func (s *stream) sendHeader(withVersion bool) {
	server := s.server
	if server == "" {
		if names := host.Names(); len(names) > 0 {
			server = names[0]
		}
	}
	hdr := "<?xml version='1.0'?><stream:stream xmlns='jabber:client'" +
		" xmlns:stream='http://etherx.jabber.org/streams'" +
		" id='" + s.id + "' from='" + server + "'"
	if withVersion {
		hdr += " version='1.0'"
	}
	if s.lang != "" {
		hdr += " xml:lang='" + s.lang + "'"
	}
	hdr += ">"
	s.writeRaw(hdr)
}

func (s *stream) sendTrailer() {
	s.writeRaw("</stream:stream>")
}

// streamError writes the error element followed by the trailer and stops
// the automaton.
func (s *stream) streamError(serr *streamerror.Error) {
	s.writeElement(serr.Element())
	s.sendTrailer()
	s.state = disconnected
}

func (s *stream) writeElement(el *xmpp.Element) {
	s.writeRaw(el.String())
}

func (s *stream) writeRaw(data string) {
	if err := s.sock.Send([]byte(data)); err != nil {
		log.Debugf("c2s: write on stream %s failed: %v", s.id, err)
		s.state = disconnected
	}
}

// deliver writes a routed stanza to the client, stamped with the routed
// addresses.
func (s *stream) deliver(pkt router.Packet) {
	if s.state != sessionEstablished {
		// Stanzas routed to a session that is still negotiating are
		// dropped; the sender already holds a session table entry for us.
		return
	}
	s.writeElement(xmpp.ReplaceFromTo(pkt.From, pkt.To, pkt.El))
}

func (s *stream) openSession() {
	s.sid = sm.NewSID(s.pid)
	s.cfg.SM.OpenSession(s.sid, s.jid.LUser, s.jid.LServer, s.jid.LResource, s.priority, nil)
	s.sessionOpen = true
}

func (s *stream) cleanup() {
	if s.sessionOpen {
		s.cfg.SM.CloseSession(s.sid)
		if s.presLast != nil || s.presInvis {
			unavail := xmpp.NewElementName(xmpp.PresenceName)
			unavail.SetType("unavailable")
			s.broadcast(mergePeers(s.presA, s.presI), unavail)
		}
	}
	s.p.Close()
	s.sock.Close()
}

func priorityOf(el *xmpp.Element) int {
	child := el.Child("priority")
	if child == nil {
		return 0
	}
	p, err := strconv.Atoi(child.Text())
	if err != nil {
		return 0
	}
	return p
}
