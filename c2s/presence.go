// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package c2s

import (
	"time"

	"golang.org/x/text/language"

	"mellium.im/koine/streamerror"
	"mellium.im/koine/xmpp"
	"mellium.im/koine/xmpp/jid"
)

// handleStanza is the session-established stanza pump.
func (s *stream) handleStanza(el *xmpp.Element) {
	// A from attribute, when present, must name the bound JID either fully
	// or in bare form.
	if from := el.From(); from != "" {
		fromJID, err := jid.Parse(from)
		if err != nil || !s.fromAllowed(fromJID) {
			s.streamError(streamerror.ErrInvalidFrom)
			return
		}
	}

	var to jid.JID
	if toAttr := el.To(); toAttr == "" {
		to = s.jid.Bare()
	} else {
		var err error
		to, err = jid.Parse(toAttr)
		if err != nil {
			switch el.Type() {
			case xmpp.ErrorType, xmpp.ResultType:
			default:
				s.writeElement(xmpp.MakeErrorReply(el, xmpp.ErrJidMalformed))
			}
			return
		}
	}

	el = xmpp.RemoveAttr("xmlns", el)
	if el.Language() == "" && s.lang != "" {
		el.SetLanguage(s.lang)
	}

	switch el.Name() {
	case xmpp.PresenceName:
		if to.LUser == s.jid.LUser && to.LServer == s.jid.LServer && to.LResource == "" {
			s.presenceUpdate(el)
		} else {
			s.presenceTrack(to, el)
		}
	case xmpp.IQName, xmpp.MessageName:
		s.privacyRoute(s.jid, to, el)
	}
}

func (s *stream) fromAllowed(from jid.JID) bool {
	if from.Equal(s.jid) {
		return true
	}
	return from.LResource == "" && from.MatchesBare(s.jid)
}

// presenceUpdate processes presence directed at the session's own bare JID.
func (s *stream) presenceUpdate(el *xmpp.Element) {
	switch el.Type() {
	case "unavailable":
		s.broadcast(mergePeers(s.presA, s.presI), el)
		s.presA = make(map[string]jid.JID)
		s.presI = make(map[string]jid.JID)
		s.presLast = nil
		s.presTime = time.Time{}
		s.presInvis = false
		s.priority = -1
		s.cfg.SM.UpdatePriority(s.sid, -1)

	case "invisible":
		if !s.presInvis {
			s.broadcast(mergePeers(s.presA, s.presI), el)
			s.presA = make(map[string]jid.JID)
			s.presI = make(map[string]jid.JID)
		}
		s.presInvis = true
		s.presLast = nil
		s.firstPresenceBroadcast(el)

	case xmpp.ErrorType, "probe", "subscribe", "subscribed", "unsubscribe", "unsubscribed":
		// outgoing subscription traffic belongs to presenceTrack

	default:
		newPriority := priorityOf(el)
		fromUnavail := s.presLast == nil || s.presInvis
		oldPriority := s.priority

		s.presLast = el
		s.presTime = time.Now()
		s.presInvis = false
		s.priority = newPriority
		s.cfg.SM.UpdatePriority(s.sid, newPriority)

		if fromUnavail {
			s.firstPresenceBroadcast(el)
		} else {
			s.broadcast(intersectPeers(s.presF, s.presA), el)
		}
		if oldPriority < 0 && newPriority >= 0 && s.cfg.ResendOffline != nil {
			s.cfg.ResendOffline(s.jid.LUser, s.jid.LServer)
		}
	}
}

// firstPresenceBroadcast probes every pres_t peer and, unless invisible,
// delivers the presence to every pres_f peer that passes privacy, marking
// them available.
func (s *stream) firstPresenceBroadcast(el *xmpp.Element) {
	probe := xmpp.NewElementName(xmpp.PresenceName)
	probe.SetType("probe")
	bare := s.jid.Bare()
	for _, peer := range s.presT {
		s.cfg.Router.Route(bare, peer, xmpp.ReplaceFromTo(bare, peer, probe))
	}
	if s.presInvis {
		return
	}
	for key, peer := range s.presF {
		if !s.privacyAllows(s.jid, peer, el) {
			continue
		}
		s.cfg.Router.Route(s.jid, peer, xmpp.ReplaceFromTo(s.jid, peer, el))
		s.presA[key] = peer
	}
}

// presenceTrack processes presence directed at another address.
func (s *stream) presenceTrack(to jid.JID, el *xmpp.Element) {
	key := to.CanonicalString()
	switch el.Type() {
	case "unavailable":
		s.privacyRoute(s.jid, to, el)
		delete(s.presI, key)
		delete(s.presA, key)
	case "invisible":
		s.privacyRoute(s.jid, to, el)
		s.presI[key] = to
		delete(s.presA, key)
	case "subscribe", "subscribed", "unsubscribe", "unsubscribed":
		// subscription stanzas leave with the bare from; the roster
		// collaborator keeps the subscription state
		s.privacyRoute(s.jid.Bare(), to, el)
	case xmpp.ErrorType, "probe":
		s.privacyRoute(s.jid, to, el)
	default:
		s.privacyRoute(s.jid, to, el)
		s.presA[key] = to
		delete(s.presI, key)
	}
}

// broadcast routes el once to every peer in the set.
func (s *stream) broadcast(peers map[string]jid.JID, el *xmpp.Element) {
	for _, peer := range s.peerList(peers) {
		s.cfg.Router.Route(s.jid, peer, xmpp.ReplaceFromTo(s.jid, peer, el))
	}
}

// peerList flattens a peer set; iteration order is unspecified.
func (s *stream) peerList(peers map[string]jid.JID) []jid.JID {
	out := make([]jid.JID, 0, len(peers))
	for _, peer := range peers {
		out = append(out, peer)
	}
	return out
}

// privacyRoute hands a stanza to the router when the privacy list allows
// it and bounces not-acceptable otherwise.
func (s *stream) privacyRoute(from, to jid.JID, el *xmpp.Element) {
	if !s.privacyAllows(from, to, el) {
		s.writeElement(xmpp.MakeErrorReply(el,
			xmpp.ErrNotAcceptable.WithText(langTag(s.lang), "Denied by privacy list")))
		return
	}
	s.cfg.Router.Route(from, to, xmpp.ReplaceFromTo(from, to, el))
}

func (s *stream) privacyAllows(from, to jid.JID, el *xmpp.Element) bool {
	if s.cfg.Privacy == nil {
		return true
	}
	return s.cfg.Privacy(from, to, el)
}

func mergePeers(a, b map[string]jid.JID) map[string]jid.JID {
	out := make(map[string]jid.JID, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func intersectPeers(a, b map[string]jid.JID) map[string]jid.JID {
	out := make(map[string]jid.JID)
	for k, v := range a {
		if _, ok := b[k]; ok {
			out[k] = v
		}
	}
	return out
}

func langTag(lang string) language.Tag {
	if lang == "" {
		return language.Und
	}
	return language.Make(lang)
}
