// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package sm implements the session manager: the per-(user, server,
// resource) session table and the stanza dispatch among local sessions,
// including priority-weighted bare-JID delivery and the offline/bounce
// policy.
package sm // import "mellium.im/koine/sm"

import (
	"strconv"
	"sync"
	"time"

	"mellium.im/koine/log"
	"mellium.im/koine/proc"
	"mellium.im/koine/router"
	"mellium.im/koine/xmpp"
	"mellium.im/koine/xmpp/jid"
)

// DefaultMaxUserSessions caps concurrent sessions per (user, server) unless
// a policy hook overrides it.
const DefaultMaxUserSessions = 10

// SID identifies a session: a monotonic timestamp paired with the owning
// process. SIDs are unique and totally ordered.
type SID struct {
	Time int64
	Pid  *proc.Pid
}

// NewSID mints a session id for the owning process.
func NewSID(pid *proc.Pid) SID {
	return SID{Time: time.Now().UnixNano(), Pid: pid}
}

// Before orders session ids by (timestamp, process id).
func (s SID) Before(other SID) bool {
	if s.Time != other.Time {
		return s.Time < other.Time
	}
	return s.Pid.Before(other.Pid)
}

// Replaced is sent to a session process that lost its slot to a newer
// session; it is expected to terminate.
type Replaced struct{}

// Session is one entry of the session table. The name triple is canonical.
type Session struct {
	SID      SID
	User     string
	Server   string
	Resource string
	Priority int
	Info     map[string]interface{}
}

// OfflineFunc stores a message for later delivery.
type OfflineFunc func(from, to jid.JID, el *xmpp.Element)

// IQHandler serves an IQ addressed to a user's bare JID.
type IQHandler func(from, to jid.JID, iq *xmpp.Element)

// UserExistsFunc reports whether an account exists.
type UserExistsFunc func(user, server string) bool

// SM is the session manager. The tables are guarded by a single write lock;
// other components interact through Route and the session lifecycle calls.
type SM struct {
	rt         *router.Router
	userExists UserExistsFunc

	// Offline receives messages for users with no available resource. When
	// nil such messages bounce with service-unavailable.
	Offline OfflineFunc

	// MaxUserSessions returns the session cap for a (user, server) pair.
	MaxUserSessions func(user, server string) int

	mu       sync.RWMutex
	sessions map[SID]*Session
	// usr indexes server -> user -> resource -> session ids, for both
	// full-JID and bare-JID lookup.
	usr map[string]map[string]map[string][]SID

	iqMu       sync.RWMutex
	iqHandlers map[string]IQHandler
}

// New returns an empty session manager routing bounces through rt.
func New(rt *router.Router, userExists UserExistsFunc) *SM {
	return &SM{
		rt:         rt,
		userExists: userExists,
		MaxUserSessions: func(user, server string) int {
			return DefaultMaxUserSessions
		},
		sessions:   make(map[SID]*Session),
		usr:        make(map[string]map[string]map[string][]SID),
		iqHandlers: make(map[string]IQHandler),
	}
}

// RegisterIQHandler attaches a handler for IQ requests addressed to bare
// JIDs whose payload carries the given namespace.
func (m *SM) RegisterIQHandler(xmlns string, h IQHandler) {
	m.iqMu.Lock()
	m.iqHandlers[xmlns] = h
	m.iqMu.Unlock()
}

// OpenSession registers a session. An existing session on the same
// (user, server, resource) is asked to terminate, keeping the entry with
// the larger session id; when the per-user cap is exceeded the oldest
// session is evicted.
func (m *SM) OpenSession(sid SID, user, server, resource string, priority int, info map[string]interface{}) {
	m.mu.Lock()
	var evict []SID
	colliding := append([]SID(nil), m.findSIDsByUSRLocked(user, server, resource)...)
	winner := sid
	for _, other := range colliding {
		if winner.Before(other) {
			winner = other
		}
	}
	for _, other := range append(colliding, sid) {
		if other != winner {
			evict = append(evict, other)
			m.removeLocked(other)
		}
	}

	if winner == sid {
		m.sessions[sid] = &Session{
			SID: sid, User: user, Server: server, Resource: resource,
			Priority: priority, Info: info,
		}
		m.insertIndexLocked(sid, user, server, resource)
	}

	if limit := m.MaxUserSessions(user, server); limit > 0 {
		all := m.findSIDsByUSLocked(user, server)
		if len(all) > limit {
			oldest := all[0]
			for _, other := range all[1:] {
				if other.Before(oldest) {
					oldest = other
				}
			}
			evict = append(evict, oldest)
			m.removeLocked(oldest)
		}
	}
	m.mu.Unlock()

	for _, victim := range evict {
		if err := victim.Pid.Send(Replaced{}); err != nil {
			log.Debugf("sm: replaced hint for session %d lost: %v", victim.Pid.ID(), err)
		}
	}
}

// CloseSession removes a session from the table and indices. Dangling
// entries are tolerated.
func (m *SM) CloseSession(sid SID) {
	m.mu.Lock()
	m.removeLocked(sid)
	m.mu.Unlock()
}

// UpdatePriority records the presence priority of a session.
func (m *SM) UpdatePriority(sid SID, priority int) {
	m.mu.Lock()
	if s, ok := m.sessions[sid]; ok {
		s.Priority = priority
	}
	m.mu.Unlock()
}

// Route dispatches a stanza addressed to a local user.
func (m *SM) Route(from, to jid.JID, el *xmpp.Element) {
	if to.LResource == "" {
		m.routeBare(from, to, el)
		return
	}
	sids := m.findSIDsByUSR(to.LUser, to.LServer, to.LResource)
	if len(sids) == 0 {
		switch el.Name() {
		case xmpp.MessageName, xmpp.IQName:
			m.routeBareMiss(from, to, el)
		}
		return
	}
	m.deliver(maxSID(sids), from, to, el)
}

func (m *SM) routeBare(from, to jid.JID, el *xmpp.Element) {
	switch el.Name() {
	case xmpp.PresenceName:
		// Presence to the bare JID reaches every live resource.
		m.eachUserSession(to.LUser, to.LServer, func(s *Session) {
			m.deliver(s.SID, from, fullJID(to, s.Resource), el)
		})
	case xmpp.MessageName:
		m.routeBareMessage(from, to, el)
	case xmpp.IQName:
		m.routeBareIQ(from, to, el)
	case "broadcast":
		m.eachUserSession(to.LUser, to.LServer, func(s *Session) {
			m.deliver(s.SID, from, fullJID(to, s.Resource), el)
		})
	}
}

func (m *SM) routeBareMessage(from, to jid.JID, el *xmpp.Element) {
	var targets []SID
	max := -1
	m.eachUserSession(to.LUser, to.LServer, func(s *Session) {
		switch {
		case s.Priority > max:
			max = s.Priority
			targets = append(targets[:0], s.SID)
		case s.Priority == max:
			targets = append(targets, s.SID)
		}
	})
	if max >= 0 {
		for _, sid := range targets {
			m.deliver(sid, from, to, el)
		}
		return
	}
	m.routeBareMiss(from, to, el)
}

// routeBareMiss applies the no-available-resource policy for messages and
// IQ requests.
func (m *SM) routeBareMiss(from, to jid.JID, el *xmpp.Element) {
	switch el.Name() {
	case xmpp.MessageName:
		switch el.Type() {
		case xmpp.ErrorType:
			// drop
		case xmpp.GroupChatType, xmpp.HeadlineType:
			m.bounce(from, to, el)
		default:
			if m.userExists != nil && m.userExists(to.LUser, to.LServer) {
				if m.Offline != nil {
					m.Offline(from, to, el)
					return
				}
			}
			m.bounce(from, to, el)
		}
	case xmpp.IQName:
		info, _, _ := xmpp.IQQueryInfo(el)
		if info == xmpp.IQRequest {
			m.bounce(from, to, el)
		}
	}
}

func (m *SM) routeBareIQ(from, to jid.JID, el *xmpp.Element) {
	info, xmlns, _ := xmpp.IQQueryInfo(el)
	switch info {
	case xmpp.IQRequest:
		m.iqMu.RLock()
		h := m.iqHandlers[xmlns]
		m.iqMu.RUnlock()
		if h == nil {
			m.bounce(from, to, el)
			return
		}
		h(from, to, el)
	case xmpp.IQReply:
		// Replies to the bare JID are silently dropped.
	default:
		m.bounce(from, to, el)
	}
}

func (m *SM) bounce(from, to jid.JID, el *xmpp.Element) {
	reply := xmpp.MakeErrorReply(el, xmpp.ErrServiceUnavailable)
	m.rt.Route(to, from, reply)
}

func (m *SM) deliver(sid SID, from, to jid.JID, el *xmpp.Element) {
	if err := sid.Pid.Send(router.Packet{From: from, To: to, El: el}); err != nil {
		log.Debugf("sm: delivery to session %d failed: %v", sid.Pid.ID(), err)
	}
}

// Resources returns the live resources of a user.
func (m *SM) Resources(user, server string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for r := range m.usr[server][user] {
		out = append(out, r)
	}
	return out
}

// SessionCount returns the number of live sessions of a user.
func (m *SM) SessionCount(user, server string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.findSIDsByUSLocked(user, server))
}

func (m *SM) eachUserSession(user, server string, f func(*Session)) {
	m.mu.RLock()
	var sessions []*Session
	for _, sids := range m.usr[server][user] {
		for _, sid := range sids {
			if s, ok := m.sessions[sid]; ok {
				sessions = append(sessions, s)
			}
		}
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		f(s)
	}
}

func (m *SM) findSIDsByUSR(user, server, resource string) []SID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SID(nil), m.findSIDsByUSRLocked(user, server, resource)...)
}

func (m *SM) findSIDsByUSRLocked(user, server, resource string) []SID {
	return m.usr[server][user][resource]
}

func (m *SM) findSIDsByUSLocked(user, server string) []SID {
	var out []SID
	for _, sids := range m.usr[server][user] {
		out = append(out, sids...)
	}
	return out
}

func (m *SM) insertIndexLocked(sid SID, user, server, resource string) {
	users := m.usr[server]
	if users == nil {
		users = make(map[string]map[string][]SID)
		m.usr[server] = users
	}
	resources := users[user]
	if resources == nil {
		resources = make(map[string][]SID)
		users[user] = resources
	}
	resources[resource] = append(resources[resource], sid)
}

func (m *SM) removeLocked(sid SID) {
	s, ok := m.sessions[sid]
	if !ok {
		return
	}
	delete(m.sessions, sid)
	resources := m.usr[s.Server][s.User]
	sids := resources[s.Resource]
	out := sids[:0]
	for _, other := range sids {
		if other != sid {
			out = append(out, other)
		}
	}
	if len(out) == 0 {
		delete(resources, s.Resource)
		if len(resources) == 0 {
			delete(m.usr[s.Server], s.User)
			if len(m.usr[s.Server]) == 0 {
				delete(m.usr, s.Server)
			}
		}
	} else {
		resources[s.Resource] = out
	}
}

func fullJID(bare jid.JID, resource string) jid.JID {
	full := bare
	full.Resource = resource
	full.LResource = resource
	return full
}

func maxSID(sids []SID) SID {
	max := sids[0]
	for _, sid := range sids[1:] {
		if max.Before(sid) {
			max = sid
		}
	}
	return max
}

// FormatSID renders a session id for logs.
func FormatSID(sid SID) string {
	return strconv.FormatInt(sid.Time, 10) + "." + strconv.FormatUint(sid.Pid.ID(), 10)
}
