// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package sasl implements the server side of SASL negotiation for XMPP
// streams: a mechanism registry and steppable state machines with
// challenge/response semantics.
package sasl // import "mellium.im/koine/sasl"

import (
	"sort"
	"sync"

	"mellium.im/koine/xmpp/jid"
)

// Failure conditions produced by mechanisms.
const (
	BadProtocol      = "bad-protocol"
	InvalidMechanism = "invalid-mechanism"
	NotAuthorized    = "not-authorized"
)

// DigestGen produces the expected legacy digest for a stored password.
type DigestGen func(password string) string

// Callbacks are the authentication backend hooks a mechanism may consult.
// Every lookup is scoped to the server the engine was built for.
type Callbacks struct {
	// GetPassword retrieves the stored plaintext password of a user.
	GetPassword func(user string) (password, authModule string, ok bool)
	// CheckPassword verifies a plaintext password.
	CheckPassword func(user, password string) (authModule string, ok bool)
	// CheckDigest verifies a legacy digest response.
	CheckDigest func(user, response, digest string, gen DigestGen) (authModule string, ok bool)
}

// Props describe an authenticated identity.
type Props struct {
	Username   string
	Authzid    string
	AuthModule string
}

// Kind discriminates the outcome of a mechanism step.
type Kind int

// Step outcomes.
const (
	// Done reports a completed, successful negotiation.
	Done Kind = iota
	// Continue carries a server challenge and awaits the next client
	// response.
	Continue
	// Failure aborts the negotiation with a condition; Username names the
	// offending user when known.
	Failure
)

// Step consumes one client response and produces the next Result.
type Step func(clientIn string) Result

// Result is the outcome of one negotiation step.
type Result struct {
	Kind      Kind
	Props     Props  // valid when Kind == Done
	ServerOut string // challenge payload when Kind == Continue
	Next      Step   // next step when Kind == Continue
	Condition string // failure condition when Kind == Failure
	Username  string // offending user for logs, may be empty
}

// Mechanism starts a negotiation: it receives the server FQDN, the backend
// callbacks and the initial client response.
type Mechanism func(fqdn string, cb Callbacks, clientIn string) Result

var (
	regMu    sync.RWMutex
	registry = make(map[string]Mechanism)
)

// Register adds a mechanism to the registry. The registry is populated at
// startup and read-only thereafter.
func Register(name string, m Mechanism) {
	regMu.Lock()
	registry[name] = m
	regMu.Unlock()
}

// Mechanisms lists the registered mechanism names in stable order.
func Mechanisms() []string {
	regMu.RLock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	regMu.RUnlock()
	sort.Strings(names)
	return names
}

// Server drives negotiations for one served host.
type Server struct {
	fqdn string
	cb   Callbacks
}

// NewServer returns a negotiation engine for the given host.
func NewServer(fqdn string, cb Callbacks) *Server {
	return &Server{fqdn: fqdn, cb: cb}
}

// Start begins a negotiation with the named mechanism and the initial
// client response.
func (s *Server) Start(mechanism, clientIn string) Result {
	regMu.RLock()
	m := registry[mechanism]
	regMu.RUnlock()
	if m == nil {
		return Result{Kind: Failure, Condition: InvalidMechanism}
	}
	return validate(m(s.fqdn, s.cb, clientIn))
}

// StepResponse feeds a client response into a pending step.
func (s *Server) StepResponse(step Step, clientIn string) Result {
	return validate(step(clientIn))
}

// validate post-checks a Done result: the username must nodeprep to a
// non-empty value or the result is rewritten to a not-authorized failure.
func validate(r Result) Result {
	if r.Kind == Continue {
		next := r.Next
		r.Next = func(clientIn string) Result { return validate(next(clientIn)) }
		return r
	}
	if r.Kind != Done {
		return r
	}
	prepped, err := jid.Nodeprep(r.Props.Username)
	if err != nil || prepped == "" {
		return Result{Kind: Failure, Condition: NotAuthorized, Username: r.Props.Username}
	}
	r.Props.Username = prepped
	return r
}
