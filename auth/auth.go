// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package auth defines the authentication backend consulted during SASL and
// legacy stream authentication, together with an in-memory implementation
// used by tests and small deployments.
package auth // import "mellium.im/koine/auth"

import (
	"sync"
)

// DigestGen produces the expected digest for a stored password.
type DigestGen func(password string) string

// Backend is the password store collaborator contract.
type Backend interface {
	// CheckPassword verifies a plaintext password and returns the name of
	// the module that authenticated the user.
	CheckPassword(user, server, password string) (module string, ok bool)
	// CheckPasswordDigest verifies either the plaintext password or, when
	// digest is non-empty, the digest produced by gen from the stored
	// password.
	CheckPasswordDigest(user, server, password, digest string, gen DigestGen) (module string, ok bool)
	// GetPassword retrieves the stored plaintext password.
	GetPassword(user, server string) (password, module string, ok bool)
	// UserExists reports whether the user is known.
	UserExists(user, server string) bool
}

// Memory is a Backend holding credentials in memory.
type Memory struct {
	mu    sync.RWMutex
	users map[string]string // user@server -> password
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]string)}
}

// Register adds or replaces a user's password.
func (m *Memory) Register(user, server, password string) {
	m.mu.Lock()
	m.users[user+"@"+server] = password
	m.mu.Unlock()
}

// CheckPassword implements Backend.
func (m *Memory) CheckPassword(user, server, password string) (string, bool) {
	m.mu.RLock()
	stored, ok := m.users[user+"@"+server]
	m.mu.RUnlock()
	if !ok || stored != password {
		return "", false
	}
	return "mem", true
}

// CheckPasswordDigest implements Backend.
func (m *Memory) CheckPasswordDigest(user, server, password, digest string, gen DigestGen) (string, bool) {
	m.mu.RLock()
	stored, ok := m.users[user+"@"+server]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	if digest != "" {
		if gen != nil && gen(stored) == digest {
			return "mem", true
		}
		return "", false
	}
	if password != "" && stored == password {
		return "mem", true
	}
	return "", false
}

// GetPassword implements Backend.
func (m *Memory) GetPassword(user, server string) (string, string, bool) {
	m.mu.RLock()
	stored, ok := m.users[user+"@"+server]
	m.mu.RUnlock()
	if !ok {
		return "", "", false
	}
	return stored, "mem", true
}

// UserExists implements Backend.
func (m *Memory) UserExists(user, server string) bool {
	m.mu.RLock()
	_, ok := m.users[user+"@"+server]
	m.mu.RUnlock()
	return ok
}
