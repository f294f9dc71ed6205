// Package sessionversion implements the Session Version Store (C4):
// the optimistic-concurrency fence that lets clients condition a
// command on "the version of the session I think I'm editing."
package sessionversion

import (
	"sync"

	"github.com/coremux/agentmux/internal/protocol"
)

// Store tracks a monotonic per-session version counter. Not persisted
// across restarts — a fresh process starts every session back at 0.
type Store struct {
	mu       sync.Mutex
	versions map[string]int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{versions: make(map[string]int64)}
}

// Init sets a session's counter to 0 on creation or load. Re-init of
// an existing session resets it — callers must only call this once
// per session lifetime.
func (s *Store) Init(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[sessionID] = 0
}

// Remove drops a session's counter, called on session deletion.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, sessionID)
}

// Current returns a session's version and whether the session is known.
func (s *Store) Current(sessionID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[sessionID]
	return v, ok
}

// ApplyVersion increments the counter for a command type in the
// mutating set and stamps the resulting version onto resp. Commands
// outside the mutating set, or sessions the store doesn't know about,
// leave resp untouched.
func (s *Store) ApplyVersion(sessionID, cmdType string, resp *protocol.Response) {
	if !protocol.IsMutating(cmdType) {
		return
	}
	s.mu.Lock()
	v, ok := s.versions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	v++
	s.versions[sessionID] = v
	s.mu.Unlock()
	resp.SessionVersion = &v
}

// CheckSessionVersion returns a failure Response if the session is
// unknown or its current version differs from expected, or nil if the
// check passes.
func (s *Store) CheckSessionVersion(sessionID string, expected int64, id, cmdType string) *protocol.Response {
	cur, ok := s.Current(sessionID)
	if !ok {
		return protocol.Failure(id, cmdType, "unknown session: "+sessionID)
	}
	if cur != expected {
		return protocol.Failure(id, cmdType, "session version mismatch")
	}
	return nil
}
