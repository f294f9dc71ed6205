// Package uiregistry implements the Extension UI Request Registry
// (C8): server-initiated prompts (select / confirm / input / editor /
// notify / status / widget / title) addressed to a subscribed client,
// with settle-once semantics guarding the timeout/cancel/response race.
package uiregistry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPendingCapExceeded is returned when the bounded pending-count is full.
var ErrPendingCapExceeded = errors.New("uiregistry: pending request cap exceeded")

// ErrSessionMismatch is returned when a response's session does not
// match the request's originating session.
var ErrSessionMismatch = errors.New("uiregistry: session mismatch")

// ErrNotFound is returned when a request id is unknown or already settled.
var ErrNotFound = errors.New("uiregistry: request not found")

// Result is the terminal outcome of a pending UI request.
type Result struct {
	Data    map[string]any
	Err     error
}

type pending struct {
	requestID string
	sessionID string
	method    string
	settled   bool
	timer     *time.Timer
	resultCh  chan Result
}

// Config holds the registry's tunables.
type Config struct {
	DefaultTimeout time.Duration
	MaxPending     int
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.MaxPending == 0 {
		c.MaxPending = 1000
	}
	return c
}

// Registry is the Extension UI Request Registry (C8).
type Registry struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]*pending
}

// New constructs a Registry.
func New(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{cfg: cfg, pending: make(map[string]*pending)}
}

// PendingRequest is returned by CreatePendingRequest.
type PendingRequest struct {
	RequestID string
	Result    <-chan Result
}

// CreatePendingRequest enqueues a pending UI request for sessionID,
// with an individual timeout (zero uses the registry default).
func (r *Registry) CreatePendingRequest(sessionID, method string, timeout time.Duration) (*PendingRequest, error) {
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	requestID, err := generateRequestID(sessionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.pending) >= r.cfg.MaxPending {
		r.mu.Unlock()
		return nil, ErrPendingCapExceeded
	}
	p := &pending{
		requestID: requestID,
		sessionID: sessionID,
		method:    method,
		resultCh:  make(chan Result, 1),
	}
	p.timer = time.AfterFunc(timeout, func() { r.settle(requestID, Result{Err: errors.New("ui request timed out")}) })
	r.pending[requestID] = p
	r.mu.Unlock()

	return &PendingRequest{RequestID: requestID, Result: p.resultCh}, nil
}

// HandleUIResponse resolves a pending request by id. Verifies the
// response's session matches the request's, marks it settled (so a
// racing timeout or cancel is a no-op), clears the timer, and resolves
// the waiting future.
func (r *Registry) HandleUIResponse(requestID, sessionID string, data map[string]any) error {
	r.mu.Lock()
	p, ok := r.pending[requestID]
	if !ok || p.settled {
		r.mu.Unlock()
		return ErrNotFound
	}
	if p.sessionID != sessionID {
		r.mu.Unlock()
		return ErrSessionMismatch
	}
	p.settled = true
	p.timer.Stop()
	delete(r.pending, requestID)
	r.mu.Unlock()

	p.resultCh <- Result{Data: data}
	return nil
}

// settle is the shared path for timeout and cancellation completions.
// A response that races in after settlement has already happened finds
// the request gone from the map and is a no-op via ErrNotFound above.
func (r *Registry) settle(requestID string, res Result) {
	r.mu.Lock()
	p, ok := r.pending[requestID]
	if !ok || p.settled {
		r.mu.Unlock()
		return
	}
	p.settled = true
	delete(r.pending, requestID)
	r.mu.Unlock()
	p.resultCh <- res
}

// CancelSessionRequests rejects every pending request for sessionID,
// called when the session is deleted.
func (r *Registry) CancelSessionRequests(sessionID string) {
	r.mu.Lock()
	var toCancel []*pending
	for id, p := range r.pending {
		if p.sessionID == sessionID {
			toCancel = append(toCancel, p)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()
	for _, p := range toCancel {
		p.timer.Stop()
		if !markSettled(p) {
			continue
		}
		p.resultCh <- Result{Err: errors.New("session deleted")}
	}
}

func markSettled(p *pending) bool {
	if p.settled {
		return false
	}
	p.settled = true
	return true
}

// PendingCount reports the current number of outstanding requests, for get_metrics.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func generateRequestID(sessionID string) (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d-%s", sessionID, time.Now().UnixNano(), hex.EncodeToString(buf)), nil
}
