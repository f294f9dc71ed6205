// Package governor implements the Resource Governor (C1): admission
// control for sessions and connections, message-size ceilings, sliding
// window rate limits with generation-addressable refunds, and
// heartbeat-based zombie detection. Every decision is local and
// idempotent — failures are returned as values, never raised.
package governor

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/coremux/agentmux/internal/protocol"
)

// Config holds the governor's tunables. Zero-value fields are replaced
// with their documented defaults by New.
type Config struct {
	MaxSessions      int
	MaxConnections   int
	MaxMessageBytes  int
	WindowLength     time.Duration
	SessionRateLimit int
	GlobalRateLimit  int
	UIResponseLimit  int
	ZombieTimeout    time.Duration
	MaxSessionLife   time.Duration
	CleanupInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSessions == 0 {
		c.MaxSessions = 100
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 256
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 10 << 20
	}
	if c.WindowLength == 0 {
		c.WindowLength = time.Minute
	}
	if c.SessionRateLimit == 0 {
		c.SessionRateLimit = 120
	}
	if c.GlobalRateLimit == 0 {
		c.GlobalRateLimit = 1200
	}
	if c.UIResponseLimit == 0 {
		c.UIResponseLimit = 30
	}
	if c.ZombieTimeout == 0 {
		c.ZombieTimeout = 2 * time.Minute
	}
	if c.MaxSessionLife == 0 {
		c.MaxSessionLife = 24 * time.Hour
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	return c
}

// windowEntry is one admitted slot in a sliding window, tagged with a
// generation so refundCommand can remove the exact entry rather than
// "the first with timestamp T" (several admissions can share a
// millisecond timestamp).
type windowEntry struct {
	at  time.Time
	gen uint64
}

type window struct {
	mu      sync.Mutex
	entries []windowEntry
	limit   int
	length  time.Duration
}

func newWindow(limit int, length time.Duration) *window {
	return &window{limit: limit, length: length}
}

func (w *window) admit(now time.Time, gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(now)
	if len(w.entries) >= w.limit {
		return false
	}
	w.entries = append(w.entries, windowEntry{at: now, gen: gen})
	return true
}

func (w *window) refund(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, e := range w.entries {
		if e.gen == gen {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return
		}
	}
}

func (w *window) evictLocked(now time.Time) {
	cutoff := now.Add(-w.length)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append([]windowEntry{}, w.entries[i:]...)
	}
}

func (w *window) evict(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(now)
}

func (w *window) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	Reason     string
	Generation uint64
}

// Governor is the Resource Governor (C1).
type Governor struct {
	cfg Config

	sessionSlots    atomic.Int64
	connectionSlots atomic.Int64

	doubleUnregisterErrors atomic.Int64

	globalWindow *window

	mu             sync.Mutex
	sessionWindows map[string]*window
	uiWindows      map[string]*window
	heartbeats     map[string]time.Time
	sessionStart   map[string]time.Time

	genCounter atomic.Uint64

	stopCleanup chan struct{}
}

// New constructs a Governor and starts its periodic cleanup sweep.
func New(cfg Config) *Governor {
	cfg = cfg.withDefaults()
	g := &Governor{
		cfg:            cfg,
		globalWindow:   newWindow(cfg.GlobalRateLimit, cfg.WindowLength),
		sessionWindows: make(map[string]*window),
		uiWindows:      make(map[string]*window),
		heartbeats:     make(map[string]time.Time),
		sessionStart:   make(map[string]time.Time),
		stopCleanup:    make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// Stop halts the periodic cleanup sweep.
func (g *Governor) Stop() {
	close(g.stopCleanup)
}

// TryReserveSessionSlot atomically increments the session counter iff
// below maxSessions.
func (g *Governor) TryReserveSessionSlot() bool {
	for {
		cur := g.sessionSlots.Load()
		if cur >= int64(g.cfg.MaxSessions) {
			return false
		}
		if g.sessionSlots.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// ReleaseSessionSlot undoes a reservation. Releasing below zero is a
// logged invariant violation that clamps to zero.
func (g *Governor) ReleaseSessionSlot() {
	for {
		cur := g.sessionSlots.Load()
		if cur <= 0 {
			if g.sessionSlots.CompareAndSwap(cur, 0) {
				g.doubleUnregisterErrors.Add(1)
				slog.Error("governor: double session slot release")
				return
			}
			continue
		}
		if g.sessionSlots.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// TryReserveConnectionSlot is the connection-admission analog of
// TryReserveSessionSlot.
func (g *Governor) TryReserveConnectionSlot() bool {
	for {
		cur := g.connectionSlots.Load()
		if cur >= int64(g.cfg.MaxConnections) {
			return false
		}
		if g.connectionSlots.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// ReleaseConnectionSlot releases a connection slot previously reserved.
func (g *Governor) ReleaseConnectionSlot() {
	for {
		cur := g.connectionSlots.Load()
		if cur <= 0 {
			if g.connectionSlots.CompareAndSwap(cur, 0) {
				g.doubleUnregisterErrors.Add(1)
				slog.Error("governor: double connection slot release")
				return
			}
			continue
		}
		if g.connectionSlots.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// DoubleUnregisterErrors reports how many slot releases underflowed.
func (g *Governor) DoubleUnregisterErrors() int64 {
	return g.doubleUnregisterErrors.Load()
}

// SessionCount reports the number of currently reserved session slots.
func (g *Governor) SessionCount() int64 {
	return g.sessionSlots.Load()
}

// ConnectionCount reports the number of currently reserved connection slots.
func (g *Governor) ConnectionCount() int64 {
	return g.connectionSlots.Load()
}

// CanAcceptMessage rejects non-finite, negative, or oversized payloads.
// Size is measured in bytes of the encoded frame, not characters.
func (g *Governor) CanAcceptMessage(bytes int) Decision {
	if bytes < 0 {
		return Decision{Allowed: false, Reason: "negative message size"}
	}
	if math.IsNaN(float64(bytes)) || math.IsInf(float64(bytes), 0) {
		return Decision{Allowed: false, Reason: "non-finite message size"}
	}
	if bytes > g.cfg.MaxMessageBytes {
		return Decision{Allowed: false, Reason: fmt.Sprintf(
			"message of %s exceeds maximum size %s",
			humanize.Bytes(uint64(bytes)), humanize.Bytes(uint64(g.cfg.MaxMessageBytes)))}
	}
	return Decision{Allowed: true}
}

func (g *Governor) sessionWindow(key string) *window {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.sessionWindows[key]
	if !ok {
		w = newWindow(g.cfg.SessionRateLimit, g.cfg.WindowLength)
		g.sessionWindows[key] = w
	}
	return w
}

func (g *Governor) uiWindow(key string) *window {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.uiWindows[key]
	if !ok {
		w = newWindow(g.cfg.UIResponseLimit, g.cfg.WindowLength)
		g.uiWindows[key] = w
	}
	return w
}

// CanExecuteCommand checks both the global and per-session sliding
// windows (and, for UI-response command types, the secondary stricter
// window too). On success it returns the generation the caller must
// pass to RefundCommand to undo this admission.
func (g *Governor) CanExecuteCommand(sessionKey, cmdType string) Decision {
	now := time.Now()
	gen := g.genCounter.Add(1)

	if !g.globalWindow.admit(now, gen) {
		return Decision{Allowed: false, Reason: "global rate limit exceeded"}
	}
	sw := g.sessionWindow(sessionKey)
	if !sw.admit(now, gen) {
		g.globalWindow.refund(gen)
		return Decision{Allowed: false, Reason: "session rate limit exceeded"}
	}
	if protocol.IsUIResponse(cmdType) {
		uw := g.uiWindow(sessionKey)
		if !uw.admit(now, gen) {
			g.globalWindow.refund(gen)
			sw.refund(gen)
			return Decision{Allowed: false, Reason: "ui response rate limit exceeded"}
		}
	}
	return Decision{Allowed: true, Generation: gen}
}

// RefundCommand removes the exact window entry created by a prior
// CanExecuteCommand call. Validation failures must never call this —
// invalid traffic still counts against the quota.
func (g *Governor) RefundCommand(sessionKey, cmdType string, gen uint64) {
	g.globalWindow.refund(gen)
	g.sessionWindow(sessionKey).refund(gen)
	if protocol.IsUIResponse(cmdType) {
		g.uiWindow(sessionKey).refund(gen)
	}
}

// RecordHeartbeat stamps the liveness timestamp for a session.
func (g *Governor) RecordHeartbeat(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heartbeats[sessionID] = time.Now()
	if _, ok := g.sessionStart[sessionID]; !ok {
		g.sessionStart[sessionID] = time.Now()
	}
}

// GetZombieSessions returns ids older than the zombie timeout without a heartbeat.
func (g *Governor) GetZombieSessions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	var zombies []string
	for id, last := range g.heartbeats {
		if now.Sub(last) > g.cfg.ZombieTimeout {
			zombies = append(zombies, id)
		}
	}
	return zombies
}

// CleanupZombieSessions removes heartbeat entries for the given ids.
func (g *Governor) CleanupZombieSessions(ids []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		delete(g.heartbeats, id)
	}
}

// GetExpiredSessions returns session ids whose recorded lifetime
// exceeds maxSessionLifetimeMs, so the Session Manager can delete them.
func (g *Governor) GetExpiredSessions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	var expired []string
	for id, start := range g.sessionStart {
		if now.Sub(start) > g.cfg.MaxSessionLife {
			expired = append(expired, id)
		}
	}
	return expired
}

// CleanupStaleData purges all per-session governor state for sessions
// no longer present in activeSessionIDs, called whenever a session is
// deleted.
func (g *Governor) CleanupStaleData(activeSessionIDs map[string]bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id := range g.sessionWindows {
		if !activeSessionIDs[id] {
			delete(g.sessionWindows, id)
		}
	}
	for id := range g.uiWindows {
		if !activeSessionIDs[id] {
			delete(g.uiWindows, id)
		}
	}
	for id := range g.heartbeats {
		if !activeSessionIDs[id] {
			delete(g.heartbeats, id)
		}
	}
	for id := range g.sessionStart {
		if !activeSessionIDs[id] {
			delete(g.sessionStart, id)
		}
	}
}

func (g *Governor) cleanupLoop() {
	ticker := time.NewTicker(g.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCleanup:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *Governor) sweep() {
	now := time.Now()
	g.globalWindow.evict(now)
	g.mu.Lock()
	windows := make([]*window, 0, len(g.sessionWindows)+len(g.uiWindows))
	for _, w := range g.sessionWindows {
		windows = append(windows, w)
	}
	for _, w := range g.uiWindows {
		windows = append(windows, w)
	}
	g.mu.Unlock()
	for _, w := range windows {
		w.evict(now)
	}
}

// ValidateSessionID delegates to protocol's session identifier rule.
func ValidateSessionID(id string) error {
	return protocol.ValidateSessionIDFormat(id)
}

// ValidateWorkingDir delegates to protocol's working-directory rule.
func ValidateWorkingDir(path string) error {
	return protocol.ValidateWorkingDir(path)
}
