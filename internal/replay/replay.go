// Package replay implements the Replay & Idempotency Store (C3): the
// ATOMIC OUTCOME RULE that lets retried or duplicated commands observe
// exactly one outcome regardless of how many times they arrive.
package replay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coremux/agentmux/internal/protocol"
)

// Outcome is a terminal command record, keyed by command id.
type Outcome struct {
	ID          string
	Fingerprint string
	Response    *protocol.Response
	StoredAt    time.Time
}

// inFlightRecord tracks a currently-executing command.
type inFlightRecord struct {
	ID          string
	Fingerprint string
	done        chan struct{}
	result      *protocol.Response
}

// idempotencyEntry is the TTL-bounded side cache keyed by idempotency key.
type idempotencyEntry struct {
	Fingerprint string
	Response    *protocol.Response
	ExpiresAt   time.Time
}

// Config holds the store's tunables. InFlightCap is a *int rather than
// a bare int so that 0 is a reachable configuration ("reject every
// command until one finishes") distinct from an unset field, which
// falls back to the default of 1000.
type Config struct {
	OutcomeCap      int
	InFlightCap     *int
	IdempotencyTTL  time.Duration
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.OutcomeCap == 0 {
		c.OutcomeCap = 10000
	}
	if c.InFlightCap == nil {
		def := 1000
		c.InFlightCap = &def
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = 10 * time.Minute
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Minute
	}
	return c
}

// Store is the Replay & Idempotency Store (C3).
type Store struct {
	cfg Config

	processStart int64
	seq          atomic.Uint64

	mu          sync.Mutex
	outcomes    map[string]*Outcome
	outcomeFIFO []string
	inFlight    map[string]*inFlightRecord
	idemCache   map[string]*idempotencyEntry

	stop chan struct{}
}

// New constructs a Store. processStart should be a value stable for
// the life of the process (e.g. time.Now().UnixNano() at startup) used
// to namespace synthetic identifiers.
func New(cfg Config, processStart int64) *Store {
	cfg = cfg.withDefaults()
	s := &Store{
		cfg:          cfg,
		processStart: processStart,
		outcomes:     make(map[string]*Outcome),
		inFlight:     make(map[string]*inFlightRecord),
		idemCache:    make(map[string]*idempotencyEntry),
		stop:         make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Stop halts the idempotency-cache cleanup sweep.
func (s *Store) Stop() {
	close(s.stop)
}

// GetOrCreateCommandID returns the command's own identifier, or
// synthesizes a process-lifetime-unique "anon:{processStart}:{seq}" id.
// Synthetic identifiers bypass outcome storage (they can never be
// replayed, since no future request can reconstruct them).
func (s *Store) GetOrCreateCommandID(cmd *protocol.Command) (id string, synthetic bool) {
	if cmd.ID != "" {
		return cmd.ID, false
	}
	n := s.seq.Add(1)
	return fmt.Sprintf("%s%d:%d", protocol.AnonPrefix, s.processStart, n), true
}

// GetCommandFingerprint computes a canonical digest of the command,
// excluding its identifier and idempotency key — those identify a
// retry identity, not the semantic content of the command.
func GetCommandFingerprint(cmd *protocol.Command) (string, error) {
	canon, err := canonicalize(cmd)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize builds a stable-ordering JSON representation of the
// command's semantic content. Unspecified fields are omitted rather
// than defaulted so two commands that differ only in an absent vs.
// zero-value field still fingerprint identically to clients that never
// set the field at all.
func canonicalize(cmd *protocol.Command) ([]byte, error) {
	fields := map[string]any{
		"type": cmd.Type,
	}
	if cmd.SessionID != "" {
		fields["sessionId"] = cmd.SessionID
	}
	if len(cmd.DependsOn) > 0 {
		dep := append([]string(nil), cmd.DependsOn...)
		sort.Strings(dep)
		fields["dependsOn"] = dep
	}
	if cmd.IfSessionVersion != nil {
		fields["ifSessionVersion"] = *cmd.IfSessionVersion
	}
	for k, v := range cmd.Payload {
		fields[k] = v
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(fields[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// ReplayVerdict is the result of checkReplay.
type ReplayVerdict int

const (
	// Proceed: not seen before, not in flight, no idempotency hit.
	Proceed ReplayVerdict = iota
	// ReplayCached: a prior outcome or idempotency entry matches.
	ReplayCached
	// ReplayInflight: identifier is currently executing; caller should await.
	ReplayInflight
	// Conflict: identifier or idempotency key matches a different fingerprint.
	Conflict
)

// CheckResult carries the verdict plus whichever payload applies.
type CheckResult struct {
	Verdict  ReplayVerdict
	Response *protocol.Response // set for ReplayCached and Conflict
	Await    <-chan struct{}    // set for ReplayInflight; read result after close
	inflight *inFlightRecord
}

// AwaitResult reads the terminal response of an in-flight command,
// after the channel returned in Await has closed.
func (r *CheckResult) AwaitResult() *protocol.Response {
	if r.inflight == nil {
		return nil
	}
	return r.inflight.result
}

// CheckReplay implements spec §4.3's checkReplay operation.
func (s *Store) CheckReplay(cmd *protocol.Command, id, fingerprint string) CheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inf, ok := s.inFlight[id]; ok {
		if inf.Fingerprint != fingerprint {
			return CheckResult{Verdict: Conflict, Response: protocol.Failure(id, cmd.Type, "command id reused with different content")}
		}
		return CheckResult{Verdict: ReplayInflight, Await: inf.done, inflight: inf}
	}
	if out, ok := s.outcomes[id]; ok {
		if out.Fingerprint != fingerprint {
			return CheckResult{Verdict: Conflict, Response: protocol.Failure(id, cmd.Type, "command id reused with different content")}
		}
		return CheckResult{Verdict: ReplayCached, Response: out.Response.CloneForReplay(id)}
	}
	if cmd.IdempotencyKey != "" {
		if ent, ok := s.idemCache[cmd.IdempotencyKey]; ok && ent.ExpiresAt.After(time.Now()) {
			if ent.Fingerprint != fingerprint {
				return CheckResult{Verdict: Conflict, Response: protocol.Failure(id, cmd.Type, "idempotency key reused with different content")}
			}
			return CheckResult{Verdict: ReplayCached, Response: ent.Response.CloneForReplay(id)}
		}
	}
	return CheckResult{Verdict: Proceed}
}

// RegisterInFlight records that id is executing with the given
// fingerprint. Returns false if the global in-flight cap would be
// exceeded — the caller must surface this as "server busy" and take no
// further action. Re-registering an existing id with the same
// fingerprint is permitted and idempotent.
func (s *Store) RegisterInFlight(id, fingerprint string) (*inFlightRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.inFlight[id]; ok {
		if existing.Fingerprint == fingerprint {
			return existing, true
		}
		return nil, false
	}
	if len(s.inFlight) >= *s.cfg.InFlightCap {
		return nil, false
	}
	rec := &inFlightRecord{ID: id, Fingerprint: fingerprint, done: make(chan struct{})}
	s.inFlight[id] = rec
	return rec, true
}

// StoreCommandOutcome writes the terminal response for id and resolves
// any waiters on the in-flight record, trimming the oldest outcome
// entries once the FIFO cap is exceeded. synthetic identifiers are not
// persisted — they can never be looked up again.
func (s *Store) StoreCommandOutcome(id, fingerprint string, synthetic bool, resp *protocol.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.inFlight[id]; ok {
		rec.result = resp
		close(rec.done)
		delete(s.inFlight, id)
	}

	if synthetic {
		return
	}

	if _, exists := s.outcomes[id]; !exists {
		s.outcomeFIFO = append(s.outcomeFIFO, id)
	}
	s.outcomes[id] = &Outcome{ID: id, Fingerprint: fingerprint, Response: resp, StoredAt: time.Now()}
	for len(s.outcomeFIFO) > s.cfg.OutcomeCap {
		oldest := s.outcomeFIFO[0]
		s.outcomeFIFO = s.outcomeFIFO[1:]
		delete(s.outcomes, oldest)
	}
}

// CacheIdempotencyResult stores a TTL-bounded side-cache entry keyed by
// idempotency key, independent of the id-keyed outcome store.
func (s *Store) CacheIdempotencyResult(key, fingerprint string, resp *protocol.Response) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idemCache[key] = &idempotencyEntry{
		Fingerprint: fingerprint,
		Response:    resp,
		ExpiresAt:   time.Now().Add(s.cfg.IdempotencyTTL),
	}
}

// CleanupIdempotencyCache drops expired entries.
func (s *Store) CleanupIdempotencyCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, ent := range s.idemCache {
		if ent.ExpiresAt.Before(now) {
			delete(s.idemCache, k)
		}
	}
}

// LookupOutcome returns a completed outcome's response, for the
// Command Execution Engine's cross-lane dependency resolution.
func (s *Store) LookupOutcome(id string) (*protocol.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outcomes[id]
	if !ok {
		return nil, false
	}
	return out.Response, true
}

// LookupInFlight returns the await channel for an in-flight id, for
// cross-lane dependency resolution.
func (s *Store) LookupInFlight(id string) (<-chan struct{}, func() *protocol.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inFlight[id]
	if !ok {
		return nil, nil, false
	}
	return rec.done, func() *protocol.Response { return rec.result }, true
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.CleanupIdempotencyCache()
		}
	}
}
