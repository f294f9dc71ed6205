package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coremux/agentmux/internal/auditlog"
	"github.com/coremux/agentmux/internal/breaker"
	"github.com/coremux/agentmux/internal/engine"
	"github.com/coremux/agentmux/internal/governor"
	"github.com/coremux/agentmux/internal/lock"
	"github.com/coremux/agentmux/internal/metastore"
	"github.com/coremux/agentmux/internal/protocol"
	"github.com/coremux/agentmux/internal/replay"
	"github.com/coremux/agentmux/internal/sessionversion"
	"github.com/coremux/agentmux/internal/uiregistry"
)

// Subscriber receives frames broadcast by the Manager: lifecycle
// broadcasts (global) and event passthrough frames (per-session). Send
// errors are swallowed by the broadcaster — a subscriber that cannot
// keep up loses frames rather than stalling every other subscriber.
type Subscriber interface {
	Send(frame any) error
}

// SessionRecord is a session's externally-visible metadata, the
// in-memory counterpart of metastore.Record.
type SessionRecord struct {
	SessionID    string    `json:"sessionId"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	Cwd          string    `json:"cwd,omitempty"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

type sessionEntry struct {
	capability Capability
	record     SessionRecord
	stopEvents chan struct{}
}

// Deps groups the Manager's collaborators: the six core components
// (C1-C6) plus the UI Request Registry (C8), the capability factory,
// and two optional external collaborators (metadata persistence, audit
// logging) that the core pipeline never depends on for correctness.
type Deps struct {
	Governor    *governor.Governor
	Locks       *lock.Manager
	Replay      *replay.Store
	Versions    *sessionversion.Store
	Engine      *engine.Engine
	Breakers    *breaker.Manager
	UIRegistry  *uiregistry.Registry
	Factory     Factory
	MetaStore   *metastore.Store // optional; nil disables persistence
	Audit       *auditlog.Log    // optional; nil disables audit recording
}

// Manager is the Session Manager (C7): the executeCommand orchestrator
// that composes every other component into the single pipeline
// described in spec §4.7.
type Manager struct {
	governor   *governor.Governor
	locks      *lock.Manager
	replay     *replay.Store
	versions   *sessionversion.Store
	engine     *engine.Engine
	breakers   *breaker.Manager
	uiRegistry *uiregistry.Registry
	factory    Factory
	metaStore  *metastore.Store
	audit      *auditlog.Log

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	subMu       sync.Mutex
	subscribers map[string]Subscriber
	sessionSubs map[string]map[string]struct{}

	laneOf sync.Map // commandID -> laneKey, while in flight

	shuttingDown atomic.Bool
	inFlightWG   sync.WaitGroup
}

// NewManager constructs a Manager from its collaborators.
func NewManager(d Deps) *Manager {
	return &Manager{
		governor:    d.Governor,
		locks:       d.Locks,
		replay:      d.Replay,
		versions:    d.Versions,
		engine:      d.Engine,
		breakers:    d.Breakers,
		uiRegistry:  d.UIRegistry,
		factory:     d.Factory,
		metaStore:   d.MetaStore,
		audit:       d.Audit,
		sessions:    make(map[string]*sessionEntry),
		subscribers: make(map[string]Subscriber),
		sessionSubs: make(map[string]map[string]struct{}),
	}
}

// Subscribe registers a global subscriber that receives every lifecycle broadcast.
func (m *Manager) Subscribe(id string, sub Subscriber) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers[id] = sub
}

// Unsubscribe removes a subscriber from the global set and every
// per-session event routing table.
func (m *Manager) Unsubscribe(id string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	delete(m.subscribers, id)
	for sid := range m.sessionSubs {
		delete(m.sessionSubs[sid], id)
	}
}

// SubscribeSession opts an already-subscribed id into a session's event passthrough.
func (m *Manager) SubscribeSession(subID, sessionID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	set, ok := m.sessionSubs[sessionID]
	if !ok {
		set = make(map[string]struct{})
		m.sessionSubs[sessionID] = set
	}
	set[subID] = struct{}{}
}

// UnsubscribeSession opts subID back out of sessionID's event passthrough.
func (m *Manager) UnsubscribeSession(subID, sessionID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if set, ok := m.sessionSubs[sessionID]; ok {
		delete(set, subID)
	}
}

func (m *Manager) unsubscribeSession(sessionID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	delete(m.sessionSubs, sessionID)
}

func (m *Manager) broadcastToAll(frame any) {
	m.subMu.Lock()
	subs := make([]Subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		subs = append(subs, s)
	}
	m.subMu.Unlock()
	for _, s := range subs {
		if err := s.Send(frame); err != nil {
			slog.Warn("session manager: subscriber send failed", "error", err)
		}
	}
}

func (m *Manager) broadcastEvent(sessionID string, ev protocol.Event) {
	m.subMu.Lock()
	var subs []Subscriber
	for sid := range m.sessionSubs[sessionID] {
		if s, ok := m.subscribers[sid]; ok {
			subs = append(subs, s)
		}
	}
	m.subMu.Unlock()
	frame := &protocol.EventFrame{Type: "event", SessionID: sessionID, Event: ev.Data}
	for _, s := range subs {
		if err := s.Send(frame); err != nil {
			slog.Warn("session manager: event send failed", "sessionId", sessionID, "error", err)
		}
	}
}

func (m *Manager) broadcastLifecycle(phase protocol.LifecyclePhase, data protocol.LifecycleData) {
	m.broadcastToAll(protocol.NewLifecycleFrame(phase, data))
}

func (m *Manager) broadcastSessionLifecycle(sessionID string, created bool) {
	t := "session_deleted"
	if created {
		t = "session_created"
	}
	m.broadcastToAll(&protocol.SessionLifecycle{Type: t, SessionID: sessionID})
}

func lifecycleData(cmd *protocol.Command, id string) protocol.LifecycleData {
	return protocol.LifecycleData{
		CommandID:        id,
		CommandType:      cmd.Type,
		SessionID:        cmd.SessionID,
		DependsOn:        cmd.DependsOn,
		IfSessionVersion: cmd.IfSessionVersion,
		IdempotencyKey:   cmd.IdempotencyKey,
	}
}

func lifecycleResult(cmd *protocol.Command, id string, resp *protocol.Response) protocol.LifecycleData {
	d := lifecycleData(cmd, id)
	if resp != nil {
		success := resp.Success
		d.Success = &success
		d.Error = resp.Error
		d.SessionVersion = resp.SessionVersion
		d.Replayed = resp.Replayed
	}
	return d
}

func (m *Manager) recordAudit(phase auditlog.Phase, cmd *protocol.Command, id string, resp *protocol.Response) {
	if m.audit == nil {
		return
	}
	ev := auditlog.Event{CommandID: id, CommandType: cmd.Type, SessionID: cmd.SessionID, Phase: phase}
	if resp != nil {
		ev.Success = resp.Success
		ev.Error = resp.Error
	}
	if err := m.audit.Record(ev); err != nil {
		slog.Warn("session manager: audit record failed", "error", err)
	}
}

// ExecuteCommand is the single entry point every transport calls for
// every inbound command: validation, replay/idempotency consultation,
// rate admission, lane-serialized dispatch under a timeout, and
// outcome storage, exactly as described in spec §4.7.
func (m *Manager) ExecuteCommand(ctx context.Context, cmd *protocol.Command) *protocol.Response {
	if m.shuttingDown.Load() {
		return protocol.Failure(cmd.ID, cmd.Type, "server is shutting down")
	}

	if err := protocol.Validate(cmd); err != nil {
		return protocol.Failure(cmd.ID, cmd.Type, err.Error())
	}

	m.inFlightWG.Add(1)
	defer m.inFlightWG.Done()

	id, synthetic := m.replay.GetOrCreateCommandID(cmd)
	fingerprint, err := replay.GetCommandFingerprint(cmd)
	if err != nil {
		return protocol.Failure(id, cmd.Type, "failed to fingerprint command: "+err.Error())
	}

	m.broadcastLifecycle(protocol.PhaseAccepted, lifecycleData(cmd, id))
	m.recordAudit(auditlog.PhaseAccepted, cmd, id, nil)

	check := m.replay.CheckReplay(cmd, id, fingerprint)
	switch check.Verdict {
	case replay.ReplayCached:
		return m.finish(cmd, id, check.Response)
	case replay.Conflict:
		return m.finish(cmd, id, check.Response)
	case replay.ReplayInflight:
		<-check.Await
		return m.finish(cmd, id, check.AwaitResult())
	}

	sessionKey := cmd.SessionID
	if sessionKey == "" {
		sessionKey = "server"
	}
	decision := m.governor.CanExecuteCommand(sessionKey, cmd.Type)
	if !decision.Allowed {
		return m.finish(cmd, id, protocol.Failure(id, cmd.Type, "Rate limit: "+decision.Reason))
	}

	laneKey := engine.LaneKey(cmd)

	if err := engine.CheckDependencies(cmd); err != nil {
		m.governor.RefundCommand(sessionKey, cmd.Type, decision.Generation)
		return m.finish(cmd, id, protocol.Failure(id, cmd.Type, err.Error()))
	}

	laneTask := func(taskCtx context.Context) (*protocol.Response, error) {
		m.broadcastLifecycle(protocol.PhaseStarted, lifecycleData(cmd, id))
		m.recordAudit(auditlog.PhaseStarted, cmd, id, nil)

		if err := m.engine.AwaitDependencies(taskCtx, cmd, m.dependencyLane); err != nil {
			return protocol.Failure(id, cmd.Type, err.Error()), nil
		}

		if cmd.IfSessionVersion != nil {
			if resp := m.versions.CheckSessionVersion(cmd.SessionID, *cmd.IfSessionVersion, id, cmd.Type); resp != nil {
				return resp, nil
			}
		}

		resp, dispatchErr := m.dispatch(taskCtx, cmd, id)
		if dispatchErr != nil {
			return nil, dispatchErr
		}
		if resp.Success {
			m.versions.ApplyVersion(cmd.SessionID, cmd.Type, resp)
		}
		return resp, nil
	}

	execFn := func(taskCtx context.Context) (*protocol.Response, error) {
		return m.engine.RunOnLane(taskCtx, laneKey, laneTask)
	}

	if _, ok := m.replay.RegisterInFlight(id, fingerprint); !ok {
		m.governor.RefundCommand(sessionKey, cmd.Type, decision.Generation)
		return m.finish(cmd, id, protocol.Failure(id, cmd.Type, "Server busy: in-flight command capacity exceeded"))
	}
	m.laneOf.Store(id, laneKey)

	resp, _ := m.engine.RunWithTimeoutAndAbort(ctx, cmd, execFn)
	resp = resp.Clone()
	resp.ID = id

	m.laneOf.Delete(id)
	m.replay.StoreCommandOutcome(id, fingerprint, synthetic, resp)
	if cmd.IdempotencyKey != "" {
		m.replay.CacheIdempotencyResult(cmd.IdempotencyKey, fingerprint, resp)
	}

	return m.finish(cmd, id, resp)
}

func (m *Manager) finish(cmd *protocol.Command, id string, resp *protocol.Response) *protocol.Response {
	m.broadcastLifecycle(protocol.PhaseFinished, lifecycleResult(cmd, id, resp))
	m.recordAudit(auditlog.PhaseFinished, cmd, id, resp)
	return resp
}

func (m *Manager) dependencyLane(depID string) (string, bool) {
	v, ok := m.laneOf.Load(depID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// dispatch routes a command to the server-scoped handler it names, or
// to the addressed session's capability for every other command type.
func (m *Manager) dispatch(ctx context.Context, cmd *protocol.Command, id string) (*protocol.Response, error) {
	switch cmd.Type {
	case protocol.CmdCreateSession:
		return m.handleCreateSession(ctx, cmd, id)
	case protocol.CmdDeleteSession:
		return m.handleDeleteSession(cmd, id)
	case protocol.CmdListSessions:
		return m.handleListSessions(cmd, id), nil
	case protocol.CmdSwitchSession:
		return m.handleSwitchSession(cmd, id), nil
	case protocol.CmdListStoredSessions:
		return m.handleListStoredSessions(cmd, id)
	case protocol.CmdLoadSession:
		return m.handleLoadSession(ctx, cmd, id)
	case protocol.CmdGetMetrics:
		return m.handleGetMetrics(cmd, id), nil
	case protocol.CmdHealthCheck:
		return m.handleHealthCheck(cmd, id), nil
	case protocol.CmdExtensionUIResp:
		return m.handleUIResponse(cmd, id), nil
	default:
		return m.dispatchSessionCommand(ctx, cmd, id)
	}
}

func (m *Manager) dispatchSessionCommand(ctx context.Context, cmd *protocol.Command, id string) (*protocol.Response, error) {
	m.mu.Lock()
	entry, ok := m.sessions[cmd.SessionID]
	m.mu.Unlock()
	if !ok {
		return protocol.Failure(id, cmd.Type, "unknown session: "+cmd.SessionID), nil
	}

	m.governor.RecordHeartbeat(cmd.SessionID)

	if !protocol.IsModelFacing(cmd.Type) {
		return entry.capability.Dispatch(ctx, cmd)
	}

	providerName := entry.capability.Provider()
	if err := m.breakers.Allow(providerName); err != nil {
		return protocol.Failure(id, cmd.Type, err.Error()), nil
	}
	start := time.Now()
	resp, dispatchErr := entry.capability.Dispatch(ctx, cmd)
	latency := time.Since(start)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	success := dispatchErr == nil && resp != nil && resp.Success
	m.breakers.RecordResult(providerName, success, latency, timedOut)
	if dispatchErr != nil {
		return nil, dispatchErr
	}
	return resp, nil
}

func (m *Manager) handleCreateSession(ctx context.Context, cmd *protocol.Command, id string) (*protocol.Response, error) {
	sessionID := cmd.PayloadString("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := protocol.ValidateSessionIDFormat(sessionID); err != nil {
		return protocol.Failure(id, cmd.Type, err.Error()), nil
	}
	cwd := cmd.PayloadString("cwd")
	if cwd != "" {
		if err := protocol.ValidateWorkingDir(cwd); err != nil {
			return protocol.Failure(id, cmd.Type, err.Error()), nil
		}
	}

	handle, err := m.locks.Acquire("session:"+sessionID, "create_session")
	if err != nil {
		return protocol.Failure(id, cmd.Type, "failed to acquire session lock: "+err.Error()), nil
	}
	defer handle.Release()

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return protocol.Failure(id, cmd.Type, "session already exists: "+sessionID), nil
	}
	m.mu.Unlock()

	if !m.governor.TryReserveSessionSlot() {
		return protocol.Failure(id, cmd.Type, "session limit reached"), nil
	}

	providerName := cmd.PayloadString("provider")
	opts := CreateOptions{
		Provider:        providerName,
		Model:           cmd.PayloadString("model"),
		WorkingDir:      cwd,
		SystemPrompt:    cmd.PayloadString("systemPrompt"),
		ScrollbackLines: cmd.PayloadInt("scrollbackLines"),
	}
	capability, err := m.factory(ctx, sessionID, opts)
	if err != nil {
		m.governor.ReleaseSessionSlot()
		return protocol.Failure(id, cmd.Type, "failed to create session: "+err.Error()), nil
	}

	now := time.Now()
	record := SessionRecord{
		SessionID:    sessionID,
		Provider:     providerName,
		Model:        opts.Model,
		Cwd:          cwd,
		Name:         cmd.PayloadString("name"),
		CreatedAt:    now,
		LastActiveAt: now,
	}
	entry := &sessionEntry{capability: capability, record: record, stopEvents: make(chan struct{})}

	m.mu.Lock()
	m.sessions[sessionID] = entry
	m.mu.Unlock()

	m.versions.Init(sessionID)
	m.governor.RecordHeartbeat(sessionID)
	m.forwardEvents(sessionID, entry)

	if m.metaStore != nil {
		m.persistSessions()
	}

	m.broadcastSessionLifecycle(sessionID, true)

	return protocol.Success(id, cmd.Type, map[string]any{"sessionId": sessionID}), nil
}

func (m *Manager) forwardEvents(sessionID string, entry *sessionEntry) {
	go func() {
		for {
			select {
			case ev, ok := <-entry.capability.Events():
				if !ok {
					return
				}
				m.broadcastEvent(sessionID, ev)
			case <-entry.stopEvents:
				return
			}
		}
	}()
}

func (m *Manager) handleDeleteSession(cmd *protocol.Command, id string) (*protocol.Response, error) {
	sessionID := cmd.SessionID
	if sessionID == "" {
		sessionID = cmd.PayloadString("sessionId")
	}
	if sessionID == "" {
		return protocol.Failure(id, cmd.Type, "sessionId required"), nil
	}

	handle, err := m.locks.Acquire("session:"+sessionID, "delete_session")
	if err != nil {
		return protocol.Failure(id, cmd.Type, "failed to acquire session lock: "+err.Error()), nil
	}
	defer handle.Release()

	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return protocol.Failure(id, cmd.Type, "unknown session: "+sessionID), nil
	}

	m.uiRegistry.CancelSessionRequests(sessionID)
	m.versions.Remove(sessionID)
	m.governor.ReleaseSessionSlot()
	m.unsubscribeSession(sessionID)
	close(entry.stopEvents)
	if err := entry.capability.Close(); err != nil {
		slog.Error("session manager: failed disposing session", "sessionId", sessionID, "error", err)
	}
	m.governor.CleanupStaleData(m.activeSessionIDs())

	if m.metaStore != nil {
		m.persistSessions()
	}

	m.broadcastSessionLifecycle(sessionID, false)

	return protocol.Success(id, cmd.Type, nil), nil
}

func (m *Manager) handleListSessions(cmd *protocol.Command, id string) *protocol.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]SessionRecord, 0, len(m.sessions))
	for _, e := range m.sessions {
		records = append(records, e.record)
	}
	return protocol.Success(id, cmd.Type, map[string]any{"sessions": records})
}

// handleSwitchSession acknowledges a client's intent to address a
// given session for subsequent commands. The multiplexer is otherwise
// stateless about "current session" — every command already names its
// target explicitly — so this is purely a liveness/existence check,
// carried over from the teacher's single-session CLI for clients that
// still track one "active" session locally.
func (m *Manager) handleSwitchSession(cmd *protocol.Command, id string) *protocol.Response {
	sessionID := cmd.SessionID
	if sessionID == "" {
		sessionID = cmd.PayloadString("sessionId")
	}
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return protocol.Failure(id, cmd.Type, "unknown session: "+sessionID)
	}
	return protocol.Success(id, cmd.Type, map[string]any{"sessionId": sessionID})
}

func (m *Manager) handleListStoredSessions(cmd *protocol.Command, id string) (*protocol.Response, error) {
	if m.metaStore == nil {
		return protocol.Success(id, cmd.Type, map[string]any{"sessions": []metastore.Record{}}), nil
	}
	records, err := m.metaStore.Load()
	if err != nil {
		return protocol.Failure(id, cmd.Type, "failed to load stored sessions: "+err.Error()), nil
	}
	return protocol.Success(id, cmd.Type, map[string]any{"sessions": records}), nil
}

// handleLoadSession recreates a live capability for a session
// previously persisted to the metadata store but not currently held in
// memory, e.g. after a daemon restart.
func (m *Manager) handleLoadSession(ctx context.Context, cmd *protocol.Command, id string) (*protocol.Response, error) {
	sessionID := cmd.PayloadString("sessionId")
	if sessionID == "" {
		return protocol.Failure(id, cmd.Type, "sessionId required"), nil
	}
	if m.metaStore == nil {
		return protocol.Failure(id, cmd.Type, "no persisted session metadata available"), nil
	}

	m.mu.Lock()
	_, alreadyLive := m.sessions[sessionID]
	m.mu.Unlock()
	if alreadyLive {
		return protocol.Success(id, cmd.Type, map[string]any{"sessionId": sessionID}), nil
	}

	records, err := m.metaStore.Load()
	if err != nil {
		return protocol.Failure(id, cmd.Type, "failed to load stored sessions: "+err.Error()), nil
	}
	var found *metastore.Record
	for i := range records {
		if records[i].SessionID == sessionID {
			found = &records[i]
			break
		}
	}
	if found == nil {
		return protocol.Failure(id, cmd.Type, "no stored session: "+sessionID), nil
	}

	handle, err := m.locks.Acquire("session:"+sessionID, "load_session")
	if err != nil {
		return protocol.Failure(id, cmd.Type, "failed to acquire session lock: "+err.Error()), nil
	}
	defer handle.Release()

	if !m.governor.TryReserveSessionSlot() {
		return protocol.Failure(id, cmd.Type, "session limit reached"), nil
	}

	capability, err := m.factory(ctx, sessionID, CreateOptions{Provider: found.Agent, WorkingDir: found.Cwd})
	if err != nil {
		m.governor.ReleaseSessionSlot()
		return protocol.Failure(id, cmd.Type, "failed to load session: "+err.Error()), nil
	}

	record := SessionRecord{
		SessionID:    sessionID,
		Provider:     found.Agent,
		Cwd:          found.Cwd,
		Name:         found.Name,
		CreatedAt:    found.CreatedAt,
		LastActiveAt: time.Now(),
	}
	entry := &sessionEntry{capability: capability, record: record, stopEvents: make(chan struct{})}

	m.mu.Lock()
	m.sessions[sessionID] = entry
	m.mu.Unlock()

	m.versions.Init(sessionID)
	m.governor.RecordHeartbeat(sessionID)
	m.forwardEvents(sessionID, entry)
	m.broadcastSessionLifecycle(sessionID, true)

	return protocol.Success(id, cmd.Type, map[string]any{"sessionId": sessionID}), nil
}

// Metrics is the get_metrics composite snapshot.
type Metrics struct {
	SessionCount       int64          `json:"sessionCount"`
	ConnectionCount    int64          `json:"connectionCount"`
	DoubleUnregisterErrors int64      `json:"doubleUnregisterErrors"`
	PendingUIRequests  int            `json:"pendingUiRequests"`
	BreakerStates      map[string]string `json:"breakerStates"`
	HasOpenCircuit     bool           `json:"hasOpenCircuit"`
}

func (m *Manager) handleGetMetrics(cmd *protocol.Command, id string) *protocol.Response {
	m.mu.Lock()
	breakerStates := make(map[string]string, len(m.sessions))
	for _, e := range m.sessions {
		if e.record.Provider == "" {
			continue
		}
		breakerStates[e.record.Provider] = m.breakers.StateOf(e.record.Provider).String()
	}
	m.mu.Unlock()

	metrics := Metrics{
		SessionCount:           m.governor.SessionCount(),
		ConnectionCount:        m.governor.ConnectionCount(),
		DoubleUnregisterErrors: m.governor.DoubleUnregisterErrors(),
		PendingUIRequests:      m.uiRegistry.PendingCount(),
		BreakerStates:          breakerStates,
		HasOpenCircuit:         m.breakers.HasOpenCircuit(),
	}
	return protocol.Success(id, cmd.Type, metrics)
}

func (m *Manager) handleHealthCheck(cmd *protocol.Command, id string) *protocol.Response {
	healthy := !m.breakers.HasOpenCircuit()
	return protocol.Success(id, cmd.Type, map[string]any{
		"healthy":         healthy,
		"sessionCount":    m.governor.SessionCount(),
		"connectionCount": m.governor.ConnectionCount(),
	})
}

func (m *Manager) handleUIResponse(cmd *protocol.Command, id string) *protocol.Response {
	requestID := cmd.PayloadString("requestId")
	sessionID := cmd.PayloadString("sessionId")
	data, _ := cmd.Payload["data"].(map[string]any)
	if err := m.uiRegistry.HandleUIResponse(requestID, sessionID, data); err != nil {
		return protocol.Failure(id, cmd.Type, err.Error())
	}
	return protocol.Success(id, cmd.Type, nil)
}

func (m *Manager) activeSessionIDs() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.sessions))
	for id := range m.sessions {
		out[id] = true
	}
	return out
}

func (m *Manager) persistSessions() {
	m.mu.Lock()
	records := make([]metastore.Record, 0, len(m.sessions))
	for _, e := range m.sessions {
		records = append(records, metastore.Record{
			SessionID:    e.record.SessionID,
			Agent:        e.record.Provider,
			Cwd:          e.record.Cwd,
			CreatedAt:    e.record.CreatedAt,
			LastActiveAt: e.record.LastActiveAt,
			Name:         e.record.Name,
		})
	}
	m.mu.Unlock()
	if err := m.metaStore.Save(records); err != nil {
		slog.Error("session manager: failed persisting session metadata", "error", err)
	}
}

// ReapStaleSessions deletes zombie (heartbeat-expired) and
// age-expired sessions, called periodically by the daemon.
func (m *Manager) ReapStaleSessions() {
	zombies := m.governor.GetZombieSessions()
	expired := m.governor.GetExpiredSessions()
	seen := make(map[string]bool, len(zombies)+len(expired))
	for _, id := range zombies {
		seen[id] = true
	}
	for _, id := range expired {
		seen[id] = true
	}
	for id := range seen {
		m.mu.Lock()
		_, ok := m.sessions[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		cmd := &protocol.Command{Type: protocol.CmdDeleteSession, SessionID: id}
		if _, err := m.handleDeleteSession(cmd, fmt.Sprintf("reap:%s", id)); err != nil {
			slog.Error("session manager: failed reaping stale session", "sessionId", id, "error", err)
		}
	}
	m.governor.CleanupZombieSessions(zombies)
}

// InitiateShutdown broadcasts server_shutdown, rejects new commands,
// waits up to timeout for in-flight commands to drain, then disposes
// every session. Idempotent — a second call is a no-op.
func (m *Manager) InitiateShutdown(timeout time.Duration) {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	m.broadcastToAll(&protocol.ServerShutdown{Type: "server_shutdown"})

	done := make(chan struct{})
	go func() {
		m.inFlightWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("session manager: shutdown drain deadline exceeded, commands still in flight")
	}
	m.DisposeAllSessions()
}

// DisposeAllSessions tears down every live session, swallowing
// individual disposal failures, and resets shared component state.
// Exposed separately from InitiateShutdown so tests can exercise
// teardown without the drain wait.
func (m *Manager) DisposeAllSessions() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, sid := range ids {
		m.mu.Lock()
		entry, ok := m.sessions[sid]
		delete(m.sessions, sid)
		m.mu.Unlock()
		if !ok {
			continue
		}
		m.uiRegistry.CancelSessionRequests(sid)
		m.versions.Remove(sid)
		m.unsubscribeSession(sid)
		close(entry.stopEvents)
		if err := entry.capability.Close(); err != nil {
			slog.Error("session manager: failed disposing session", "sessionId", sid, "error", err)
		}
		m.governor.ReleaseSessionSlot()
	}
	m.governor.CleanupStaleData(map[string]bool{})
	m.breakers.ResetAll()
}
