// Package engine implements the Command Execution Engine (C5): lane
// derivation and FIFO serialization via tail-future chaining,
// cross-lane dependency resolution against the Replay Store, timeout
// classification, and best-effort abort-on-timeout.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coremux/agentmux/internal/protocol"
	"github.com/coremux/agentmux/internal/replay"
)

// ErrSelfDependency is returned when a command lists its own id as a dependency.
var ErrSelfDependency = errors.New("engine: command cannot depend on itself")

// ErrSameLaneDependency is returned when a dependency shares the dependent's lane.
var ErrSameLaneDependency = errors.New("engine: same-lane dependency would deadlock")

// ErrEmptyDependency is returned for a blank entry in dependsOn.
var ErrEmptyDependency = errors.New("engine: dependsOn contains an empty id")

// ErrDependencyTimeout is returned when a cross-lane dependency does not resolve in time.
var ErrDependencyTimeout = errors.New("engine: dependency wait timed out")

// ErrDependencyFailed wraps a failed dependency's own error response.
type ErrDependencyFailed struct {
	DependencyID string
	Reason       string
}

func (e *ErrDependencyFailed) Error() string {
	return fmt.Sprintf("dependency %s failed: %s", e.DependencyID, e.Reason)
}

// LaneKey derives the serialization domain for a command: session-scoped
// commands get "session:{id}", everything else the single lane "server".
func LaneKey(cmd *protocol.Command) string {
	if cmd.SessionID != "" {
		return "session:" + cmd.SessionID
	}
	return "server"
}

// AbortHandler is invoked best-effort when a command's timeout fires.
// Exceptions are not a Go idiom here; a returned error is logged by
// RunWithTimeoutAndAbort and otherwise ignored.
type AbortHandler func(ctx context.Context, cmd *protocol.Command) error

// Engine is the Command Execution Engine (C5).
type Engine struct {
	replayStore *replay.Store
	classes     map[string]protocol.TimeoutClass
	shortTO     time.Duration
	defaultTO   time.Duration
	depWait     time.Duration

	laneMu sync.Mutex
	lanes  map[string]<-chan struct{}

	abortMu sync.Mutex
	aborts  map[string]AbortHandler
}

// Config holds the engine's tunables plus its timeout classification table.
type Config struct {
	Classes           map[string]protocol.TimeoutClass
	ShortTimeout      time.Duration
	DefaultTimeout    time.Duration
	DependencyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Classes == nil {
		c.Classes = protocol.DefaultTimeoutClasses()
	}
	if c.ShortTimeout == 0 {
		c.ShortTimeout = protocol.DefaultShortTimeout
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = protocol.DefaultModelTimeout
	}
	if c.DependencyTimeout == 0 {
		c.DependencyTimeout = protocol.DefaultDependencyWait
	}
	return c
}

// New constructs an Engine backed by the given Replay Store for
// cross-lane dependency resolution.
func New(cfg Config, replayStore *replay.Store) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		replayStore: replayStore,
		classes:     cfg.Classes,
		shortTO:     cfg.ShortTimeout,
		defaultTO:   cfg.DefaultTimeout,
		depWait:     cfg.DependencyTimeout,
		lanes:       make(map[string]<-chan struct{}),
		aborts:      make(map[string]AbortHandler),
	}
}

// RegisterAbortHandler associates a best-effort abort handler with a command type.
func (e *Engine) RegisterAbortHandler(cmdType string, h AbortHandler) {
	e.abortMu.Lock()
	defer e.abortMu.Unlock()
	e.aborts[cmdType] = h
}

func (e *Engine) abortHandlerFor(cmdType string) (AbortHandler, bool) {
	e.abortMu.Lock()
	defer e.abortMu.Unlock()
	h, ok := e.aborts[cmdType]
	return h, ok
}

// TimeoutFor resolves a command type's configured deadline. A zero
// duration with ok=false means no timeout applies.
func (e *Engine) TimeoutFor(cmdType string) (d time.Duration, ok bool) {
	class, known := e.classes[cmdType]
	if !known {
		class = protocol.TimeoutDefault
	}
	if class == protocol.TimeoutNone {
		return 0, false
	}
	return class.Duration(e.shortTO, e.defaultTO), true
}

// CheckDependencies validates dependsOn's fail-fast rules that need no
// knowledge of other commands (empty entry, self-dependency) before any
// cross-lane await. Same-lane dependencies are rejected later, by
// AwaitDependencies.
func CheckDependencies(cmd *protocol.Command) error {
	lane := LaneKey(cmd)
	for _, dep := range cmd.DependsOn {
		if dep == "" {
			return ErrEmptyDependency
		}
		if dep == cmd.ID {
			return ErrSelfDependency
		}
	}
	_ = lane
	return nil
}

// AwaitDependencies waits for each declared cross-lane dependency to
// resolve, per the Replay Store, within the configured per-dependency
// timeout. A dependency whose lane, as reported by dependencyLane,
// equals this command's lane fails fast with ErrSameLaneDependency;
// the caller supplies dependencyLane from its own out-of-band
// bookkeeping, since the replay store does not track lanes.
func (e *Engine) AwaitDependencies(ctx context.Context, cmd *protocol.Command, dependencyLane func(depID string) (string, bool)) error {
	lane := LaneKey(cmd)
	for _, dep := range cmd.DependsOn {
		if depLane, known := dependencyLane(dep); known && depLane == lane {
			return ErrSameLaneDependency
		}
		if resp, ok := e.replayStore.LookupOutcome(dep); ok {
			if !resp.Success {
				return &ErrDependencyFailed{DependencyID: dep, Reason: resp.Error}
			}
			continue
		}
		done, result, ok := e.replayStore.LookupInFlight(dep)
		if !ok {
			return &ErrDependencyFailed{DependencyID: dep, Reason: "unknown dependency id"}
		}
		waitCtx, cancel := context.WithTimeout(ctx, e.depWait)
		select {
		case <-done:
			cancel()
			resp := result()
			if resp != nil && !resp.Success {
				return &ErrDependencyFailed{DependencyID: dep, Reason: resp.Error}
			}
		case <-waitCtx.Done():
			cancel()
			return ErrDependencyTimeout
		}
	}
	return nil
}

// RunOnLane queues task behind the lane's current tail and returns
// once task completes. The lane-tail mapping is pruned as soon as a
// lane empties: each task awaits the previous tail (swallowing its
// result to keep the lane alive even if the previous task panicked —
// recovered — or errored), runs task, then signals completion, which
// becomes the next tail.
func (e *Engine) RunOnLane(ctx context.Context, key string, task func(ctx context.Context) (*protocol.Response, error)) (*protocol.Response, error) {
	e.laneMu.Lock()
	prevTail := e.lanes[key]
	myDone := make(chan struct{})
	e.lanes[key] = myDone
	e.laneMu.Unlock()

	if prevTail != nil {
		<-prevTail
	}

	resp, err := runRecovered(ctx, task)

	e.laneMu.Lock()
	if tail, ok := e.lanes[key]; ok && tail == (<-chan struct{})(myDone) {
		delete(e.lanes, key)
	}
	e.laneMu.Unlock()
	close(myDone)

	return resp, err
}

func runRecovered(ctx context.Context, task func(ctx context.Context) (*protocol.Response, error)) (resp *protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: task panic: %v", r)
		}
	}()
	return task(ctx)
}

// RunWithTimeoutAndAbort executes task under the command type's
// configured deadline. On timeout it invokes the registered abort
// handler best-effort (a handler error is logged and otherwise ignored)
// and returns a timeout response with the bool result set to true; any
// late completion of task is
// discarded by the caller, which must treat TimedOut responses as
// terminal regardless of what arrives afterward.
func (e *Engine) RunWithTimeoutAndAbort(ctx context.Context, cmd *protocol.Command, task func(ctx context.Context) (*protocol.Response, error)) (*protocol.Response, bool) {
	d, hasTimeout := e.TimeoutFor(cmd.Type)
	if !hasTimeout {
		resp, err := task(ctx)
		return responseOrError(cmd, resp, err), false
	}

	runCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	resultCh := make(chan *protocol.Response, 1)
	go func() {
		resp, err := task(runCtx)
		resultCh <- responseOrError(cmd, resp, err)
	}()

	select {
	case resp := <-resultCh:
		return resp, false
	case <-runCtx.Done():
		if h, ok := e.abortHandlerFor(cmd.Type); ok {
			abortCtx, abortCancel := context.WithTimeout(context.Background(), e.shortTO)
			if err := h(abortCtx, cmd); err != nil {
				slog.Warn("engine: abort handler failed", "commandType", cmd.Type, "error", err)
			}
			abortCancel()
		}
		timeoutResp := protocol.Failure(cmd.ID, cmd.Type, "command timed out")
		timeoutResp.TimedOut = true
		return timeoutResp, true
	}
}

func responseOrError(cmd *protocol.Command, resp *protocol.Response, err error) *protocol.Response {
	if err != nil {
		return protocol.Failure(cmd.ID, cmd.Type, err.Error())
	}
	return resp
}
