// Package session implements the agent-session capability abstraction
// (C7's dependency) and the Session Manager orchestrator (C7) that
// composes the Resource Governor, Lock Manager, Replay Store, Version
// Store, Execution Engine, Circuit Breaker Manager, and UI Request
// Registry into the single executeCommand entry point.
package session

import (
	"context"

	"github.com/coremux/agentmux/internal/protocol"
)

// Capability is the black-box handle for a single agent session. A
// concrete implementation owns the session's conversation history and
// any subprocess/PTY resources; it never reaches back into the Session
// Manager's bookkeeping.
type Capability interface {
	// Dispatch handles a single session-scoped command (everything
	// except create/delete/list, which the Session Manager itself owns).
	Dispatch(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error)
	// Events returns the capability's event stream; closed on Close.
	Events() <-chan protocol.Event
	// Provider names the downstream model provider this session talks
	// to, for circuit-breaker keying. Empty if the session has no
	// single fixed provider (e.g. mid-switch).
	Provider() string
	Close() error
}

// Factory constructs a Capability for a newly created session.
type Factory func(ctx context.Context, sessionID string, opts CreateOptions) (Capability, error)

// CreateOptions carries the create_session payload fields relevant to
// capability construction.
type CreateOptions struct {
	Provider     string
	Model        string
	WorkingDir   string
	SystemPrompt string
	// ScrollbackLines bounds a bash job's terminal scrollback ring.
	// <= 0 means "use the capability's default."
	ScrollbackLines int
}
