// Package provider implements the downstream model provider adapters
// dispatched to by a session capability's prompt/steer/follow_up/compact
// handling. Each adapter shells out to the provider's own CLI and
// streams its stdout, mirroring how a real terminal-based agent runtime
// talks to these tools.
package provider

import (
	"context"
	"time"
)

// Client is the uniform interface every provider adapter implements.
type Client interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Request carries a single model turn.
type Request struct {
	Prompt              string
	SystemPrompt        string
	ReplaceSystemPrompt bool
	AllowedTools        []string
	WorkingDir          string
	Model               string
}

// Response is a provider's completed turn.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}
