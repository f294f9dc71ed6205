package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/coremux/agentmux/internal/protocol"
	"github.com/coremux/agentmux/internal/provider"
)

// message is one turn of conversation history, kept in memory only —
// persistence across restarts is out of scope.
type message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// bashJob tracks a single running shell command's PTY + vterm pair.
type bashJob struct {
	ptmx   ptyHandle
	vt     *vterm
	cancel context.CancelFunc
	done   chan struct{}
}

// ptyHandle is the subset of *os.File a bash job needs; named so tests
// can substitute a fake without spawning a real PTY.
type ptyHandle interface {
	Write([]byte) (int, error)
	Read([]byte) (int, error)
	Close() error
}

// LocalCapability is the reference Capability: in-memory history,
// provider dispatch for model turns, and a real PTY + vterm pairing for
// shell commands. It deliberately omits the OS-level sandboxing a
// production agent runtime would add around the shell process — that
// jailing is part of the black box a Capability is allowed to hide.
type LocalCapability struct {
	sessionID  string
	providerID string
	model      string
	workingDir string
	systemPrompt string

	// scrollbackLines bounds each bash job's vterm scrollback ring;
	// configured per session rather than a single package-wide constant.
	scrollbackLines int

	clients *provider.Registry

	mu             sync.Mutex
	history        []message
	autoCompaction bool
	autoRetry      bool
	name           string
	thinkingLevel  string

	bashJob *bashJob

	events chan protocol.Event
	closed bool
}

// NewLocalCapability constructs a LocalCapability bound to a provider registry.
func NewLocalCapability(sessionID string, clients *provider.Registry, opts CreateOptions) *LocalCapability {
	scrollback := opts.ScrollbackLines
	if scrollback <= 0 {
		scrollback = maxScrollbackLines
	}
	return &LocalCapability{
		sessionID:       sessionID,
		providerID:      opts.Provider,
		model:           opts.Model,
		workingDir:      opts.WorkingDir,
		systemPrompt:    opts.SystemPrompt,
		scrollbackLines: scrollback,
		clients:         clients,
		events:          make(chan protocol.Event, 64),
		thinkingLevel:   "medium",
	}
}

func (c *LocalCapability) Provider() string { return c.providerID }

func (c *LocalCapability) Events() <-chan protocol.Event { return c.events }

func (c *LocalCapability) emit(eventType string, data any) {
	var payload []byte
	if data != nil {
		payload, _ = json.Marshal(data)
	}
	select {
	case c.events <- protocol.Event{Type: eventType, SessionID: c.sessionID, Data: payload}:
	default:
		// A slow subscriber must never block the session; the Session
		// Manager's broadcast already swallows per-subscriber errors,
		// this is the producer-side analog for a full event buffer.
	}
}

// Dispatch implements Capability.
func (c *LocalCapability) Dispatch(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	switch cmd.Type {
	case protocol.CmdPrompt, protocol.CmdSteer, protocol.CmdFollowUp:
		return c.dispatchModelTurn(ctx, cmd)
	case protocol.CmdAbort:
		return protocol.Success(cmd.ID, cmd.Type, nil), nil
	case protocol.CmdGetState:
		return c.getState(cmd)
	case protocol.CmdGetMessages:
		return c.getMessages(cmd)
	case protocol.CmdSetModel:
		c.mu.Lock()
		c.model = cmd.PayloadString("model")
		c.mu.Unlock()
		return protocol.Success(cmd.ID, cmd.Type, nil), nil
	case protocol.CmdCycleModel:
		return protocol.Success(cmd.ID, cmd.Type, map[string]any{"model": c.model}), nil
	case protocol.CmdSetThinkingLevel:
		c.mu.Lock()
		c.thinkingLevel = cmd.PayloadString("thinkingLevel")
		c.mu.Unlock()
		return protocol.Success(cmd.ID, cmd.Type, nil), nil
	case protocol.CmdCycleThinkingLevel:
		return c.cycleThinkingLevel(cmd)
	case protocol.CmdCompact, protocol.CmdAbortCompaction:
		return c.compact(ctx, cmd)
	case protocol.CmdSetAutoCompaction:
		c.mu.Lock()
		c.autoCompaction = truthyPayload(cmd, "enabled")
		c.mu.Unlock()
		return protocol.Success(cmd.ID, cmd.Type, nil), nil
	case protocol.CmdSetAutoRetry:
		c.mu.Lock()
		c.autoRetry = truthyPayload(cmd, "enabled")
		c.mu.Unlock()
		return protocol.Success(cmd.ID, cmd.Type, nil), nil
	case protocol.CmdAbortRetry:
		return protocol.Success(cmd.ID, cmd.Type, nil), nil
	case protocol.CmdBash:
		return c.startBash(ctx, cmd)
	case protocol.CmdAbortBash:
		return c.abortBash(cmd)
	case protocol.CmdGetSessionStats:
		return c.getSessionStats(cmd)
	case protocol.CmdSetSessionName:
		c.mu.Lock()
		c.name = cmd.PayloadString("name")
		c.mu.Unlock()
		return protocol.Success(cmd.ID, cmd.Type, nil), nil
	case protocol.CmdExportHTML:
		return c.exportHTML(cmd)
	case protocol.CmdNewSession, protocol.CmdSwitchSessionFile, protocol.CmdFork:
		c.mu.Lock()
		c.history = nil
		c.mu.Unlock()
		return protocol.Success(cmd.ID, cmd.Type, nil), nil
	default:
		return protocol.Failure(cmd.ID, cmd.Type, "unsupported command for this capability: "+cmd.Type), nil
	}
}

func truthyPayload(cmd *protocol.Command, key string) bool {
	v, _ := cmd.Payload[key].(bool)
	return v
}

func (c *LocalCapability) dispatchModelTurn(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	if c.clients == nil {
		return nil, fmt.Errorf("no provider registry configured")
	}
	client, err := c.clients.Get(c.providerID)
	if err != nil {
		return nil, err
	}
	prompt := cmd.PayloadString("text")

	c.mu.Lock()
	c.history = append(c.history, message{Role: "user", Text: prompt, CreatedAt: time.Now()})
	model := c.model
	sysPrompt := c.systemPrompt
	workingDir := c.workingDir
	c.mu.Unlock()

	c.emit("turn_started", map[string]any{"commandType": cmd.Type})

	resp, err := client.Invoke(ctx, provider.Request{
		Prompt:       prompt,
		SystemPrompt: sysPrompt,
		WorkingDir:   workingDir,
		Model:        model,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.history = append(c.history, message{Role: "assistant", Text: resp.Text, CreatedAt: time.Now()})
	c.mu.Unlock()

	c.emit("turn_finished", map[string]any{"text": resp.Text})

	return protocol.Success(cmd.ID, cmd.Type, map[string]any{
		"text":         resp.Text,
		"inputTokens":  resp.InputTokens,
		"outputTokens": resp.OutputTokens,
	}), nil
}

func (c *LocalCapability) getState(cmd *protocol.Command) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := map[string]any{
		"provider":       c.providerID,
		"model":          c.model,
		"name":           c.name,
		"thinkingLevel":  c.thinkingLevel,
		"autoCompaction": c.autoCompaction,
		"autoRetry":      c.autoRetry,
		"messageCount":   len(c.history),
		"bashRunning":    c.bashJob != nil,
	}
	if c.bashJob != nil {
		state["bashScrollbackLines"] = c.bashJob.vt.ScrollbackLen()
	}
	return protocol.Success(cmd.ID, cmd.Type, state), nil
}

func (c *LocalCapability) getMessages(cmd *protocol.Command) (*protocol.Response, error) {
	c.mu.Lock()
	msgs := append([]message(nil), c.history...)
	c.mu.Unlock()
	return protocol.Success(cmd.ID, cmd.Type, map[string]any{"messages": msgs}), nil
}

var thinkingLevels = []string{"off", "low", "medium", "high", "max"}

func (c *LocalCapability) cycleThinkingLevel(cmd *protocol.Command) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := 0
	for i, lvl := range thinkingLevels {
		if lvl == c.thinkingLevel {
			idx = i
			break
		}
	}
	c.thinkingLevel = thinkingLevels[(idx+1)%len(thinkingLevels)]
	return protocol.Success(cmd.ID, cmd.Type, map[string]any{"thinkingLevel": c.thinkingLevel}), nil
}

func (c *LocalCapability) compact(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	c.mu.Lock()
	if len(c.history) <= 1 {
		c.mu.Unlock()
		return protocol.Success(cmd.ID, cmd.Type, map[string]any{"compacted": false}), nil
	}
	var summary strings.Builder
	for _, m := range c.history {
		summary.WriteString(m.Role)
		summary.WriteString(": ")
		summary.WriteString(m.Text)
		summary.WriteString("\n")
	}
	c.history = []message{{Role: "system", Text: "compacted summary: " + summary.String(), CreatedAt: time.Now()}}
	c.mu.Unlock()
	c.emit("compaction_finished", nil)
	return protocol.Success(cmd.ID, cmd.Type, map[string]any{"compacted": true}), nil
}

func (c *LocalCapability) getSessionStats(cmd *protocol.Command) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.Success(cmd.ID, cmd.Type, map[string]any{
		"messageCount": len(c.history),
		"provider":     c.providerID,
	}), nil
}

func (c *LocalCapability) exportHTML(cmd *protocol.Command) (*protocol.Response, error) {
	c.mu.Lock()
	msgs := append([]message(nil), c.history...)
	c.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html><html><body>")
	for _, m := range msgs {
		fmt.Fprintf(&buf, "<p><b>%s:</b> %s</p>", html.EscapeString(m.Role), html.EscapeString(m.Text))
	}
	buf.WriteString("</body></html>")
	return protocol.Success(cmd.ID, cmd.Type, map[string]any{"html": buf.String()}), nil
}

func (c *LocalCapability) startBash(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	command := cmd.PayloadString("command")
	if command == "" {
		return protocol.Failure(cmd.ID, cmd.Type, "missing bash command"), nil
	}

	c.mu.Lock()
	if c.bashJob != nil {
		c.mu.Unlock()
		return protocol.Failure(cmd.ID, cmd.Type, "a bash command is already running in this session"), nil
	}
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	execCmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if c.workingDir != "" {
		execCmd.Dir = c.workingDir
	}
	ptmx, err := pty.StartWithSize(execCmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		cancel()
		return protocol.Failure(cmd.ID, cmd.Type, "failed to start bash: "+err.Error()), nil
	}

	job := &bashJob{ptmx: ptmx, vt: newVTerm(80, 24, c.scrollbackLines), cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.bashJob = job
	c.mu.Unlock()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				job.vt.Write(buf[:n])
				c.emit("bash_output", map[string]any{"bytes": n})
			}
			if err != nil {
				break
			}
		}
		execCmd.Wait()
		close(job.done)
		c.mu.Lock()
		c.bashJob = nil
		c.mu.Unlock()
		c.emit("bash_finished", nil)
	}()

	return protocol.Success(cmd.ID, cmd.Type, map[string]any{"started": true}), nil
}

func (c *LocalCapability) abortBash(cmd *protocol.Command) (*protocol.Response, error) {
	c.mu.Lock()
	job := c.bashJob
	c.mu.Unlock()
	if job == nil {
		return protocol.Success(cmd.ID, cmd.Type, map[string]any{"aborted": false}), nil
	}
	job.cancel()
	job.ptmx.Close()
	return protocol.Success(cmd.ID, cmd.Type, map[string]any{"aborted": true}), nil
}

func (c *LocalCapability) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	job := c.bashJob
	c.mu.Unlock()

	if job != nil {
		job.cancel()
		job.ptmx.Close()
		job.vt.Close()
	}
	close(c.events)
	return nil
}
