package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// Codex shells out to the `codex` CLI in NDJSON exec mode.
type Codex struct {
	command string
}

func NewCodex(command string) *Codex {
	if command == "" {
		command = "codex"
	}
	return &Codex{command: command}
}

func (c *Codex) Name() string { return "codex" }

func (c *Codex) Health(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.command, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("codex health check failed: %w", err)
	}
	return nil
}

func (c *Codex) Invoke(ctx context.Context, req Request) (Response, error) {
	args := []string{"exec", req.Prompt, "--json"}
	cmd := exec.CommandContext(ctx, c.command, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	return runStreaming(ctx, cmd, parseCodexLine)
}

type codexEvent struct {
	Type  string      `json:"type"`
	Item  *codexItem  `json:"item,omitempty"`
	Usage *codexUsage `json:"usage,omitempty"`
}

type codexItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type codexUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func parseCodexLine(line string, acc *accumulator) {
	var ev codexEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return
	}
	if ev.Type == "item.completed" && ev.Item != nil && ev.Item.Type == "agent_message" {
		acc.appendText(ev.Item.Text)
	}
	if ev.Type == "turn.completed" && ev.Usage != nil {
		acc.setTokens(ev.Usage.InputTokens, ev.Usage.OutputTokens)
	}
}
