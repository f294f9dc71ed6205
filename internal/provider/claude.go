package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Claude shells out to the `claude` CLI in stream-json mode.
type Claude struct {
	command string
}

// NewClaude constructs a Claude adapter. An empty command defaults to
// the "claude" binary resolved from PATH.
func NewClaude(command string) *Claude {
	if command == "" {
		command = "claude"
	}
	return &Claude{command: command}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) Health(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.command, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("claude health check failed: %w", err)
	}
	return nil
}

func (c *Claude) Invoke(ctx context.Context, req Request) (Response, error) {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.SystemPrompt != "" {
		if req.ReplaceSystemPrompt {
			args = append(args, "--system-prompt", req.SystemPrompt)
		} else {
			args = append(args, "--append-system-prompt", req.SystemPrompt)
		}
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	return runStreaming(ctx, cmd, parseClaudeLine)
}

type claudeStreamEvent struct {
	Type    string             `json:"type"`
	Message *claudeMessageBody `json:"message,omitempty"`
	Delta   *claudeDeltaBody   `json:"delta,omitempty"`
}

type claudeMessageBody struct {
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeDeltaBody struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeResultEvent struct {
	Type         string `json:"type"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func parseClaudeLine(line string, acc *accumulator) {
	var ev claudeStreamEvent
	if err := json.Unmarshal([]byte(line), &ev); err == nil {
		switch ev.Type {
		case "assistant":
			if ev.Message != nil {
				for _, block := range ev.Message.Content {
					if block.Type == "text" {
						acc.appendText(block.Text)
					}
				}
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" {
				acc.appendText(ev.Delta.Text)
			}
		}
	}
	var res claudeResultEvent
	if err := json.Unmarshal([]byte(line), &res); err == nil && res.Type == "result" {
		acc.setTokens(res.InputTokens, res.OutputTokens)
	}
}
