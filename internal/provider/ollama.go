package provider

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Ollama shells out to a local `ollama run` process over stdin/stdout.
type Ollama struct {
	command string
	model   string
}

func NewOllama(command, model string) *Ollama {
	if command == "" {
		command = "ollama"
	}
	if model == "" {
		model = "llama3.2"
	}
	return &Ollama{command: command, model: model}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Health(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, o.command, "list")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ollama health check failed: %w", err)
	}
	return nil
}

func (o *Ollama) Invoke(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	cmd := exec.CommandContext(ctx, o.command, "run", model)
	cmd.Stdin = strings.NewReader(req.Prompt)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	return runStreaming(ctx, cmd, parseOllamaLine)
}

func parseOllamaLine(line string, acc *accumulator) {
	if line == "" {
		return
	}
	acc.appendText(line + "\n")
}
