package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/coremux/agentmux/internal/config"
	"github.com/coremux/agentmux/internal/protocol"
	"github.com/coremux/agentmux/internal/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "agentmuxctl",
		Short: "agentmux CLI client",
	}
	root.AddCommand(
		createSessionCmd(),
		listSessionsCmd(),
		deleteSessionCmd(),
		promptCmd(),
		bashCmd(),
		getStateCmd(),
		getMessagesCmd(),
		healthCheckCmd(),
		metricsCmd(),
		attachCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// dial resolves the daemon's socket from AGENTMUX_PORT/AGENTMUX_HOME
// exactly as agentmuxd does, and connects a client.
func dial(ctx context.Context) (*transport.Client, error) {
	target := transport.Target{}
	if portStr := os.Getenv("AGENTMUX_PORT"); portStr != "" {
		if _, err := strconv.Atoi(portStr); err != nil {
			return nil, fmt.Errorf("invalid AGENTMUX_PORT: %s", portStr)
		}
		target.Addr = "127.0.0.1:" + portStr
	} else {
		dataDir, err := config.DataDir()
		if err != nil {
			return nil, fmt.Errorf("resolve data dir: %w", err)
		}
		target.SocketPath = filepath.Join(dataDir, "agentmux.sock")
	}
	return transport.Dial(ctx, target, os.Getenv("AGENTMUX_TOKEN"))
}

// runCommand dials, sends cmd, prints the response's data as indented
// JSON (or the error), and exits non-zero on a failed response.
func runCommand(cmd *protocol.Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	resp, err := c.Do(ctx, cmd, nil)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s failed: %s", resp.Command, resp.Error)
	}
	if len(resp.Data) == 0 {
		return nil
	}
	var pretty any
	if err := json.Unmarshal(resp.Data, &pretty); err != nil {
		fmt.Println(string(resp.Data))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}

func createSessionCmd() *cobra.Command {
	var provider, model, cwd, systemPrompt string
	cmd := &cobra.Command{
		Use:   "create-session",
		Short: "Create a new agent session",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"provider": provider}
			if model != "" {
				payload["model"] = model
			}
			if cwd != "" {
				payload["cwd"] = cwd
			}
			if systemPrompt != "" {
				payload["systemPrompt"] = systemPrompt
			}
			return runCommand(&protocol.Command{Type: protocol.CmdCreateSession, Payload: payload})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "claude", "downstream provider (claude, codex, gemini, ollama)")
	cmd.Flags().StringVar(&model, "model", "", "model name override")
	cmd.Flags().StringVar(&cwd, "cwd", "", "session working directory")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "system prompt override")
	return cmd
}

func listSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-sessions",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(&protocol.Command{Type: protocol.CmdListSessions})
		},
	}
}

func deleteSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-session <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(&protocol.Command{Type: protocol.CmdDeleteSession, SessionID: args[0]})
		},
	}
}

func promptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prompt <session-id> <text>",
		Short: "Send a prompt to a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(&protocol.Command{
				Type:      protocol.CmdPrompt,
				SessionID: args[0],
				Payload:   map[string]any{"text": args[1]},
			})
		},
	}
}

func bashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bash <session-id> <command>",
		Short: "Run a shell command in a session's PTY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(&protocol.Command{
				Type:      protocol.CmdBash,
				SessionID: args[0],
				Payload:   map[string]any{"command": args[1]},
			})
		},
	}
}

func getStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-state <session-id>",
		Short: "Print a session's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(&protocol.Command{Type: protocol.CmdGetState, SessionID: args[0]})
		},
	}
}

func getMessagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-messages <session-id>",
		Short: "Print a session's conversation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(&protocol.Command{Type: protocol.CmdGetMessages, SessionID: args[0]})
		},
	}
}

func healthCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Check daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(&protocol.Command{Type: protocol.CmdHealthCheck})
		},
	}
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print daemon resource metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(&protocol.Command{Type: protocol.CmdGetMetrics})
		},
	}
}

// attachCmd subscribes to a session's lifecycle and event stream and
// prints each frame as it arrives until interrupted; it sends no abort
// for an in-flight turn on detach — the CLI counterpart of the teacher's
// egg.go terminal-attach loop, adapted from raw PTY passthrough to this
// protocol's framed event stream.
func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Stream a session's lifecycle and event frames",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			// get_state both confirms the session exists and, as a
			// side effect of naming a sessionId, opts this connection
			// into the session's event passthrough (spec §6).
			probeID := uuid.NewString()
			if _, err := c.Do(ctx, &protocol.Command{Type: protocol.CmdGetState, ID: probeID, SessionID: sessionID}, nil); err != nil {
				return fmt.Errorf("attach %s: %w", sessionID, err)
			}

			fmt.Printf("attached to %s, press Ctrl-C to detach\n", sessionID)
			for {
				raw, err := c.Recv(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("attach: %w", err)
				}
				var env struct {
					Type      string          `json:"type"`
					SessionID string          `json:"sessionId,omitempty"`
					Data      json.RawMessage `json:"data,omitempty"`
				}
				if err := json.Unmarshal(raw, &env); err != nil {
					continue
				}
				if env.SessionID != "" && env.SessionID != sessionID {
					continue
				}
				fmt.Printf("[%s] %s %s\n", time.Now().Format("15:04:05"), env.Type, string(env.Data))
			}
		},
	}
}
