package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/coremux/agentmux/internal/breaker"
	"github.com/coremux/agentmux/internal/engine"
	"github.com/coremux/agentmux/internal/governor"
	"github.com/coremux/agentmux/internal/lock"
	"github.com/coremux/agentmux/internal/protocol"
	"github.com/coremux/agentmux/internal/replay"
	"github.com/coremux/agentmux/internal/session"
	"github.com/coremux/agentmux/internal/sessionversion"
	"github.com/coremux/agentmux/internal/uiregistry"
)

// setupSocket starts a SocketServer on a temp Unix socket and returns a
// dialed websocket connection plus a cleanup func, mirroring the
// teacher's own setup()-polls-for-socket-file pattern in
// internal/transport/transport_test.go.
func setupSocket(t *testing.T) (*websocket.Conn, func()) {
	t.Helper()
	mgr := newTestManager(t)
	gov := newTestGovernor(t)

	sock := filepath.Join(t.TempDir(), "agentmux.sock")
	srv := NewSocketServer(mgr, gov, nil, SocketConfig{SocketPath: sock})

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		go func() {
			for {
				if _, err := os.Stat(sock); err == nil {
					close(ready)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
		srv.ListenAndServe(ctx)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("socket server did not start in time")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", sock)
			},
		},
	}
	conn, _, err := websocket.Dial(context.Background(), "ws://unix/", &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.CloseNow()
		cancel()
	}
}

func TestSocketRoundTrip(t *testing.T) {
	conn, cleanup := setupSocket(t)
	defer cleanup()
	ctx, cancelReq := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelReq()

	req, _ := json.Marshal(&protocol.Command{Type: protocol.CmdHealthCheck, ID: "h1"})
	if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Success bool   `json:"success"`
	}
	// ExecuteCommand always broadcasts command_accepted/command_finished
	// frames to subscribers of this connection before the direct response
	// is written, so skip past those to find the actual response frame.
	for i := 0; i < 8; i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("unmarshal: %v, data=%s", err, data)
		}
		if resp.Type == "response" {
			break
		}
	}
	if resp.Type != "response" || resp.ID != "h1" || !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSocketBroadcastsLifecycleToConnectedClient(t *testing.T) {
	conn, cleanup := setupSocket(t)
	defer cleanup()
	ctx, cancelReq := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelReq()

	req, _ := json.Marshal(&protocol.Command{
		Type:    protocol.CmdCreateSession,
		ID:      "c1",
		Payload: map[string]any{"sessionId": "s1", "provider": "claude"},
	})
	if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	sawAccepted, sawFinished := false, false
	for i := 0; i < 8; i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env struct {
			Type string `json:"type"`
		}
		json.Unmarshal(data, &env)
		switch env.Type {
		case "command_accepted":
			sawAccepted = true
		case "command_finished":
			sawFinished = true
		case "response":
			if sawAccepted && sawFinished {
				return
			}
		}
	}
	if !sawAccepted || !sawFinished {
		t.Fatalf("expected both command_accepted and command_finished broadcasts, got accepted=%v finished=%v", sawAccepted, sawFinished)
	}
}

func TestSocketConnectionLimitRejectsOverCapacity(t *testing.T) {
	replayStore := replay.New(replay.Config{}, 1)
	defer replayStore.Stop()
	eng := engine.New(engine.Config{}, replayStore)
	gov := governor.New(governor.Config{MaxConnections: 1})
	defer gov.Stop()
	brk := breaker.New(breaker.Config{})
	defer brk.Stop()

	cap := &fakeCapability{providerName: "claude", events: make(chan protocol.Event, 1)}
	factory := func(ctx context.Context, sessionID string, opts session.CreateOptions) (session.Capability, error) {
		return cap, nil
	}
	mgr := session.NewManager(session.Deps{
		Governor: gov, Locks: lock.New(lock.Config{}), Replay: replayStore,
		Versions: sessionversion.New(), Engine: eng, Breakers: brk,
		UIRegistry: uiregistry.New(uiregistry.Config{}), Factory: factory,
	})

	sock := filepath.Join(t.TempDir(), "agentmux.sock")
	srv := NewSocketServer(mgr, gov, nil, SocketConfig{SocketPath: sock})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go func() {
		go func() {
			for {
				if _, err := os.Stat(sock); err == nil {
					close(ready)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
		srv.ListenAndServe(ctx)
	}()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("socket server did not start in time")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", sock)
			},
		},
	}
	conn1, _, err := websocket.Dial(context.Background(), "ws://unix/", &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer conn1.CloseNow()

	// Second connection should be rejected at the HTTP layer before
	// the WebSocket handshake completes, since the connection slot is held.
	_, _, err = websocket.Dial(context.Background(), "ws://unix/", &websocket.DialOptions{HTTPClient: httpClient})
	if err == nil {
		t.Fatal("expected second dial to fail once connection capacity is exhausted")
	}
}
