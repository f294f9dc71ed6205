package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coremux/agentmux/internal/protocol"
)

// startTestSocketServer starts a SocketServer on a temp Unix socket and
// returns its path plus a cancel func, mirroring setupSocket in
// socket_test.go but returning the dial target instead of a raw conn so
// Client.Dial itself gets exercised.
func startTestSocketServer(t *testing.T) (string, func()) {
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
	return sock, cancel
}

func TestClientDialAndDoRoundTrip(t *testing.T) {
	sock, cancel := startTestSocketServer(t)
	defer cancel()

	ctx, cancelReq := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelReq()

	c, err := Dial(ctx, Target{SocketPath: sock}, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Do(ctx, &protocol.Command{Type: protocol.CmdHealthCheck, ID: "h1"}, nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !resp.Success || resp.ID != "h1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClientDoRoutesOtherFramesToCallback(t *testing.T) {
	sock, cancel := startTestSocketServer(t)
	defer cancel()

	ctx, cancelReq := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelReq()

	c, err := Dial(ctx, Target{SocketPath: sock}, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	var otherTypes []string
	resp, err := c.Do(ctx, &protocol.Command{
		Type:    protocol.CmdCreateSession,
		ID:      "c1",
		Payload: map[string]any{"sessionId": "s1", "provider": "claude"},
	}, func(frameType string, raw []byte) {
		otherTypes = append(otherTypes, frameType)
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !resp.Success || resp.ID != "c1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	sawAccepted, sawFinished := false, false
	for _, typ := range otherTypes {
		switch typ {
		case "command_accepted":
			sawAccepted = true
		case "command_finished":
			sawFinished = true
		}
	}
	if !sawAccepted || !sawFinished {
		t.Fatalf("expected command_accepted and command_finished to reach onOther, got %v", otherTypes)
	}
}

func TestClientSendEncodesPayload(t *testing.T) {
	sock, cancel := startTestSocketServer(t)
	defer cancel()

	ctx, cancelReq := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelReq()

	c, err := Dial(ctx, Target{SocketPath: sock}, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Do(ctx, &protocol.Command{
		Type:      protocol.CmdCreateSession,
		ID:        "c2",
		SessionID: "",
		Payload:   map[string]any{"sessionId": "s2", "provider": "claude", "cwd": "/tmp"},
	}, nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected payload fields (provider/cwd) to survive encoding, got failure: %s", resp.Error)
	}
}
