package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/coremux/agentmux/internal/protocol"
	"github.com/coremux/agentmux/internal/provider"
)

type fakeClient struct {
	name string
	resp provider.Response
	err  error
}

func (f *fakeClient) Name() string { return f.name }
func (f *fakeClient) Invoke(ctx context.Context, req provider.Request) (provider.Response, error) {
	return f.resp, f.err
}

func TestDispatchPromptAppendsHistoryAndReturnsText(t *testing.T) {
	reg := provider.NewRegistry(&fakeClient{name: "claude", resp: provider.Response{Text: "hello there", InputTokens: 3, OutputTokens: 5}})
	cap := NewLocalCapability("s1", reg, CreateOptions{Provider: "claude"})

	cmd := &protocol.Command{Type: protocol.CmdPrompt, ID: "r1", SessionID: "s1", Payload: map[string]any{"text": "hi"}}
	resp, err := cap.Dispatch(context.Background(), cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	var data struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.Text != "hello there" {
		t.Fatalf("expected returned text %q, got %q (err=%v)", "hello there", data.Text, err)
	}

	msgsResp, _ := cap.Dispatch(context.Background(), &protocol.Command{Type: protocol.CmdGetMessages, ID: "r2", SessionID: "s1"})
	if !msgsResp.Success {
		t.Fatal("expected get_messages success")
	}
	var msgs struct {
		Messages []message `json:"messages"`
	}
	if err := json.Unmarshal(msgsResp.Data, &msgs); err != nil || len(msgs.Messages) != 2 {
		t.Fatalf("expected user and assistant turns in history, got %+v (err=%v)", msgs.Messages, err)
	}
}

func TestDispatchUnsupportedCommand(t *testing.T) {
	cap := NewLocalCapability("s1", provider.NewRegistry(), CreateOptions{})
	resp, err := cap.Dispatch(context.Background(), &protocol.Command{Type: "not_a_real_command", ID: "r1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unsupported command")
	}
}

func TestCycleThinkingLevelWrapsAround(t *testing.T) {
	cap := NewLocalCapability("s1", provider.NewRegistry(), CreateOptions{})
	seen := make([]string, 0, len(thinkingLevels)+1)
	for i := 0; i < len(thinkingLevels)+1; i++ {
		resp, err := cap.Dispatch(context.Background(), &protocol.Command{Type: protocol.CmdCycleThinkingLevel, ID: "r1", SessionID: "s1"})
		if err != nil || !resp.Success {
			t.Fatalf("unexpected result: resp=%+v err=%v", resp, err)
		}
		var data struct {
			ThinkingLevel string `json:"thinkingLevel"`
		}
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			t.Fatalf("failed to unmarshal response data: %v", err)
		}
		seen = append(seen, data.ThinkingLevel)
	}
	if seen[0] != seen[len(thinkingLevels)] {
		t.Fatalf("expected thinking level to wrap around after a full cycle, got %v", seen)
	}
}

func TestSetModelAndGetState(t *testing.T) {
	cap := NewLocalCapability("s1", provider.NewRegistry(), CreateOptions{Provider: "claude"})
	cap.Dispatch(context.Background(), &protocol.Command{Type: protocol.CmdSetModel, ID: "r1", SessionID: "s1", Payload: map[string]any{"model": "opus"}})
	resp, _ := cap.Dispatch(context.Background(), &protocol.Command{Type: protocol.CmdGetState, ID: "r2", SessionID: "s1"})
	if !resp.Success {
		t.Fatal("expected get_state success")
	}
}

func TestCompactSkipsWhenHistoryShort(t *testing.T) {
	cap := NewLocalCapability("s1", provider.NewRegistry(), CreateOptions{})
	resp, _ := cap.Dispatch(context.Background(), &protocol.Command{Type: protocol.CmdCompact, ID: "r1", SessionID: "s1"})
	if !resp.Success {
		t.Fatal("expected compact success even when skipped")
	}
	var data struct {
		Compacted bool `json:"compacted"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.Compacted {
		t.Fatalf("expected compacted=false for a short history, got %s (err=%v)", resp.Data, err)
	}
}

func TestAbortBashWithNoJobRunning(t *testing.T) {
	cap := NewLocalCapability("s1", provider.NewRegistry(), CreateOptions{})
	resp, err := cap.Dispatch(context.Background(), &protocol.Command{Type: protocol.CmdAbortBash, ID: "r1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success even with no bash job running")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	cap := NewLocalCapability("s1", provider.NewRegistry(), CreateOptions{})
	if err := cap.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cap.Close(); err != nil {
		t.Fatalf("unexpected error on second close: %v", err)
	}
}
