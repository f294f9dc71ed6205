package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/coder/websocket"

	"github.com/coremux/agentmux/internal/protocol"
)

// Target identifies where a Client dials: either a Unix domain socket
// path or a host:port TCP address. Exactly one should be set.
type Target struct {
	SocketPath string
	Addr       string
}

// Client is a thin round-trip wrapper over the socket transport for
// agentmuxctl, mirroring the teacher's cmd/wt client shape (one
// long-lived connection per CLI invocation) adapted from an HTTP REST
// client to this package's WebSocket command/response protocol.
type Client struct {
	conn *websocket.Conn
}

// Dial opens a connection to target, presenting token as a bearer
// query parameter when non-empty.
func Dial(ctx context.Context, target Target, token string) (*Client, error) {
	url := "ws://" + target.Addr + "/"
	httpClient := http.DefaultClient
	if target.Addr == "" {
		url = "ws://unix/"
		httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", target.SocketPath)
				},
			},
		}
	}
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return nil, fmt.Errorf("dial agentmuxd: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// Send writes a single command frame.
func (c *Client) Send(ctx context.Context, cmd *protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// frameEnvelope recovers just enough of an inbound frame to route it:
// a lifecycle broadcast, an event passthrough, or a command response.
type frameEnvelope struct {
	Type string `json:"type"`
}

// Recv reads the next raw frame off the wire.
func (c *Client) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// Do sends cmd and blocks until the matching "response" frame arrives,
// forwarding every other frame (lifecycle broadcasts, events) to
// onOther if non-nil. Matching is by command ID when cmd.ID is set,
// else the first response frame seen is returned.
func (c *Client) Do(ctx context.Context, cmd *protocol.Command, onOther func(frameType string, raw []byte)) (*protocol.Response, error) {
	if err := c.Send(ctx, cmd); err != nil {
		return nil, err
	}
	for {
		raw, err := c.Recv(ctx)
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		var env frameEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		if env.Type != "response" {
			if onOther != nil {
				onOther(env.Type, raw)
			}
			continue
		}
		var resp protocol.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if cmd.ID != "" && resp.ID != cmd.ID {
			continue
		}
		return &resp, nil
	}
}
