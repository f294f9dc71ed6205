// Package transport implements the two wire-level carriers described in
// SPEC_FULL.md §6: a WebSocket (one JSON message per text frame) over a Unix domain socket
// (or TCP, when configured) and a line/Content-Length framed stdio
// channel. Both carry the same protocol.Command/Response/Event schema
// and both feed every decoded command into session.Manager.ExecuteCommand.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/coremux/agentmux/internal/authn"
	"github.com/coremux/agentmux/internal/governor"
	"github.com/coremux/agentmux/internal/protocol"
	"github.com/coremux/agentmux/internal/session"
)

// SocketConfig holds the socket transport's listen parameters.
type SocketConfig struct {
	// SocketPath, when set, listens on a Unix domain socket at this
	// path. Ignored when Port is non-zero.
	SocketPath string
	// Port listens on TCP :Port when non-zero (AGENTMUX_PORT), taking
	// precedence over SocketPath.
	Port int
	// MaxMessageBytes caps an individual frame; mirrors the governor's
	// CanAcceptMessage ceiling so oversized frames are rejected before
	// they are even fully read off the wire.
	MaxMessageBytes int64
	// BandwidthBytesPerSec and BandwidthBurst size the per-connection
	// outbound shaper (governor.BandwidthShaper); zero picks its defaults.
	BandwidthBytesPerSec int
	BandwidthBurst       int
}

func (c SocketConfig) shaperLimits() (int, int) {
	bytesPerSec, burst := c.BandwidthBytesPerSec, c.BandwidthBurst
	if bytesPerSec == 0 {
		bytesPerSec = 4 << 20
	}
	if burst == 0 {
		burst = 1 << 20
	}
	return bytesPerSec, burst
}

// SocketServer accepts WebSocket connections carrying the command
// protocol, grounded on the teacher's internal/relay/workers.go:
// handleWingWS read/write loop and internal/transport/server.go's
// listener lifecycle.
type SocketServer struct {
	cfg      SocketConfig
	manager  *session.Manager
	governor *governor.Governor
	shaper   *governor.BandwidthShaper
	verifier *authn.Verifier
}

// NewSocketServer constructs a SocketServer. verifier may be nil, in
// which case connections are accepted without a bearer token check
// (single-user/local mode).
func NewSocketServer(mgr *session.Manager, gov *governor.Governor, verifier *authn.Verifier, cfg SocketConfig) *SocketServer {
	bytesPerSec, burst := cfg.shaperLimits()
	return &SocketServer{
		cfg:      cfg,
		manager:  mgr,
		governor: gov,
		shaper:   governor.NewBandwidthShaper(bytesPerSec, burst),
		verifier: verifier,
	}
}

// ListenAndServe blocks serving connections until ctx is canceled or a
// fatal listener error occurs.
func (s *SocketServer) ListenAndServe(ctx context.Context) error {
	var ln net.Listener
	var err error
	if s.cfg.Port != 0 {
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	} else {
		os.Remove(s.cfg.SocketPath)
		ln, err = net.Listen("unix", s.cfg.SocketPath)
		defer os.Remove(s.cfg.SocketPath)
	}
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConn)
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *SocketServer) handleConn(w http.ResponseWriter, r *http.Request) {
	if s.verifier != nil {
		if _, err := s.verifier.Verify(bearerToken(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if !s.governor.TryReserveConnectionSlot() {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	defer s.governor.ReleaseConnectionSlot()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("transport: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	connID := uuid.NewString()
	ctx := r.Context()
	sub := &socketSubscriber{conn: conn, connID: connID, shaper: s.shaper}
	s.manager.Subscribe(connID, sub)
	defer func() {
		s.manager.Unsubscribe(connID)
		s.shaper.Forget(connID)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		cmd, decodeErr := protocol.DecodeCommand(data)
		if decodeErr != nil {
			sub.Send(protocol.Failure("", "unknown", decodeErr.Error()))
			continue
		}
		resp := s.manager.ExecuteCommand(ctx, cmd)
		if cmd.SessionID != "" {
			s.manager.SubscribeSession(connID, cmd.SessionID)
		}
		sub.Send(responseFrame(resp))
	}
}

func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// responseFrame wraps a Response in its wire envelope (spec §6 "Response").
func responseFrame(resp *protocol.Response) any {
	return struct {
		Type string `json:"type"`
		*protocol.Response
	}{Type: "response", Response: resp}
}

// socketSubscriber adapts a websocket.Conn to session.Subscriber,
// shaping outbound writes through the governor's bandwidth limiter
// before each frame hits the wire (SPEC_FULL.md §4.1a).
type socketSubscriber struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	connID string
	shaper *governor.BandwidthShaper
}

func (s *socketSubscriber) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.shaper.Wait(writeCtx, s.connID, len(data)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}
