package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"

	"github.com/coremux/agentmux/internal/governor"
	"github.com/coremux/agentmux/internal/protocol"
	"github.com/coremux/agentmux/internal/session"
)

// stdioFraming indicates how a message was framed on the input stream.
// Framing is auto-detected: a bare JSON line unless the first line
// looks like a "Key: value" header, in which case headers are consumed
// until a blank line and the body is read by Content-Length.
type stdioFraming int

const (
	framingLine stdioFraming = iota
	framingContentLength
)

// readStdioMessage reads one frame from reader, returning its bytes and
// detected framing. maxBodySize caps a Content-Length value to guard
// against memory exhaustion from a malformed or hostile header.
func readStdioMessage(reader *bufio.Reader, maxBodySize int) ([]byte, stdioFraming, error) {
	for {
		firstLineBytes, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				trimmed := strings.TrimSpace(string(firstLineBytes))
				if trimmed == "" {
					return nil, framingLine, io.EOF
				}
				return []byte(trimmed), framingLine, nil
			}
			return nil, framingLine, err
		}

		firstLine := strings.TrimSpace(string(firstLineBytes))
		if firstLine == "" {
			continue
		}
		if !isHeaderLine(firstLine) {
			return []byte(firstLine), framingLine, nil
		}

		headers := []string{firstLine}
		for {
			headerLine, headerErr := reader.ReadBytes('\n')
			if headerErr != nil {
				if errors.Is(headerErr, io.EOF) {
					return nil, framingContentLength, io.EOF
				}
				return nil, framingContentLength, headerErr
			}
			trimmed := strings.TrimSpace(string(headerLine))
			if trimmed == "" {
				break
			}
			headers = append(headers, trimmed)
		}

		contentLength, found := parseContentLength(headers, maxBodySize)
		if !found {
			return []byte(firstLine), framingLine, nil
		}
		payload := make([]byte, contentLength)
		if _, readErr := io.ReadFull(reader, payload); readErr != nil {
			return nil, framingContentLength, readErr
		}
		return bytes.TrimSpace(payload), framingContentLength, nil
	}
}

func isHeaderLine(line string) bool {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return false
	}
	key := strings.TrimSpace(line[:idx])
	if key == "" {
		return false
	}
	for _, r := range key {
		if r == '-' {
			continue
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func parseContentLength(headers []string, maxBodySize int) (int, bool) {
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(parts[0]), "content-length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || n < 0 || n > maxBodySize {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// StdioConfig holds the stdio transport's framing limits.
type StdioConfig struct {
	MaxMessageBytes int
	// BandwidthBytesPerSec and BandwidthBurst size the connection's
	// outbound shaper (governor.BandwidthShaper); zero picks its defaults.
	BandwidthBytesPerSec int
	BandwidthBurst       int
}

func (c StdioConfig) withDefaults() StdioConfig {
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 10 << 20
	}
	if c.BandwidthBytesPerSec == 0 {
		c.BandwidthBytesPerSec = 4 << 20
	}
	if c.BandwidthBurst == 0 {
		c.BandwidthBurst = 1 << 20
	}
	return c
}

// RunStdio drives the stdio transport to completion: it reads frames
// from in until EOF or ctx is canceled, dispatching each to
// mgr.ExecuteCommand and writing the response back to out as a bare
// JSON line. Lifecycle broadcasts (command_accepted/started/finished,
// events) are written the same way through the same connection, so a
// single stdio peer sees an interleaved stream exactly like a socket
// client would.
func RunStdio(ctx context.Context, mgr *session.Manager, gov *governor.Governor, in io.Reader, out io.Writer, cfg StdioConfig) error {
	cfg = cfg.withDefaults()
	connID := uuid.NewString()
	shaper := governor.NewBandwidthShaper(cfg.BandwidthBytesPerSec, cfg.BandwidthBurst)
	sub := &stdioSubscriber{out: out, connID: connID, shaper: shaper}

	if !gov.TryReserveConnectionSlot() {
		return fmt.Errorf("stdio transport: connection limit reached")
	}
	defer gov.ReleaseConnectionSlot()

	mgr.Subscribe(connID, sub)
	defer func() {
		mgr.Unsubscribe(connID)
		shaper.Forget(connID)
	}()

	reader := bufio.NewReader(in)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, _, err := readStdioMessage(reader, cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("stdio transport: read: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		cmd, decodeErr := protocol.DecodeCommand(data)
		if decodeErr != nil {
			if sendErr := sub.Send(protocol.Failure("", "unknown", decodeErr.Error())); sendErr != nil {
				slog.Warn("stdio transport: write failed", "error", sendErr)
			}
			continue
		}
		resp := mgr.ExecuteCommand(ctx, cmd)
		if cmd.SessionID != "" {
			mgr.SubscribeSession(connID, cmd.SessionID)
		}
		if err := sub.Send(responseFrame(resp)); err != nil {
			return fmt.Errorf("stdio transport: write: %w", err)
		}
	}
}

// stdioSubscriber adapts an io.Writer to session.Subscriber, writing
// one newline-terminated JSON frame per Send call.
type stdioSubscriber struct {
	mu     sync.Mutex
	out    io.Writer
	connID string
	shaper *governor.BandwidthShaper
}

func (s *stdioSubscriber) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := s.shaper.Wait(context.Background(), s.connID, len(data)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	_, err = s.out.Write(data)
	return err
}
