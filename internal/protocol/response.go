package protocol

import "encoding/json"

// Response is the terminal record returned for a command (spec §3).
// Once returned to any client it is immutable — callers must not mutate
// a Response obtained from the replay store; Clone it first if you
// need to adjust the ID for a new request (see CloneForReplay).
type Response struct {
	ID             string          `json:"id,omitempty"`
	Command        string          `json:"command"`
	Success        bool            `json:"success"`
	Error          string          `json:"error,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	SessionVersion *int64          `json:"sessionVersion,omitempty"`
	Replayed       bool            `json:"replayed,omitempty"`
	TimedOut       bool            `json:"timedOut,omitempty"`
}

// Clone returns a deep-enough copy safe to mutate independently of the original.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Data != nil {
		cp.Data = append(json.RawMessage(nil), r.Data...)
	}
	if r.SessionVersion != nil {
		v := *r.SessionVersion
		cp.SessionVersion = &v
	}
	return &cp
}

// CloneForReplay copies a cached/stored response and adjusts its ID to
// match the current request, per spec §4.3 checkReplay: "the response's
// identifier adjusted to match the current request (copied if present,
// stripped if absent)".
func (r *Response) CloneForReplay(requestID string) *Response {
	cp := r.Clone()
	cp.ID = requestID
	cp.Replayed = true
	return cp
}

// Success builds a successful response with an optional JSON-marshalable data payload.
func Success(id, cmdType string, data any) *Response {
	resp := &Response{ID: id, Command: cmdType, Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			resp.Data = raw
		}
	}
	return resp
}

// Failure builds a failure response.
func Failure(id, cmdType, errMsg string) *Response {
	return &Response{ID: id, Command: cmdType, Success: false, Error: errMsg}
}

// Event is a passthrough of the underlying session capability's event
// stream (spec §6 "Event" frame).
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// LifecyclePhase names one of the three command-lifecycle broadcasts.
type LifecyclePhase string

const (
	PhaseAccepted LifecyclePhase = "command_accepted"
	PhaseStarted  LifecyclePhase = "command_started"
	PhaseFinished LifecyclePhase = "command_finished"
)

// LifecycleData is the payload of a command_accepted/started/finished broadcast.
type LifecycleData struct {
	CommandID        string   `json:"commandId"`
	CommandType      string   `json:"commandType"`
	SessionID        string   `json:"sessionId,omitempty"`
	DependsOn        []string `json:"dependsOn,omitempty"`
	IfSessionVersion *int64   `json:"ifSessionVersion,omitempty"`
	IdempotencyKey   string   `json:"idempotencyKey,omitempty"`
	Success          *bool    `json:"success,omitempty"`
	Error            string   `json:"error,omitempty"`
	SessionVersion   *int64   `json:"sessionVersion,omitempty"`
	Replayed         bool     `json:"replayed,omitempty"`
}

// LifecycleFrame is the full server->client frame for a lifecycle broadcast.
type LifecycleFrame struct {
	Type string         `json:"type"`
	Data LifecycleData  `json:"data"`
}

// NewLifecycleFrame builds the frame for a given phase.
func NewLifecycleFrame(phase LifecyclePhase, data LifecycleData) *LifecycleFrame {
	return &LifecycleFrame{Type: string(phase), Data: data}
}

// EventFrame wraps an Event for the wire (spec §6 "Event").
type EventFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Event     json.RawMessage `json:"event"`
}

// ServerReady is the lifecycle broadcast sent on startup.
type ServerReady struct {
	Type            string   `json:"type"`
	ServerVersion   string   `json:"serverVersion"`
	ProtocolVersion string   `json:"protocolVersion"`
	Transports      []string `json:"transports"`
}

// ServerShutdown is the lifecycle broadcast sent on graceful stop.
type ServerShutdown struct {
	Type string `json:"type"`
}

// SessionLifecycle is the admin lifecycle broadcast for session_created/session_deleted.
type SessionLifecycle struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

const ProtocolVersion = "1.0.0"
