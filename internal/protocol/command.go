// Package protocol defines the wire schema shared by both transports:
// the Command/Response/Event frames, the command taxonomy, and the
// structural validation rules applied before a command reaches the
// resource governor.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AnonPrefix marks a server-synthesized command identifier. Clients are
// forbidden from supplying ids with this prefix.
const AnonPrefix = "anon:"

// MaxIDLen is the maximum byte length of any opaque identifier field.
const MaxIDLen = 256

// MaxDependsOn is the maximum number of entries in a command's dependsOn list.
const MaxDependsOn = 32

// MaxCWDLen is the maximum byte length of a working-directory field.
const MaxCWDLen = 4096

// Command is a client request. Type-specific fields live in Payload,
// decoded lazily by whichever component interprets that command type.
type Command struct {
	Type             string            `json:"type"`
	ID               string            `json:"id,omitempty"`
	SessionID        string            `json:"sessionId,omitempty"`
	DependsOn        []string          `json:"dependsOn,omitempty"`
	IdempotencyKey   string            `json:"idempotencyKey,omitempty"`
	IfSessionVersion *int64            `json:"ifSessionVersion,omitempty"`
	Payload          map[string]any    `json:"-"`
	Raw              json.RawMessage   `json:"-"`
}

// commandWire is the on-the-wire shape: known fields plus an open bag
// for command-specific payload fields, recovered via a second decode pass.
type commandWire struct {
	Type             string   `json:"type"`
	ID               string   `json:"id,omitempty"`
	SessionID        string   `json:"sessionId,omitempty"`
	DependsOn        []string `json:"dependsOn,omitempty"`
	IdempotencyKey   string   `json:"idempotencyKey,omitempty"`
	IfSessionVersion *int64   `json:"ifSessionVersion,omitempty"`
}

// DecodeCommand parses a single JSON frame into a Command. Parse errors
// are returned verbatim so the caller can build the "unknown" error
// response described in spec §6.
func DecodeCommand(data []byte) (*Command, error) {
	var w commandWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	var bag map[string]any
	if err := json.Unmarshal(data, &bag); err != nil {
		return nil, fmt.Errorf("decode command payload: %w", err)
	}
	for _, known := range []string{"type", "id", "sessionId", "dependsOn", "idempotencyKey", "ifSessionVersion"} {
		delete(bag, known)
	}
	return &Command{
		Type:             w.Type,
		ID:               w.ID,
		SessionID:        w.SessionID,
		DependsOn:        w.DependsOn,
		IdempotencyKey:   w.IdempotencyKey,
		IfSessionVersion: w.IfSessionVersion,
		Payload:          bag,
		Raw:              append(json.RawMessage(nil), data...),
	}, nil
}

// EncodeCommand serializes c back to its wire shape, merging Payload's
// keys alongside the known fields — the encode-side counterpart of
// DecodeCommand. Known field names in Payload are ignored rather than
// allowed to clobber the struct fields.
func EncodeCommand(c *Command) ([]byte, error) {
	bag := make(map[string]any, len(c.Payload)+6)
	for k, v := range c.Payload {
		bag[k] = v
	}
	for _, known := range []string{"type", "id", "sessionId", "dependsOn", "idempotencyKey", "ifSessionVersion"} {
		delete(bag, known)
	}
	bag["type"] = c.Type
	if c.ID != "" {
		bag["id"] = c.ID
	}
	if c.SessionID != "" {
		bag["sessionId"] = c.SessionID
	}
	if len(c.DependsOn) > 0 {
		bag["dependsOn"] = c.DependsOn
	}
	if c.IdempotencyKey != "" {
		bag["idempotencyKey"] = c.IdempotencyKey
	}
	if c.IfSessionVersion != nil {
		bag["ifSessionVersion"] = *c.IfSessionVersion
	}
	return json.Marshal(bag)
}

// PayloadString returns a string field from Payload, or "" if absent/wrong type.
func (c *Command) PayloadString(key string) string {
	if v, ok := c.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadInt returns an integer field from Payload, or 0 if absent.
// JSON numbers decode to float64, so that's the primary case; a plain
// int is also accepted for values set programmatically (e.g. by tests).
func (c *Command) PayloadInt(key string) int {
	switch v := c.Payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// ValidationError describes a structurally invalid command; returned
// before any quota is charged (spec §6 "Validation rules").
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Validate applies the structural rules from spec §6. It never
// consults the session registry — unknown-session vs. missing-field
// are both validation concerns only insofar as the field itself is
// malformed; "session does not exist" is a later (admission/dispatch)
// concern.
func Validate(c *Command) error {
	if c.Type == "" {
		return &ValidationError{Reason: "missing command type"}
	}
	if len(c.Type) > MaxIDLen {
		return &ValidationError{Reason: "command type too long"}
	}
	if c.ID != "" {
		if err := validateOpaqueID("id", c.ID); err != nil {
			return err
		}
		if strings.HasPrefix(c.ID, AnonPrefix) {
			return &ValidationError{Reason: "reserved id prefix: " + AnonPrefix}
		}
	}
	if c.SessionID != "" {
		if err := ValidateSessionIDFormat(c.SessionID); err != nil {
			return err
		}
	}
	if IsSessionScoped(c.Type) && strings.TrimSpace(c.SessionID) == "" {
		return &ValidationError{Reason: "sessionId required for command type " + c.Type}
	}
	if len(c.DependsOn) > MaxDependsOn {
		return &ValidationError{Reason: "dependsOn exceeds maximum of 32 entries"}
	}
	if len(c.DependsOn) > 0 && c.ID == "" {
		return &ValidationError{Reason: "dependsOn requires an explicit id"}
	}
	for _, dep := range c.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return &ValidationError{Reason: "dependsOn contains an empty id"}
		}
		if len(dep) > MaxIDLen {
			return &ValidationError{Reason: "dependsOn id too long"}
		}
	}
	if c.IdempotencyKey != "" && len(c.IdempotencyKey) > MaxIDLen {
		return &ValidationError{Reason: "idempotencyKey too long"}
	}
	if c.IfSessionVersion != nil {
		if !IsSessionScoped(c.Type) {
			return &ValidationError{Reason: "ifSessionVersion is only valid on session-scoped commands"}
		}
		if *c.IfSessionVersion < 0 {
			return &ValidationError{Reason: "ifSessionVersion must be >= 0"}
		}
	}
	if cwd, ok := c.Payload["cwd"].(string); ok && cwd != "" {
		if err := validateWorkingDir(cwd); err != nil {
			return err
		}
	}
	if tl, ok := c.Payload["thinkingLevel"].(string); ok && tl != "" {
		if !validThinkingLevels[tl] {
			return &ValidationError{Reason: "invalid thinking level: " + tl}
		}
	}
	return nil
}

var validThinkingLevels = map[string]bool{
	"off": true, "low": true, "medium": true, "high": true, "max": true,
}

// validateOpaqueID checks the generic identifier rule from spec §3:
// an opaque string no longer than MaxIDLen. Charset is unrestricted —
// only session identifiers (which double as lane keys and on-disk
// directory names) get the stricter charset in ValidateSessionIDFormat.
func validateOpaqueID(field, id string) error {
	if id == "" {
		return &ValidationError{Reason: field + " must not be empty"}
	}
	if len(id) > MaxIDLen {
		return &ValidationError{Reason: field + " exceeds maximum length"}
	}
	return nil
}

// ValidateSessionIDFormat applies spec §4.1's session identifier rule:
// non-empty, <=256 bytes, characters restricted to [A-Za-z0-9_.-].
func ValidateSessionIDFormat(id string) error {
	if id == "" {
		return &ValidationError{Reason: "sessionId must not be empty"}
	}
	if len(id) > MaxIDLen {
		return &ValidationError{Reason: "sessionId exceeds maximum length"}
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') &&
			r != '_' && r != '.' && r != '-' {
			return &ValidationError{Reason: "sessionId contains invalid characters"}
		}
	}
	return nil
}

// ValidateWorkingDir applies spec §4.1's working-directory rule; exported
// so the governor and session manager can reuse it outside command validation.
func ValidateWorkingDir(path string) error { return validateWorkingDir(path) }

func validateWorkingDir(path string) error {
	if len(path) > MaxCWDLen {
		return &ValidationError{Reason: "cwd exceeds maximum length"}
	}
	if strings.Contains(path, "\x00") {
		return &ValidationError{Reason: "cwd contains a null byte"}
	}
	if strings.Contains(path, "..") {
		return &ValidationError{Reason: "cwd must not contain path traversal"}
	}
	if strings.HasPrefix(path, "~") {
		return &ValidationError{Reason: "cwd must not use ~ expansion"}
	}
	return nil
}
