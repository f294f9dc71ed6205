package protocol

// Server-scoped command types (no sessionId required).
const (
	CmdListSessions       = "list_sessions"
	CmdCreateSession      = "create_session"
	CmdDeleteSession      = "delete_session"
	CmdSwitchSession      = "switch_session"
	CmdListStoredSessions = "list_stored_sessions"
	CmdLoadSession        = "load_session"
	CmdGetMetrics         = "get_metrics"
	CmdHealthCheck        = "health_check"
	CmdExtensionUIResp    = "extension_ui_response"
)

// Session-scoped command types (sessionId required).
const (
	CmdPrompt             = "prompt"
	CmdSteer              = "steer"
	CmdFollowUp           = "follow_up"
	CmdAbort              = "abort"
	CmdGetState           = "get_state"
	CmdGetMessages        = "get_messages"
	CmdSetModel           = "set_model"
	CmdCycleModel         = "cycle_model"
	CmdSetThinkingLevel   = "set_thinking_level"
	CmdCycleThinkingLevel = "cycle_thinking_level"
	CmdCompact            = "compact"
	CmdAbortCompaction    = "abort_compaction"
	CmdSetAutoCompaction  = "set_auto_compaction"
	CmdSetAutoRetry       = "set_auto_retry"
	CmdAbortRetry         = "abort_retry"
	CmdBash               = "bash"
	CmdAbortBash          = "abort_bash"
	CmdGetSessionStats    = "get_session_stats"
	CmdSetSessionName     = "set_session_name"
	CmdExportHTML         = "export_html"
	CmdNewSession         = "new_session"
	CmdSwitchSessionFile  = "switch_session_file"
	CmdFork               = "fork"
)

var sessionScoped = map[string]bool{
	CmdPrompt:             true,
	CmdSteer:              true,
	CmdFollowUp:           true,
	CmdAbort:              true,
	CmdGetState:           true,
	CmdGetMessages:        true,
	CmdSetModel:           true,
	CmdCycleModel:         true,
	CmdSetThinkingLevel:   true,
	CmdCycleThinkingLevel: true,
	CmdCompact:            true,
	CmdAbortCompaction:    true,
	CmdSetAutoCompaction:  true,
	CmdSetAutoRetry:       true,
	CmdAbortRetry:         true,
	CmdBash:               true,
	CmdAbortBash:          true,
	CmdGetSessionStats:    true,
	CmdSetSessionName:     true,
	CmdExportHTML:         true,
	CmdNewSession:         true,
	CmdSwitchSessionFile:  true,
	CmdFork:               true,
}

// IsSessionScoped reports whether a command type requires a non-empty sessionId.
func IsSessionScoped(cmdType string) bool {
	return sessionScoped[cmdType]
}

// mutatingCommands is the input the Session Version Store (C4) uses to
// decide which successful commands bump a session's version counter.
var mutatingCommands = map[string]bool{
	CmdPrompt:            true,
	CmdSteer:             true,
	CmdFollowUp:          true,
	CmdSetModel:          true,
	CmdCycleModel:        true,
	CmdSetThinkingLevel:  true,
	CmdCycleThinkingLevel: true,
	CmdCompact:           true,
	CmdSetAutoCompaction: true,
	CmdSetAutoRetry:      true,
	CmdBash:              true,
	CmdSetSessionName:    true,
	CmdFork:              true,
}

// IsMutating reports whether a successful command of this type should
// stamp a new session version (spec §4.4).
func IsMutating(cmdType string) bool {
	return mutatingCommands[cmdType]
}

// modelFacingCommands is the input the Session Manager uses to decide
// which command types get wrapped in the provider's circuit breaker (spec §4.7 step 6d).
var modelFacingCommands = map[string]bool{
	CmdPrompt:   true,
	CmdSteer:    true,
	CmdFollowUp: true,
	CmdCompact:  true,
}

// IsModelFacing reports whether a command type dispatches to the downstream provider.
func IsModelFacing(cmdType string) bool {
	return modelFacingCommands[cmdType]
}

// uiResponseCommands get the secondary, more restrictive rate limit (spec §4.1).
var uiResponseCommands = map[string]bool{
	CmdExtensionUIResp: true,
}

// IsUIResponse reports whether a command type is subject to the secondary UI-response rate limit.
func IsUIResponse(cmdType string) bool {
	return uiResponseCommands[cmdType]
}
