// Package eventlog persists the ordered, per-session record of everything an
// agent session produced: structured events and raw terminal output.
package eventlog

import "time"

// Event types recorded in a session log.
const (
	TypeSessionStarted      = "session_started"
	TypeSessionEnded        = "session_ended"
	TypeUserMessage         = "user_message"
	TypeAssistantMessage    = "assistant_message"
	TypeModelSelected       = "model_selected"
	TypeProviderSwitched    = "provider_switched"
	TypeToolDeclared        = "tool_declared"
	TypeToolCallStarted     = "tool_call_started"
	TypeToolCallFinished    = "tool_call_finished"
	TypeVerificationAttempt = "verification_attempt"
	TypeContextCondensed    = "context_condensed"
	TypeTerminalOutput      = "terminal_output"
	TypeInactivityWarning   = "inactivity_warning"
)

// Terminal payload encodings.
const (
	EncodingBase64 = "base64"
	EncodingText   = "text"
)

// Entry is one record in a session log. Seq is assigned by the store and is
// strictly increasing without gaps within a session, starting at 1.
type Entry struct {
	EventID   string                 `json:"event_id"`
	Seq       int64                  `json:"seq"`
	SessionID string                 `json:"session_id"`
	TurnID    string                 `json:"turn_id,omitempty"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"ts"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// IsTerminal reports whether the entry holds terminal output.
func (e *Entry) IsTerminal() bool {
	return e.Type == TypeTerminalOutput
}
