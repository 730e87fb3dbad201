package main

// Message types
const (
	TypeSystem    = "system"
	TypeAssistant = "assistant"
	TypeResult    = "result"
)

// Content block types
const (
	BlockText    = "text"
	BlockToolUse = "tool_use"
)

// Tool names reported in tool_use blocks.
const (
	ToolRead  = "Read"
	ToolWrite = "Write"
)

// SystemMsg opens the output and carries the conversation handle.
type SystemMsg struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Cwd       string `json:"cwd"`
}

// AssistantMsg is an assistant message with content blocks.
type AssistantMsg struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Message   AssistantBody `json:"message"`
}

// AssistantBody is the body of an assistant message.
type AssistantBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
	Model   string         `json:"model"`
}

// ContentBlock represents a text or tool_use block.
type ContentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// tool_use block
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// ResultMsg is the final result line.
type ResultMsg struct {
	Type       string `json:"type"`
	Subtype    string `json:"subtype"`
	SessionID  string `json:"session_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
	DurationMS int64  `json:"duration_ms"`
	NumTurns   int    `json:"num_turns"`
}
