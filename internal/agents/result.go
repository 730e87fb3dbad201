package agents

import (
	"bytes"
	"encoding/json"
	"strings"
)

// screenResultLines is how many trailing screen lines make up a fallback result.
const screenResultLines = 20

// Message is one event decoded from a stream-json agent.
type Message struct {
	Type  string // assistant, tool_use or result
	Text  string
	Tool  string
	Input map[string]interface{}
}

// streamEvent covers the stream-json shapes printed by Claude Code and
// Qwen-style CLIs.
type streamEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Result    string          `json:"result"`
	Content   json.RawMessage `json:"content"`
	Message   struct {
		Content []struct {
			Type  string                 `json:"type"`
			Text  string                 `json:"text"`
			Name  string                 `json:"name"`
			Input map[string]interface{} `json:"input"`
		} `json:"content"`
	} `json:"message"`
}

// StreamParser turns stream-json PTY output into messages. Output that is
// not JSON is ignored.
type StreamParser struct {
	buf       []byte
	result    string
	sessionID string
}

// Feed consumes a chunk of output and returns the messages it completed.
func (p *StreamParser) Feed(data []byte) []Message {
	p.buf = append(p.buf, data...)
	var out []Message
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		out = append(out, p.parseLine(line)...)
	}
	return out
}

// Result returns the last result reported by the agent, if any.
func (p *StreamParser) Result() string {
	return p.result
}

// SessionID returns the conversation id the agent reported, which a
// continuation-capable provider accepts to resume the conversation.
func (p *StreamParser) SessionID() string {
	return p.sessionID
}

func (p *StreamParser) parseLine(line []byte) []Message {
	line = bytes.TrimSpace(line)
	// PTY output may carry escape sequences ahead of the JSON object.
	if i := bytes.IndexByte(line, '{'); i > 0 {
		line = line[i:]
	}
	if len(line) == 0 || line[0] != '{' {
		return nil
	}
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil
	}
	if ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}

	switch ev.Type {
	case "result":
		if ev.Result == "" {
			return nil
		}
		p.result = ev.Result
		return []Message{{Type: "result", Text: ev.Result}}
	case "assistant":
		var out []Message
		var text []string
		for _, item := range ev.Message.Content {
			switch item.Type {
			case "text":
				if item.Text != "" {
					text = append(text, item.Text)
				}
			case "tool_use":
				out = append(out, Message{Type: "tool_use", Tool: item.Name, Input: item.Input})
			}
		}
		if len(text) > 0 {
			out = append([]Message{{Type: "assistant", Text: strings.Join(text, "\n")}}, out...)
		}
		return out
	case "message":
		var content string
		if ev.Role == "assistant" && json.Unmarshal(ev.Content, &content) == nil && content != "" {
			return []Message{{Type: "assistant", Text: content}}
		}
	}
	return nil
}

// FinalResponse picks an agent's final answer: the last stream-json result
// line in output, otherwise the last non-empty lines of the rendered screen.
func FinalResponse(output []byte, screen []string) string {
	var p StreamParser
	p.Feed(output)
	p.Feed([]byte("\n"))
	if r := p.Result(); r != "" {
		return r
	}

	var lines []string
	for _, line := range screen {
		if trimmed := strings.TrimRight(line, " \t"); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) > screenResultLines {
		lines = lines[len(lines)-screenResultLines:]
	}
	return strings.Join(lines, "\n")
}
