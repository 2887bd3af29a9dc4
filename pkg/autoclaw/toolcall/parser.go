// Package toolcall parses the control envelope an AI agent embeds in its
// free-form text output. The parser is pure and total: malformed fenced
// content never produces an error, it simply yields no match so the caller
// can fall through to the next rule or treat the text as plain content.
package toolcall

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Envelope statuses.
const (
	StatusContinue = "continue"
	StatusDone     = "done"
	StatusError    = "error"
)

// ToolCall is a tool invocation requested by the agent. Args are passed
// through unchanged; validating them against a tool schema is the
// executor's job, not the parser's.
type ToolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Envelope is the structured control message extracted from agent output.
type Envelope struct {
	Status   string    `json:"status"`
	Message  string    `json:"message"`
	ToolCall *ToolCall `json:"toolCall,omitempty"`
}

var (
	jsonBlockRe = regexp.MustCompile("(?s)```json\\s*\\n(.*?)```")
	toolBlockRe = regexp.MustCompile("(?s)```tool\\s*\\n(.*?)```")
)

// Parse extracts a control envelope from agent text. Priority order:
// a fenced json block holding a full envelope, then a fenced tool block
// holding a legacy {tool, args} invocation (implicit continue status),
// then the legacy DONE completion signal. Returns false when the text
// carries no envelope.
func Parse(text string) (*Envelope, bool) {
	if env, ok := parseJSONBlock(text); ok {
		return env, true
	}
	if env, ok := parseToolBlock(text); ok {
		return env, true
	}
	if status, ok := DetectLegacyCompletion(text); ok {
		return &Envelope{Status: status, Message: legacyMessage(text)}, true
	}
	return nil, false
}

// DetectLegacyCompletion recognizes the legacy completion signal: the
// trimmed content must begin with the literal token DONE as a standalone
// line or prefix. An inline "DONE" inside prose is not a signal.
func DetectLegacyCompletion(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == StatusDoneToken {
		return StatusDone, true
	}
	if strings.HasPrefix(trimmed, StatusDoneToken) {
		rest := trimmed[len(StatusDoneToken):]
		if rest[0] == '\n' || rest[0] == '\r' {
			return StatusDone, true
		}
	}
	return "", false
}

// StatusDoneToken is the literal legacy completion token.
const StatusDoneToken = "DONE"

// ExtractJSONBlock returns the contents of the first fenced json block in
// text, or false when there is none. Callers that expect a domain payload
// rather than an envelope can unmarshal the result themselves.
func ExtractJSONBlock(text string) (string, bool) {
	m := jsonBlockRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// ---------- Internal ----------

func parseJSONBlock(text string) (*Envelope, bool) {
	m := jsonBlockRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}

	var env Envelope
	if err := json.Unmarshal([]byte(m[1]), &env); err != nil {
		return nil, false
	}
	switch env.Status {
	case StatusContinue, StatusDone, StatusError:
	default:
		return nil, false
	}
	if env.ToolCall != nil && env.ToolCall.Tool == "" {
		return nil, false
	}
	return &env, true
}

func parseToolBlock(text string) (*Envelope, bool) {
	m := toolBlockRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}

	var call ToolCall
	if err := json.Unmarshal([]byte(m[1]), &call); err != nil {
		return nil, false
	}
	if call.Tool == "" {
		return nil, false
	}
	return &Envelope{Status: StatusContinue, ToolCall: &call}, true
}

// legacyMessage returns the text after the DONE line, used as the
// completion summary.
func legacyMessage(text string) string {
	trimmed := strings.TrimSpace(text)
	rest := strings.TrimPrefix(trimmed, StatusDoneToken)
	return strings.TrimSpace(rest)
}
