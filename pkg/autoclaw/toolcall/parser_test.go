package toolcall

import (
	"testing"
)

func TestParseJSONEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		status  string
		message string
		tool    string
		ok      bool
	}{
		{
			name:   "continue with tool call",
			input:  "thinking...\n```json\n{\"status\":\"continue\",\"message\":\"reading\",\"toolCall\":{\"tool\":\"files.read\",\"args\":{\"path\":\"a.txt\"}}}\n```",
			status: StatusContinue, message: "reading", tool: "files.read", ok: true,
		},
		{
			name:   "done without tool call",
			input:  "```json\n{\"status\":\"done\",\"message\":\"all set\"}\n```",
			status: StatusDone, message: "all set", ok: true,
		},
		{
			name:   "error status",
			input:  "```json\n{\"status\":\"error\",\"message\":\"cannot comply\"}\n```",
			status: StatusError, message: "cannot comply", ok: true,
		},
		{
			name:  "invalid status rejected",
			input: "```json\n{\"status\":\"maybe\",\"message\":\"hm\"}\n```",
			ok:    false,
		},
		{
			name:  "tool call with empty tool rejected",
			input: "```json\n{\"status\":\"continue\",\"toolCall\":{\"tool\":\"\"}}\n```",
			ok:    false,
		},
		{
			name:  "malformed json yields no match",
			input: "```json\n{\"status\": \n```",
			ok:    false,
		},
		{
			name:  "plain prose yields no match",
			input: "I think we should refactor this.",
			ok:    false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env, ok := Parse(tt.input)
			if ok != tt.ok {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if !ok {
				return
			}
			if env.Status != tt.status {
				t.Errorf("status = %q, want %q", env.Status, tt.status)
			}
			if env.Message != tt.message {
				t.Errorf("message = %q, want %q", env.Message, tt.message)
			}
			if tt.tool == "" {
				if env.ToolCall != nil {
					t.Errorf("unexpected tool call %+v", env.ToolCall)
				}
			} else if env.ToolCall == nil || env.ToolCall.Tool != tt.tool {
				t.Errorf("tool call = %+v, want tool %q", env.ToolCall, tt.tool)
			}
		})
	}
}

func TestParseToolBlock(t *testing.T) {
	t.Parallel()

	input := "Let me check.\n```tool\n{\"tool\":\"files.list\",\"args\":{\"path\":\".\"}}\n```"
	env, ok := Parse(input)
	if !ok {
		t.Fatal("Parse returned no match for tool block")
	}
	if env.Status != StatusContinue {
		t.Errorf("status = %q, want %q (tool blocks imply continue)", env.Status, StatusContinue)
	}
	if env.ToolCall == nil || env.ToolCall.Tool != "files.list" {
		t.Errorf("tool call = %+v, want files.list", env.ToolCall)
	}
}

func TestParsePrefersJSONOverToolBlock(t *testing.T) {
	t.Parallel()

	input := "```json\n{\"status\":\"done\",\"message\":\"finished\"}\n```\n```tool\n{\"tool\":\"files.read\",\"args\":{}}\n```"
	env, ok := Parse(input)
	if !ok {
		t.Fatal("Parse returned no match")
	}
	if env.Status != StatusDone {
		t.Errorf("status = %q, want done (json block takes priority)", env.Status)
	}
}

func TestDetectLegacyCompletion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		done  bool
	}{
		{"bare DONE", "DONE", true},
		{"DONE with trailing message", "DONE\nall files updated", true},
		{"DONE with surrounding whitespace", "  DONE\n", true},
		{"DONE glued to a word is no signal", "DONEXT steps below", false},
		{"lowercase done is no signal", "done", false},
		{"DONE mid-text is no signal", "we are DONE here", false},
		{"empty input", "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			status, done := DetectLegacyCompletion(tt.input)
			if done != tt.done {
				t.Fatalf("DetectLegacyCompletion(%q) done = %v, want %v", tt.input, done, tt.done)
			}
			if done && status != StatusDone {
				t.Errorf("status = %q, want %q", status, StatusDone)
			}
		})
	}
}

func TestParseLegacyCompletionMessage(t *testing.T) {
	t.Parallel()

	env, ok := Parse("DONE\nall files updated")
	if !ok {
		t.Fatal("Parse returned no match for legacy completion")
	}
	if env.Status != StatusDone {
		t.Errorf("status = %q, want done", env.Status)
	}
	if env.Message != "all files updated" {
		t.Errorf("message = %q, want trailing text", env.Message)
	}
}

func TestExtractJSONBlock(t *testing.T) {
	t.Parallel()

	raw, ok := ExtractJSONBlock("prefix\n```json\n{\"a\": 1}\n```\nsuffix")
	if !ok {
		t.Fatal("ExtractJSONBlock found no block")
	}
	if raw != `{"a": 1}` {
		t.Errorf("raw = %q", raw)
	}

	if _, ok := ExtractJSONBlock("no fences here"); ok {
		t.Error("ExtractJSONBlock matched plain text")
	}
}
