package claudecode

import (
	"encoding/json"
	"testing"
)

func TestCLIMessage_GetResultData(t *testing.T) {
	tests := []struct {
		name     string
		result   json.RawMessage
		wantNil  bool
		wantText string
	}{
		{
			name:    "empty result",
			result:  nil,
			wantNil: true,
		},
		{
			name:    "string result (error)",
			result:  json.RawMessage(`"error message"`),
			wantNil: true, // GetResultData returns nil for strings
		},
		{
			name:     "object result with text",
			result:   json.RawMessage(`{"text":"success message","session_id":"abc123"}`),
			wantNil:  false,
			wantText: "success message",
		},
		{
			name:    "invalid JSON",
			result:  json.RawMessage(`{invalid`),
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &CLIMessage{Result: tt.result}
			got := msg.GetResultData()
			switch {
			case tt.wantNil:
				if got != nil {
					t.Errorf("GetResultData() = %v, want nil", got)
				}
			case got == nil:
				t.Fatalf("GetResultData() = nil, want non-nil")
			case got.Text != tt.wantText:
				t.Errorf("GetResultData().Text = %q, want %q", got.Text, tt.wantText)
			}
		})
	}
}

func TestCLIMessage_GetResultString(t *testing.T) {
	tests := []struct {
		name   string
		result json.RawMessage
		want   string
	}{
		{
			name:   "empty result",
			result: nil,
			want:   "",
		},
		{
			name:   "string result",
			result: json.RawMessage(`"error message"`),
			want:   "error message",
		},
		{
			name:   "object result",
			result: json.RawMessage(`{"text":"success"}`),
			want:   "", // GetResultString returns empty for objects
		},
		{
			name:   "invalid JSON",
			result: json.RawMessage(`{invalid`),
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &CLIMessage{Result: tt.result}
			got := msg.GetResultString()
			if got != tt.want {
				t.Errorf("GetResultString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCLIMessage_ParseAssistantToolUse(t *testing.T) {
	raw := `{"type":"assistant","message":{"role":"assistant","model":"mock-default","content":[` +
		`{"type":"thinking","thinking":"let me write that file"},` +
		`{"type":"tool_use","id":"tu1","name":"Write","input":{"file_path":"a.txt","content":"hi"}}]}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if msg.Type != MessageTypeAssistant {
		t.Fatalf("Type = %q, want assistant", msg.Type)
	}
	if msg.Message == nil || len(msg.Message.Content) != 2 {
		t.Fatalf("Content blocks = %v, want 2", msg.Message)
	}

	thinking := msg.Message.Content[0]
	if thinking.Type != BlockThinking || thinking.Thinking == "" {
		t.Errorf("block 0 = %+v, want thinking block", thinking)
	}

	tool := msg.Message.Content[1]
	if tool.Type != BlockToolUse || tool.ID != "tu1" || tool.Name != "Write" {
		t.Errorf("block 1 = %+v, want tool_use tu1 Write", tool)
	}
	var input map[string]string
	if err := json.Unmarshal(tool.Input, &input); err != nil {
		t.Fatalf("tool input: %v", err)
	}
	if input["file_path"] != "a.txt" {
		t.Errorf("input.file_path = %q, want a.txt", input["file_path"])
	}
}

func TestCLIMessage_ParseUserToolResult(t *testing.T) {
	raw := `{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"tu1","content":"wrote 2 bytes","is_error":false}]}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Message == nil || len(msg.Message.Content) != 1 {
		t.Fatalf("Content = %+v, want one block", msg.Message)
	}
	block := msg.Message.Content[0]
	if block.Type != BlockToolResult || block.ToolUseID != "tu1" || block.IsError {
		t.Errorf("block = %+v, want ok tool_result for tu1", block)
	}
}

func TestCLIMessage_ParseControlRequestSuggestions(t *testing.T) {
	raw := `{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool",` +
		`"tool_name":"Bash","tool_use_id":"tu9","input":{"command":"ls"},` +
		`"permission_suggestions":[{"type":"addRules","rules":["Bash(ls:*)"]},{"type":"setMode","mode":"acceptEdits"}]}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Request == nil {
		t.Fatal("Request = nil")
	}
	if len(msg.Request.PermissionSuggestions) != 2 {
		t.Fatalf("suggestions = %d, want 2", len(msg.Request.PermissionSuggestions))
	}
	if msg.Request.PermissionSuggestions[0].Type != "addRules" {
		t.Errorf("suggestion 0 type = %q", msg.Request.PermissionSuggestions[0].Type)
	}
	if msg.Request.PermissionSuggestions[1].Mode != "acceptEdits" {
		t.Errorf("suggestion 1 mode = %q", msg.Request.PermissionSuggestions[1].Mode)
	}
}

func TestPermissionResult_MarshalShape(t *testing.T) {
	interrupt := true
	res := PermissionResult{
		Behavior:  BehaviorDeny,
		Message:   "denied by user",
		Interrupt: &interrupt,
	}
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["behavior"] != "deny" || m["message"] != "denied by user" || m["interrupt"] != true {
		t.Errorf("marshaled = %v", m)
	}
	if _, ok := m["updatedInput"]; ok {
		t.Error("updatedInput should be omitted when empty")
	}
}
