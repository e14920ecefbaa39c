package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/legionhq/legion/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

func TestClient_SendUserMessage(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	err := client.SendUserMessage("Hello, minion!")
	if err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}

	var msg UserMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}

	if msg.Type != MessageTypeUser {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeUser)
	}
	if msg.Message.Role != "user" {
		t.Errorf("Message.Role = %q, want %q", msg.Message.Role, "user")
	}
	if msg.Message.Content != "Hello, minion!" {
		t.Errorf("Message.Content = %q, want %q", msg.Message.Content, "Hello, minion!")
	}
}

func TestClient_RespondToolPermission(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	err := client.RespondToolPermission("req123", &PermissionResult{Behavior: BehaviorAllow})
	if err != nil {
		t.Fatalf("RespondToolPermission() error = %v", err)
	}

	var msg ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}
	if msg.Type != MessageTypeControlResponse {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeControlResponse)
	}
	if msg.RequestID != "req123" {
		t.Errorf("RequestID = %q, want %q", msg.RequestID, "req123")
	}
	if msg.Response == nil || msg.Response.Result == nil || msg.Response.Result.Behavior != BehaviorAllow {
		t.Errorf("Response.Result = %+v, want allow", msg.Response)
	}
}

func TestClient_ReceivesMessages(t *testing.T) {
	lines := strings.Join([]string{
		`{"type":"system","session_id":"s1","session_status":"active"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
		`{"type":"result","result":{"text":"done","session_id":"s1"},"is_error":false}`,
	}, "\n") + "\n"

	client := NewClient(io.Discard, strings.NewReader(lines), newTestLogger())

	var mu sync.Mutex
	var got []string
	client.SetMessageHandler(func(msg *CLIMessage) {
		mu.Lock()
		got = append(got, msg.Type)
		mu.Unlock()
	})

	<-client.Start(context.Background())
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{MessageTypeSystem, MessageTypeAssistant, MessageTypeResult}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("message %d type = %q, want %q", i, got[i], w)
		}
	}
}

func TestClient_ControlRequestRouting(t *testing.T) {
	line := `{"type":"control_request","request_id":"perm-1","request":{"subtype":"can_use_tool","tool_name":"Write","tool_use_id":"tu1","input":{"file_path":"a.txt"}}}` + "\n"

	client := NewClient(io.Discard, strings.NewReader(line), newTestLogger())

	var mu sync.Mutex
	var gotID, gotTool, gotToolUse string
	client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		mu.Lock()
		gotID, gotTool, gotToolUse = requestID, req.ToolName, req.ToolUseID
		mu.Unlock()
	})

	<-client.Start(context.Background())
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotID != ""
	})

	mu.Lock()
	defer mu.Unlock()
	if gotID != "perm-1" || gotTool != "Write" || gotToolUse != "tu1" {
		t.Errorf("got (%q, %q, %q), want (perm-1, Write, tu1)", gotID, gotTool, gotToolUse)
	}
}

func TestClient_InitializeRoundTrip(t *testing.T) {
	// A fake CLI that echoes the request id back in an initialize response.
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	go func() {
		dec := json.NewDecoder(stdinR)
		var req SDKControlRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := map[string]any{
			"type": MessageTypeControlResponse,
			"response": map[string]any{
				"subtype":    "success",
				"request_id": req.RequestID,
				"response":   map[string]any{"commands": []map[string]string{{"name": "/compact"}}},
			},
		}
		data, _ := json.Marshal(resp)
		_, _ = stdoutW.Write(append(data, '\n'))
	}()

	client := NewClient(stdinW, stdoutR, newTestLogger())
	<-client.Start(context.Background())

	data, err := client.Initialize(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if len(data.Commands) != 1 || data.Commands[0].Name != "/compact" {
		t.Errorf("Initialize() commands = %+v, want [/compact]", data.Commands)
	}
}

func TestClient_InitializeTimeout(t *testing.T) {
	// Nothing ever responds on stdout.
	stdoutR, _ := io.Pipe()
	client := NewClient(io.Discard, stdoutR, newTestLogger())
	<-client.Start(context.Background())

	_, err := client.Initialize(context.Background(), 50*time.Millisecond)
	if err == nil {
		t.Fatal("Initialize() expected timeout error, got nil")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
