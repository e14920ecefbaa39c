package agent

import (
	"context"
	"testing"
	"time"

	"github.com/legionhq/legion/internal/common/logger"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func nextEvent(t *testing.T, d Driver) Event {
	t.Helper()
	select {
	case ev, ok := <-d.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for driver event")
	}
	return Event{}
}

func TestMockDriver_EchoTurn(t *testing.T) {
	d := NewMockDriver(testLogger())
	if err := d.Start(context.Background(), StartParams{SessionID: "s1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(context.Background())

	if ev := nextEvent(t, d); ev.Kind != EventSystemInit {
		t.Fatalf("first event = %s, want system_init", ev.Kind)
	}

	if err := d.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if ev := nextEvent(t, d); ev.Kind != EventAssistantText || ev.Text != "echo: hello" {
		t.Fatalf("event = %+v, want assistant_text echo", ev)
	}
	if ev := nextEvent(t, d); ev.Kind != EventResult || ev.IsError {
		t.Fatalf("event = %+v, want ok result", ev)
	}
}

func TestMockDriver_ToolTurnAllow(t *testing.T) {
	d := NewMockDriver(testLogger())
	if err := d.Start(context.Background(), StartParams{SessionID: "s1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(context.Background())
	nextEvent(t, d) // system_init

	if err := d.Send(context.Background(), "/tool:Write"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	use := nextEvent(t, d)
	if use.Kind != EventToolUse || use.ToolName != "Write" || use.ToolUseID == "" {
		t.Fatalf("event = %+v, want tool_use Write", use)
	}

	perm := nextEvent(t, d)
	if perm.Kind != EventPermissionRequest || perm.ToolUseID != use.ToolUseID {
		t.Fatalf("event = %+v, want permission_request for %s", perm, use.ToolUseID)
	}
	if len(perm.Suggestions) == 0 || perm.Suggestions[0].Type != v1.SuggestionAddAllowedTool {
		t.Fatalf("suggestions = %+v, want add_allowed_tool", perm.Suggestions)
	}

	err := d.RespondToPermission(context.Background(), perm.RequestID, PermissionResult{Behavior: v1.PermissionAllow})
	if err != nil {
		t.Fatalf("RespondToPermission: %v", err)
	}

	res := nextEvent(t, d)
	if res.Kind != EventToolResult || res.ToolUseID != use.ToolUseID || res.IsError {
		t.Fatalf("event = %+v, want ok tool_result", res)
	}
	nextEvent(t, d) // assistant text
	if ev := nextEvent(t, d); ev.Kind != EventResult {
		t.Fatalf("event = %+v, want result", ev)
	}
}

func TestMockDriver_InterruptDuringPermission(t *testing.T) {
	d := NewMockDriver(testLogger())
	if err := d.Start(context.Background(), StartParams{SessionID: "s1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(context.Background())
	nextEvent(t, d) // system_init

	if err := d.Send(context.Background(), "/tool:Bash"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	nextEvent(t, d) // tool_use
	nextEvent(t, d) // permission_request

	if err := d.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	if ev := nextEvent(t, d); ev.Kind != EventResult || !ev.IsError {
		t.Fatalf("event = %+v, want interrupted result", ev)
	}
}

func TestMockDriver_CrashEmitsDriverDownOnce(t *testing.T) {
	d := NewMockDriver(testLogger())
	if err := d.Start(context.Background(), StartParams{SessionID: "s1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	nextEvent(t, d) // system_init

	if err := d.Send(context.Background(), "/crash"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if ev := nextEvent(t, d); ev.Kind != EventDriverDown || ev.Err == nil {
		t.Fatalf("event = %+v, want driver_down with error", ev)
	}

	// Channel closes after death; no further events.
	select {
	case ev, ok := <-d.Events():
		if ok {
			t.Fatalf("unexpected event after crash: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed after crash")
	}
}

func TestMockDriver_SetModeRecorded(t *testing.T) {
	d := NewMockDriver(testLogger())
	if err := d.Start(context.Background(), StartParams{SessionID: "s1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(context.Background())

	if err := d.SetMode(context.Background(), v1.PermissionModeAcceptEdits); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	modes := d.Modes()
	if len(modes) != 1 || modes[0] != v1.PermissionModeAcceptEdits {
		t.Fatalf("Modes() = %v, want [acceptEdits]", modes)
	}
}

func TestRegistry_New(t *testing.T) {
	d, err := New(KindMock, testConfig(), testLogger())
	if err != nil {
		t.Fatalf("New(mock): %v", err)
	}
	if _, ok := d.(*MockDriver); !ok {
		t.Fatalf("New(mock) = %T, want *MockDriver", d)
	}

	if _, err := New("nope", testConfig(), testLogger()); err == nil {
		t.Fatal("New(nope) expected error")
	}
}
