package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

// MockDriver is an in-process agent simulator used by tests and local
// development. It mirrors the command conventions of cmd/mock-agent:
//
//	/tool:NAME  - one tool_use gated by a permission request
//	/plan       - an ExitPlanMode tool_use gated by a permission request
//	/think      - a thinking block before the text response
//	/error      - a failed turn
//	/hang       - a turn that only ends on interrupt
//	/crash      - simulated process death mid-turn
//
// Anything else produces an echo response and a successful result.
type MockDriver struct {
	logger *logger.Logger

	mu       sync.Mutex
	started  bool
	stopping bool
	modes    []v1.PermissionMode

	events    chan Event
	prompts   chan string
	decisions map[string]chan PermissionResult
	interrupt chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	seq atomic.Int64
}

// NewMockDriver builds an unstarted mock driver.
func NewMockDriver(log *logger.Logger) *MockDriver {
	return &MockDriver{
		logger:    log.WithFields(zap.String("component", "mock-driver")),
		events:    make(chan Event, eventBuffer),
		prompts:   make(chan string, 64),
		decisions: make(map[string]chan PermissionResult),
		interrupt: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Events returns the typed event stream.
func (d *MockDriver) Events() <-chan Event {
	return d.events
}

// Modes returns the permission modes set so far, oldest first.
func (d *MockDriver) Modes() []v1.PermissionMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]v1.PermissionMode(nil), d.modes...)
}

// Start begins the simulator loop and reports readiness immediately.
func (d *MockDriver) Start(ctx context.Context, params StartParams) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.mu.Unlock()

	go d.run()
	return nil
}

// Send queues a prompt for the simulator loop.
func (d *MockDriver) Send(ctx context.Context, text string) error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	select {
	case d.prompts <- text:
		return nil
	case <-d.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RespondToPermission delivers a decision to the turn waiting on it.
func (d *MockDriver) RespondToPermission(ctx context.Context, requestID string, result PermissionResult) error {
	d.mu.Lock()
	ch, ok := d.decisions[requestID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("mock driver: unknown permission request %q", requestID)
	}
	select {
	case ch <- result:
		return nil
	case <-d.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetMode records the requested permission mode.
func (d *MockDriver) SetMode(ctx context.Context, mode v1.PermissionMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return ErrNotStarted
	}
	d.modes = append(d.modes, mode)
	return nil
}

// Interrupt aborts the in-flight simulated turn.
func (d *MockDriver) Interrupt(ctx context.Context) error {
	select {
	case d.interrupt <- struct{}{}:
	default:
	}
	return nil
}

// Stop ends the simulator. Idempotent.
func (d *MockDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started || d.stopping {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	d.mu.Unlock()

	close(d.stopCh)
	select {
	case <-d.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *MockDriver) run() {
	defer func() {
		close(d.events)
		close(d.doneCh)
	}()

	d.emit(Event{Kind: EventSystemInit, AgentSessionID: fmt.Sprintf("mock-session-%d", d.seq.Add(1))})

	for {
		select {
		case <-d.stopCh:
			return
		case prompt := <-d.prompts:
			if !d.runTurn(prompt) {
				return
			}
		}
	}
}

// runTurn simulates one agent turn. Returns false when the driver dies.
func (d *MockDriver) runTurn(prompt string) bool {
	// Drop any interrupt latched before this turn began.
	select {
	case <-d.interrupt:
	default:
	}

	prompt = strings.TrimSpace(prompt)
	switch {
	case strings.HasPrefix(prompt, "/tool:"):
		name := strings.TrimSpace(strings.TrimPrefix(prompt, "/tool:"))
		return d.runToolTurn(name, json.RawMessage(`{"file_path":"mock.txt","content":"mock"}`))

	case prompt == "/plan":
		return d.runToolTurn("ExitPlanMode", json.RawMessage(`{"plan":"1. mock step"}`))

	case prompt == "/think":
		d.emit(Event{Kind: EventAssistantThinking, Text: "considering the request", Model: "mock-default"})
		d.emit(Event{Kind: EventAssistantText, Text: "Thought about it.", Model: "mock-default"})
		d.emit(Event{Kind: EventResult, Text: "Thought about it."})
		return true

	case prompt == "/error":
		d.emit(Event{Kind: EventResult, Text: "mock failure", IsError: true})
		return true

	case prompt == "/hang":
		select {
		case <-d.interrupt:
			d.emit(Event{Kind: EventResult, Text: "interrupted", IsError: true})
			return true
		case <-d.stopCh:
			return false
		}

	case prompt == "/crash":
		d.emit(Event{Kind: EventDriverDown, Err: fmt.Errorf("mock agent crashed")})
		d.mu.Lock()
		d.stopping = true
		d.mu.Unlock()
		return false

	default:
		d.emit(Event{Kind: EventAssistantText, Text: "echo: " + prompt, Model: "mock-default"})
		d.emit(Event{Kind: EventResult, Text: "echo: " + prompt})
		return true
	}
}

// runToolTurn emits a tool_use gated by a permission request and finishes
// the turn according to the decision.
func (d *MockDriver) runToolTurn(tool string, input json.RawMessage) bool {
	n := d.seq.Add(1)
	toolUseID := fmt.Sprintf("mock-tu-%d", n)
	requestID := fmt.Sprintf("mock-perm-%d", n)

	decision := make(chan PermissionResult, 1)
	d.mu.Lock()
	d.decisions[requestID] = decision
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.decisions, requestID)
		d.mu.Unlock()
	}()

	d.emit(Event{Kind: EventToolUse, ToolUseID: toolUseID, ToolName: tool, Input: input})
	d.emit(Event{
		Kind:      EventPermissionRequest,
		RequestID: requestID,
		ToolUseID: toolUseID,
		ToolName:  tool,
		Input:     input,
		Suggestions: []v1.PermissionSuggestion{
			{Type: v1.SuggestionAddAllowedTool, Tool: tool},
		},
	})

	select {
	case res := <-decision:
		if res.Behavior == v1.PermissionAllow {
			d.emit(Event{Kind: EventToolResult, ToolUseID: toolUseID, Result: json.RawMessage(`"ok"`)})
			d.emit(Event{Kind: EventAssistantText, Text: "Tool finished.", Model: "mock-default"})
			d.emit(Event{Kind: EventResult, Text: "Tool finished."})
		} else {
			d.emit(Event{Kind: EventAssistantText, Text: "Understood, not running " + tool + ".", Model: "mock-default"})
			d.emit(Event{Kind: EventResult, Text: "Tool denied."})
		}
		return true
	case <-d.interrupt:
		d.emit(Event{Kind: EventResult, Text: "interrupted", IsError: true})
		return true
	case <-d.stopCh:
		return false
	}
}

func (d *MockDriver) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}
