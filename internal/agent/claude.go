package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/legionhq/legion/internal/common/config"
	"github.com/legionhq/legion/internal/common/logger"
	v1 "github.com/legionhq/legion/pkg/api/v1"
	"github.com/legionhq/legion/pkg/claudecode"
)

const (
	// eventBuffer bounds the driver event channel. The session runtime
	// drains it on its own goroutine; overflow drops with a warning rather
	// than blocking the protocol reader.
	eventBuffer = 256

	controlTimeout = 10 * time.Second
)

// ClaudeDriver runs one claude-code CLI child process per session and
// translates the stream-json protocol into typed events.
type ClaudeDriver struct {
	cfg    config.AgentConfig
	logger *logger.Logger

	mu       sync.Mutex
	started  bool
	stopping bool
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	client   *claudecode.Client
	debugLog *lumberjack.Logger

	agentSessionID string

	events chan Event
	sendQ  chan string
	// turnGate holds one token while the driver is idle; taken before each
	// send so queued sends dispatch FIFO, one turn at a time.
	turnGate   chan struct{}
	stopCh     chan struct{}
	doneCh     chan struct{}
	stderrDone chan struct{}

	downOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClaudeDriver builds an unstarted driver for the claude-code CLI.
func NewClaudeDriver(cfg config.AgentConfig, log *logger.Logger) *ClaudeDriver {
	return &ClaudeDriver{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "claude-driver")),
		events:     make(chan Event, eventBuffer),
		sendQ:      make(chan string, 64),
		turnGate:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
}

// Events returns the typed event stream.
func (d *ClaudeDriver) Events() <-chan Event {
	return d.events
}

// Start spawns the CLI process and begins the initialize handshake.
func (d *ClaudeDriver) Start(ctx context.Context, params StartParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return ErrAlreadyStarted
	}

	binary := d.cfg.Binary
	if binary == "" {
		binary = "claude"
	}
	args := d.buildArgs(params)

	d.logger = d.logger.WithSessionID(params.SessionID)
	d.logger.Info("starting agent process",
		zap.String("binary", binary),
		zap.Strings("args", args),
		zap.String("workdir", params.WorkingDir))

	// Not CommandContext: the caller's context must not kill the process;
	// shutdown goes through Stop so stdio drains first.
	cmd := exec.Command(binary, args...)
	cmd.Dir = params.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if params.DebugLogDir != "" {
		d.debugLog = &lumberjack.Logger{
			Filename:   filepath.Join(params.DebugLogDir, "agent.log"),
			MaxSize:    d.cfg.DebugLogMaxSizeMB,
			MaxBackups: d.cfg.DebugLogMaxBackups,
			Compress:   true,
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	d.cmd = cmd
	d.stdin = stdin
	d.started = true

	// Raw stdout frames are teed into the debug log before parsing.
	var stdoutR io.Reader = stdout
	if d.debugLog != nil {
		stdoutR = io.TeeReader(stdout, d.debugLog)
	}

	d.client = claudecode.NewClient(stdin, stdoutR, d.logger)
	d.client.SetMessageHandler(d.handleMessage)
	d.client.SetRequestHandler(d.handleControlRequest)

	d.wg.Add(2)
	go d.readStderr(stderr)
	go d.waitForExit()
	go d.sendLoop()

	ready := d.client.Start(context.Background())

	// The initialize handshake runs off the caller's goroutine; readiness
	// surfaces as EventSystemInit, failure as EventDriverDown.
	go func() {
		select {
		case <-ready:
		case <-d.stopCh:
			return
		}
		initCtx, cancel := context.WithTimeout(context.Background(), d.cfg.InitTimeoutDuration())
		defer cancel()
		if _, err := d.client.Initialize(initCtx, d.cfg.InitTimeoutDuration()); err != nil {
			if !d.isStopping() {
				d.logger.Error("agent initialize handshake failed", zap.Error(err))
				d.emitDown(fmt.Errorf("initialize handshake: %w", err))
				_ = d.Stop(context.Background())
			}
			return
		}
		d.logger.Info("agent initialized", zap.Int("pid", cmd.Process.Pid))
		d.emit(Event{Kind: EventSystemInit, AgentSessionID: d.sessionID()})
		d.turnGate <- struct{}{}
	}()

	return nil
}

// buildArgs assembles the CLI command line for one session.
func (d *ClaudeDriver) buildArgs(params StartParams) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if params.Model != "" {
		args = append(args, "--model", params.Model)
	}
	if params.PermissionMode != "" {
		args = append(args, "--permission-mode", string(params.PermissionMode))
	}
	if len(params.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(params.AllowedTools, ","))
	}
	if params.SystemPromptAppend != "" {
		args = append(args, "--append-system-prompt", params.SystemPromptAppend)
	}
	return append(args, d.cfg.ExtraArgs...)
}

// Send queues user input for FIFO dispatch once the driver is idle.
func (d *ClaudeDriver) Send(ctx context.Context, text string) error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	select {
	case d.sendQ <- text:
		return nil
	case <-d.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendLoop dispatches queued sends one turn at a time.
func (d *ClaudeDriver) sendLoop() {
	for {
		select {
		case <-d.stopCh:
			return
		case text := <-d.sendQ:
			select {
			case <-d.turnGate:
			case <-d.stopCh:
				return
			}
			if err := d.client.SendUserMessage(text); err != nil {
				d.logger.Error("failed to send user message", zap.Error(err))
				// Free the gate so later sends are not wedged behind a
				// write that never reached the agent.
				d.releaseTurn()
			}
		}
	}
}

func (d *ClaudeDriver) releaseTurn() {
	select {
	case d.turnGate <- struct{}{}:
	default:
	}
}

// RespondToPermission forwards a permission decision to the CLI.
func (d *ClaudeDriver) RespondToPermission(ctx context.Context, requestID string, result PermissionResult) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return ErrNotStarted
	}

	res := &claudecode.PermissionResult{Behavior: result.Behavior}
	switch result.Behavior {
	case v1.PermissionAllow:
		res.UpdatedInput = result.UpdatedInput
		for _, rule := range result.AllowedRules {
			res.UpdatedPermissions = append(res.UpdatedPermissions, claudecode.PermissionUpdate{
				Type:     "addRules",
				Rules:    []string{rule},
				Behavior: "allow",
			})
		}
	case v1.PermissionDeny:
		res.Message = result.Message
		if result.Interrupt {
			interrupt := true
			res.Interrupt = &interrupt
		}
	}
	return client.RespondToolPermission(requestID, res)
}

// SetMode switches the CLI permission mode.
func (d *ClaudeDriver) SetMode(ctx context.Context, mode v1.PermissionMode) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return ErrNotStarted
	}
	return client.SetPermissionMode(ctx, string(mode), controlTimeout)
}

// Interrupt aborts the in-flight turn.
func (d *ClaudeDriver) Interrupt(ctx context.Context) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return ErrNotStarted
	}
	return client.Interrupt(ctx, controlTimeout)
}

// Stop terminates the child: stdin close for graceful EOF, SIGKILL after the
// grace period. Safe to call more than once.
func (d *ClaudeDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started || d.stopping {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	client := d.client
	stdin := d.stdin
	d.mu.Unlock()

	d.logger.Info("stopping agent process")
	close(d.stopCh)
	if client != nil {
		client.Stop()
	}
	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-d.doneCh:
		d.logger.Info("agent process stopped gracefully")
	case <-time.After(d.cfg.StopGraceDuration()):
		d.mu.Lock()
		cmd := d.cmd
		d.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			d.logger.Warn("force killing agent process", zap.Int("pid", cmd.Process.Pid))
			_ = cmd.Process.Kill()
		}
		select {
		case <-d.doneCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	d.wg.Wait()
	return nil
}

func (d *ClaudeDriver) isStopping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopping
}

func (d *ClaudeDriver) sessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.agentSessionID
}

// handleMessage translates protocol messages into typed events.
func (d *ClaudeDriver) handleMessage(msg *claudecode.CLIMessage) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.SessionID != "" {
			d.mu.Lock()
			d.agentSessionID = msg.SessionID
			d.mu.Unlock()
		}

	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case claudecode.BlockText:
				d.emit(Event{Kind: EventAssistantText, Text: block.Text, Model: msg.Message.Model})
			case claudecode.BlockThinking:
				d.emit(Event{Kind: EventAssistantThinking, Text: block.Thinking, Model: msg.Message.Model})
			case claudecode.BlockToolUse:
				d.emit(Event{
					Kind:      EventToolUse,
					ToolUseID: block.ID,
					ToolName:  block.Name,
					Input:     block.Input,
				})
			}
		}

	case claudecode.MessageTypeUser:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			if block.Type == claudecode.BlockToolResult {
				d.emit(Event{
					Kind:      EventToolResult,
					ToolUseID: block.ToolUseID,
					Result:    block.Content,
					IsError:   block.IsError,
				})
			}
		}

	case claudecode.MessageTypeResult:
		text := msg.GetResultString()
		if data := msg.GetResultData(); data != nil {
			text = data.Text
		}
		d.emit(Event{Kind: EventResult, Text: text, IsError: msg.IsError, Result: msg.Result})
		d.releaseTurn()
	}
}

// handleControlRequest surfaces can_use_tool prompts as permission events.
// Other control subtypes are answered with an error so the CLI does not hang.
func (d *ClaudeDriver) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		d.logger.Debug("rejecting unsupported control request",
			zap.String("subtype", req.Subtype),
			zap.String("request_id", requestID))
		_ = d.client.SendControlResponse(&claudecode.ControlResponseMessage{
			Type:      claudecode.MessageTypeControlResponse,
			RequestID: requestID,
			Response:  &claudecode.ControlResponse{Subtype: "error", Error: "unsupported control request"},
		})
		return
	}

	d.emit(Event{
		Kind:        EventPermissionRequest,
		RequestID:   requestID,
		ToolUseID:   req.ToolUseID,
		ToolName:    req.ToolName,
		Input:       req.Input,
		Suggestions: translateSuggestions(req.PermissionSuggestions),
	})
}

// translateSuggestions maps protocol permission suggestions onto the closed
// directive set crossing the runtime surface.
func translateSuggestions(updates []claudecode.PermissionUpdate) []v1.PermissionSuggestion {
	var out []v1.PermissionSuggestion
	for _, u := range updates {
		switch u.Type {
		case "addRules":
			for _, rule := range u.Rules {
				out = append(out, v1.PermissionSuggestion{
					Type: v1.SuggestionAddAllowedTool,
					Tool: rule,
				})
			}
		case "setMode":
			out = append(out, v1.PermissionSuggestion{
				Type: v1.SuggestionSetMode,
				Mode: v1.PermissionMode(u.Mode),
			})
		default:
			out = append(out, v1.PermissionSuggestion{
				Type:   v1.SuggestionExtendRule,
				Match:  strings.Join(u.Rules, ","),
				Effect: u.Behavior,
			})
		}
	}
	return out
}

func (d *ClaudeDriver) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

// emitDown emits the driver_down event exactly once.
func (d *ClaudeDriver) emitDown(err error) {
	d.downOnce.Do(func() {
		// Blocking send: losing driver_down would strand the session.
		d.events <- Event{Kind: EventDriverDown, Err: err}
	})
}

// readStderr forwards agent stderr to the per-session debug log.
func (d *ClaudeDriver) readStderr(stderr io.Reader) {
	defer d.wg.Done()
	defer close(d.stderrDone)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if d.debugLog != nil {
			_, _ = d.debugLog.Write(append(scanner.Bytes(), '\n'))
		}
	}
}

// waitForExit reaps the child and closes the event stream.
func (d *ClaudeDriver) waitForExit() {
	defer d.wg.Done()

	err := d.cmd.Wait()

	// The stderr reader must finish before the debug log below is closed.
	<-d.stderrDone

	if !d.isStopping() {
		if err != nil {
			d.logger.Error("agent process exited unexpectedly", zap.Error(err))
			d.emitDown(fmt.Errorf("agent exited: %w", err))
		} else {
			d.logger.Warn("agent process exited unexpectedly with status 0")
			d.emitDown(fmt.Errorf("agent exited before stop"))
		}
	} else if err != nil {
		d.logger.Debug("agent process exited", zap.Error(err))
	}

	if d.debugLog != nil {
		_ = d.debugLog.Close()
	}

	d.closeOnce.Do(func() {
		close(d.doneCh)
		close(d.events)
	})
}
