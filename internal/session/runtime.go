package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/agent"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/tracing"
	"github.com/legionhq/legion/internal/eventlog"
	"github.com/legionhq/legion/internal/state"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

// Session runtime errors
var (
	ErrInvalidState = errors.New("session: invalid state")
	ErrQueueFull    = errors.New("session: queue full")
	ErrClosed       = errors.New("session: runtime closed")
	ErrInvalidName  = errors.New("session: name must be a single token")
)

// driverCallTimeout bounds control calls into the driver issued from the
// actor loop.
const driverCallTimeout = 10 * time.Second

// toolState tracks one tool-use with no terminal result yet.
type toolState struct {
	name      string
	requestID string // set while gated on a permission prompt
}

// permState is an undecided permission request.
type permState struct {
	toolUseID   string
	toolName    string
	input       json.RawMessage
	suggestions []v1.PermissionSuggestion
	createdAt   time.Time
}

// runtime is the per-session actor. All mutation happens on the run
// goroutine; external callers post closures to the mailbox and the actor
// executes them in arrival order.
type runtime struct {
	id  string
	mgr *Manager
	log *eventlog.Log
	lg  *logger.Logger

	cmds   chan func()
	closed chan struct{} // closes the run loop; set once by Manager

	// Actor-owned state below. Never touched off the run goroutine.
	ent          *state.Session // cached entity, refreshed on every patch
	driver       agent.Driver
	driverEvents <-chan agent.Event
	generation   uint64 // bumped per driver start; stale timers check it
	stopping     bool   // an intentional stop is in flight

	queue       []*v1.QueueItem
	queuePaused bool
	running     *v1.QueueItem
	dispatchDue <-chan time.Time

	tools   map[string]*toolState // active (non-terminal) tool-uses
	perms   map[string]*permState // undecided permission requests
	decided map[string]bool       // decided request ids, for idempotent responds
	paused  bool                  // blocked on user (undecided prompt exists)

	span trace.Span
}

func newRuntime(mgr *Manager, ent *state.Session, log *eventlog.Log) *runtime {
	r := &runtime{
		id:      ent.ID,
		mgr:     mgr,
		log:     log,
		lg:      mgr.logger.WithSessionID(ent.ID),
		cmds:    make(chan func(), 16),
		closed:  make(chan struct{}),
		ent:     ent,
		tools:   map[string]*toolState{},
		perms:   map[string]*permState{},
		decided: map[string]bool{},
	}
	go r.run()
	return r
}

// exec posts fn to the mailbox and waits for its result.
func (r *runtime) exec(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case r.cmds <- func() { errCh <- fn() }:
	case <-r.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *runtime) run() {
	for {
		select {
		case fn := <-r.cmds:
			fn()
		case ev, ok := <-r.driverEvents:
			if !ok {
				r.driverEvents = nil
				continue
			}
			r.handleDriverEvent(ev)
		case <-r.dispatchDue:
			r.dispatchDue = nil
			r.dispatchHead()
		case <-r.closed:
			return
		}
	}
}

// --- persistence helpers (actor goroutine only) ---

func (r *runtime) patch(fn func(*state.Session) error) error {
	ent, err := r.mgr.store.PatchSession(r.id, -1, fn)
	if err != nil {
		return err
	}
	r.ent = ent
	return nil
}

// append writes one event record and publishes it. A failed append is fatal
// to the session.
func (r *runtime) append(kind string, payload interface{}) (eventlog.Record, bool) {
	rec, err := r.log.Append(kind, payload)
	if err != nil {
		r.lg.Error("event log append failed", zap.String("kind", kind), zap.Error(err))
		r.failSession("event log write failure: " + err.Error())
		return eventlog.Record{}, false
	}
	r.mgr.publishRecord(r.ent.ProjectID, r.id, rec)
	return rec, true
}

// failSession moves the session to error after a best-effort state_change
// record. Used for log-IO failures where the normal append path cannot be
// trusted.
func (r *runtime) failSession(reason string) {
	from := r.ent.State
	if rec, err := r.log.Append(LogStateChange, StateChangePayload{
		From: from, To: v1.SessionStateError, Reason: reason,
	}); err == nil {
		r.mgr.publishRecord(r.ent.ProjectID, r.id, rec)
	}
	_ = r.patch(func(s *state.Session) error {
		s.State = v1.SessionStateError
		s.Processing = false
		s.ErrorMessage = reason
		return nil
	})
	r.mgr.publishSessionChange(r.ent, r.paused)
	if r.driver != nil {
		d := r.driver
		r.detachDriver()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.mgr.cfg.Agent.StopGraceDuration()+2*time.Second)
			defer cancel()
			_ = d.Stop(ctx)
		}()
	}
	r.endSpan(reason)
}

// setState transitions the lifecycle state, recording and publishing it.
func (r *runtime) setState(to v1.SessionState, reason string) bool {
	from := r.ent.State
	if _, ok := r.append(LogStateChange, StateChangePayload{
		From: from, To: to, Processing: r.ent.Processing, Reason: reason,
	}); !ok {
		return false
	}
	if err := r.patch(func(s *state.Session) error {
		s.State = to
		if to != v1.SessionStateActive {
			s.Processing = false
		}
		if to == v1.SessionStateTerminated || to == v1.SessionStateError {
			s.ErrorMessage = reason
		}
		return nil
	}); err != nil {
		r.lg.Error("failed to persist state transition", zap.Error(err))
		return false
	}
	r.mgr.publishSessionChange(r.ent, r.paused)
	return true
}

// --- lifecycle operations ---

func (r *runtime) start() error {
	switch r.ent.State {
	case v1.SessionStateCreated, v1.SessionStateError, v1.SessionStateTerminated:
	case v1.SessionStateTerminating:
		// Reached only from the restart path, after the driver stopped.
	default:
		return fmt.Errorf("cannot start a %s session: %w", r.ent.State, ErrInvalidState)
	}

	project, err := r.mgr.store.GetProject(r.ent.ProjectID)
	if err != nil {
		return err
	}

	driver, err := agent.New(r.ent.AgentKind, r.mgr.cfg.Agent, r.mgr.logger.WithSessionID(r.id))
	if err != nil {
		return err
	}

	if !r.setState(v1.SessionStateStarting, "start requested") {
		return ErrClosed
	}

	params := agent.StartParams{
		SessionID:          r.id,
		WorkingDir:         project.WorkingDir,
		Model:              r.ent.Model,
		PermissionMode:     r.ent.CurrentPermissionMode,
		AllowedTools:       append([]string(nil), r.ent.AllowedTools...),
		SystemPromptAppend: r.ent.SystemPromptAppend,
		DebugLogDir:        r.mgr.store.SessionDir(r.id),
	}
	if err := driver.Start(context.Background(), params); err != nil {
		r.setState(v1.SessionStateError, "agent spawn failed: "+err.Error())
		return fmt.Errorf("failed to start agent: %w", err)
	}

	r.driver = driver
	r.driverEvents = driver.Events()
	r.stopping = false
	r.generation++
	gen := r.generation

	// The init handshake either produces EventSystemInit or this timer
	// fires and the start is abandoned.
	timeout := r.mgr.cfg.Agent.InitTimeoutDuration()
	time.AfterFunc(timeout, func() {
		_ = r.exec(context.Background(), func() error {
			if r.generation != gen || r.ent.State != v1.SessionStateStarting {
				return nil
			}
			r.lg.Warn("agent init timeout", zap.Duration("timeout", timeout))
			r.stopDriver()
			r.setState(v1.SessionStateError, "agent init timeout")
			r.endSpan("init_timeout")
			return nil
		})
	})
	return nil
}

func (r *runtime) terminate(reason string) error {
	switch r.ent.State {
	case v1.SessionStateTerminated, v1.SessionStateError, v1.SessionStateTerminating:
		return nil // already there or on the way
	case v1.SessionStateCreated:
		return r.setStateErr(v1.SessionStateTerminated, reason)
	}
	if !r.setState(v1.SessionStateTerminating, reason) {
		return ErrClosed
	}
	r.resolveOutstanding("terminate")
	r.finishRunning(v1.QueueItemCancelled)
	r.stopDriver()
	r.endSpan("terminate")
	return r.setStateErr(v1.SessionStateTerminated, reason)
}

func (r *runtime) setStateErr(to v1.SessionState, reason string) error {
	if !r.setState(to, reason) {
		return ErrClosed
	}
	return nil
}

// restart stops the driver and starts a fresh one with the same effective
// configuration. Events are preserved and continue the sequence.
func (r *runtime) restart() error {
	switch r.ent.State {
	case v1.SessionStateActive, v1.SessionStateStarting, v1.SessionStateError:
	default:
		return fmt.Errorf("cannot restart a %s session: %w", r.ent.State, ErrInvalidState)
	}
	if !r.setState(v1.SessionStateTerminating, "restart") {
		return ErrClosed
	}
	r.resolveOutstanding("restart")
	r.finishRunning(v1.QueueItemCancelled)
	r.stopDriver()
	r.endSpan("restart")
	return r.start()
}

// reset drops the conversation entirely: driver stopped, log truncated,
// queue and trackers cleared, back to created.
func (r *runtime) reset() error {
	if r.ent.State == v1.SessionStateTerminating {
		return fmt.Errorf("cannot reset a %s session: %w", r.ent.State, ErrInvalidState)
	}
	r.clearTrackers()
	r.finishRunning(v1.QueueItemCancelled)
	r.clearQueue()
	r.stopDriver()
	r.endSpan("reset")
	if err := r.log.Reset(); err != nil {
		return fmt.Errorf("failed to reset event log: %w", err)
	}
	if err := r.patch(func(s *state.Session) error {
		s.State = v1.SessionStateCreated
		s.Processing = false
		s.LastMessage = ""
		s.ErrorMessage = ""
		s.StartedAt = nil
		return nil
	}); err != nil {
		return err
	}
	r.mgr.publishSessionChange(r.ent, false)
	return nil
}

// disconnect stops the driver without touching events; the session returns
// to created and stays resumable.
func (r *runtime) disconnect() error {
	switch r.ent.State {
	case v1.SessionStateActive, v1.SessionStateStarting, v1.SessionStateError:
	default:
		return fmt.Errorf("cannot disconnect a %s session: %w", r.ent.State, ErrInvalidState)
	}
	r.resolveOutstanding("disconnect")
	r.finishRunning(v1.QueueItemCancelled)
	r.stopDriver()
	r.endSpan("disconnect")
	return r.setStateErr(v1.SessionStateCreated, "disconnected")
}

func (r *runtime) interrupt() error {
	if r.driver == nil {
		return fmt.Errorf("no live agent: %w", ErrInvalidState)
	}
	r.resolveOutstanding("interrupt")
	ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
	defer cancel()
	if err := r.driver.Interrupt(ctx); err != nil && !errors.Is(err, agent.ErrStopped) {
		return fmt.Errorf("failed to interrupt agent: %w", err)
	}
	return nil
}

// stopDriver detaches the driver and stops it, draining remaining events in
// the background so Stop can never deadlock against a full event channel.
func (r *runtime) stopDriver() {
	if r.driver == nil {
		return
	}
	d := r.driver
	ev := r.driverEvents
	r.detachDriver()

	drained := make(chan struct{})
	go func() {
		if ev != nil {
			for range ev {
			}
		}
		close(drained)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), r.mgr.cfg.Agent.StopGraceDuration()+2*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		r.lg.Warn("driver stop failed", zap.Error(err))
	}
	select {
	case <-drained:
	case <-time.After(time.Second):
	}
}

func (r *runtime) detachDriver() {
	r.stopping = true
	r.driver = nil
	r.driverEvents = nil
	r.generation++
}

// resolveOutstanding settles every undecided permission request with a
// synthetic denial and cancels every active tool-use with a synthetic
// result. Replays then always see a complete lifecycle per tool-use.
func (r *runtime) resolveOutstanding(reason string) {
	for id, p := range r.perms {
		r.append(LogPermissionResponse, PermissionResponsePayload{
			RequestID: id,
			ToolUseID: p.toolUseID,
			Behavior:  v1.PermissionDeny,
			Message:   reason,
			Synthetic: true,
		})
		r.decided[id] = true
		if r.driver != nil {
			ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
			_ = r.driver.RespondToPermission(ctx, id, agent.PermissionResult{
				Behavior:  v1.PermissionDeny,
				Message:   reason,
				Interrupt: true,
			})
			cancel()
		}
	}
	r.perms = map[string]*permState{}

	for id := range r.tools {
		r.append(LogToolResult, ToolResultPayload{
			ToolUseID: id,
			Cancelled: true,
			Synthetic: true,
		})
	}
	r.tools = map[string]*toolState{}

	if r.paused {
		r.paused = false
		r.mgr.publishSessionChange(r.ent, false)
	}
}

func (r *runtime) clearTrackers() {
	r.perms = map[string]*permState{}
	r.tools = map[string]*toolState{}
	r.decided = map[string]bool{}
	r.paused = false
}

func (r *runtime) endSpan(cause string) {
	if r.span == nil {
		return
	}
	r.span.SetAttributes(attribute.String("session.stop_cause", cause))
	r.span.End()
	r.span = nil
}

// --- queue ---

func (r *runtime) enqueue(item *v1.QueueItem, front bool) error {
	switch r.ent.State {
	case v1.SessionStateTerminating, v1.SessionStateTerminated:
		return fmt.Errorf("cannot enqueue on a %s session: %w", r.ent.State, ErrInvalidState)
	}
	if len(r.queue) >= r.mgr.cfg.Session.QueueDepth {
		return fmt.Errorf("queue depth %d reached: %w", r.mgr.cfg.Session.QueueDepth, ErrQueueFull)
	}
	item.SessionID = r.id
	item.Status = v1.QueueItemPending
	item.EnqueuedAt = time.Now().UTC()
	if front {
		r.queue = append([]*v1.QueueItem{item}, r.queue...)
	} else {
		r.queue = append(r.queue, item)
	}
	r.publishQueueUpdate(item)
	r.scheduleDispatch()
	return nil
}

func (r *runtime) cancelItem(itemID string) error {
	for i, item := range r.queue {
		if item.ID == itemID {
			item.Status = v1.QueueItemCancelled
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			r.publishQueueUpdate(item)
			return nil
		}
	}
	if r.running != nil && r.running.ID == itemID {
		return fmt.Errorf("item is running, interrupt instead: %w", ErrInvalidState)
	}
	return fmt.Errorf("queue item %s: %w", itemID, state.ErrNotFound)
}

func (r *runtime) requeueFront(itemID string) error {
	for i, item := range r.queue {
		if item.ID == itemID {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			r.queue = append([]*v1.QueueItem{item}, r.queue...)
			r.publishQueueUpdate(item)
			return nil
		}
	}
	return fmt.Errorf("queue item %s: %w", itemID, state.ErrNotFound)
}

func (r *runtime) clearQueue() {
	for _, item := range r.queue {
		item.Status = v1.QueueItemCancelled
	}
	r.queue = nil
	r.publishQueueUpdate(nil)
}

func (r *runtime) pauseQueue(paused bool) {
	if r.queuePaused == paused {
		return
	}
	r.queuePaused = paused
	r.publishQueueUpdate(nil)
	r.scheduleDispatch()
}

func (r *runtime) patchTiming(timing v1.QueueTiming) error {
	if err := r.patch(func(s *state.Session) error {
		s.Timing = timing
		return nil
	}); err != nil {
		return err
	}
	r.publishQueueUpdate(nil)
	r.scheduleDispatch()
	return nil
}

func (r *runtime) listQueue() []*v1.QueueItem {
	out := make([]*v1.QueueItem, 0, len(r.queue)+1)
	if r.running != nil {
		item := *r.running
		out = append(out, &item)
	}
	for _, it := range r.queue {
		item := *it
		out = append(out, &item)
	}
	return out
}

// scheduleDispatch arms the dispatch timer when the head item is eligible.
func (r *runtime) scheduleDispatch() {
	if r.dispatchDue != nil {
		return
	}
	if r.ent.State != v1.SessionStateActive || r.ent.Processing || r.running != nil {
		return
	}
	if r.queuePaused || r.ent.Halted || !r.ent.Timing.AutoDispatch || len(r.queue) == 0 {
		return
	}
	delay := time.Duration(r.ent.Timing.DispatchDelayMs) * time.Millisecond
	r.dispatchDue = time.After(delay)
}

// dispatchHead sends the head queue item to the driver as one user turn.
func (r *runtime) dispatchHead() {
	if r.ent.State != v1.SessionStateActive || r.ent.Processing || r.running != nil {
		return
	}
	if r.queuePaused || r.ent.Halted || !r.ent.Timing.AutoDispatch || len(r.queue) == 0 || r.driver == nil {
		return
	}

	item := r.queue[0]
	r.queue = r.queue[1:]
	item.Status = v1.QueueItemRunning
	r.running = item

	if _, ok := r.append(LogUserInput, UserInputPayload{
		Text:        item.Body,
		Attachments: item.Attachments,
		Origin:      item.Origin,
		QueueItemID: item.ID,
	}); !ok {
		return
	}
	if err := r.patch(func(s *state.Session) error {
		s.Processing = true
		now := time.Now().UTC()
		s.LastActiveAt = &now
		return nil
	}); err != nil {
		r.lg.Error("failed to persist processing flag", zap.Error(err))
	}
	r.publishQueueUpdate(item)
	r.mgr.publishSessionChange(r.ent, r.paused)

	ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
	defer cancel()
	if err := r.driver.Send(ctx, r.renderInput(item)); err != nil {
		r.lg.Error("failed to send user input", zap.Error(err))
		r.finishRunning(v1.QueueItemDone)
		r.append(LogSystemNotice, SystemNoticePayload{Text: "failed to deliver input to agent: " + err.Error()})
		_ = r.patch(func(s *state.Session) error {
			s.Processing = false
			return nil
		})
		r.scheduleDispatch()
	}
}

// renderInput flattens body plus attachment references into the text sent
// to the agent. Attachment bytes never cross the driver boundary.
func (r *runtime) renderInput(item *v1.QueueItem) string {
	text := item.Body
	for _, att := range item.Attachments {
		if att.Path != "" {
			text += "\n[attachment: " + att.Path + "]"
		}
	}
	return text
}

func (r *runtime) finishRunning(status v1.QueueItemStatus) {
	if r.running == nil {
		return
	}
	r.running.Status = status
	r.publishQueueUpdate(r.running)
	r.running = nil
}

func (r *runtime) publishQueueUpdate(changed *v1.QueueItem) {
	payload := QueueUpdatePayload{
		SessionID: r.id,
		Pending:   len(r.queue),
		Paused:    r.queuePaused,
		Timing:    r.ent.Timing,
	}
	if r.running != nil {
		item := *r.running
		payload.Running = &item
	}
	if changed != nil {
		item := *changed
		payload.Changed = &item
	}
	r.mgr.publishLive(r.ent.ProjectID, r.id, v1.StreamEventQueueUpdate, payload)
}

// --- driver events ---

func (r *runtime) handleDriverEvent(ev agent.Event) {
	switch ev.Kind {
	case agent.EventSystemInit:
		r.onSystemInit(ev)
	case agent.EventAssistantText:
		if _, ok := r.append(LogAssistantText, AssistantTextPayload{Text: ev.Text, Model: ev.Model}); ok {
			_ = r.patch(func(s *state.Session) error {
				s.LastMessage = summarize(ev.Text)
				now := time.Now().UTC()
				s.LastActiveAt = &now
				return nil
			})
		}
	case agent.EventAssistantThinking:
		r.append(LogAssistantThinking, AssistantThinkingPayload{Text: ev.Text})
	case agent.EventToolUse:
		r.tools[ev.ToolUseID] = &toolState{name: ev.ToolName}
		r.append(LogToolUse, ToolUsePayload{ToolUseID: ev.ToolUseID, Name: ev.ToolName, Input: ev.Input})
	case agent.EventToolResult:
		r.onToolResult(ev)
	case agent.EventPermissionRequest:
		r.onPermissionRequest(ev)
	case agent.EventResult:
		r.onTurnResult(ev)
	case agent.EventDriverDown:
		r.onDriverDown(ev)
	}
}

func (r *runtime) onSystemInit(ev agent.Event) {
	if r.ent.State != v1.SessionStateStarting {
		return
	}
	if !r.setState(v1.SessionStateActive, "agent initialized") {
		return
	}
	_ = r.patch(func(s *state.Session) error {
		now := time.Now().UTC()
		s.StartedAt = &now
		s.LastActiveAt = &now
		return nil
	})
	_, r.span = tracing.Tracer("legion/session").Start(context.Background(), "session.run",
		trace.WithAttributes(
			attribute.String("session.id", r.id),
			attribute.String("session.agent_session_id", ev.AgentSessionID),
		))
	r.lg.Info("session active", zap.String("agent_session_id", ev.AgentSessionID))
	r.scheduleDispatch()
}

func (r *runtime) onToolResult(ev agent.Event) {
	if _, active := r.tools[ev.ToolUseID]; !active {
		// The tool was already settled synthetically (deny or interrupt);
		// a late real result would break the one-terminal-result rule.
		r.lg.Debug("dropping result for settled tool", zap.String("tool_use_id", ev.ToolUseID))
		return
	}
	delete(r.tools, ev.ToolUseID)
	r.append(LogToolResult, ToolResultPayload{
		ToolUseID: ev.ToolUseID,
		Result:    ev.Result,
		IsError:   ev.IsError,
	})
}

func (r *runtime) onPermissionRequest(ev agent.Event) {
	tool, ok := r.tools[ev.ToolUseID]
	if !ok {
		// Permission ahead of the tool_use frame; track it so the result
		// settles against it.
		tool = &toolState{name: ev.ToolName}
		r.tools[ev.ToolUseID] = tool
	}
	tool.requestID = ev.RequestID
	r.perms[ev.RequestID] = &permState{
		toolUseID:   ev.ToolUseID,
		toolName:    ev.ToolName,
		input:       ev.Input,
		suggestions: ev.Suggestions,
		createdAt:   time.Now().UTC(),
	}
	r.paused = true
	r.append(LogPermissionRequest, PermissionRequestPayload{
		RequestID:   ev.RequestID,
		ToolUseID:   ev.ToolUseID,
		ToolName:    ev.ToolName,
		Input:       ev.Input,
		Suggestions: ev.Suggestions,
	})
	r.mgr.publishSessionChange(r.ent, true)
}

func (r *runtime) onTurnResult(ev agent.Event) {
	r.finishRunning(v1.QueueItemDone)
	if err := r.patch(func(s *state.Session) error {
		s.Processing = false
		now := time.Now().UTC()
		s.LastActiveAt = &now
		if ev.IsError && ev.Text != "" {
			s.LastMessage = summarize(ev.Text)
		}
		return nil
	}); err != nil {
		r.lg.Error("failed to clear processing flag", zap.Error(err))
	}
	r.append(LogStateChange, StateChangePayload{
		From:       v1.SessionStateActive,
		To:         v1.SessionStateActive,
		Processing: false,
		Reason:     "turn complete",
	})
	r.mgr.publishSessionChange(r.ent, r.paused)
	r.scheduleDispatch()
}

func (r *runtime) onDriverDown(ev agent.Event) {
	if r.stopping {
		return
	}
	reason := "agent exited unexpectedly"
	if ev.Err != nil {
		reason = "agent exited unexpectedly: " + ev.Err.Error()
	}
	r.lg.Error("driver down", zap.Error(ev.Err))
	r.detachDriver()
	r.resolveOutstanding("driver exit")
	r.finishRunning(v1.QueueItemDone)
	r.setState(v1.SessionStateError, reason)
	r.endSpan("driver_down")
}

// --- permission mediation ---

func (r *runtime) respondPermission(requestID string, decision v1.PermissionDecision, responder string) error {
	p, ok := r.perms[requestID]
	if !ok {
		if r.decided[requestID] {
			return nil // second submission of the same decision is a no-op
		}
		return fmt.Errorf("permission request %s: %w", requestID, state.ErrNotFound)
	}
	if r.driver == nil {
		return fmt.Errorf("no live agent: %w", ErrInvalidState)
	}

	result := agent.PermissionResult{
		Behavior: decision.Behavior,
		Message:  decision.Message,
	}
	if decision.ModifiedInput != nil {
		raw, err := json.Marshal(decision.ModifiedInput)
		if err != nil {
			return fmt.Errorf("failed to encode modified input: %w", err)
		}
		result.UpdatedInput = raw
	}

	if decision.Behavior == v1.PermissionAllow && decision.ApplySuggestions {
		if err := r.applySuggestions(p, decision.SelectedSuggestions, &result); err != nil {
			return err
		}
	}
	// Accepting an exit-plan-mode tool implies switching to acceptEdits.
	// Runtime rule, not an agent contract.
	if decision.Behavior == v1.PermissionAllow && p.toolName == "ExitPlanMode" {
		if err := r.switchMode(v1.PermissionModeAcceptEdits); err != nil {
			r.lg.Warn("failed to apply exit-plan-mode coupling", zap.Error(err))
		}
	}

	if _, ok := r.append(LogPermissionResponse, PermissionResponsePayload{
		RequestID: requestID,
		ToolUseID: p.toolUseID,
		Behavior:  decision.Behavior,
		Responder: responder,
		Message:   decision.Message,
	}); !ok {
		return ErrClosed
	}

	delete(r.perms, requestID)
	r.decided[requestID] = true
	if len(r.perms) == 0 && r.paused {
		r.paused = false
		r.mgr.publishSessionChange(r.ent, false)
	}

	if decision.Behavior == v1.PermissionDeny {
		// The agent may or may not report a result for a denied tool; settle
		// it now so the lifecycle is complete either way.
		if _, active := r.tools[p.toolUseID]; active {
			delete(r.tools, p.toolUseID)
			r.append(LogToolResult, ToolResultPayload{
				ToolUseID: p.toolUseID,
				Cancelled: true,
				Synthetic: true,
			})
		}
	} else if tool, active := r.tools[p.toolUseID]; active {
		tool.requestID = ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
	defer cancel()
	if err := r.driver.RespondToPermission(ctx, requestID, result); err != nil {
		return fmt.Errorf("failed to forward permission decision: %w", err)
	}
	return nil
}

// applySuggestions applies the selected structured directives before the
// decision is forwarded. selected indexes into the request's suggestion
// list; empty means all.
func (r *runtime) applySuggestions(p *permState, selected []int, result *agent.PermissionResult) error {
	apply := p.suggestions
	if len(selected) > 0 {
		apply = nil
		for _, idx := range selected {
			if idx >= 0 && idx < len(p.suggestions) {
				apply = append(apply, p.suggestions[idx])
			}
		}
	}
	for _, s := range apply {
		switch s.Type {
		case v1.SuggestionAddAllowedTool:
			if s.Tool == "" {
				continue
			}
			if err := r.patch(func(sess *state.Session) error {
				for _, t := range sess.AllowedTools {
					if t == s.Tool {
						return nil
					}
				}
				sess.AllowedTools = append(sess.AllowedTools, s.Tool)
				return nil
			}); err != nil {
				return err
			}
			result.AllowedRules = append(result.AllowedRules, s.Tool)
		case v1.SuggestionSetMode:
			if err := r.switchMode(s.Mode); err != nil {
				return err
			}
		case v1.SuggestionExtendRule:
			if s.Match != "" {
				result.AllowedRules = append(result.AllowedRules, s.Match)
			}
		}
	}
	return nil
}

func (r *runtime) switchMode(mode v1.PermissionMode) error {
	if r.ent.State != v1.SessionStateActive {
		return fmt.Errorf("permission mode changes require an active session: %w", ErrInvalidState)
	}
	if r.ent.CurrentPermissionMode == mode {
		return nil
	}
	if r.driver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
		defer cancel()
		if err := r.driver.SetMode(ctx, mode); err != nil {
			return fmt.Errorf("failed to switch agent mode: %w", err)
		}
	}
	return r.patch(func(s *state.Session) error {
		s.CurrentPermissionMode = mode
		return nil
	})
}

func (r *runtime) pendingPermissions() []v1.PermissionRequest {
	out := make([]v1.PermissionRequest, 0, len(r.perms))
	for id, p := range r.perms {
		out = append(out, v1.PermissionRequest{
			ID:          id,
			SessionID:   r.id,
			ToolUseID:   p.toolUseID,
			ToolName:    p.toolName,
			Input:       p.input,
			Suggestions: append([]v1.PermissionSuggestion(nil), p.suggestions...),
			CreatedAt:   p.createdAt,
		})
	}
	return out
}

// setHalted latches or clears the legion-wide halt flag. A halted session
// keeps its queue but dispatches nothing until resumed.
func (r *runtime) setHalted(halted bool) error {
	if r.ent.Halted == halted {
		return nil
	}
	if err := r.patch(func(s *state.Session) error {
		s.Halted = halted
		return nil
	}); err != nil {
		return err
	}
	r.publishQueueUpdate(nil)
	r.mgr.publishSessionChange(r.ent, r.paused)
	if !halted {
		r.scheduleDispatch()
	}
	return nil
}

// summarize trims a message down to the latest-message summary kept on the
// session entity.
func summarize(text string) string {
	const max = 200
	for i, ch := range text {
		if ch == '\n' {
			text = text[:i]
			break
		}
	}
	if len(text) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		return text[:cut]
	}
	return text
}
