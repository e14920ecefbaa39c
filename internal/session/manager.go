// Package session implements the per-session runtime: state machine, input
// queue, tool-call tracker, and permission mediator, one actor goroutine per
// session, plus the Manager that owns them.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/config"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/events"
	"github.com/legionhq/legion/internal/events/bus"
	"github.com/legionhq/legion/internal/eventlog"
	"github.com/legionhq/legion/internal/state"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

// Manager owns every session runtime in the process. It creates actors
// lazily, runs the startup recovery sweep, holds the ephemeral input cache,
// and publishes appended events to the bus for the observer hub.
type Manager struct {
	store  *state.Store
	bus    bus.EventBus
	cfg    *config.Config
	logger *logger.Logger

	mu       sync.Mutex
	runtimes map[string]*runtime

	draftsMu sync.RWMutex
	drafts   map[string]string
}

// NewManager creates a session manager. Call Recover before serving.
func NewManager(store *state.Store, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *Manager {
	return &Manager{
		store:    store,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		runtimes: map[string]*runtime{},
		drafts:   map[string]string{},
	}
}

// runtimeFor returns the actor for a session, creating it on first use.
func (m *Manager) runtimeFor(id string) (*runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runtimes[id]; ok {
		return r, nil
	}
	ent, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	log, err := eventlog.Open(m.store.SessionDir(id), m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session event log: %w", err)
	}
	r := newRuntime(m, ent, log)
	m.runtimes[id] = r
	return r, nil
}

// --- creation / metadata ---

// CreateSession materialises a new session in state created. Template values
// are copied at creation; later template revisions never touch it.
func (m *Manager) CreateSession(ctx context.Context, req v1.CreateSessionRequest) (*v1.Session, error) {
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}

	ent := &state.Session{
		ID:                    uuid.New().String(),
		ProjectID:             req.ProjectID,
		ParentID:              req.ParentID,
		Name:                  req.Name,
		Role:                  req.Role,
		Model:                 req.Model,
		AgentKind:             req.AgentKind,
		InitialPermissionMode: req.PermissionMode,
		CurrentPermissionMode: req.PermissionMode,
		AllowedTools:          append([]string(nil), req.AllowedTools...),
		SystemPromptAppend:    req.SystemPromptAppend,
		State:                 v1.SessionStateCreated,
		Timing: v1.QueueTiming{
			DispatchDelayMs: m.cfg.Session.DispatchDelayMs,
			AutoDispatch:    true,
		},
	}
	if req.TemplateID != "" {
		tpl, err := m.store.GetTemplate(req.TemplateID)
		if err != nil {
			return nil, err
		}
		ent.TemplateID = tpl.ID
		ent.TemplateRevision = tpl.Revision
		if ent.AgentKind == "" {
			ent.AgentKind = tpl.AgentKind
		}
		if ent.Model == "" {
			ent.Model = tpl.Model
		}
		if ent.InitialPermissionMode == "" {
			ent.InitialPermissionMode = tpl.PermissionMode
			ent.CurrentPermissionMode = tpl.PermissionMode
		}
		if len(ent.AllowedTools) == 0 {
			ent.AllowedTools = append([]string(nil), tpl.AllowedTools...)
		}
		if tpl.InitContext != "" {
			if ent.SystemPromptAppend != "" {
				ent.SystemPromptAppend += "\n\n"
			}
			ent.SystemPromptAppend += tpl.InitContext
		}
	}
	if ent.InitialPermissionMode == "" {
		ent.InitialPermissionMode = v1.PermissionModeDefault
		ent.CurrentPermissionMode = v1.PermissionModeDefault
	}

	created, err := m.store.CreateSession(ent)
	if err != nil {
		return nil, err
	}
	m.logger.Info("session created",
		zap.String("session_id", created.ID),
		zap.String("project_id", created.ProjectID),
		zap.String("name", created.Name))
	m.publishSessionChange(created, false)
	out := created.ToAPI(false)
	return &out, nil
}

// ValidateName enforces the single-token minion name rule. Empty names are
// allowed for plain (non-legion) sessions.
func ValidateName(name string) error {
	if name == "" {
		return nil
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("name %q: %w", name, ErrInvalidName)
	}
	return nil
}

// GetSession returns the API view of one session, including the runtime
// paused flag when an actor is live.
func (m *Manager) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	ent, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	out := ent.ToAPI(m.isPaused(id))
	return &out, nil
}

func (m *Manager) isPaused(id string) bool {
	m.mu.Lock()
	r, ok := m.runtimes[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	paused := false
	_ = r.exec(context.Background(), func() error {
		paused = r.paused
		return nil
	})
	return paused
}

// ListSessions returns the project's sessions in stored order.
func (m *Manager) ListSessions(ctx context.Context, projectID string) []v1.Session {
	ents := m.store.ListSessions(projectID)
	out := make([]v1.Session, 0, len(ents))
	for _, ent := range ents {
		out = append(out, ent.ToAPI(m.isPaused(ent.ID)))
	}
	return out
}

// ListDescendants returns the transitive children of a session, deepest
// first.
func (m *Manager) ListDescendants(ctx context.Context, id string) ([]v1.Session, error) {
	if _, err := m.store.GetSession(id); err != nil {
		return nil, err
	}
	ents := m.store.ListDescendants(id)
	out := make([]v1.Session, 0, len(ents))
	for _, ent := range ents {
		out = append(out, ent.ToAPI(m.isPaused(ent.ID)))
	}
	return out, nil
}

// PatchSession applies a partial metadata update.
func (m *Manager) PatchSession(ctx context.Context, id string, req v1.PatchSessionRequest) (*v1.Session, error) {
	ent, err := m.store.PatchSession(id, -1, func(s *state.Session) error {
		if req.Role != nil {
			s.Role = *req.Role
		}
		if req.Model != nil {
			s.Model = *req.Model
		}
		if req.AllowedTools != nil {
			s.AllowedTools = append([]string(nil), req.AllowedTools...)
		}
		if req.SystemPromptAppend != nil {
			s.SystemPromptAppend = *req.SystemPromptAppend
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.refreshRuntime(ctx, id)
	m.publishSessionChange(ent, m.isPaused(id))
	out := ent.ToAPI(m.isPaused(id))
	return &out, nil
}

// SetName renames a session, re-checking legion-wide uniqueness.
func (m *Manager) SetName(ctx context.Context, id, name string) (*v1.Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	ent, err := m.store.PatchSession(id, -1, func(s *state.Session) error {
		s.Name = name
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.refreshRuntime(ctx, id)
	m.publishSessionChange(ent, m.isPaused(id))
	out := ent.ToAPI(m.isPaused(id))
	return &out, nil
}

// refreshRuntime pushes the latest persisted entity into a live actor's
// cache so metadata edits made outside the actor are visible to it.
func (m *Manager) refreshRuntime(ctx context.Context, id string) {
	m.mu.Lock()
	r, ok := m.runtimes[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = r.exec(ctx, func() error {
		if ent, err := m.store.GetSession(id); err == nil {
			ent.Halted = r.ent.Halted // actor owns the latch
			r.ent = ent
		}
		return nil
	})
}

// --- lifecycle ---

func (m *Manager) Start(ctx context.Context, id string) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, r.start)
}

func (m *Manager) Terminate(ctx context.Context, id string) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	if err := r.exec(ctx, func() error { return r.terminate("terminate requested") }); err != nil {
		return err
	}
	// A parent's terminate cascades to its children.
	for _, child := range m.store.ListDescendants(id) {
		if child.IsTerminal() {
			continue
		}
		if cr, err := m.runtimeFor(child.ID); err == nil {
			_ = cr.exec(ctx, func() error { return cr.terminate("parent terminated") })
		}
	}
	return nil
}

func (m *Manager) Restart(ctx context.Context, id string) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, r.restart)
}

func (m *Manager) Reset(ctx context.Context, id string) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, r.reset)
}

func (m *Manager) Disconnect(ctx context.Context, id string) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, r.disconnect)
}

func (m *Manager) Interrupt(ctx context.Context, id string) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, r.interrupt)
}

// SetHalted latches or clears the legion halt flag on one session.
func (m *Manager) SetHalted(ctx context.Context, id string, halted bool) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, func() error { return r.setHalted(halted) })
}

// SetPermissionMode switches the current permission mode; valid only while
// active.
func (m *Manager) SetPermissionMode(ctx context.Context, id string, mode v1.PermissionMode) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, func() error { return r.switchMode(mode) })
}

// Delete tears the session down completely: terminate, close the actor and
// log, remove persisted state.
func (m *Manager) Delete(ctx context.Context, id string) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	_ = r.exec(ctx, func() error { return r.terminate("delete") })
	m.closeRuntime(id)
	m.draftsMu.Lock()
	delete(m.drafts, id)
	m.draftsMu.Unlock()
	if err := m.store.DeleteSession(id); err != nil {
		return err
	}
	m.publishUI(v1.StreamEventStateChange, map[string]interface{}{
		"session_id": id,
		"deleted":    true,
	})
	return nil
}

// DeleteProject terminates and closes every runtime in the project, then
// deletes the project with its session cascade.
func (m *Manager) DeleteProject(ctx context.Context, projectID string) error {
	for _, ent := range m.store.ListSessions(projectID) {
		if !ent.IsTerminal() {
			if r, err := m.runtimeFor(ent.ID); err == nil {
				_ = r.exec(ctx, func() error { return r.terminate("project deleted") })
			}
		}
		m.closeRuntime(ent.ID)
		m.draftsMu.Lock()
		delete(m.drafts, ent.ID)
		m.draftsMu.Unlock()
	}
	if _, err := m.store.DeleteProject(projectID); err != nil {
		return err
	}
	m.publishUI(v1.StreamEventStateChange, map[string]interface{}{
		"project_id": projectID,
		"deleted":    true,
	})
	return nil
}

func (m *Manager) closeRuntime(id string) {
	m.mu.Lock()
	r, ok := m.runtimes[id]
	if ok {
		delete(m.runtimes, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(r.closed)
	if err := r.log.Close(); err != nil {
		m.logger.Warn("failed to close event log", zap.String("session_id", id), zap.Error(err))
	}
}

// Shutdown terminates every live runtime and closes its log.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if r, err := m.runtimeFor(id); err == nil {
			_ = r.exec(ctx, func() error { return r.terminate("shutdown") })
		}
		m.closeRuntime(id)
	}
}

// --- queue ---

// SendMessage enqueues user input on the session.
func (m *Manager) SendMessage(ctx context.Context, id, body string, attachments []v1.Attachment) (*v1.QueueItem, error) {
	return m.Enqueue(ctx, id, EnqueueParams{Body: body, Attachments: attachments, Origin: "user"})
}

// EnqueueParams describes one queue submission.
type EnqueueParams struct {
	Body        string
	Attachments []v1.Attachment
	Metadata    map[string]interface{}
	Origin      string // "user", "comm", "schedule"
	Front       bool
}

// Enqueue appends (or, for pivot comms, prepends) one item to the session
// queue.
func (m *Manager) Enqueue(ctx context.Context, id string, params EnqueueParams) (*v1.QueueItem, error) {
	r, err := m.runtimeFor(id)
	if err != nil {
		return nil, err
	}
	item := &v1.QueueItem{
		ID:          uuid.New().String(),
		Body:        params.Body,
		Attachments: params.Attachments,
		Metadata:    params.Metadata,
		Origin:      params.Origin,
	}
	if item.Origin == "" {
		item.Origin = "user"
	}
	if err := r.exec(ctx, func() error { return r.enqueue(item, params.Front) }); err != nil {
		return nil, err
	}
	out := *item
	return &out, nil
}

// ListQueue returns the running item (if any) followed by pending items.
func (m *Manager) ListQueue(ctx context.Context, id string) ([]*v1.QueueItem, error) {
	r, err := m.runtimeFor(id)
	if err != nil {
		return nil, err
	}
	var items []*v1.QueueItem
	err = r.exec(ctx, func() error {
		items = r.listQueue()
		return nil
	})
	return items, err
}

func (m *Manager) CancelQueueItem(ctx context.Context, id, itemID string) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, func() error { return r.cancelItem(itemID) })
}

func (m *Manager) RequeueFront(ctx context.Context, id, itemID string) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, func() error { return r.requeueFront(itemID) })
}

func (m *Manager) ClearQueue(ctx context.Context, id string) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, func() error {
		r.clearQueue()
		return nil
	})
}

// PauseQueue suspends (or resumes) dispatch; ongoing work finishes normally.
func (m *Manager) PauseQueue(ctx context.Context, id string, paused bool) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, func() error {
		r.pauseQueue(paused)
		return nil
	})
}

func (m *Manager) PatchTiming(ctx context.Context, id string, timing v1.QueueTiming) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, func() error { return r.patchTiming(timing) })
}

// --- permissions ---

// RespondPermission resolves one pending permission request. Responding
// twice with the same request id is a no-op after the first.
func (m *Manager) RespondPermission(ctx context.Context, id, requestID string, decision v1.PermissionDecision, responder string) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, func() error { return r.respondPermission(requestID, decision, responder) })
}

// PendingPermissions lists the undecided permission requests of a session.
func (m *Manager) PendingPermissions(ctx context.Context, id string) ([]v1.PermissionRequest, error) {
	r, err := m.runtimeFor(id)
	if err != nil {
		return nil, err
	}
	var out []v1.PermissionRequest
	err = r.exec(ctx, func() error {
		out = r.pendingPermissions()
		return nil
	})
	return out, err
}

// --- event access ---

// GetMessages reads a page of the session's event log, skipping offset
// records from the start.
func (m *Manager) GetMessages(ctx context.Context, id string, limit, offset int) ([]eventlog.Record, error) {
	r, err := m.runtimeFor(id)
	if err != nil {
		return nil, err
	}
	return r.log.Read(uint64(offset)+1, limit)
}

// AppendNotice writes a system_notice record to the session log. Used for
// operator annotations such as dispose-time knowledge archives.
func (m *Manager) AppendNotice(ctx context.Context, id, text string) error {
	r, err := m.runtimeFor(id)
	if err != nil {
		return err
	}
	return r.exec(ctx, func() error {
		if _, ok := r.append(LogSystemNotice, SystemNoticePayload{Text: text}); !ok {
			return fmt.Errorf("session %s: %w", id, ErrClosed)
		}
		return nil
	})
}

// ReadEvents reads session log records starting after the given cursor.
// Used by the observer hub for replay.
func (m *Manager) ReadEvents(id string, after uint64, limit int) ([]eventlog.Record, error) {
	r, err := m.runtimeFor(id)
	if err != nil {
		return nil, err
	}
	return r.log.Read(after+1, limit)
}

// --- input cache ---

// SetDraft stores the ephemeral draft text for a session. Not logged; lost
// on process exit.
func (m *Manager) SetDraft(id, text string) {
	m.draftsMu.Lock()
	defer m.draftsMu.Unlock()
	if text == "" {
		delete(m.drafts, id)
		return
	}
	m.drafts[id] = text
}

// GetDraft returns the session's draft text, if any.
func (m *Manager) GetDraft(id string) string {
	m.draftsMu.RLock()
	defer m.draftsMu.RUnlock()
	return m.drafts[id]
}

// --- bus publication ---

// publishRecord fans a freshly appended log record out on the session
// stream subject.
func (m *Manager) publishRecord(projectID, sessionID string, rec eventlog.Record) {
	ev := v1.StreamEvent{
		Stream:    v1.StreamSession,
		SessionID: sessionID,
		Seq:       rec.Seq,
		Kind:      StreamKindFor(rec.Kind),
		Timestamp: rec.Timestamp,
		Payload:   rec.Payload,
	}
	m.publish(events.BuildSessionStreamSubject(sessionID), string(ev.Kind), ev)
}

// publishLive publishes a live-only (never logged, seq 0) session event.
func (m *Manager) publishLive(projectID, sessionID string, kind v1.StreamEventKind, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		m.logger.Warn("failed to encode live event payload", zap.Error(err))
		return
	}
	ev := v1.StreamEvent{
		Stream:    v1.StreamSession,
		SessionID: sessionID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	m.publish(events.BuildSessionStreamSubject(sessionID), string(kind), ev)
}

// publishSessionChange pushes the session's current API view onto the ui
// stream.
func (m *Manager) publishSessionChange(ent *state.Session, paused bool) {
	m.publishUI(v1.StreamEventStateChange, ent.ToAPI(paused))
}

func (m *Manager) publishUI(kind v1.StreamEventKind, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		m.logger.Warn("failed to encode ui event payload", zap.Error(err))
		return
	}
	ev := v1.StreamEvent{
		Stream:    v1.StreamUI,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	m.publish(events.UIStream, string(kind), ev)
}

func (m *Manager) publish(subject, eventType string, ev v1.StreamEvent) {
	busEvent := &bus.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    "session-manager",
		Timestamp: time.Now().UTC(),
		Data:      ev,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, subject, busEvent); err != nil {
		m.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
