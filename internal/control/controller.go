// Package control is the stateless facade external callers go through. It
// validates requests, delegates to the services, and normalises every
// failure into a typed *Error with a stable code.
package control

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/comms"
	"github.com/legionhq/legion/internal/eventlog"
	"github.com/legionhq/legion/internal/legion"
	"github.com/legionhq/legion/internal/schedule"
	"github.com/legionhq/legion/internal/session"
	"github.com/legionhq/legion/internal/state"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

// Controller exposes the full operation surface over the runtime services.
type Controller struct {
	store  *state.Store
	mgr    *session.Manager
	coord  *legion.Coordinator
	router *comms.Router
	sched  *schedule.Scheduler
	logger *logger.Logger
}

// New creates the control facade.
func New(store *state.Store, mgr *session.Manager, coord *legion.Coordinator, router *comms.Router, sched *schedule.Scheduler, log *logger.Logger) *Controller {
	return &Controller{store: store, mgr: mgr, coord: coord, router: router, sched: sched, logger: log}
}

// --- projects ---

func (c *Controller) CreateProject(ctx context.Context, req v1.CreateProjectRequest) (*v1.Project, error) {
	if req.Name == "" {
		return nil, &Error{Code: CodeBadRequest, Message: "project name required"}
	}
	if req.WorkingDir == "" {
		return nil, &Error{Code: CodeBadRequest, Message: "working_dir required"}
	}
	if !filepath.IsAbs(req.WorkingDir) {
		return nil, &Error{Code: CodeBadRequest, Message: "working_dir must be an absolute path"}
	}
	project, err := c.store.CreateProject(&state.Project{
		ID:                   uuid.New().String(),
		Name:                 req.Name,
		WorkingDir:           req.WorkingDir,
		IsLegion:             req.IsLegion,
		MaxConcurrentMinions: req.MaxConcurrentMinions,
		Expanded:             true,
	})
	if err != nil {
		return nil, wrap(err)
	}
	out := project.ToAPI()
	return &out, nil
}

func (c *Controller) GetProject(ctx context.Context, id string) (*v1.Project, error) {
	project, err := c.store.GetProject(id)
	if err != nil {
		return nil, wrap(err)
	}
	out := project.ToAPI()
	return &out, nil
}

func (c *Controller) ListProjects(ctx context.Context) []v1.Project {
	projects := c.store.ListProjects()
	out := make([]v1.Project, 0, len(projects))
	for _, project := range projects {
		out = append(out, project.ToAPI())
	}
	return out
}

func (c *Controller) PatchProject(ctx context.Context, id string, version int64, req v1.PatchProjectRequest) (*v1.Project, error) {
	project, err := c.store.PatchProject(id, version, func(p *state.Project) error {
		if req.Name != nil {
			p.Name = *req.Name
		}
		if req.Expanded != nil {
			p.Expanded = *req.Expanded
		}
		if req.MaxConcurrentMinions != nil {
			p.MaxConcurrentMinions = *req.MaxConcurrentMinions
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	out := project.ToAPI()
	return &out, nil
}

func (c *Controller) DeleteProject(ctx context.Context, id string) error {
	return wrap(c.mgr.DeleteProject(ctx, id))
}

func (c *Controller) ReorderProjects(ctx context.Context, ids []string) error {
	return wrap(c.store.ReorderProjects(ids))
}

func (c *Controller) ReorderSessions(ctx context.Context, projectID string, ids []string) error {
	return wrap(c.store.ReorderSessions(projectID, ids))
}

// --- sessions ---

func (c *Controller) CreateSession(ctx context.Context, req v1.CreateSessionRequest) (*v1.Session, error) {
	sess, err := c.mgr.CreateSession(ctx, req)
	return sess, wrap(err)
}

func (c *Controller) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	sess, err := c.mgr.GetSession(ctx, id)
	return sess, wrap(err)
}

func (c *Controller) ListSessions(ctx context.Context, projectID string) ([]v1.Session, error) {
	if _, err := c.store.GetProject(projectID); err != nil {
		return nil, wrap(err)
	}
	return c.mgr.ListSessions(ctx, projectID), nil
}

func (c *Controller) ListDescendants(ctx context.Context, id string) ([]v1.Session, error) {
	out, err := c.mgr.ListDescendants(ctx, id)
	return out, wrap(err)
}

func (c *Controller) PatchSession(ctx context.Context, id string, req v1.PatchSessionRequest) (*v1.Session, error) {
	sess, err := c.mgr.PatchSession(ctx, id, req)
	return sess, wrap(err)
}

func (c *Controller) StartSession(ctx context.Context, id string) error {
	return wrap(c.mgr.Start(ctx, id))
}

// PauseSession latches (or clears) the session's halt flag: queued work
// stays put until resumed, and a halt also interrupts the current turn.
func (c *Controller) PauseSession(ctx context.Context, id string, paused bool) error {
	if err := c.mgr.SetHalted(ctx, id, paused); err != nil {
		return wrap(err)
	}
	if paused {
		if err := c.mgr.Interrupt(ctx, id); err != nil {
			return wrap(err)
		}
	}
	return nil
}

func (c *Controller) TerminateSession(ctx context.Context, id string) error {
	return wrap(c.mgr.Terminate(ctx, id))
}

func (c *Controller) RestartSession(ctx context.Context, id string) error {
	return wrap(c.mgr.Restart(ctx, id))
}

func (c *Controller) ResetSession(ctx context.Context, id string) error {
	return wrap(c.mgr.Reset(ctx, id))
}

func (c *Controller) DisconnectSession(ctx context.Context, id string) error {
	return wrap(c.mgr.Disconnect(ctx, id))
}

func (c *Controller) DeleteSession(ctx context.Context, id string) error {
	return wrap(c.mgr.Delete(ctx, id))
}

func (c *Controller) InterruptSession(ctx context.Context, id string) error {
	return wrap(c.mgr.Interrupt(ctx, id))
}

func (c *Controller) SetSessionName(ctx context.Context, id, name string) (*v1.Session, error) {
	sess, err := c.mgr.SetName(ctx, id, name)
	return sess, wrap(err)
}

func (c *Controller) SetPermissionMode(ctx context.Context, id string, mode v1.PermissionMode) error {
	switch mode {
	case v1.PermissionModeDefault, v1.PermissionModeAcceptEdits, v1.PermissionModePlan, v1.PermissionModeBypass:
	default:
		return &Error{Code: CodeBadRequest, Message: fmt.Sprintf("unknown permission mode %q", mode)}
	}
	return wrap(c.mgr.SetPermissionMode(ctx, id, mode))
}

func (c *Controller) SendMessage(ctx context.Context, id, body string, attachments []v1.Attachment) (*v1.QueueItem, error) {
	if body == "" {
		return nil, &Error{Code: CodeBadRequest, Message: "message body required"}
	}
	item, err := c.mgr.SendMessage(ctx, id, body, attachments)
	return item, wrap(err)
}

func (c *Controller) GetMessages(ctx context.Context, id string, limit, offset int) ([]eventlog.Record, error) {
	recs, err := c.mgr.GetMessages(ctx, id, limit, offset)
	return recs, wrap(err)
}

// --- queue ---

func (c *Controller) Enqueue(ctx context.Context, id string, params session.EnqueueParams) (*v1.QueueItem, error) {
	item, err := c.mgr.Enqueue(ctx, id, params)
	return item, wrap(err)
}

func (c *Controller) ListQueue(ctx context.Context, id string) ([]*v1.QueueItem, error) {
	items, err := c.mgr.ListQueue(ctx, id)
	return items, wrap(err)
}

func (c *Controller) CancelQueueItem(ctx context.Context, id, itemID string) error {
	return wrap(c.mgr.CancelQueueItem(ctx, id, itemID))
}

func (c *Controller) RequeueFront(ctx context.Context, id, itemID string) error {
	return wrap(c.mgr.RequeueFront(ctx, id, itemID))
}

func (c *Controller) ClearQueue(ctx context.Context, id string) error {
	return wrap(c.mgr.ClearQueue(ctx, id))
}

func (c *Controller) PauseQueue(ctx context.Context, id string, paused bool) error {
	return wrap(c.mgr.PauseQueue(ctx, id, paused))
}

func (c *Controller) PatchTiming(ctx context.Context, id string, timing v1.QueueTiming) error {
	return wrap(c.mgr.PatchTiming(ctx, id, timing))
}

// --- permissions ---

func (c *Controller) RespondPermission(ctx context.Context, id, requestID string, decision v1.PermissionDecision, responder string) error {
	switch decision.Behavior {
	case v1.PermissionAllow, v1.PermissionDeny:
	default:
		return &Error{Code: CodeBadRequest, Message: fmt.Sprintf("unknown behavior %q", decision.Behavior)}
	}
	if responder == "" {
		responder = "user"
	}
	return wrap(c.mgr.RespondPermission(ctx, id, requestID, decision, responder))
}

func (c *Controller) PendingPermissions(ctx context.Context, id string) ([]v1.PermissionRequest, error) {
	out, err := c.mgr.PendingPermissions(ctx, id)
	return out, wrap(err)
}

// --- legion ---

func (c *Controller) ListMinions(ctx context.Context, legionID string) ([]v1.MinionInfo, error) {
	out, err := c.coord.ListMinions(legionID)
	return out, wrap(err)
}

func (c *Controller) GetHierarchy(ctx context.Context, legionID string) ([]*v1.HierarchyNode, error) {
	out, err := c.coord.GetHierarchy(legionID)
	return out, wrap(err)
}

func (c *Controller) SendComm(ctx context.Context, req v1.SendCommRequest) (*v1.Comm, error) {
	comm, err := c.router.Send(ctx, req)
	return comm, wrap(err)
}

func (c *Controller) CommHistory(ctx context.Context, legionID string, after uint64, limit int) ([]v1.Comm, error) {
	out, err := c.router.History(legionID, after, limit)
	return out, wrap(err)
}

func (c *Controller) HaltAll(ctx context.Context, legionID string) error {
	return wrap(c.coord.HaltAll(ctx, legionID))
}

func (c *Controller) ResumeAll(ctx context.Context, legionID string) error {
	return wrap(c.coord.ResumeAll(ctx, legionID))
}

func (c *Controller) CreateMinion(ctx context.Context, legionID string, params legion.SpawnParams) (*v1.Session, error) {
	sess, err := c.coord.SpawnMinion(ctx, legionID, params)
	return sess, wrap(err)
}

func (c *Controller) DisposeMinion(ctx context.Context, legionID, name string, archiveKnowledge bool) error {
	return wrap(c.coord.DisposeMinion(ctx, legionID, name, archiveKnowledge))
}

// --- schedules ---

func (c *Controller) CreateSchedule(ctx context.Context, req v1.CreateScheduleRequest) (*v1.Schedule, error) {
	sch, err := c.sched.Create(ctx, req)
	return sch, wrap(err)
}

func (c *Controller) GetSchedule(ctx context.Context, id string) (*v1.Schedule, error) {
	sch, err := c.sched.Get(id)
	return sch, wrap(err)
}

func (c *Controller) ListSchedules(ctx context.Context, legionID string) ([]v1.Schedule, error) {
	if _, err := c.store.GetProject(legionID); err != nil {
		return nil, wrap(err)
	}
	return c.sched.List(legionID), nil
}

func (c *Controller) PatchSchedule(ctx context.Context, id string, req v1.PatchScheduleRequest) (*v1.Schedule, error) {
	sch, err := c.sched.Patch(ctx, id, req)
	return sch, wrap(err)
}

func (c *Controller) PauseSchedule(ctx context.Context, id string) (*v1.Schedule, error) {
	sch, err := c.sched.Pause(id)
	return sch, wrap(err)
}

func (c *Controller) ResumeSchedule(ctx context.Context, id string) (*v1.Schedule, error) {
	sch, err := c.sched.Resume(id)
	return sch, wrap(err)
}

func (c *Controller) CancelSchedule(ctx context.Context, id string) (*v1.Schedule, error) {
	sch, err := c.sched.Cancel(id)
	return sch, wrap(err)
}

func (c *Controller) DeleteSchedule(ctx context.Context, id string) error {
	return wrap(c.sched.Delete(id))
}

func (c *Controller) ScheduleHistory(ctx context.Context, id string) ([]v1.ScheduleExecution, error) {
	out, err := c.sched.History(id)
	return out, wrap(err)
}

// --- templates ---

func (c *Controller) CreateTemplate(ctx context.Context, req v1.CreateTemplateRequest) (*v1.Template, error) {
	if req.Name == "" {
		return nil, &Error{Code: CodeBadRequest, Message: "template name required"}
	}
	tpl, err := c.store.CreateTemplate(&state.Template{
		ID:             uuid.New().String(),
		Name:           req.Name,
		AgentKind:      req.AgentKind,
		PermissionMode: req.PermissionMode,
		AllowedTools:   req.AllowedTools,
		Model:          req.Model,
		InitContext:    req.InitContext,
	})
	if err != nil {
		return nil, wrap(err)
	}
	out := tpl.ToAPI()
	return &out, nil
}

func (c *Controller) GetTemplate(ctx context.Context, id string) (*v1.Template, error) {
	tpl, err := c.store.GetTemplate(id)
	if err != nil {
		return nil, wrap(err)
	}
	out := tpl.ToAPI()
	return &out, nil
}

func (c *Controller) ListTemplates(ctx context.Context) []v1.Template {
	tpls := c.store.ListTemplates()
	out := make([]v1.Template, 0, len(tpls))
	for _, tpl := range tpls {
		out = append(out, tpl.ToAPI())
	}
	return out
}

func (c *Controller) UpdateTemplate(ctx context.Context, id string, req v1.UpdateTemplateRequest) (*v1.Template, error) {
	tpl, err := c.store.UpdateTemplate(id, func(t *state.Template) error {
		if req.Name != nil {
			t.Name = *req.Name
		}
		if req.AgentKind != nil {
			t.AgentKind = *req.AgentKind
		}
		if req.PermissionMode != nil {
			t.PermissionMode = *req.PermissionMode
		}
		if req.AllowedTools != nil {
			t.AllowedTools = append([]string(nil), req.AllowedTools...)
		}
		if req.Model != nil {
			t.Model = *req.Model
		}
		if req.InitContext != nil {
			t.InitContext = *req.InitContext
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	out := tpl.ToAPI()
	return &out, nil
}

func (c *Controller) DeleteTemplate(ctx context.Context, id string) error {
	return wrap(c.store.DeleteTemplate(id))
}
