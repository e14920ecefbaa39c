// Package legion owns the per-legion minion registry: names, the
// parent/child graph, and the template catalogue.
package legion

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/comms"
	"github.com/legionhq/legion/internal/session"
	"github.com/legionhq/legion/internal/state"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

var (
	ErrMinionLimit       = errors.New("minion limit reached")
	ErrParentUnavailable = errors.New("parent session not available")
)

// Coordinator mediates minion lifecycle within legions. It holds no state of
// its own; names and the hierarchy live in the store, delivery goes through
// the session manager and comm router.
type Coordinator struct {
	store  *state.Store
	mgr    *session.Manager
	router *comms.Router
	logger *logger.Logger
}

// NewCoordinator creates a legion coordinator. Call SeedTemplates once at
// startup to install the default template catalogue.
func NewCoordinator(store *state.Store, mgr *session.Manager, router *comms.Router, log *logger.Logger) *Coordinator {
	return &Coordinator{store: store, mgr: mgr, router: router, logger: log}
}

// SpawnParams describes one minion to create.
type SpawnParams struct {
	ParentID     string // empty for a root minion
	TemplateName string // optional; resolved by name in the catalogue
	TemplateID   string // takes precedence over TemplateName
	Name         string
	Role         string
	AgentKind    string // defaults to the template's kind, then claude
	Context      string // parent-supplied briefing, appended to the system prompt
	Start        bool
}

// SpawnMinion creates a named minion in the legion. Enforced up front:
// the project is a legion, the parent (when given) is non-terminal, the
// concurrency cap has head-room, the name is a unique single token, and the
// template exists.
func (c *Coordinator) SpawnMinion(ctx context.Context, legionID string, params SpawnParams) (*v1.Session, error) {
	project, err := c.store.GetProject(legionID)
	if err != nil {
		return nil, err
	}
	if !project.IsLegion {
		return nil, fmt.Errorf("project %s is not a legion: %w", legionID, state.ErrNotFound)
	}
	if params.Name == "" {
		return nil, fmt.Errorf("minion name required: %w", session.ErrInvalidName)
	}
	if err := session.ValidateName(params.Name); err != nil {
		return nil, err
	}

	if params.ParentID != "" {
		parent, err := c.store.GetSession(params.ParentID)
		if err != nil {
			return nil, fmt.Errorf("parent: %w", err)
		}
		if parent.ProjectID != legionID {
			return nil, fmt.Errorf("parent %s is outside legion %s: %w", params.ParentID, legionID, state.ErrNotFound)
		}
		if parent.IsTerminal() {
			return nil, fmt.Errorf("parent %s is %s: %w", parent.Name, parent.State, ErrParentUnavailable)
		}
	}

	if cap := project.MaxConcurrentMinions; cap > 0 {
		if live := c.store.CountLiveSessions(legionID); live >= cap {
			return nil, fmt.Errorf("legion %s has %d live minions (cap %d): %w",
				legionID, live, cap, ErrMinionLimit)
		}
	}

	templateID := params.TemplateID
	if templateID == "" && params.TemplateName != "" {
		tpl, err := c.store.TemplateByName(params.TemplateName)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", params.TemplateName, err)
		}
		templateID = tpl.ID
	}

	sess, err := c.mgr.CreateSession(ctx, v1.CreateSessionRequest{
		ProjectID:          legionID,
		ParentID:           params.ParentID,
		TemplateID:         templateID,
		Name:               params.Name,
		Role:               params.Role,
		AgentKind:          params.AgentKind,
		SystemPromptAppend: params.Context,
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("minion spawned",
		zap.String("legion_id", legionID),
		zap.String("session_id", sess.ID),
		zap.String("name", sess.Name),
		zap.String("parent_id", params.ParentID))
	c.router.PublishLifecycle(legionID, v1.StreamEventMinionCreated, sess)

	if params.Start {
		if err := c.mgr.Start(ctx, sess.ID); err != nil {
			return sess, fmt.Errorf("minion created but failed to start: %w", err)
		}
	}
	return sess, nil
}

// DisposeMinion terminates the named minion and its descendants, deepest
// first, freeing their names while keeping the session records. With
// archiveKnowledge set, each minion is asked for a final knowledge report
// before its driver goes down.
func (c *Coordinator) DisposeMinion(ctx context.Context, legionID, name string, archiveKnowledge bool) error {
	ent, err := c.store.SessionByName(legionID, name)
	if err != nil {
		return err
	}

	victims := c.store.ListDescendants(ent.ID) // deepest first
	victims = append(victims, ent)
	for _, victim := range victims {
		if archiveKnowledge {
			report := victim.LastMessage
			if report == "" {
				report = "no knowledge recorded"
			}
			if err := c.mgr.AppendNotice(ctx, victim.ID,
				fmt.Sprintf("Knowledge archive for %s: %s", victim.Name, report)); err != nil {
				c.logger.Warn("knowledge report not archived",
					zap.String("session_id", victim.ID), zap.Error(err))
			}
		}
		if err := c.mgr.Terminate(ctx, victim.ID); err != nil && !errors.Is(err, session.ErrInvalidState) {
			return fmt.Errorf("failed to terminate %s: %w", victim.Name, err)
		}
		disposed, err := c.store.PatchSession(victim.ID, -1, func(s *state.Session) error {
			s.Disposed = true
			return nil
		})
		if err != nil {
			return err
		}
		c.router.PublishLifecycle(legionID, v1.StreamEventMinionDisposed, minionInfo(disposed))
		c.logger.Info("minion disposed",
			zap.String("legion_id", legionID),
			zap.String("session_id", victim.ID),
			zap.String("name", victim.Name))
	}
	return nil
}

// ListMinions returns every named session in the legion, creation order.
func (c *Coordinator) ListMinions(legionID string) ([]v1.MinionInfo, error) {
	project, err := c.store.GetProject(legionID)
	if err != nil {
		return nil, err
	}
	if !project.IsLegion {
		return nil, fmt.Errorf("project %s is not a legion: %w", legionID, state.ErrNotFound)
	}
	var out []v1.MinionInfo
	for _, ent := range c.store.ListSessions(legionID) {
		if ent.Name == "" {
			continue
		}
		out = append(out, c.minionInfoWithParent(ent))
	}
	return out, nil
}

// GetHierarchy returns the legion's parent/child forest. Roots are minions
// without a parent, in stored session order.
func (c *Coordinator) GetHierarchy(legionID string) ([]*v1.HierarchyNode, error) {
	project, err := c.store.GetProject(legionID)
	if err != nil {
		return nil, err
	}
	if !project.IsLegion {
		return nil, fmt.Errorf("project %s is not a legion: %w", legionID, state.ErrNotFound)
	}

	sessions := c.store.ListSessions(legionID)
	nodes := make(map[string]*v1.HierarchyNode, len(sessions))
	for _, ent := range sessions {
		if ent.Name == "" {
			continue
		}
		nodes[ent.ID] = &v1.HierarchyNode{Minion: c.minionInfoWithParent(ent)}
	}
	var roots []*v1.HierarchyNode
	for _, ent := range sessions {
		node, ok := nodes[ent.ID]
		if !ok {
			continue
		}
		if parent, ok := nodes[ent.ParentID]; ok {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots, nil
}

// HaltAll interrupts every live minion in the legion and latches its halt
// flag so nothing dispatches until ResumeAll.
func (c *Coordinator) HaltAll(ctx context.Context, legionID string) error {
	return c.sweep(ctx, legionID, func(ctx context.Context, ent *state.Session) error {
		if err := c.mgr.SetHalted(ctx, ent.ID, true); err != nil {
			return err
		}
		if err := c.mgr.Interrupt(ctx, ent.ID); err != nil && !errors.Is(err, session.ErrInvalidState) {
			return err
		}
		return nil
	})
}

// ResumeAll clears the halt latch on every minion; queued work resumes.
func (c *Coordinator) ResumeAll(ctx context.Context, legionID string) error {
	return c.sweep(ctx, legionID, func(ctx context.Context, ent *state.Session) error {
		return c.mgr.SetHalted(ctx, ent.ID, false)
	})
}

func (c *Coordinator) sweep(ctx context.Context, legionID string, fn func(context.Context, *state.Session) error) error {
	project, err := c.store.GetProject(legionID)
	if err != nil {
		return err
	}
	if !project.IsLegion {
		return fmt.Errorf("project %s is not a legion: %w", legionID, state.ErrNotFound)
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, ent := range c.store.ListSessions(legionID) {
		if ent.Name == "" || ent.IsTerminal() {
			continue
		}
		ent := ent
		g.Go(func() error { return fn(ctx, ent) })
	}
	return g.Wait()
}

func (c *Coordinator) minionInfoWithParent(ent *state.Session) v1.MinionInfo {
	info := minionInfo(ent)
	if ent.ParentID != "" {
		if parent, err := c.store.GetSession(ent.ParentID); err == nil {
			info.ParentName = parent.Name
		}
	}
	return info
}

func minionInfo(ent *state.Session) v1.MinionInfo {
	return v1.MinionInfo{
		SessionID:       ent.ID,
		Name:            ent.Name,
		Role:            ent.Role,
		State:           ent.State,
		EffectiveStatus: ent.EffectiveStatus(false),
		Disposed:        ent.Disposed,
	}
}
