// Package schedule fires cron-driven prompts at minions.
package schedule

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/config"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/comms"
	"github.com/legionhq/legion/internal/session"
	"github.com/legionhq/legion/internal/state"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

var (
	ErrBadCron = errors.New("invalid cron expression")

	errTargetUnavailable = errors.New("target minion unavailable")
	errRunTimeout        = errors.New("run deadline exceeded")
)

// Stats are cumulative scheduler counters.
type Stats struct {
	Runs     uint64
	Failures uint64
	Timeouts uint64
}

// Scheduler owns every schedule's next firing in one min-heap and a single
// dispatch loop. Executions run on their own goroutines so a slow minion
// never delays other schedules.
type Scheduler struct {
	store  *state.Store
	mgr    *session.Manager
	router *comms.Router
	cfg    config.SchedulerConfig
	logger *logger.Logger
	parser cron.Parser

	mu      sync.Mutex
	pending entryHeap
	gens    map[string]uint64
	wake    chan struct{}

	runs     atomic.Uint64
	failures atomic.Uint64
	timeouts atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. Call Start to load persisted schedules
// and begin dispatching.
func NewScheduler(store *state.Store, mgr *session.Manager, router *comms.Router, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		mgr:    mgr,
		router: router,
		cfg:    cfg,
		logger: log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		gens:   map[string]uint64{},
		wake:   make(chan struct{}, 1),
	}
}

// Start loads active schedules, recomputes stale next-run times, and starts
// the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	now := time.Now()
	for _, sch := range s.store.ListAllSchedules() {
		if sch.Status != v1.ScheduleActive {
			continue
		}
		next := sch.NextRunAt
		if next == nil || next.Before(now) {
			sched, err := s.parser.Parse(sch.CronExpr)
			if err != nil {
				s.logger.Error("skipping schedule with unparseable cron",
					zap.String("schedule_id", sch.ID), zap.Error(err))
				continue
			}
			n := sched.Next(now)
			next = &n
			if _, err := s.store.PatchSchedule(sch.ID, -1, func(c *state.Schedule) error {
				c.NextRunAt = next
				return nil
			}); err != nil {
				return err
			}
		}
		s.push(sch.ID, *next)
	}

	s.wg.Add(1)
	go s.loop()
	s.logger.Info("scheduler started", zap.Int("schedules", s.pending.Len()))
	return nil
}

// Stop halts dispatching and waits for in-flight executions.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Stats returns cumulative execution counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Runs:     s.runs.Load(),
		Failures: s.failures.Load(),
		Timeouts: s.timeouts.Load(),
	}
}

func (s *Scheduler) tickInterval() time.Duration {
	if s.cfg.TickInterval > 0 {
		return time.Duration(s.cfg.TickInterval) * time.Second
	}
	return time.Second
}

func (s *Scheduler) historyLimit() int {
	if s.cfg.HistoryLimit > 0 {
		return s.cfg.HistoryLimit
	}
	return 50
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.dispatchDue()
	}
}

func (s *Scheduler) dispatchDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.pending.Len() == 0 || s.pending[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.pending).(entry)
		stale := s.gens[e.id] != e.gen
		s.mu.Unlock()
		if stale {
			continue
		}

		sch, err := s.store.GetSchedule(e.id)
		if err != nil || sch.Status != v1.ScheduleActive {
			continue
		}
		s.wg.Add(1)
		go func(sch *state.Schedule) {
			defer s.wg.Done()
			s.execute(sch)
		}(sch)
	}
}

func (s *Scheduler) push(id string, at time.Time) {
	s.mu.Lock()
	gen := s.gens[id] + 1
	s.gens[id] = gen
	heap.Push(&s.pending, entry{at: at, id: id, gen: gen})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// invalidate drops any heap entry for the schedule without touching the heap
// structure; stale generations are skipped at pop time.
func (s *Scheduler) invalidate(id string) {
	s.mu.Lock()
	s.gens[id]++
	s.mu.Unlock()
}

// --- execution ---

func (s *Scheduler) execute(sch *state.Schedule) {
	started := time.Now().UTC()
	outcome, runErr := s.runWithRetries(sch)
	ended := time.Now().UTC()

	s.runs.Add(1)
	switch outcome {
	case v1.OutcomeTimeout:
		s.timeouts.Add(1)
	case v1.OutcomeError, v1.OutcomeTargetUnavailable:
		s.failures.Add(1)
	}

	exec := v1.ScheduleExecution{StartedAt: started, EndedAt: ended, Outcome: outcome}
	if runErr != nil {
		exec.Error = runErr.Error()
	}

	sched, parseErr := s.parser.Parse(sch.CronExpr)
	updated, err := s.store.PatchSchedule(sch.ID, -1, func(c *state.Schedule) error {
		c.History = append(c.History, exec)
		if over := len(c.History) - s.historyLimit(); over > 0 {
			c.History = c.History[over:]
		}
		if parseErr == nil && c.Status == v1.ScheduleActive {
			next := sched.Next(time.Now())
			c.NextRunAt = &next
		} else {
			c.NextRunAt = nil
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record schedule execution",
			zap.String("schedule_id", sch.ID), zap.Error(err))
		return
	}
	if updated.Status == v1.ScheduleActive && updated.NextRunAt != nil {
		s.push(updated.ID, *updated.NextRunAt)
	}

	s.router.PublishLifecycle(sch.LegionID, v1.StreamEventScheduleUpdated, updated.ToAPI())
	s.logger.Info("schedule fired",
		zap.String("schedule_id", sch.ID),
		zap.String("minion", sch.Minion),
		zap.String("outcome", outcome),
		zap.Duration("took", ended.Sub(started)))
}

func (s *Scheduler) runTimeout(sch *state.Schedule) time.Duration {
	if sch.TimeoutSecs > 0 {
		return time.Duration(sch.TimeoutSecs) * time.Second
	}
	if s.cfg.DefaultTimeout > 0 {
		return time.Duration(s.cfg.DefaultTimeout) * time.Second
	}
	return 10 * time.Minute
}

// runWithRetries drives one firing to a terminal outcome. Transient failures
// retry with exponential backoff inside the deadline window; timeouts and an
// unavailable target are final.
func (s *Scheduler) runWithRetries(sch *state.Schedule) (string, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.runTimeout(sch))
	defer cancel()

	retries := sch.MaxRetries
	if retries == 0 {
		retries = s.cfg.DefaultRetries
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	err := backoff.Retry(func() error {
		return s.runOnce(ctx, sch)
	}, policy)

	switch {
	case err == nil:
		return v1.OutcomeOK, nil
	case errors.Is(err, errTargetUnavailable):
		return v1.OutcomeTargetUnavailable, err
	case errors.Is(err, errRunTimeout), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return v1.OutcomeTimeout, err
	default:
		return v1.OutcomeError, err
	}
}

func (s *Scheduler) runOnce(ctx context.Context, sch *state.Schedule) error {
	target, err := s.store.SessionByName(sch.LegionID, sch.Minion)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %s", errTargetUnavailable, sch.Minion))
	}
	if target.State == v1.SessionStateTerminated && !sch.StartIfNeeded {
		return backoff.Permanent(fmt.Errorf("%w: %s is terminated", errTargetUnavailable, sch.Minion))
	}

	if sch.ResetSession {
		if err := s.mgr.Reset(ctx, target.ID); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
		if err := s.waitForState(ctx, target.ID, v1.SessionStateCreated); err != nil {
			return err
		}
	}

	if err := s.ensureActive(ctx, target.ID); err != nil {
		return err
	}

	item, err := s.mgr.Enqueue(ctx, target.ID, session.EnqueueParams{
		Body:   sch.Prompt,
		Origin: "schedule",
		Metadata: map[string]interface{}{
			"schedule_id": sch.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	if err := s.waitForItem(ctx, target.ID, item.ID); err != nil {
		// Deadline hit mid-turn: interrupt so the minion is not left
		// grinding on a stale prompt.
		if interruptErr := s.mgr.Interrupt(context.Background(), target.ID); interruptErr != nil {
			s.logger.Warn("timeout interrupt failed",
				zap.String("session_id", target.ID), zap.Error(interruptErr))
		}
		return backoff.Permanent(errRunTimeout)
	}

	ent, err := s.store.GetSession(target.ID)
	if err != nil {
		return backoff.Permanent(err)
	}
	if ent.State == v1.SessionStateError {
		return fmt.Errorf("minion entered error state: %s", ent.ErrorMessage)
	}
	return nil
}

// ensureActive starts the target if it is startable and waits for active.
func (s *Scheduler) ensureActive(ctx context.Context, sessionID string) error {
	ent, err := s.store.GetSession(sessionID)
	if err != nil {
		return backoff.Permanent(err)
	}
	switch ent.State {
	case v1.SessionStateActive:
		return nil
	case v1.SessionStateCreated, v1.SessionStateError, v1.SessionStateTerminated:
		if err := s.mgr.Start(ctx, sessionID); err != nil {
			return fmt.Errorf("start failed: %w", err)
		}
	case v1.SessionStateStarting:
	default:
		return fmt.Errorf("target in state %s", ent.State)
	}
	return s.waitForState(ctx, sessionID, v1.SessionStateActive)
}

func (s *Scheduler) waitForState(ctx context.Context, sessionID string, want v1.SessionState) error {
	for {
		ent, err := s.store.GetSession(sessionID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if ent.State == want {
			return nil
		}
		if ent.State == v1.SessionStateError && want != v1.SessionStateError {
			return fmt.Errorf("target entered error state: %s", ent.ErrorMessage)
		}
		select {
		case <-ctx.Done():
			return errRunTimeout
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// waitForItem blocks until the queue item has settled (no longer running or
// pending) or the deadline fires.
func (s *Scheduler) waitForItem(ctx context.Context, sessionID, itemID string) error {
	for {
		items, err := s.mgr.ListQueue(ctx, sessionID)
		if err != nil {
			return nil // session torn down; let the state check decide
		}
		found := false
		for _, item := range items {
			if item.ID == itemID {
				found = true
				break
			}
		}
		if !found {
			return nil
		}
		select {
		case <-ctx.Done():
			return errRunTimeout
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// --- CRUD ---

// Create validates and persists a new schedule and arms its first firing.
func (s *Scheduler) Create(ctx context.Context, req v1.CreateScheduleRequest) (*v1.Schedule, error) {
	if _, err := s.store.SessionByName(req.LegionID, req.Minion); err != nil {
		return nil, fmt.Errorf("minion %q: %w", req.Minion, err)
	}
	sched, err := s.parser.Parse(req.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", req.CronExpr, ErrBadCron)
	}

	next := sched.Next(time.Now())
	created, err := s.store.CreateSchedule(&state.Schedule{
		ID:            uuid.New().String(),
		LegionID:      req.LegionID,
		Minion:        req.Minion,
		CronExpr:      req.CronExpr,
		Prompt:        req.Prompt,
		ResetSession:  req.ResetSession,
		StartIfNeeded: req.StartIfNeeded,
		MaxRetries:    req.MaxRetries,
		TimeoutSecs:   req.TimeoutSecs,
		Status:        v1.ScheduleActive,
		NextRunAt:     &next,
	})
	if err != nil {
		return nil, err
	}

	s.push(created.ID, next)
	s.router.PublishLifecycle(created.LegionID, v1.StreamEventScheduleUpdated, created.ToAPI())
	s.logger.Info("schedule created",
		zap.String("schedule_id", created.ID),
		zap.String("minion", created.Minion),
		zap.String("cron", created.CronExpr),
		zap.Time("next_run_at", next))
	out := created.ToAPI()
	return &out, nil
}

// Get returns one schedule.
func (s *Scheduler) Get(id string) (*v1.Schedule, error) {
	sch, err := s.store.GetSchedule(id)
	if err != nil {
		return nil, err
	}
	out := sch.ToAPI()
	return &out, nil
}

// List returns the legion's schedules.
func (s *Scheduler) List(legionID string) []v1.Schedule {
	schs := s.store.ListSchedules(legionID)
	out := make([]v1.Schedule, 0, len(schs))
	for _, sch := range schs {
		out = append(out, sch.ToAPI())
	}
	return out
}

// History returns the schedule's bounded execution history, oldest first.
func (s *Scheduler) History(id string) ([]v1.ScheduleExecution, error) {
	sch, err := s.store.GetSchedule(id)
	if err != nil {
		return nil, err
	}
	return append([]v1.ScheduleExecution(nil), sch.History...), nil
}

// Patch updates schedule fields. A new cron expression re-arms the next
// firing; cancelled schedules cannot be patched back to life.
func (s *Scheduler) Patch(ctx context.Context, id string, req v1.PatchScheduleRequest) (*v1.Schedule, error) {
	if req.CronExpr != nil {
		if _, err := s.parser.Parse(*req.CronExpr); err != nil {
			return nil, fmt.Errorf("%q: %w", *req.CronExpr, ErrBadCron)
		}
	}
	updated, err := s.store.PatchSchedule(id, -1, func(c *state.Schedule) error {
		if c.Status == v1.ScheduleCancelled {
			return fmt.Errorf("schedule %s is cancelled: %w", id, session.ErrInvalidState)
		}
		if req.CronExpr != nil {
			c.CronExpr = *req.CronExpr
			sched, _ := s.parser.Parse(c.CronExpr)
			next := sched.Next(time.Now())
			c.NextRunAt = &next
		}
		if req.Prompt != nil {
			c.Prompt = *req.Prompt
		}
		if req.ResetSession != nil {
			c.ResetSession = *req.ResetSession
		}
		if req.StartIfNeeded != nil {
			c.StartIfNeeded = *req.StartIfNeeded
		}
		if req.MaxRetries != nil {
			c.MaxRetries = *req.MaxRetries
		}
		if req.TimeoutSecs != nil {
			c.TimeoutSecs = *req.TimeoutSecs
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if req.CronExpr != nil && updated.Status == v1.ScheduleActive && updated.NextRunAt != nil {
		s.push(id, *updated.NextRunAt)
	}
	s.router.PublishLifecycle(updated.LegionID, v1.StreamEventScheduleUpdated, updated.ToAPI())
	out := updated.ToAPI()
	return &out, nil
}

// Pause stops firing without losing the schedule.
func (s *Scheduler) Pause(id string) (*v1.Schedule, error) {
	return s.setStatus(id, v1.SchedulePaused)
}

// Resume re-arms a paused schedule from now.
func (s *Scheduler) Resume(id string) (*v1.Schedule, error) {
	return s.setStatus(id, v1.ScheduleActive)
}

// Cancel permanently retires the schedule. Cancelled schedules never fire
// again and cannot be resumed.
func (s *Scheduler) Cancel(id string) (*v1.Schedule, error) {
	return s.setStatus(id, v1.ScheduleCancelled)
}

func (s *Scheduler) setStatus(id string, status v1.ScheduleStatus) (*v1.Schedule, error) {
	updated, err := s.store.PatchSchedule(id, -1, func(c *state.Schedule) error {
		if c.Status == v1.ScheduleCancelled {
			return fmt.Errorf("schedule %s is cancelled: %w", id, session.ErrInvalidState)
		}
		c.Status = status
		switch status {
		case v1.ScheduleActive:
			sched, err := s.parser.Parse(c.CronExpr)
			if err != nil {
				return fmt.Errorf("%q: %w", c.CronExpr, ErrBadCron)
			}
			next := sched.Next(time.Now())
			c.NextRunAt = &next
		default:
			c.NextRunAt = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if status == v1.ScheduleActive && updated.NextRunAt != nil {
		s.push(id, *updated.NextRunAt)
	} else {
		s.invalidate(id)
	}
	s.router.PublishLifecycle(updated.LegionID, v1.StreamEventScheduleUpdated, updated.ToAPI())
	out := updated.ToAPI()
	return &out, nil
}

// Delete removes the schedule, cancelling it first when still live.
func (s *Scheduler) Delete(id string) error {
	sch, err := s.store.GetSchedule(id)
	if err != nil {
		return err
	}
	if sch.Status != v1.ScheduleCancelled {
		if _, err := s.Cancel(id); err != nil {
			return err
		}
	}
	s.invalidate(id)
	if err := s.store.DeleteSchedule(id); err != nil {
		return err
	}
	s.router.PublishLifecycle(sch.LegionID, v1.StreamEventScheduleUpdated, map[string]string{
		"schedule_id": id,
		"deleted":     "true",
	})
	return nil
}
