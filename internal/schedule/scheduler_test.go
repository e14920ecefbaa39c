package schedule

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legionhq/legion/internal/common/config"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/comms"
	"github.com/legionhq/legion/internal/events/bus"
	"github.com/legionhq/legion/internal/session"
	"github.com/legionhq/legion/internal/state"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

type fixture struct {
	store *state.Store
	mgr   *session.Manager
	sched *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	cfg := &config.Config{
		DataDir:   t.TempDir(),
		Agent:     config.AgentConfig{Binary: "claude", InitTimeout: 5, StopGrace: 1},
		Session:   config.SessionConfig{QueueDepth: 256},
		Scheduler: config.SchedulerConfig{TickInterval: 1, HistoryLimit: 3, DefaultTimeout: 30},
	}
	store := state.NewStore(cfg.DataDir, log)
	require.NoError(t, store.LoadAll())
	eventBus := bus.NewMemoryEventBus(log)
	mgr := session.NewManager(store, eventBus, cfg, log)
	router := comms.NewRouter(store, mgr, eventBus, log)
	sched := NewScheduler(store, mgr, router, cfg.Scheduler, log)

	_, err = store.CreateProject(&state.Project{
		ID: "legion-1", Name: "legion", WorkingDir: "/tmp", IsLegion: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sched.ctx = ctx
	sched.cancel = cancel

	t.Cleanup(func() {
		sched.Stop()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		mgr.Shutdown(shutdownCtx)
		router.Close()
	})
	return &fixture{store: store, mgr: mgr, sched: sched}
}

func (f *fixture) minion(t *testing.T, name string, start bool) *v1.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.mgr.CreateSession(ctx, v1.CreateSessionRequest{
		ProjectID: "legion-1", Name: name, AgentKind: "mock",
	})
	require.NoError(t, err)
	if start {
		require.NoError(t, f.mgr.Start(ctx, sess.ID))
		waitFor(t, "minion active", func() bool {
			ent, err := f.store.GetSession(sess.ID)
			return err == nil && ent.State == v1.SessionStateActive
		})
	}
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) create(t *testing.T, req v1.CreateScheduleRequest) *v1.Schedule {
	t.Helper()
	sch, err := f.sched.Create(context.Background(), req)
	require.NoError(t, err)
	return sch
}

func (f *fixture) stateOf(t *testing.T, id string) *state.Schedule {
	t.Helper()
	sch, err := f.store.GetSchedule(id)
	require.NoError(t, err)
	return sch
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	f.minion(t, "worker", false)
	ctx := context.Background()

	_, err := f.sched.Create(ctx, v1.CreateScheduleRequest{
		LegionID: "legion-1", Minion: "ghost", CronExpr: "* * * * *", Prompt: "hi",
	})
	assert.ErrorIs(t, err, state.ErrNotFound)

	_, err = f.sched.Create(ctx, v1.CreateScheduleRequest{
		LegionID: "legion-1", Minion: "worker", CronExpr: "not cron", Prompt: "hi",
	})
	assert.ErrorIs(t, err, ErrBadCron)

	sch := f.create(t, v1.CreateScheduleRequest{
		LegionID: "legion-1", Minion: "worker", CronExpr: "@hourly", Prompt: "hi",
	})
	assert.Equal(t, v1.ScheduleActive, sch.Status)
	require.NotNil(t, sch.NextRunAt)
	assert.True(t, sch.NextRunAt.After(time.Now()))
}

func TestScheduledRunWithReset(t *testing.T) {
	f := newFixture(t)
	minion := f.minion(t, "worker", true)
	ctx := context.Background()

	// Give the minion some history the reset must clear.
	_, err := f.mgr.SendMessage(ctx, minion.ID, "warm up", nil)
	require.NoError(t, err)
	waitFor(t, "warm-up turn done", func() bool {
		ent, _ := f.store.GetSession(minion.ID)
		return ent != nil && ent.State == v1.SessionStateActive && !ent.Processing
	})

	sch := f.create(t, v1.CreateScheduleRequest{
		LegionID: "legion-1", Minion: "worker", CronExpr: "@daily",
		Prompt: "do the rounds", ResetSession: true, TimeoutSecs: 30,
	})

	f.sched.execute(f.stateOf(t, sch.ID))

	after := f.stateOf(t, sch.ID)
	require.Len(t, after.History, 1)
	assert.Equal(t, v1.OutcomeOK, after.History[0].Outcome)
	assert.Empty(t, after.History[0].Error)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.After(time.Now()))

	// The log was reset: only the scheduled turn remains.
	recs, err := f.mgr.GetMessages(ctx, minion.ID, 0, 0)
	require.NoError(t, err)
	var inputs []session.UserInputPayload
	for _, rec := range recs {
		if rec.Kind == session.LogUserInput {
			var p session.UserInputPayload
			require.NoError(t, json.Unmarshal(rec.Payload, &p))
			inputs = append(inputs, p)
		}
	}
	require.Len(t, inputs, 1)
	assert.Equal(t, "do the rounds", inputs[0].Text)
	assert.Equal(t, "schedule", inputs[0].Origin)

	stats := f.sched.Stats()
	assert.Equal(t, uint64(1), stats.Runs)
	assert.Equal(t, uint64(0), stats.Failures)
}

func TestTerminatedTargetNeedsStartIfNeeded(t *testing.T) {
	f := newFixture(t)
	minion := f.minion(t, "worker", true)
	ctx := context.Background()

	require.NoError(t, f.mgr.Terminate(ctx, minion.ID))
	waitFor(t, "minion terminated", func() bool {
		ent, _ := f.store.GetSession(minion.ID)
		return ent != nil && ent.State == v1.SessionStateTerminated
	})

	sch := f.create(t, v1.CreateScheduleRequest{
		LegionID: "legion-1", Minion: "worker", CronExpr: "@daily",
		Prompt: "report in", TimeoutSecs: 30,
	})
	f.sched.execute(f.stateOf(t, sch.ID))

	after := f.stateOf(t, sch.ID)
	require.Len(t, after.History, 1)
	assert.Equal(t, v1.OutcomeTargetUnavailable, after.History[0].Outcome)

	// start_if_needed revives the target.
	_, err := f.sched.Patch(ctx, sch.ID, v1.PatchScheduleRequest{
		StartIfNeeded: boolPtr(true),
	})
	require.NoError(t, err)
	f.sched.execute(f.stateOf(t, sch.ID))

	after = f.stateOf(t, sch.ID)
	require.Len(t, after.History, 2)
	assert.Equal(t, v1.OutcomeOK, after.History[1].Outcome)
	ent, err := f.store.GetSession(minion.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStateActive, ent.State)
}

func TestRunTimeoutInterruptsTarget(t *testing.T) {
	f := newFixture(t)
	minion := f.minion(t, "worker", true)

	sch := f.create(t, v1.CreateScheduleRequest{
		LegionID: "legion-1", Minion: "worker", CronExpr: "@daily",
		Prompt: "/hang", TimeoutSecs: 1,
	})
	f.sched.execute(f.stateOf(t, sch.ID))

	after := f.stateOf(t, sch.ID)
	require.Len(t, after.History, 1)
	assert.Equal(t, v1.OutcomeTimeout, after.History[0].Outcome)
	assert.Equal(t, uint64(1), f.sched.Stats().Timeouts)

	// The interrupt released the minion.
	waitFor(t, "minion idle after interrupt", func() bool {
		ent, _ := f.store.GetSession(minion.ID)
		return ent != nil && ent.State == v1.SessionStateActive && !ent.Processing
	})
}

func TestHistoryIsBounded(t *testing.T) {
	f := newFixture(t)
	f.minion(t, "worker", true)

	sch := f.create(t, v1.CreateScheduleRequest{
		LegionID: "legion-1", Minion: "worker", CronExpr: "@daily",
		Prompt: "ping", TimeoutSecs: 30,
	})
	for i := 0; i < 5; i++ {
		f.sched.execute(f.stateOf(t, sch.ID))
	}

	after := f.stateOf(t, sch.ID)
	assert.Len(t, after.History, 3, "history evicts oldest beyond the limit")
}

func TestPauseResumeCancelDelete(t *testing.T) {
	f := newFixture(t)
	f.minion(t, "worker", false)
	ctx := context.Background()

	sch := f.create(t, v1.CreateScheduleRequest{
		LegionID: "legion-1", Minion: "worker", CronExpr: "@hourly", Prompt: "hi",
	})

	paused, err := f.sched.Pause(sch.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SchedulePaused, paused.Status)
	assert.Nil(t, paused.NextRunAt)

	resumed, err := f.sched.Resume(sch.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ScheduleActive, resumed.Status)
	require.NotNil(t, resumed.NextRunAt)

	cancelled, err := f.sched.Cancel(sch.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ScheduleCancelled, cancelled.Status)

	_, err = f.sched.Resume(sch.ID)
	assert.ErrorIs(t, err, session.ErrInvalidState, "cancelled is final")
	_, err = f.sched.Patch(ctx, sch.ID, v1.PatchScheduleRequest{Prompt: strPtr("new")})
	assert.ErrorIs(t, err, session.ErrInvalidState)

	require.NoError(t, f.sched.Delete(sch.ID))
	_, err = f.sched.Get(sch.ID)
	assert.ErrorIs(t, err, state.ErrNotFound)

	// Deleting an active schedule cancels implicitly.
	other := f.create(t, v1.CreateScheduleRequest{
		LegionID: "legion-1", Minion: "worker", CronExpr: "@hourly", Prompt: "hi",
	})
	require.NoError(t, f.sched.Delete(other.ID))
}

func TestDispatchSkipsStaleHeapEntries(t *testing.T) {
	f := newFixture(t)
	f.minion(t, "worker", true)

	sch := f.create(t, v1.CreateScheduleRequest{
		LegionID: "legion-1", Minion: "worker", CronExpr: "@daily",
		Prompt: "ping", TimeoutSecs: 30,
	})

	// Arm a past-due firing, then pause before the loop sees it.
	f.sched.push(sch.ID, time.Now().Add(-time.Second))
	_, err := f.sched.Pause(sch.ID)
	require.NoError(t, err)

	f.sched.dispatchDue()
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.stateOf(t, sch.ID).History, "paused schedule must not fire")

	// Resume, arm again, and the firing goes through.
	_, err = f.sched.Resume(sch.ID)
	require.NoError(t, err)
	f.sched.push(sch.ID, time.Now().Add(-time.Second))
	f.sched.dispatchDue()
	waitFor(t, "resumed schedule fired", func() bool {
		return len(f.stateOf(t, sch.ID).History) == 1
	})
	assert.Equal(t, v1.OutcomeOK, f.stateOf(t, sch.ID).History[0].Outcome)
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }
