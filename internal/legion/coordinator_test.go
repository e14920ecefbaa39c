package legion

import (
	"context"
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
	coord *Coordinator
}

func newFixture(t *testing.T, maxMinions int) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	cfg := &config.Config{
		DataDir: t.TempDir(),
		Agent:   config.AgentConfig{Binary: "claude", InitTimeout: 5, StopGrace: 1},
		Session: config.SessionConfig{QueueDepth: 256},
	}
	store := state.NewStore(cfg.DataDir, log)
	require.NoError(t, store.LoadAll())
	eventBus := bus.NewMemoryEventBus(log)
	mgr := session.NewManager(store, eventBus, cfg, log)
	router := comms.NewRouter(store, mgr, eventBus, log)
	coord := NewCoordinator(store, mgr, router, log)

	_, err = store.CreateProject(&state.Project{
		ID: "legion-1", Name: "legion", WorkingDir: "/tmp", IsLegion: true,
		MaxConcurrentMinions: maxMinions,
	})
	require.NoError(t, err)
	_, err = store.CreateProject(&state.Project{
		ID: "plain-1", Name: "plain", WorkingDir: "/tmp",
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
		router.Close()
	})
	return &fixture{store: store, mgr: mgr, coord: coord}
}

func (f *fixture) spawn(t *testing.T, params SpawnParams) *v1.Session {
	t.Helper()
	params.AgentKind = "mock"
	sess, err := f.coord.SpawnMinion(context.Background(), "legion-1", params)
	require.NoError(t, err)
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

func TestSpawnMinionValidation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.coord.SpawnMinion(ctx, "plain-1", SpawnParams{Name: "scout"})
	assert.ErrorIs(t, err, state.ErrNotFound, "non-legion project rejected")

	_, err = f.coord.SpawnMinion(ctx, "legion-1", SpawnParams{})
	assert.ErrorIs(t, err, session.ErrInvalidName, "name required")

	_, err = f.coord.SpawnMinion(ctx, "legion-1", SpawnParams{Name: "two words"})
	assert.ErrorIs(t, err, session.ErrInvalidName)

	_, err = f.coord.SpawnMinion(ctx, "legion-1", SpawnParams{Name: "scout", TemplateName: "nope"})
	assert.ErrorIs(t, err, state.ErrNotFound, "unknown template rejected")

	_, err = f.coord.SpawnMinion(ctx, "legion-1", SpawnParams{Name: "scout", ParentID: "missing"})
	assert.ErrorIs(t, err, state.ErrNotFound, "unknown parent rejected")

	first, err := f.coord.SpawnMinion(ctx, "legion-1", SpawnParams{Name: "scout"})
	require.NoError(t, err)
	_, err = f.coord.SpawnMinion(ctx, "legion-1", SpawnParams{Name: "scout"})
	assert.ErrorIs(t, err, state.ErrNameTaken)

	// Terminal parent cannot spawn.
	require.NoError(t, f.mgr.Terminate(ctx, first.ID))
	waitFor(t, "parent terminated", func() bool {
		ent, _ := f.store.GetSession(first.ID)
		return ent != nil && ent.State == v1.SessionStateTerminated
	})
	_, err = f.coord.SpawnMinion(ctx, "legion-1", SpawnParams{Name: "child", ParentID: first.ID})
	assert.ErrorIs(t, err, ErrParentUnavailable)
}

func TestSpawnMinionConcurrencyCap(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.spawn(t, SpawnParams{Name: "one"})
	second := f.spawn(t, SpawnParams{Name: "two"})

	_, err := f.coord.SpawnMinion(ctx, "legion-1", SpawnParams{Name: "three"})
	assert.ErrorIs(t, err, ErrMinionLimit)

	// A terminated minion frees a slot.
	require.NoError(t, f.mgr.Terminate(ctx, second.ID))
	waitFor(t, "slot freed", func() bool {
		ent, _ := f.store.GetSession(second.ID)
		return ent != nil && ent.State == v1.SessionStateTerminated
	})
	_, err = f.coord.SpawnMinion(ctx, "legion-1", SpawnParams{Name: "three"})
	assert.NoError(t, err)
}

func TestSpawnFromTemplate(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.coord.SeedTemplates())

	// Seeding twice never duplicates.
	require.NoError(t, f.coord.SeedTemplates())
	tpls := f.store.ListTemplates()
	names := map[string]bool{}
	for _, tpl := range tpls {
		require.False(t, names[tpl.Name])
		names[tpl.Name] = true
	}
	require.True(t, names["scout"] && names["builder"] && names["reviewer"])

	sess, err := f.coord.SpawnMinion(context.Background(), "legion-1", SpawnParams{
		Name: "eyes", TemplateName: "scout", Role: "recon",
		Context: "Focus on the storage layer.",
	})
	require.NoError(t, err)

	ent, err := f.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.PermissionModePlan, ent.InitialPermissionMode)
	assert.Contains(t, ent.AllowedTools, "Read")
	assert.Contains(t, ent.SystemPromptAppend, "Focus on the storage layer.")
	assert.Contains(t, ent.SystemPromptAppend, "scout minion")
	assert.NotEmpty(t, ent.TemplateID)
	assert.Equal(t, 1, ent.TemplateRevision)
}

func TestDisposeCascadesAndFreesName(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	parent := f.spawn(t, SpawnParams{Name: "lead"})
	child := f.spawn(t, SpawnParams{Name: "helper", ParentID: parent.ID})
	grandchild := f.spawn(t, SpawnParams{Name: "gofer", ParentID: child.ID})

	require.NoError(t, f.coord.DisposeMinion(ctx, "legion-1", "lead", false))

	for _, id := range []string{parent.ID, child.ID, grandchild.ID} {
		ent, err := f.store.GetSession(id)
		require.NoError(t, err)
		assert.Equal(t, v1.SessionStateTerminated, ent.State)
		assert.True(t, ent.Disposed)
		assert.Equal(t, v1.EffectiveStatusDisposed, ent.EffectiveStatus(false))
	}

	// Names are released; metadata survives.
	_, err := f.store.SessionByName("legion-1", "lead")
	assert.ErrorIs(t, err, state.ErrNotFound)
	reused, err := f.coord.SpawnMinion(ctx, "legion-1", SpawnParams{Name: "lead"})
	require.NoError(t, err)
	assert.NotEqual(t, parent.ID, reused.ID)

	minions, err := f.coord.ListMinions("legion-1")
	require.NoError(t, err)
	assert.Len(t, minions, 4, "disposed minions stay listed")
}

func TestGetHierarchy(t *testing.T) {
	f := newFixture(t, 0)

	lead := f.spawn(t, SpawnParams{Name: "lead"})
	f.spawn(t, SpawnParams{Name: "helper", ParentID: lead.ID})
	f.spawn(t, SpawnParams{Name: "solo"})

	roots, err := f.coord.GetHierarchy("legion-1")
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, "lead", roots[0].Minion.Name)
	require.Len(t, roots[0].Children, 1)
	assert.Equal(t, "helper", roots[0].Children[0].Minion.Name)
	assert.Equal(t, "lead", roots[0].Children[0].Minion.ParentName)
	assert.Equal(t, "solo", roots[1].Minion.Name)
	assert.Empty(t, roots[1].Children)
}

func TestHaltAllAndResumeAll(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	sess, err := f.coord.SpawnMinion(ctx, "legion-1", SpawnParams{Name: "worker", AgentKind: "mock", Start: true})
	require.NoError(t, err)
	waitFor(t, "worker active", func() bool {
		ent, _ := f.store.GetSession(sess.ID)
		return ent != nil && ent.State == v1.SessionStateActive
	})

	require.NoError(t, f.coord.HaltAll(ctx, "legion-1"))
	waitFor(t, "halt latched", func() bool {
		ent, _ := f.store.GetSession(sess.ID)
		return ent != nil && ent.Halted
	})

	// Queued work sits still while halted.
	_, err = f.mgr.SendMessage(ctx, sess.ID, "hello", nil)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	queue, err := f.mgr.ListQueue(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, v1.QueueItemPending, queue[0].Status)

	require.NoError(t, f.coord.ResumeAll(ctx, "legion-1"))
	waitFor(t, "queue drained after resume", func() bool {
		q, _ := f.mgr.ListQueue(ctx, sess.ID)
		ent, _ := f.store.GetSession(sess.ID)
		return len(q) == 0 && ent != nil && !ent.Processing && !ent.Halted
	})
}
