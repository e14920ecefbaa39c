package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legionhq/legion/internal/common/logger"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	s := NewStore(t.TempDir(), log)
	require.NoError(t, s.LoadAll())
	return s
}

func mustProject(t *testing.T, s *Store, id, name string, legion bool) *Project {
	t.Helper()
	p, err := s.CreateProject(&Project{ID: id, Name: name, WorkingDir: "/tmp", IsLegion: legion})
	require.NoError(t, err)
	return p
}

func mustSession(t *testing.T, s *Store, id, projectID, name string) *Session {
	t.Helper()
	sess, err := s.CreateSession(&Session{
		ID:        id,
		ProjectID: projectID,
		Name:      name,
		State:     v1.SessionStateCreated,
	})
	require.NoError(t, err)
	return sess
}

func TestProjectCRUD(t *testing.T) {
	s := testStore(t)

	p := mustProject(t, s, "p1", "alpha", false)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, 0, p.Rank)

	got, err := s.GetProject("p1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)

	updated, err := s.PatchProject("p1", got.Version, func(p *Project) error {
		p.Name = "beta"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "beta", updated.Name)
	assert.Equal(t, int64(2), updated.Version)

	_, err = s.GetProject("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPatchProjectVersionConflict(t *testing.T) {
	s := testStore(t)
	mustProject(t, s, "p1", "alpha", false)

	_, err := s.PatchProject("p1", 99, func(p *Project) error { return nil })
	assert.ErrorIs(t, err, ErrVersionConflict)

	// A negative version skips the optimistic check.
	_, err = s.PatchProject("p1", -1, func(p *Project) error {
		p.Expanded = true
		return nil
	})
	assert.NoError(t, err)
}

func TestProjectRanksStayDense(t *testing.T) {
	s := testStore(t)
	mustProject(t, s, "p1", "one", false)
	mustProject(t, s, "p2", "two", false)
	mustProject(t, s, "p3", "three", false)

	require.NoError(t, s.ReorderProjects([]string{"p3", "p1", "p2"}))
	list := s.ListProjects()
	require.Len(t, list, 3)
	assert.Equal(t, "p3", list[0].ID)
	assert.Equal(t, "p1", list[1].ID)

	_, err := s.DeleteProject("p1")
	require.NoError(t, err)
	list = s.ListProjects()
	require.Len(t, list, 2)
	assert.Equal(t, 0, list[0].Rank)
	assert.Equal(t, 1, list[1].Rank)

	assert.ErrorIs(t, s.ReorderProjects([]string{"p3"}), ErrBadReorder)
	assert.ErrorIs(t, s.ReorderProjects([]string{"p3", "p3"}), ErrBadReorder)
}

func TestSessionLifecycle(t *testing.T) {
	s := testStore(t)
	mustProject(t, s, "p1", "alpha", false)
	mustSession(t, s, "s1", "p1", "scout")

	// Name collision within a project is rejected.
	_, err := s.CreateSession(&Session{ID: "s2", ProjectID: "p1", Name: "scout"})
	assert.ErrorIs(t, err, ErrNameTaken)

	mustSession(t, s, "s3", "p1", "builder")
	byName, err := s.SessionByName("p1", "builder")
	require.NoError(t, err)
	assert.Equal(t, "s3", byName.ID)

	p, err := s.GetProject("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s3"}, p.SessionIDs)

	require.NoError(t, s.ReorderSessions("p1", []string{"s3", "s1"}))
	ordered := s.ListSessions("p1")
	require.Len(t, ordered, 2)
	assert.Equal(t, "s3", ordered[0].ID)

	require.NoError(t, s.DeleteSession("s1"))
	p, err = s.GetProject("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s3"}, p.SessionIDs)
}

func TestSessionHierarchy(t *testing.T) {
	s := testStore(t)
	mustProject(t, s, "l1", "legion", true)
	root := mustSession(t, s, "root", "l1", "orchestrator")
	_ = root

	_, err := s.CreateSession(&Session{ID: "c1", ProjectID: "l1", Name: "child", ParentID: "root"})
	require.NoError(t, err)
	_, err = s.CreateSession(&Session{ID: "g1", ProjectID: "l1", Name: "grandchild", ParentID: "c1"})
	require.NoError(t, err)

	parent, err := s.GetSession("root")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, parent.ChildIDs)

	// Deepest descendants come first.
	desc := s.ListDescendants("root")
	require.Len(t, desc, 2)
	assert.Equal(t, "g1", desc[0].ID)
	assert.Equal(t, "c1", desc[1].ID)

	// Deleting the middle node detaches the grandchild.
	require.NoError(t, s.DeleteSession("c1"))
	g, err := s.GetSession("g1")
	require.NoError(t, err)
	assert.Empty(t, g.ParentID)
	parent, err = s.GetSession("root")
	require.NoError(t, err)
	assert.Empty(t, parent.ChildIDs)

	// Cross-project parents are rejected.
	mustProject(t, s, "p2", "other", false)
	_, err = s.CreateSession(&Session{ID: "x1", ProjectID: "p2", Name: "stray", ParentID: "root"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountLiveSessions(t *testing.T) {
	s := testStore(t)
	mustProject(t, s, "l1", "legion", true)
	mustSession(t, s, "s1", "l1", "a")
	mustSession(t, s, "s2", "l1", "b")

	_, err := s.PatchSession("s2", -1, func(sess *Session) error {
		sess.State = v1.SessionStateTerminated
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, s.CountLiveSessions("l1"))
}

func TestDeleteProjectCascades(t *testing.T) {
	s := testStore(t)
	mustProject(t, s, "l1", "legion", true)
	mustSession(t, s, "s1", "l1", "a")
	mustSession(t, s, "s2", "l1", "b")
	_, err := s.CreateSchedule(&Schedule{ID: "sch1", LegionID: "l1", Minion: "a", CronExpr: "* * * * *", Prompt: "go"})
	require.NoError(t, err)

	cascaded, err := s.DeleteProject("l1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, cascaded)

	_, err = s.GetSession("s1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSchedule("sch1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduleCRUD(t *testing.T) {
	s := testStore(t)
	mustProject(t, s, "l1", "legion", true)
	mustProject(t, s, "p1", "plain", false)

	_, err := s.CreateSchedule(&Schedule{ID: "sch1", LegionID: "p1", Minion: "a", CronExpr: "* * * * *"})
	assert.ErrorIs(t, err, ErrNotFound, "non-legion projects cannot hold schedules")

	sch, err := s.CreateSchedule(&Schedule{
		ID:       "sch1",
		LegionID: "l1",
		Minion:   "scout",
		CronExpr: "*/5 * * * *",
		Prompt:   "check the queue",
		Status:   v1.ScheduleActive,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sch.Version)

	updated, err := s.PatchSchedule("sch1", sch.Version, func(sch *Schedule) error {
		sch.Status = v1.SchedulePaused
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, v1.SchedulePaused, updated.Status)

	require.NoError(t, s.DeleteSchedule("sch1"))
	assert.Empty(t, s.ListSchedules("l1"))
}

func TestTemplateRevisions(t *testing.T) {
	s := testStore(t)

	tpl, err := s.CreateTemplate(&Template{ID: "t1", Name: "researcher", PermissionMode: v1.PermissionModeDefault})
	require.NoError(t, err)
	assert.Equal(t, 1, tpl.Revision)

	_, err = s.CreateTemplate(&Template{ID: "t2", Name: "researcher"})
	assert.ErrorIs(t, err, ErrNameTaken)

	updated, err := s.UpdateTemplate("t1", func(t *Template) error {
		t.Model = "sonnet"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Revision)
	assert.Equal(t, "t1", updated.ID, "updates keep the template id")

	byName, err := s.TemplateByName("researcher")
	require.NoError(t, err)
	assert.Equal(t, "sonnet", byName.Model)

	require.NoError(t, s.DeleteTemplate("t1"))
	_, err = s.GetTemplate("t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadAllSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	s := NewStore(dir, log)
	require.NoError(t, s.LoadAll())
	mustProject(t, s, "l1", "legion", true)
	mustSession(t, s, "s1", "l1", "scout")
	_, err = s.CreateSchedule(&Schedule{ID: "sch1", LegionID: "l1", Minion: "scout", CronExpr: "0 * * * *"})
	require.NoError(t, err)
	_, err = s.CreateTemplate(&Template{ID: "t1", Name: "researcher"})
	require.NoError(t, err)

	// A torn entity file is discarded, not fatal.
	corrupt := filepath.Join(dir, "sessions", "torn")
	require.NoError(t, os.MkdirAll(corrupt, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(corrupt, "state"), []byte(`{"id":"to`), 0644))

	reloaded := NewStore(dir, log)
	require.NoError(t, reloaded.LoadAll())

	p, err := reloaded.GetProject("l1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, p.SessionIDs)
	_, err = reloaded.GetSession("s1")
	require.NoError(t, err)
	_, err = reloaded.GetSchedule("sch1")
	require.NoError(t, err)
	_, err = reloaded.GetTemplate("t1")
	require.NoError(t, err)
	_, err = reloaded.GetSession("torn")
	assert.True(t, errors.Is(err, ErrNotFound))
}
