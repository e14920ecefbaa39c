package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

// Store errors
var (
	ErrNotFound        = errors.New("state: not found")
	ErrExists          = errors.New("state: already exists")
	ErrVersionConflict = errors.New("state: version conflict")
	ErrNameTaken       = errors.New("state: name already taken")
	ErrBadReorder      = errors.New("state: reorder is not a permutation")
)

// snapshot is an immutable view of all entities. Entities inside a snapshot
// are never mutated after commit; mutations clone first.
type snapshot struct {
	projects  map[string]*Project
	sessions  map[string]*Session
	schedules map[string]*Schedule
	templates map[string]*Template
}

func emptySnapshot() *snapshot {
	return &snapshot{
		projects:  map[string]*Project{},
		sessions:  map[string]*Session{},
		schedules: map[string]*Schedule{},
		templates: map[string]*Template{},
	}
}

// clone shallow-copies the entity maps so one of them can be replaced.
func (s *snapshot) clone() *snapshot {
	out := emptySnapshot()
	for k, v := range s.projects {
		out.projects[k] = v
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	for k, v := range s.schedules {
		out.schedules[k] = v
	}
	for k, v := range s.templates {
		out.templates[k] = v
	}
	return out
}

// Store is the process-wide metadata store. A coarse lock serialises
// mutations; reads are lock-free through the current snapshot.
type Store struct {
	mu      sync.Mutex
	dataDir string
	logger  *logger.Logger
	snap    atomic.Pointer[snapshot]
}

// NewStore creates a store rooted at dataDir. Call LoadAll before use.
func NewStore(dataDir string, log *logger.Logger) *Store {
	s := &Store{
		dataDir: dataDir,
		logger:  log.WithFields(zap.String("component", "state-store")),
	}
	s.snap.Store(emptySnapshot())
	return s
}

// DataDir returns the store's root directory.
func (s *Store) DataDir() string {
	return s.dataDir
}

func (s *Store) projectPath(id string) string {
	return filepath.Join(s.dataDir, "projects", id, "state")
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.dataDir, "sessions", id, "state")
}

// SessionDir returns the per-session directory holding state, events, and
// the agent debug log.
func (s *Store) SessionDir(id string) string {
	return filepath.Join(s.dataDir, "sessions", id)
}

// LegionDir returns the per-legion directory holding the comm log and
// schedules.
func (s *Store) LegionDir(id string) string {
	return filepath.Join(s.dataDir, "legions", id)
}

func (s *Store) schedulePath(legionID, id string) string {
	return filepath.Join(s.dataDir, "legions", legionID, "schedules", id)
}

func (s *Store) templatePath(id string) string {
	return filepath.Join(s.dataDir, "templates", id)
}

// LoadAll reads every entity from disk. Unreadable or torn entities are
// discarded with a warning so one bad file cannot block startup.
func (s *Store) LoadAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := emptySnapshot()

	loadInto(s, filepath.Join(s.dataDir, "projects"), "state", func(p *Project) {
		snap.projects[p.ID] = p
	})
	loadInto(s, filepath.Join(s.dataDir, "sessions"), "state", func(sess *Session) {
		snap.sessions[sess.ID] = sess
	})
	loadFlat(s, filepath.Join(s.dataDir, "templates"), func(t *Template) {
		snap.templates[t.ID] = t
	})

	// Schedules live under legions/<legion>/schedules/<id>.
	legionsDir := filepath.Join(s.dataDir, "legions")
	entries, err := os.ReadDir(legionsDir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			loadFlat(s, filepath.Join(legionsDir, entry.Name(), "schedules"), func(sch *Schedule) {
				snap.schedules[sch.ID] = sch
			})
		}
	}

	s.snap.Store(snap)
	s.logger.Info("state loaded",
		zap.Int("projects", len(snap.projects)),
		zap.Int("sessions", len(snap.sessions)),
		zap.Int("schedules", len(snap.schedules)),
		zap.Int("templates", len(snap.templates)))
	return nil
}

// loadInto reads <dir>/<id>/<file> entity files.
func loadInto[T any](s *Store, dir, file string, add func(*T)) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), file)
		v, err := readEntity[T](path)
		if err != nil {
			s.logger.Warn("discarding unreadable entity", zap.String("path", path), zap.Error(err))
			continue
		}
		add(v)
	}
}

// loadFlat reads <dir>/<id> entity files.
func loadFlat[T any](s *Store, dir string, add func(*T)) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		v, err := readEntity[T](path)
		if err != nil {
			s.logger.Warn("discarding unreadable entity", zap.String("path", path), zap.Error(err))
			continue
		}
		add(v)
	}
}

func readEntity[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	return &v, nil
}

// writeEntity persists v at path via write-temp-then-rename.
func writeEntity(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create entity directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode entity: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write entity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit entity: %w", err)
	}
	return nil
}

// commit replaces the snapshot. Callers hold s.mu and have already persisted
// the change to disk.
func (s *Store) commit(next *snapshot) {
	s.snap.Store(next)
}

// --- Projects ---

// CreateProject persists a new project. Rank is assigned at the end of the
// current ordering.
func (s *Store) CreateProject(p *Project) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, ok := snap.projects[p.ID]; ok {
		return nil, fmt.Errorf("project %s: %w", p.ID, ErrExists)
	}

	c := cloneProject(p)
	c.Rank = len(snap.projects)
	c.Version = 1
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.SessionIDs == nil {
		c.SessionIDs = []string{}
	}

	if err := writeEntity(s.projectPath(c.ID), c); err != nil {
		return nil, err
	}
	next := snap.clone()
	next.projects[c.ID] = c
	s.commit(next)
	return cloneProject(c), nil
}

// GetProject returns a copy of the project.
func (s *Store) GetProject(id string) (*Project, error) {
	p, ok := s.snap.Load().projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return cloneProject(p), nil
}

// ListProjects returns all projects ordered by rank.
func (s *Store) ListProjects() []*Project {
	snap := s.snap.Load()
	out := make([]*Project, 0, len(snap.projects))
	for _, p := range snap.projects {
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// PatchProject applies fn to a copy of the project and commits it. A
// non-negative version enforces the optimistic check.
func (s *Store) PatchProject(id string, version int64, fn func(*Project) error) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patchProjectLocked(id, version, fn)
}

func (s *Store) patchProjectLocked(id string, version int64, fn func(*Project) error) (*Project, error) {
	snap := s.snap.Load()
	p, ok := snap.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if version >= 0 && p.Version != version {
		return nil, fmt.Errorf("project %s at version %d, caller had %d: %w", id, p.Version, version, ErrVersionConflict)
	}

	c := cloneProject(p)
	if err := fn(c); err != nil {
		return nil, err
	}
	c.Version = p.Version + 1
	c.UpdatedAt = time.Now().UTC()

	if err := writeEntity(s.projectPath(id), c); err != nil {
		return nil, err
	}
	next := snap.clone()
	next.projects[id] = c
	s.commit(next)
	return cloneProject(c), nil
}

// DeleteProject removes the project and cascades to its sessions. It returns
// the ids of the sessions that were deleted so the caller can tear down
// their runtimes and logs.
func (s *Store) DeleteProject(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	p, ok := snap.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}

	var cascaded []string
	for _, sess := range snap.sessions {
		if sess.ProjectID == id {
			cascaded = append(cascaded, sess.ID)
		}
	}

	if err := os.RemoveAll(filepath.Join(s.dataDir, "projects", id)); err != nil {
		return nil, fmt.Errorf("failed to delete project %s: %w", id, err)
	}
	for _, sid := range cascaded {
		if err := os.RemoveAll(s.SessionDir(sid)); err != nil {
			s.logger.Warn("failed to delete cascaded session dir", zap.String("session_id", sid), zap.Error(err))
		}
	}
	if p.IsLegion {
		if err := os.RemoveAll(s.LegionDir(id)); err != nil {
			s.logger.Warn("failed to delete legion dir", zap.String("legion_id", id), zap.Error(err))
		}
	}

	next := snap.clone()
	delete(next.projects, id)
	for _, sid := range cascaded {
		delete(next.sessions, sid)
	}
	for schID, sch := range next.schedules {
		if sch.LegionID == id {
			delete(next.schedules, schID)
		}
	}

	// Keep ranks dense after removal.
	s.renumberProjects(next)
	s.commit(next)
	return cascaded, nil
}

// ReorderProjects commits a new rank order. ids must be a permutation of the
// current project set.
func (s *Store) ReorderProjects(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if len(ids) != len(snap.projects) {
		return ErrBadReorder
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if _, ok := snap.projects[id]; !ok || seen[id] {
			return ErrBadReorder
		}
		seen[id] = true
	}

	next := snap.clone()
	now := time.Now().UTC()
	for rank, id := range ids {
		c := cloneProject(next.projects[id])
		c.Rank = rank
		c.Version++
		c.UpdatedAt = now
		if err := writeEntity(s.projectPath(id), c); err != nil {
			return err
		}
		next.projects[id] = c
	}
	s.commit(next)
	return nil
}

// renumberProjects rewrites ranks as a dense permutation preserving order.
// Callers hold s.mu; best-effort persistence, the snapshot stays consistent.
func (s *Store) renumberProjects(snap *snapshot) {
	ordered := make([]*Project, 0, len(snap.projects))
	for _, p := range snap.projects {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Rank < ordered[j].Rank })
	for rank, p := range ordered {
		if p.Rank == rank {
			continue
		}
		c := cloneProject(p)
		c.Rank = rank
		if err := writeEntity(s.projectPath(c.ID), c); err != nil {
			s.logger.Warn("failed to persist renumbered project", zap.String("project_id", c.ID), zap.Error(err))
		}
		snap.projects[c.ID] = c
	}
}

func cloneProject(p *Project) *Project {
	c := *p
	c.SessionIDs = append([]string(nil), p.SessionIDs...)
	return &c
}

func cloneSession(s *Session) *Session {
	c := *s
	c.ChildIDs = append([]string(nil), s.ChildIDs...)
	c.AllowedTools = append([]string(nil), s.AllowedTools...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.LastActiveAt != nil {
		t := *s.LastActiveAt
		c.LastActiveAt = &t
	}
	return &c
}

func cloneSchedule(s *Schedule) *Schedule {
	c := *s
	c.History = append([]v1.ScheduleExecution(nil), s.History...)
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		c.NextRunAt = &t
	}
	return &c
}

func cloneTemplate(t *Template) *Template {
	c := *t
	c.AllowedTools = append([]string(nil), t.AllowedTools...)
	return &c
}
