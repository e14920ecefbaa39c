package state

import (
	"fmt"
	"os"
	"time"
)

// CreateSession persists a new session, links it into its project's ordering
// and, if parented, its parent's child list. Names are unique within a
// project so minion addressing stays unambiguous.
func (s *Store) CreateSession(sess *Session) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, ok := snap.sessions[sess.ID]; ok {
		return nil, fmt.Errorf("session %s: %w", sess.ID, ErrExists)
	}
	project, ok := snap.projects[sess.ProjectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", sess.ProjectID, ErrNotFound)
	}
	if sess.Name != "" {
		// Disposed minions keep their metadata but give the name back.
		for _, other := range snap.sessions {
			if other.ProjectID == sess.ProjectID && other.Name == sess.Name && !other.Disposed {
				return nil, fmt.Errorf("name %q in project %s: %w", sess.Name, sess.ProjectID, ErrNameTaken)
			}
		}
	}
	var parent *Session
	if sess.ParentID != "" {
		parent, ok = snap.sessions[sess.ParentID]
		if !ok {
			return nil, fmt.Errorf("parent session %s: %w", sess.ParentID, ErrNotFound)
		}
		if parent.ProjectID != sess.ProjectID {
			return nil, fmt.Errorf("parent session %s belongs to another project: %w", sess.ParentID, ErrNotFound)
		}
	}

	c := cloneSession(sess)
	c.Version = 1
	c.CreatedAt = time.Now().UTC()
	if err := writeEntity(s.sessionPath(c.ID), c); err != nil {
		return nil, err
	}

	next := snap.clone()
	next.sessions[c.ID] = c

	p := cloneProject(project)
	p.SessionIDs = append(p.SessionIDs, c.ID)
	p.Version++
	p.UpdatedAt = c.CreatedAt
	if err := writeEntity(s.projectPath(p.ID), p); err != nil {
		return nil, err
	}
	next.projects[p.ID] = p

	if parent != nil {
		pp := cloneSession(parent)
		pp.ChildIDs = append(pp.ChildIDs, c.ID)
		pp.Version++
		if err := writeEntity(s.sessionPath(pp.ID), pp); err != nil {
			return nil, err
		}
		next.sessions[pp.ID] = pp
	}

	s.commit(next)
	return cloneSession(c), nil
}

// GetSession returns a copy of the session.
func (s *Store) GetSession(id string) (*Session, error) {
	sess, ok := s.snap.Load().sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return cloneSession(sess), nil
}

// SessionByName resolves a session by its project-scoped name. Disposed
// minions are invisible here; their names have been released.
func (s *Store) SessionByName(projectID, name string) (*Session, error) {
	snap := s.snap.Load()
	for _, sess := range snap.sessions {
		if sess.ProjectID == projectID && sess.Name == name && !sess.Disposed {
			return cloneSession(sess), nil
		}
	}
	return nil, fmt.Errorf("session %q in project %s: %w", name, projectID, ErrNotFound)
}

// ListSessions returns the project's sessions in the project's stored order.
func (s *Store) ListSessions(projectID string) []*Session {
	snap := s.snap.Load()
	project, ok := snap.projects[projectID]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(project.SessionIDs))
	for _, id := range project.SessionIDs {
		if sess, ok := snap.sessions[id]; ok {
			out = append(out, cloneSession(sess))
		}
	}
	return out
}

// ListAllSessions returns every session across all projects.
func (s *Store) ListAllSessions() []*Session {
	snap := s.snap.Load()
	out := make([]*Session, 0, len(snap.sessions))
	for _, sess := range snap.sessions {
		out = append(out, cloneSession(sess))
	}
	return out
}

// ListDescendants returns the transitive children of a session, depth-first
// with deepest first, so callers can dispose leaves before parents.
func (s *Store) ListDescendants(id string) []*Session {
	snap := s.snap.Load()
	var out []*Session
	var walk func(string)
	walk = func(cur string) {
		sess, ok := snap.sessions[cur]
		if !ok {
			return
		}
		for _, child := range sess.ChildIDs {
			walk(child)
		}
		if cur != id {
			out = append(out, cloneSession(sess))
		}
	}
	walk(id)
	return out
}

// CountLiveSessions counts the project's sessions that still hold (or may
// hold) a live agent, i.e. everything not in a terminal state.
func (s *Store) CountLiveSessions(projectID string) int {
	snap := s.snap.Load()
	n := 0
	for _, sess := range snap.sessions {
		if sess.ProjectID == projectID && !sess.IsTerminal() {
			n++
		}
	}
	return n
}

// PatchSession applies fn to a copy of the session and commits it. A
// non-negative version enforces the optimistic check.
func (s *Store) PatchSession(id string, version int64, fn func(*Session) error) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	sess, ok := snap.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if version >= 0 && sess.Version != version {
		return nil, fmt.Errorf("session %s at version %d, caller had %d: %w", id, sess.Version, version, ErrVersionConflict)
	}

	c := cloneSession(sess)
	if err := fn(c); err != nil {
		return nil, err
	}
	if c.Name != sess.Name && c.Name != "" {
		for _, other := range snap.sessions {
			if other.ID != id && other.ProjectID == c.ProjectID && other.Name == c.Name && !other.Disposed {
				return nil, fmt.Errorf("name %q in project %s: %w", c.Name, c.ProjectID, ErrNameTaken)
			}
		}
	}
	c.Version = sess.Version + 1

	if err := writeEntity(s.sessionPath(id), c); err != nil {
		return nil, err
	}
	next := snap.clone()
	next.sessions[id] = c
	s.commit(next)
	return cloneSession(c), nil
}

// DeleteSession removes the session and unlinks it from its project, parent,
// and children. Children survive with their parent reference cleared.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	sess, ok := snap.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	if err := os.RemoveAll(s.SessionDir(id)); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}

	next := snap.clone()
	delete(next.sessions, id)
	now := time.Now().UTC()

	if project, ok := next.projects[sess.ProjectID]; ok {
		p := cloneProject(project)
		p.SessionIDs = removeString(p.SessionIDs, id)
		p.Version++
		p.UpdatedAt = now
		if err := writeEntity(s.projectPath(p.ID), p); err != nil {
			return err
		}
		next.projects[p.ID] = p
	}
	if sess.ParentID != "" {
		if parent, ok := next.sessions[sess.ParentID]; ok {
			pp := cloneSession(parent)
			pp.ChildIDs = removeString(pp.ChildIDs, id)
			pp.Version++
			if err := writeEntity(s.sessionPath(pp.ID), pp); err != nil {
				return err
			}
			next.sessions[pp.ID] = pp
		}
	}
	for _, childID := range sess.ChildIDs {
		child, ok := next.sessions[childID]
		if !ok {
			continue
		}
		cc := cloneSession(child)
		cc.ParentID = ""
		cc.Version++
		if err := writeEntity(s.sessionPath(cc.ID), cc); err != nil {
			return err
		}
		next.sessions[cc.ID] = cc
	}

	s.commit(next)
	return nil
}

// ReorderSessions commits a new session order for the project. ids must be a
// permutation of the project's current session list.
func (s *Store) ReorderSessions(projectID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	project, ok := snap.projects[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if len(ids) != len(project.SessionIDs) {
		return ErrBadReorder
	}
	current := map[string]bool{}
	for _, id := range project.SessionIDs {
		current[id] = true
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if !current[id] || seen[id] {
			return ErrBadReorder
		}
		seen[id] = true
	}

	p := cloneProject(project)
	p.SessionIDs = append([]string(nil), ids...)
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	if err := writeEntity(s.projectPath(p.ID), p); err != nil {
		return err
	}
	next := snap.clone()
	next.projects[p.ID] = p
	s.commit(next)
	return nil
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
