package state

import (
	"fmt"
	"os"
	"sort"
	"time"
)

// CreateSchedule persists a new schedule under its legion.
func (s *Store) CreateSchedule(sch *Schedule) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, ok := snap.schedules[sch.ID]; ok {
		return nil, fmt.Errorf("schedule %s: %w", sch.ID, ErrExists)
	}
	project, ok := snap.projects[sch.LegionID]
	if !ok || !project.IsLegion {
		return nil, fmt.Errorf("legion %s: %w", sch.LegionID, ErrNotFound)
	}

	c := cloneSchedule(sch)
	c.Version = 1
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := writeEntity(s.schedulePath(c.LegionID, c.ID), c); err != nil {
		return nil, err
	}
	next := snap.clone()
	next.schedules[c.ID] = c
	s.commit(next)
	return cloneSchedule(c), nil
}

// GetSchedule returns a copy of the schedule.
func (s *Store) GetSchedule(id string) (*Schedule, error) {
	sch, ok := s.snap.Load().schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return cloneSchedule(sch), nil
}

// ListSchedules returns the legion's schedules ordered by creation time.
func (s *Store) ListSchedules(legionID string) []*Schedule {
	snap := s.snap.Load()
	var out []*Schedule
	for _, sch := range snap.schedules {
		if sch.LegionID == legionID {
			out = append(out, cloneSchedule(sch))
		}
	}
	sortSchedules(out)
	return out
}

// ListAllSchedules returns every schedule across all legions.
func (s *Store) ListAllSchedules() []*Schedule {
	snap := s.snap.Load()
	out := make([]*Schedule, 0, len(snap.schedules))
	for _, sch := range snap.schedules {
		out = append(out, cloneSchedule(sch))
	}
	sortSchedules(out)
	return out
}

func sortSchedules(list []*Schedule) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

// PatchSchedule applies fn to a copy of the schedule and commits it. A
// non-negative version enforces the optimistic check.
func (s *Store) PatchSchedule(id string, version int64, fn func(*Schedule) error) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	sch, ok := snap.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if version >= 0 && sch.Version != version {
		return nil, fmt.Errorf("schedule %s at version %d, caller had %d: %w", id, sch.Version, version, ErrVersionConflict)
	}

	c := cloneSchedule(sch)
	if err := fn(c); err != nil {
		return nil, err
	}
	c.Version = sch.Version + 1
	c.UpdatedAt = time.Now().UTC()

	if err := writeEntity(s.schedulePath(c.LegionID, id), c); err != nil {
		return nil, err
	}
	next := snap.clone()
	next.schedules[id] = c
	s.commit(next)
	return cloneSchedule(c), nil
}

// DeleteSchedule removes the schedule and its file.
func (s *Store) DeleteSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	sch, ok := snap.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err := os.Remove(s.schedulePath(sch.LegionID, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}
	next := snap.clone()
	delete(next.schedules, id)
	s.commit(next)
	return nil
}
