package state

import (
	"fmt"
	"os"
	"sort"
	"time"
)

// CreateTemplate persists a new template at revision 1. Template names are
// unique so spawn requests can reference them by name.
func (s *Store) CreateTemplate(t *Template) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, ok := snap.templates[t.ID]; ok {
		return nil, fmt.Errorf("template %s: %w", t.ID, ErrExists)
	}
	for _, other := range snap.templates {
		if other.Name == t.Name {
			return nil, fmt.Errorf("template name %q: %w", t.Name, ErrNameTaken)
		}
	}

	c := cloneTemplate(t)
	c.Revision = 1
	c.CreatedAt = time.Now().UTC()
	if err := writeEntity(s.templatePath(c.ID), c); err != nil {
		return nil, err
	}
	next := snap.clone()
	next.templates[c.ID] = c
	s.commit(next)
	return cloneTemplate(c), nil
}

// GetTemplate returns a copy of the template.
func (s *Store) GetTemplate(id string) (*Template, error) {
	t, ok := s.snap.Load().templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return cloneTemplate(t), nil
}

// TemplateByName resolves a template by its unique name.
func (s *Store) TemplateByName(name string) (*Template, error) {
	snap := s.snap.Load()
	for _, t := range snap.templates {
		if t.Name == name {
			return cloneTemplate(t), nil
		}
	}
	return nil, fmt.Errorf("template %q: %w", name, ErrNotFound)
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates() []*Template {
	snap := s.snap.Load()
	out := make([]*Template, 0, len(snap.templates))
	for _, t := range snap.templates {
		out = append(out, cloneTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateTemplate applies fn to a copy of the template and bumps its
// revision. Sessions copy template values at spawn time, so existing
// sessions keep the revision they were created from.
func (s *Store) UpdateTemplate(id string, fn func(*Template) error) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	t, ok := snap.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}

	c := cloneTemplate(t)
	if err := fn(c); err != nil {
		return nil, err
	}
	if c.Name != t.Name {
		for _, other := range snap.templates {
			if other.ID != id && other.Name == c.Name {
				return nil, fmt.Errorf("template name %q: %w", c.Name, ErrNameTaken)
			}
		}
	}
	c.Revision = t.Revision + 1

	if err := writeEntity(s.templatePath(id), c); err != nil {
		return nil, err
	}
	next := snap.clone()
	next.templates[id] = c
	s.commit(next)
	return cloneTemplate(c), nil
}

// DeleteTemplate removes the template. Sessions spawned from it are
// untouched since they carry their own copies of its values.
func (s *Store) DeleteTemplate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, ok := snap.templates[id]; !ok {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err := os.Remove(s.templatePath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete template %s: %w", id, err)
	}
	next := snap.clone()
	delete(next.templates, id)
	s.commit(next)
	return nil
}
