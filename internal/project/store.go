// Package project provides the project store. Projects are namespacing
// containers: sessions carry a project id and tool configuration can be
// set at project scope.
package project

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentdeck/chat-gateway/internal/apierror"
	"github.com/agentdeck/chat-gateway/internal/session"
)

// Project is a snapshot of one project. Store methods return copies.
type Project struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	Tools       *session.ToolConfig `json:"tools,omitempty"`
}

// Store is the in-memory project store.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*Project
	order    []string
}

// NewStore creates an empty project store.
func NewStore() *Store {
	return &Store{projects: make(map[string]*Project)}
}

// Create registers a new project. Name is required.
func (s *Store) Create(name, description string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, apierror.Validation("project name is required")
	}

	now := time.Now()
	p := &Project{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	s.projects[p.ID] = p
	s.order = append(s.order, p.ID)
	s.mu.Unlock()

	log.Debug().Str("project_id", p.ID).Str("name", name).Msg("project created")
	return *p, nil
}

// Get returns a snapshot of the project.
func (s *Store) Get(id string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return Project{}, apierror.NotFound("project", id)
	}
	return *p, nil
}

// List returns projects in insertion order.
func (s *Store) List() []Project {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Project, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.projects[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Update changes name and/or description. Empty name keeps the current one.
func (s *Store) Update(id, name, description string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return Project{}, apierror.NotFound("project", id)
	}
	if name = strings.TrimSpace(name); name != "" {
		p.Name = name
	}
	if description != "" {
		p.Description = description
	}
	p.UpdatedAt = time.Now()
	return *p, nil
}

// Delete removes a project. Sessions referencing it keep their project id;
// the session store owns session lifecycle.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return apierror.NotFound("project", id)
	}
	delete(s.projects, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetToolConfig stores the project-scope tool configuration layer.
func (s *Store) SetToolConfig(id string, cfg *session.ToolConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return apierror.NotFound("project", id)
	}
	p.Tools = cfg
	p.UpdatedAt = time.Now()
	return nil
}

// ToolConfig returns the project-scope tool configuration, or nil if unset.
// An unknown id also returns nil: dispatch falls through to user scope rather
// than failing a completion over a deleted project.
func (s *Store) ToolConfig(id string) *session.ToolConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.projects[id]; ok {
		return p.Tools
	}
	return nil
}
