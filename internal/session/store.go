package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentdeck/chat-gateway/internal/apierror"
	"github.com/agentdeck/chat-gateway/internal/config"
)

// state is the store-internal session record. Snapshots handed out by Get
// and List are copies; only the store mutates state, under s.mu.
type state struct {
	Session
	history []Message
	cancel  context.CancelFunc // Set while a completion is in flight
}

// Store is the in-memory session store with TTL eviction and an optional
// sqlite turn log.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*state
	order    []string // Insertion order for List
	ttl      time.Duration
	turnLog  *TurnLog
	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the idle-session eviction TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithTurnLog attaches a sqlite turn log; completed turns are persisted
// for offline inspection.
func WithTurnLog(tl *TurnLog) Option {
	return func(s *Store) { s.turnLog = tl }
}

// NewStore creates a session store and starts its eviction loop.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*state),
		ttl:      config.DefaultSessionTTL,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.evictLoop()
	return s
}

// Create registers a new session with a fresh id and zeroed counters.
func (s *Store) Create(projectID, model, systemPrompt string) Session {
	now := time.Now()
	st := &state{
		Session: Session{
			ID:           uuid.New().String(),
			ProjectID:    projectID,
			Model:        model,
			SystemPrompt: systemPrompt,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}

	s.mu.Lock()
	s.sessions[st.ID] = st
	s.order = append(s.order, st.ID)
	s.mu.Unlock()

	log.Debug().Str("session_id", st.ID).Str("model", model).Msg("session created")
	return st.Session
}

// CreateWithID registers a session under a caller-chosen id. This backs the
// implicit-creation path: a completion referencing a new session id adopts
// that id. If the id is already in use the existing session is returned
// unchanged, so two racing first completions converge on one session.
func (s *Store) CreateWithID(id, projectID, model, systemPrompt string) Session {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.sessions[id]; ok {
		return st.Session
	}
	st := &state{
		Session: Session{
			ID:           id,
			ProjectID:    projectID,
			Model:        model,
			SystemPrompt: systemPrompt,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}
	s.sessions[id] = st
	s.order = append(s.order, id)

	log.Debug().Str("session_id", id).Str("model", model).Msg("session created with client id")
	return st.Session
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[id]
	if !ok {
		return Session{}, apierror.NotFound("session", id)
	}
	return st.Session, nil
}

// List returns sessions in insertion order, optionally filtered by project.
func (s *Store) List(projectID string) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.order))
	for _, id := range s.order {
		st, ok := s.sessions[id]
		if !ok {
			continue
		}
		if projectID != "" && st.ProjectID != projectID {
			continue
		}
		out = append(out, st.Session)
	}
	return out
}

// Delete removes a session. A running completion is cancelled first so its
// drain path can run EndRun before the record disappears.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return apierror.NotFound("session", id)
	}
	cancel := st.cancel
	delete(s.sessions, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	log.Debug().Str("session_id", id).Msg("session deleted")
	return nil
}

// BeginRun atomically claims the session for a completion. The second
// concurrent claim fails with Conflict; this is the sole gate preventing
// interleaved completions on one session. cancel is invoked if the session
// is deleted or the run is cancelled externally.
func (s *Store) BeginRun(id string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok {
		return apierror.NotFound("session", id)
	}
	if st.Running {
		return apierror.Conflict("completion already running for session " + id)
	}
	st.Running = true
	st.cancel = cancel
	st.UpdatedAt = time.Now()
	return nil
}

// EndRun releases the session and folds in the turn's usage and cost.
// Callers must invoke it exactly once per successful BeginRun, including on
// error and cancellation paths.
func (s *Store) EndRun(id string, usage Usage, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok {
		// Session deleted mid-run; the drain path still calls EndRun.
		return
	}
	st.Running = false
	st.cancel = nil
	st.Usage.Add(usage)
	st.Cost += cost
	st.UpdatedAt = time.Now()
}

// Cancel signals the in-flight completion, if any. Returns NotFound for an
// unknown session. Idempotent: cancelling an idle session is a no-op.
func (s *Store) Cancel(id string) error {
	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return apierror.NotFound("session", id)
	}
	cancel := st.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Append adds messages to the session history. Message count tracks history
// length so EndRun's accounting and the history never disagree.
func (s *Store) Append(id string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok {
		return apierror.NotFound("session", id)
	}
	st.history = append(st.history, msgs...)
	st.MessageCount = len(st.history)
	st.UpdatedAt = time.Now()

	if s.turnLog != nil {
		if err := s.turnLog.Append(id, msgs); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("turn log append failed")
		}
	}
	return nil
}

// History returns a copy of the session's message history.
func (s *Store) History(id string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[id]
	if !ok {
		return nil, apierror.NotFound("session", id)
	}
	out := make([]Message, len(st.history))
	copy(out, st.history)
	return out, nil
}

// SetToolConfig stores the session-scope tool configuration layer.
func (s *Store) SetToolConfig(id string, cfg *ToolConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok {
		return apierror.NotFound("session", id)
	}
	st.Tools = cfg
	st.UpdatedAt = time.Now()
	return nil
}

// ToolConfig returns the session-scope tool configuration, or nil if unset.
func (s *Store) ToolConfig(id string) (*ToolConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[id]
	if !ok {
		return nil, apierror.NotFound("session", id)
	}
	return st.Tools, nil
}

// Stats aggregates across all live sessions. O(sessions) by design; the
// store is in-memory and session counts are small.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	stats.ActiveSessions = len(s.sessions)
	for _, st := range s.sessions {
		stats.TotalTokens += st.Usage.TotalTokens
		stats.TotalCost += st.Cost
		stats.TotalMessages += st.MessageCount
	}
	return stats
}

// Close stops the eviction loop and the turn log.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.turnLog != nil {
		return s.turnLog.Close()
	}
	return nil
}

func (s *Store) evictLoop() {
	ticker := time.NewTicker(config.DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evict()
		}
	}
}

// evict removes idle sessions past their TTL. Running sessions are cancelled
// first; their drain path's EndRun becomes a no-op once the record is gone.
func (s *Store) evict() {
	cutoff := time.Now().Add(-s.ttl)
	var cancels []context.CancelFunc

	s.mu.Lock()
	kept := s.order[:0]
	for _, id := range s.order {
		st, ok := s.sessions[id]
		if !ok {
			continue
		}
		if st.UpdatedAt.Before(cutoff) {
			if st.cancel != nil {
				cancels = append(cancels, st.cancel)
			}
			delete(s.sessions, id)
			log.Debug().Str("session_id", id).Msg("session evicted")
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
