package api

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a tuning session.
type SessionStatus string

const (
	StatusRunning  SessionStatus = "running"
	StatusFinished SessionStatus = "finished"
	StatusFailed   SessionStatus = "failed"
)

// Session is the externally visible record of one tuning run.
type Session struct {
	ID        string        `json:"id"`
	Workload  string        `json:"workload"`
	Target    string        `json:"target"`
	Hardware  string        `json:"hardware"`
	Status    SessionStatus `json:"status"`
	Trials    int           `json:"trials"`
	Measured  int           `json:"measured"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`

	// Result fields, populated when the session finishes.
	BestCost            float64         `json:"best_cost,omitempty"`
	FlopWeightedLatency float64         `json:"flop_weighted_latency,omitempty"`
	Dispatch            []DispatchEntry `json:"dispatch,omitempty"`
	Error               string          `json:"error,omitempty"`
}

// DispatchEntry is the API view of one instance-to-schedule binding.
type DispatchEntry struct {
	Instance []int64 `json:"instance"`
	StateKey string  `json:"state_key"`
	Score    float64 `json:"score"`
}

// SessionStore tracks sessions in memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create registers a new running session and returns its ID.
func (s *SessionStore) Create(workload, target, hw string, trials int) string {
	now := time.Now().UTC()
	sess := &Session{
		ID:        "tune-" + uuid.NewString(),
		Workload:  workload,
		Target:    target,
		Hardware:  hw,
		Status:    StatusRunning,
		Trials:    trials,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return sess.ID
}

// Get returns a copy of the session, or false.
func (s *SessionStore) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// List returns all sessions, newest first.
func (s *SessionStore) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Update applies fn to the session under the store lock.
func (s *SessionStore) Update(id string, fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		fn(sess)
		sess.UpdatedAt = time.Now().UTC()
	}
}
