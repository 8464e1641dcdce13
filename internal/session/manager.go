// Package session tracks the live terminal connections served by the process.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMaxSessions = errors.New("maximum session limit reached")
	ErrNotFound    = errors.New("session not found")
)

// Manager is a registry of sessions, optionally capped.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
}

// NewManager creates a registry. maxSessions <= 0 means unlimited.
func NewManager(maxSessions int) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
	}
}

// Create registers a new session in the creating state.
func (m *Manager) Create(workDir, remoteAddr string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.maxSessions)
	}

	sess := &Session{
		ID:         uuid.New().String(),
		WorkDir:    workDir,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now().UTC(),
		state:      StateCreating,
	}
	m.sessions[sess.ID] = sess
	return sess, nil
}

// Full reports whether Create would currently fail.
func (m *Manager) Full() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSessions > 0 && len(m.sessions) >= m.maxSessions
}

// Remove drops a session from the registry without tearing it down.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// List returns snapshots of all sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	result := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, s.Info())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Kill tears a session down. The connection's own teardown removes it from
// the registry.
func (m *Manager) Kill(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	sess.terminate()
	return nil
}

// Shutdown tears down every session and returns how many there were.
func (m *Manager) Shutdown() int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.terminate()
	}
	return len(sessions)
}
