package session

import (
	"sync"
	"time"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateCreating   State = "creating"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

// Terminal is the running shell attached to a session.
type Terminal interface {
	Size() (cols, rows uint16)
	Pid() int
}

// Session is one browser connection and the shell it owns.
type Session struct {
	ID         string
	WorkDir    string
	RemoteAddr string
	CreatedAt  time.Time

	mu      sync.Mutex
	state   State
	term    Terminal
	closeFn func()
}

// Info is a point-in-time view of a session.
type Info struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	WorkDir    string    `json:"workDir"`
	RemoteAddr string    `json:"remoteAddr"`
	Pid        int       `json:"pid,omitempty"`
	Cols       uint16    `json:"cols,omitempty"`
	Rows       uint16    `json:"rows,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Attach binds the running terminal and the function that tears the whole
// connection down. If the session was killed while it was being set up,
// closeFn runs immediately.
func (s *Session) Attach(term Terminal, closeFn func()) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		closeFn()
		return
	}
	s.term = term
	s.closeFn = closeFn
	s.state = StateActive
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Detach marks the session terminated without running its closer. The
// connection calls it from its own teardown.
func (s *Session) Detach() {
	s.mu.Lock()
	s.state = StateTerminated
	s.closeFn = nil
	s.mu.Unlock()
}

func (s *Session) terminate() {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminated
	fn := s.closeFn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:         s.ID,
		State:      s.state,
		WorkDir:    s.WorkDir,
		RemoteAddr: s.RemoteAddr,
		CreatedAt:  s.CreatedAt,
	}
	if s.term != nil {
		info.Pid = s.term.Pid()
		info.Cols, info.Rows = s.term.Size()
	}
	return info
}
