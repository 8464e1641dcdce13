// Package ptytest provides an in-memory PTY and Spawner for tests.
package ptytest

import (
	"errors"
	"io"
	"sync"

	"termbridge/internal/terminal"
)

// Size is a recorded resize.
type Size struct {
	Cols, Rows uint16
}

// PTY is a fake shell. Output is injected with Emit; input written by the
// code under test arrives on Input.
type PTY struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	input chan []byte

	mu     sync.Mutex
	sizes  []Size
	killed bool
	closed bool

	exitOnce sync.Once
	exited   chan struct{}
	code     int
}

// New returns a running fake PTY.
func New() *PTY {
	r, w := io.Pipe()
	return &PTY{
		outR:   r,
		outW:   w,
		input:  make(chan []byte, 1024),
		exited: make(chan struct{}),
	}
}

// Emit writes s as shell output. It blocks until the output is read.
func (p *PTY) Emit(s string) error {
	_, err := p.outW.Write([]byte(s))
	return err
}

// Exit terminates the fake shell with code. Output already emitted stays
// readable.
func (p *PTY) Exit(code int) {
	p.exitOnce.Do(func() {
		p.code = code
		p.outW.Close()
		close(p.exited)
	})
}

// Input delivers every Write, one slice per call.
func (p *PTY) Input() <-chan []byte { return p.input }

// Exited is closed when the shell has exited or been killed.
func (p *PTY) Exited() <-chan struct{} { return p.exited }

func (p *PTY) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *PTY) Sizes() []Size {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Size(nil), p.sizes...)
}

func (p *PTY) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *PTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	p.input <- append([]byte(nil), b...)
	return len(b), nil
}

func (p *PTY) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.outR.Close()
}

func (p *PTY) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sizes = append(p.sizes, Size{cols, rows})
	return nil
}

func (p *PTY) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(-1)
	return nil
}

func (p *PTY) Wait() (int, error) {
	<-p.exited
	return p.code, nil
}

func (p *PTY) Pid() int { return 4242 }

// Spawner hands out fake PTYs and records the options it was called with.
type Spawner struct {
	// Err, when set, makes every Spawn fail.
	Err error

	mu      sync.Mutex
	ptys    []*PTY
	opts    []terminal.SpawnOptions
	spawned chan *PTY
}

// NewSpawner returns a Spawner whose spawned PTYs are also delivered on
// Spawned.
func NewSpawner() *Spawner {
	return &Spawner{spawned: make(chan *PTY, 64)}
}

func (s *Spawner) Spawn(opts terminal.SpawnOptions) (terminal.PTY, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if opts.Shell == "" {
		return nil, errors.New("spawn: shell not set")
	}
	p := New()
	s.mu.Lock()
	s.ptys = append(s.ptys, p)
	s.opts = append(s.opts, opts)
	s.mu.Unlock()
	select {
	case s.spawned <- p:
	default:
	}
	return p, nil
}

// Spawned delivers each PTY as it is created.
func (s *Spawner) Spawned() <-chan *PTY { return s.spawned }

// Count returns the number of successful spawns.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ptys)
}

// LastOptions returns the options of the most recent spawn.
func (s *Spawner) LastOptions() terminal.SpawnOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opts) == 0 {
		return terminal.SpawnOptions{}
	}
	return s.opts[len(s.opts)-1]
}
