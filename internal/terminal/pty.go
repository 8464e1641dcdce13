// Package terminal runs interactive shells on pseudo-terminals and pumps their
// output to a caller-supplied sink.
package terminal

import (
	"errors"
	"io"
)

// ErrUnsupported is returned by LocalSpawner on platforms without a PTY.
var ErrUnsupported = errors.New("pseudo-terminals are not supported on this platform")

// PTY is a running child process attached to a pseudo-terminal. Read yields
// the child's output and Write delivers keystrokes to it.
type PTY interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
	// Kill terminates the child and every process left in its session,
	// background jobs included.
	Kill() error
	// Wait blocks until the child exits and returns its exit code. A child
	// killed by a signal reports -1.
	Wait() (int, error)
	Pid() int
}

// SpawnOptions describes the process to start.
type SpawnOptions struct {
	Shell string
	Args  []string
	Dir   string
	// Env is appended to the server's environment. Later entries win.
	Env  []string
	Cols uint16
	Rows uint16
}

// Spawner starts processes on pseudo-terminals.
type Spawner interface {
	Spawn(opts SpawnOptions) (PTY, error)
}

// TerminalEnv is added to every spawned shell.
var TerminalEnv = []string{"TERM=xterm-256color", "COLORTERM=truecolor"}

// LocalSpawner starts processes on the host.
type LocalSpawner struct{}
