//go:build !windows

package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Spawn starts opts.Shell on a new PTY sized cols x rows. pty.Start puts the
// child in its own session, so its pid is also its process group id.
func (LocalSpawner) Spawn(opts SpawnOptions) (PTY, error) {
	if opts.Shell == "" {
		return nil, errors.New("spawn: shell not set")
	}
	cmd := exec.Command(opts.Shell, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), TerminalEnv...)
	cmd.Env = append(cmd.Env, opts.Env...)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", opts.Shell, err)
	}
	return &localPTY{cmd: cmd, f: f}, nil
}

const (
	killRounds     = 5
	killRoundDelay = 20 * time.Millisecond
)

type localPTY struct {
	cmd    *exec.Cmd
	f      *os.File
	reaped atomic.Bool
}

func (p *localPTY) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *localPTY) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *localPTY) Close() error                { return p.f.Close() }
func (p *localPTY) Pid() int                    { return p.cmd.Process.Pid }

func (p *localPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill SIGKILLs every live process in the shell's session. Job control puts
// each background job in its own group, so every member's group is killed,
// not only the shell's. Membership is re-read each round to catch processes
// forked while the kill is in flight.
func (p *localPTY) Kill() error {
	sid := p.cmd.Process.Pid
	for round := 0; round < killRounds; round++ {
		pids, err := SessionProcesses(sid)
		if err != nil {
			return p.killGroup()
		}
		if len(pids) == 0 {
			return nil
		}
		for _, pid := range pids {
			if pgid, err := unix.Getpgid(pid); err == nil && pgid > 1 {
				unix.Kill(-pgid, unix.SIGKILL)
			}
			unix.Kill(pid, unix.SIGKILL)
		}
		time.Sleep(killRoundDelay)
	}
	return nil
}

// killGroup is the fallback where session members cannot be listed. Once
// the shell is reaped its pgid may be reused, so nothing is signalled.
func (p *localPTY) killGroup() error {
	if p.reaped.Load() {
		return nil
	}
	pid := p.cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}

func (p *localPTY) Wait() (int, error) {
	err := p.cmd.Wait()
	p.reaped.Store(true)
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
