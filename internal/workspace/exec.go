// Package workspace runs allow-listed build commands inside exercise
// workspaces.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"termbridge/internal/logging"
	"termbridge/internal/metrics"
)

const (
	DefaultTimeout = 45 * time.Second
	MinTimeout     = time.Second
	MaxTimeout     = 120 * time.Second

	// maxBuildRootLevels bounds the upward search for a Makefile.
	maxBuildRootLevels = 8
)

var (
	ErrMissingCwd        = errors.New("missing 'cwd'")
	ErrCwdNotAbsolute    = errors.New("'cwd' must be absolute")
	ErrCommandNotAllowed = errors.New("command not allowed")
	ErrWorkspaceNotFound = errors.New("workspace directory not found")
	ErrOutsideWorkspace  = errors.New("workspace path is outside allowed directories")
)

// Request is the body of an exec call.
type Request struct {
	Cwd       string `json:"cwd"`
	Command   string `json:"command"`
	// TimeoutMs is clamped to MinTimeout..MaxTimeout; nil means DefaultTimeout.
	TimeoutMs *int   `json:"timeoutMs,omitempty"`
}

// Result is the outcome of a command that ran.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut"`
	Cwd      string `json:"cwd"`
}

// Options configures a Runner.
type Options struct {
	// Roots are the directories a workspace must live under.
	Roots []string
	// Commands is the exact-match allow-list.
	Commands []string
	// FallbackDir is used for make commands when no build root is found
	// above the workspace.
	FallbackDir string
}

// Runner executes allow-listed commands.
type Runner struct {
	roots       []string
	allowed     map[string]struct{}
	fallbackDir string
}

// NewRunner creates a Runner.
func NewRunner(opts Options) *Runner {
	r := &Runner{
		allowed:     make(map[string]struct{}, len(opts.Commands)),
		fallbackDir: opts.FallbackDir,
	}
	for _, root := range opts.Roots {
		r.roots = append(r.roots, filepath.Clean(root))
	}
	for _, c := range opts.Commands {
		r.allowed[c] = struct{}{}
	}
	return r
}

// ClampTimeout converts a requested timeout in milliseconds to the enforced
// duration. Only an absent timeout gets the default; zero and negative values
// clamp to MinTimeout.
func ClampTimeout(ms *int) time.Duration {
	if ms == nil {
		return DefaultTimeout
	}
	d := time.Duration(*ms) * time.Millisecond
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// Run validates req and executes it. Errors are returned only when the command
// did not run; a failing command is reported through Result.ExitCode.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	cwd := strings.TrimSpace(req.Cwd)
	command := strings.TrimSpace(req.Command)

	if cwd == "" {
		return Result{}, ErrMissingCwd
	}
	if !filepath.IsAbs(cwd) {
		return Result{}, ErrCwdNotAbsolute
	}
	if _, ok := r.allowed[command]; !ok {
		metrics.Exec(metrics.ExecCommandOther, "rejected")
		return Result{}, fmt.Errorf("%w: %s", ErrCommandNotAllowed, command)
	}
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		return Result{}, ErrWorkspaceNotFound
	}
	if !r.allowedPath(cwd) {
		return Result{}, ErrOutsideWorkspace
	}

	execCwd := r.resolveCwd(cwd, command)
	if !r.allowedPath(execCwd) {
		return Result{}, fmt.Errorf("resolved %w", ErrOutsideWorkspace)
	}

	res, err := run(ctx, execCwd, command, ClampTimeout(req.TimeoutMs))
	if err != nil {
		metrics.Exec(command, "error")
		return Result{}, err
	}

	outcome := "ok"
	switch {
	case res.TimedOut:
		outcome = "timeout"
	case res.ExitCode != 0:
		outcome = "failed"
	}
	metrics.Exec(command, outcome)
	logging.FromContext(ctx).Info("workspace command finished",
		zap.String("command", command),
		zap.String("cwd", execCwd),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
	)
	return res, nil
}

func (r *Runner) allowedPath(p string) bool {
	for _, root := range r.roots {
		if isWithin(root, p) {
			return true
		}
	}
	return false
}

// resolveCwd moves make commands to the nearest directory with a build file.
func (r *Runner) resolveCwd(cwd, command string) string {
	if !strings.HasPrefix(command, "make ") {
		return cwd
	}
	if root, ok := nearestBuildRoot(cwd); ok {
		return root
	}
	if r.fallbackDir != "" && hasBuildRoot(r.fallbackDir) {
		return r.fallbackDir
	}
	return cwd
}

func isWithin(parent, target string) bool {
	rel, err := filepath.Rel(parent, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel))
}

func hasBuildRoot(dir string) bool {
	for _, name := range []string{"Makefile", "CMakeLists.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

func nearestBuildRoot(start string) (string, bool) {
	current := filepath.Clean(start)
	for i := 0; i < maxBuildRootLevels; i++ {
		if hasBuildRoot(current) {
			return current, true
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", false
}

func run(ctx context.Context, dir, command string, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-lc", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=dumb")
	killGroupOnCancel(cmd)
	// Grandchildren holding the pipes open must not stall Wait.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %q: %w", command, err)
	}
	err := cmd.Wait()

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
		Cwd:      dir,
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrWaitDelay):
	case res.TimedOut:
		res.ExitCode = 1
	default:
		return Result{}, fmt.Errorf("run %q: %w", command, err)
	}
	if res.ExitCode < 0 {
		// Killed by a signal.
		res.ExitCode = 1
	}
	return res, nil
}
