package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	root := t.TempDir()
	return NewRunner(Options{
		Roots:    []string{root},
		Commands: []string{"make test", "make build", "make clean", "echo ok"},
	}), root
}

func writeMakefile(t *testing.T, dir, body string) {
	t.Helper()
	if _, err := exec.LookPath("make"); err != nil {
		t.Skip("make not available")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Makefile"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func ms(n int) *int { return &n }

func TestClampTimeout(t *testing.T) {
	tests := []struct {
		name string
		ms   *int
		want time.Duration
	}{
		{"absent", nil, DefaultTimeout},
		{"zero", ms(0), MinTimeout},
		{"negative", ms(-5), MinTimeout},
		{"below minimum", ms(10), MinTimeout},
		{"in range", ms(5000), 5 * time.Second},
		{"above maximum", ms(500000), MaxTimeout},
	}
	for _, tt := range tests {
		if got := ClampTimeout(tt.ms); got != tt.want {
			t.Errorf("%s: ClampTimeout = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRequest_TimeoutField(t *testing.T) {
	var absent, zero Request
	if err := json.Unmarshal([]byte(`{"cwd":"/w","command":"make test"}`), &absent); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"cwd":"/w","command":"make test","timeoutMs":0}`), &zero); err != nil {
		t.Fatal(err)
	}
	if ClampTimeout(absent.TimeoutMs) != DefaultTimeout {
		t.Error("absent timeoutMs should use the default")
	}
	if ClampTimeout(zero.TimeoutMs) != MinTimeout {
		t.Error("timeoutMs 0 should clamp to the minimum")
	}
}

func execSeries(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	commands := map[string]bool{}
	for _, mf := range families {
		if mf.GetName() != "termbridge_exec_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "command" {
					commands[l.GetValue()] = true
				}
			}
		}
	}
	return commands
}

func TestRun_RejectedCommandsShareOneSeries(t *testing.T) {
	r, root := newTestRunner(t)

	for i := 0; i < 50; i++ {
		_, err := r.Run(context.Background(), Request{Cwd: root, Command: fmt.Sprintf("rm -rf /tmp/x%d", i)})
		if !errors.Is(err, ErrCommandNotAllowed) {
			t.Fatalf("expected ErrCommandNotAllowed, got %v", err)
		}
	}

	commands := execSeries(t)
	if !commands["other"] {
		t.Error("expected rejected commands under command=\"other\"")
	}
	for c := range commands {
		if strings.HasPrefix(c, "rm -rf") {
			t.Fatalf("client command %q leaked into a label", c)
		}
	}
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		parent, target string
		want           bool
	}{
		{"/ws", "/ws", true},
		{"/ws", "/ws/a/b", true},
		{"/ws", "/ws/../etc", false},
		{"/ws", "/wsx", false},
		{"/ws", "/etc", false},
		{"/ws", "/ws/..foo", true},
	}
	for _, tt := range tests {
		if got := isWithin(tt.parent, tt.target); got != tt.want {
			t.Errorf("isWithin(%q, %q) = %v, want %v", tt.parent, tt.target, got, tt.want)
		}
	}
}

func TestRun_Validation(t *testing.T) {
	r, root := newTestRunner(t)
	outside := t.TempDir()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"missing cwd", Request{Command: "make test"}, ErrMissingCwd},
		{"relative cwd", Request{Cwd: "ws", Command: "make test"}, ErrCwdNotAbsolute},
		{"not allowed", Request{Cwd: root, Command: "rm -rf /"}, ErrCommandNotAllowed},
		{"not found", Request{Cwd: filepath.Join(root, "missing"), Command: "make test"}, ErrWorkspaceNotFound},
		{"outside", Request{Cwd: outside, Command: "make test"}, ErrOutsideWorkspace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Run(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRun_NearestBuildRoot(t *testing.T) {
	r, root := newTestRunner(t)
	project := filepath.Join(root, "project")
	writeMakefile(t, project, "test:\n\t@echo tests-ran\n")
	nested := filepath.Join(project, "src", "pkg")
	os.MkdirAll(nested, 0755)

	res, err := r.Run(context.Background(), Request{Cwd: nested, Command: " make test "})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Cwd != project {
		t.Errorf("expected cwd %s, got %s", project, res.Cwd)
	}
	if !strings.Contains(res.Stdout, "tests-ran") {
		t.Errorf("expected make output, got stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRun_NonMakeStaysInCwd(t *testing.T) {
	r, root := newTestRunner(t)
	writeMakefile(t, root, "")
	sub := filepath.Join(root, "sub")
	os.MkdirAll(sub, 0755)

	res, err := r.Run(context.Background(), Request{Cwd: sub, Command: "echo ok"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Cwd != sub {
		t.Errorf("expected cwd %s, got %s", sub, res.Cwd)
	}
}

func TestRun_ExitCode(t *testing.T) {
	r, root := newTestRunner(t)
	writeMakefile(t, root, "build:\n\t@echo broken >&2; exit 3\n")

	res, err := r.Run(context.Background(), Request{Cwd: root, Command: "make build"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode == 0 {
		t.Errorf("expected non-zero exit code, got %+v", res)
	}
	if !strings.Contains(res.Stderr, "broken") {
		t.Errorf("expected stderr to be captured, got %q", res.Stderr)
	}
}

func TestRun_Timeout(t *testing.T) {
	r, root := newTestRunner(t)
	writeMakefile(t, root, "test:\n\t@sleep 10\n")

	start := time.Now()
	res, err := r.Run(context.Background(), Request{Cwd: root, Command: "make test", TimeoutMs: ms(1000)})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.TimedOut {
		t.Errorf("expected timeout, got %+v", res)
	}
	if res.ExitCode == 0 {
		t.Error("expected non-zero exit code after timeout")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
}
