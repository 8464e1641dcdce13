// Package config loads server configuration from defaults, an optional YAML
// file, and the environment, in that order. Command-line flags are applied on
// top by cmd/server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"termbridge/internal/logging"
)

const (
	DefaultPort         = 3061
	DefaultMaxReadBytes = 5 * 1024 * 1024
	DefaultTreeDepth    = 3
)

// DefaultIgnore lists names excluded from browse and tree results.
var DefaultIgnore = []string{
	"node_modules", ".git", ".next", "__pycache__", ".DS_Store",
	"dist", "build", ".cache", "$RECYCLE.BIN", "System Volume Information",
}

// DefaultProjectDirs are the home subdirectories offered as browse roots.
var DefaultProjectDirs = []string{"Documents", "Projects", "projects", "dev", "src", "code", "Desktop"}

// DefaultExecCommands is the workspace command allow-list.
var DefaultExecCommands = []string{"make test", "make build", "make clean"}

// Config holds server configuration.
type Config struct {
	Addr  string `yaml:"addr"`
	Port  int    `yaml:"port"`
	Shell string `yaml:"shell"`
	// AuthToken, when set, must be presented as ?token= on the handshake.
	AuthToken   string `yaml:"auth_token"`
	ProjectRoot string `yaml:"project_root"`
	HomeDir     string `yaml:"home_dir"`
	MaxSessions int    `yaml:"max_sessions"` // 0 means unlimited
	Cols        int    `yaml:"cols"`
	Rows        int    `yaml:"rows"`

	AllowedOrigins []string `yaml:"allowed_origins"`
	ReadLimit      int64    `yaml:"read_limit"`

	FS      FSConfig       `yaml:"fs"`
	Watch   WatchConfig    `yaml:"watch"`
	Exec    ExecConfig     `yaml:"exec"`
	Auth    AuthConfig     `yaml:"auth"`
	Log     logging.Config `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

type FSConfig struct {
	MaxReadBytes     int64    `yaml:"max_read_bytes"`
	Ignore           []string `yaml:"ignore"`
	HideDotfiles     bool     `yaml:"hide_dotfiles"`
	DefaultTreeDepth int      `yaml:"default_tree_depth"`
	ProjectDirs      []string `yaml:"project_dirs"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Depth    int           `yaml:"depth"`
	MaxDirs  int           `yaml:"max_dirs"`
	Debounce time.Duration `yaml:"debounce"`
}

type ExecConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Roots       []string `yaml:"roots"`
	Commands    []string `yaml:"commands"`
	FallbackDir string   `yaml:"fallback_dir"`
}

// AuthConfig throttles clients that keep failing the handshake token check.
type AuthConfig struct {
	FailuresPerMinute float64 `yaml:"failures_per_minute"`
	Burst             int     `yaml:"burst"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/"
	}
	root, _ := os.Getwd()
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	return Config{
		Port:        DefaultPort,
		Shell:       shell,
		ProjectRoot: root,
		HomeDir:     home,
		Cols:        80,
		Rows:        24,
		ReadLimit:   16 << 20,
		FS: FSConfig{
			MaxReadBytes:     DefaultMaxReadBytes,
			Ignore:           append([]string(nil), DefaultIgnore...),
			HideDotfiles:     true,
			DefaultTreeDepth: DefaultTreeDepth,
			ProjectDirs:      append([]string(nil), DefaultProjectDirs...),
		},
		Watch: WatchConfig{
			Enabled:  true,
			Depth:    3,
			MaxDirs:  4096,
			Debounce: 500 * time.Millisecond,
		},
		Exec: ExecConfig{
			Enabled: true,
			Roots: []string{
				filepath.Join(home, ".tsp-workspaces"),
				filepath.Join(root, "starter"),
			},
			Commands:    append([]string(nil), DefaultExecCommands...),
			FallbackDir: filepath.Join(root, "starter", "trustctl"),
		},
		Auth: AuthConfig{
			FailuresPerMinute: 5,
			Burst:             5,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if any) and
// then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("TERMINAL_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TERMINAL_PORT: %w", err)
		}
		c.Port = n
	}
	if v := getenv("TERMINAL_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := getenv("TERMBRIDGE_SHELL"); v != "" {
		c.Shell = v
	}
	if v := getenv("TERMBRIDGE_PROJECT_ROOT"); v != "" {
		c.ProjectRoot = v
	}
	if v := getenv("TERMBRIDGE_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TERMBRIDGE_MAX_SESSIONS: %w", err)
		}
		c.MaxSessions = n
	}
	if v := getenv("TERMBRIDGE_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := getenv("TERMBRIDGE_WATCH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TERMBRIDGE_WATCH: %w", err)
		}
		c.Watch.Enabled = b
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return nil
}

// ListenAddr is the address passed to http.Server.
func (c Config) ListenAddr() string {
	if strings.Contains(c.Addr, ":") {
		return c.Addr
	}
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Shell == "" {
		errs = append(errs, errors.New("shell must be set"))
	}
	if c.Cols <= 0 || c.Rows <= 0 {
		errs = append(errs, fmt.Errorf("initial terminal size %dx%d must be positive", c.Cols, c.Rows))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, errors.New("max_sessions must not be negative"))
	}
	if c.FS.MaxReadBytes <= 0 {
		errs = append(errs, errors.New("fs.max_read_bytes must be positive"))
	}
	if c.FS.DefaultTreeDepth <= 0 {
		errs = append(errs, errors.New("fs.default_tree_depth must be positive"))
	}
	if c.ReadLimit < c.FS.MaxReadBytes {
		errs = append(errs, fmt.Errorf("read_limit %d is smaller than fs.max_read_bytes %d", c.ReadLimit, c.FS.MaxReadBytes))
	}
	if c.Watch.Enabled && (c.Watch.Depth <= 0 || c.Watch.MaxDirs <= 0) {
		errs = append(errs, errors.New("watch.depth and watch.max_dirs must be positive"))
	}
	if c.Auth.FailuresPerMinute <= 0 || c.Auth.Burst <= 0 {
		errs = append(errs, errors.New("auth.failures_per_minute and auth.burst must be positive"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
