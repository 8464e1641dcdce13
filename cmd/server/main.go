package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"termbridge/internal/config"
	"termbridge/internal/fsrpc"
	"termbridge/internal/logging"
	"termbridge/internal/realtime"
	"termbridge/internal/session"
	"termbridge/internal/terminal"
	"termbridge/internal/watcher"
	"termbridge/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	configPath  string
	addr        string
	port        int
	token       string
	shell       string
	projectRoot string
	maxSessions int
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "termbridge",
		Short:         "WebSocket terminal and filesystem bridge for a browser IDE",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				fmt.Fprintln(os.Stderr, "termbridge:", err)
				return err
			}
			reload := func() (config.Config, error) { return loadConfig(cmd, f) }
			if err := run(cfg, reload); err != nil {
				logging.L().Error("server stopped", zap.Error(err))
				logging.Sync()
				return err
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	fl.StringVar(&f.addr, "addr", "", "listen address (host or host:port)")
	fl.IntVarP(&f.port, "port", "p", config.DefaultPort, "listen port")
	fl.StringVar(&f.token, "token", "", "shared token required on the handshake and HTTP API")
	fl.StringVar(&f.shell, "shell", "", "shell to spawn for each session")
	fl.StringVar(&f.projectRoot, "project-root", "", "default working directory for new sessions")
	fl.IntVar(&f.maxSessions, "max-sessions", 0, "maximum concurrent sessions (0 = unlimited)")
	fl.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	return cmd
}

// loadConfig layers defaults, the config file, the environment, and then any
// flag the user set explicitly.
func loadConfig(cmd *cobra.Command, f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}

	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Addr = f.addr
	}
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("token") {
		cfg.AuthToken = f.token
	}
	if changed("shell") {
		cfg.Shell = f.shell
	}
	if changed("project-root") {
		cfg.ProjectRoot = f.projectRoot
	}
	if changed("max-sessions") {
		cfg.MaxSessions = f.maxSessions
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// run serves until SIGINT or SIGTERM. SIGHUP re-reads the configuration
// through reload and applies its log level; other settings need a restart.
func run(cfg config.Config, reload func() (config.Config, error)) error {
	if err := logging.Init(cfg.Log); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()
	log := logging.L()

	fsHandler := fsrpc.New(fsrpc.Options{
		Home:         cfg.HomeDir,
		ProjectDirs:  cfg.FS.ProjectDirs,
		Ignore:       cfg.FS.Ignore,
		HideDotfiles: cfg.FS.HideDotfiles,
		MaxReadBytes: cfg.FS.MaxReadBytes,
		DefaultDepth: cfg.FS.DefaultTreeDepth,
	})
	sessions := session.NewManager(cfg.MaxSessions)

	var runner *workspace.Runner
	if cfg.Exec.Enabled {
		runner = workspace.NewRunner(workspace.Options{
			Roots:       cfg.Exec.Roots,
			Commands:    cfg.Exec.Commands,
			FallbackDir: cfg.Exec.FallbackDir,
		})
	}

	// The watcher callback needs the server, which needs the watcher.
	var srv *realtime.Server
	var fileWatch *watcher.Watcher
	if cfg.Watch.Enabled {
		fileWatch = watcher.New(watcher.Options{
			Keep:     fsHandler.Ignore().Walked,
			Depth:    cfg.Watch.Depth,
			MaxDirs:  cfg.Watch.MaxDirs,
			Debounce: cfg.Watch.Debounce,
		}, func(sessionID string, dirs []string) {
			if srv != nil {
				srv.OnFSChange(sessionID, dirs)
			}
		})
	}

	srv = realtime.New(realtime.Options{
		Config:   cfg,
		Spawner:  terminal.LocalSpawner{},
		FS:       fsHandler,
		Sessions: sessions,
		Watcher:  fileWatch,
		Exec:     runner,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			reloadLogLevel(reload)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("terminal server listening",
			zap.String("addr", httpServer.Addr),
			zap.String("shell", cfg.Shell),
			zap.String("project_root", cfg.ProjectRoot),
			zap.Bool("auth", cfg.AuthToken != ""),
			zap.Int("max_sessions", cfg.MaxSessions),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("sessions did not close in time", zap.Error(err))
	}
	if fileWatch != nil {
		fileWatch.Shutdown()
	}
	if n := sessions.Shutdown(); n > 0 {
		log.Warn("terminated leftover sessions", zap.Int("count", n))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func reloadLogLevel(reload func() (config.Config, error)) {
	log := logging.L()
	cfg, err := reload()
	if err != nil {
		log.Warn("config reload failed", zap.Error(err))
		return
	}
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		log.Warn("config reload failed", zap.Error(err))
		return
	}
	log.Info("log level reloaded", zap.String("level", cfg.Log.Level))
}
