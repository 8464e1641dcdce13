// Package realtime serves the terminal WebSocket and the HTTP API beside it.
package realtime

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"termbridge/internal/config"
	"termbridge/internal/fsrpc"
	"termbridge/internal/logging"
	"termbridge/internal/metrics"
	"termbridge/internal/protocol"
	"termbridge/internal/session"
	"termbridge/internal/terminal"
	"termbridge/internal/watcher"
	"termbridge/internal/workspace"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	serverlessRoot = "/var/task"
)

// Options wires a Server's collaborators. Watcher and Exec may be nil.
type Options struct {
	Config   config.Config
	Spawner  terminal.Spawner
	FS       *fsrpc.Handler
	Sessions *session.Manager
	Watcher  *watcher.Watcher
	Exec     *workspace.Runner
}

// Server manages WebSocket connections, one shell per connection.
type Server struct {
	cfg      config.Config
	spawner  terminal.Spawner
	fs       *fsrpc.Handler
	strictFS *fsrpc.Handler
	sessions *session.Manager
	watch    *watcher.Watcher
	exec     *workspace.Runner
	auth     *authenticator
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[string]*client // session id → client
	wg        sync.WaitGroup
}

// New creates a realtime server.
func New(opts Options) *Server {
	cfg := opts.Config
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 16 << 20
	}
	if cfg.Cols <= 0 || cfg.Rows <= 0 {
		cfg.Cols, cfg.Rows = 80, 24
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewManager(cfg.MaxSessions)
	}

	s := &Server{
		cfg:      cfg,
		spawner:  opts.Spawner,
		fs:       opts.FS,
		strictFS: opts.FS.WithRequireAbsolute(),
		sessions: sessions,
		watch:    opts.Watcher,
		exec:     opts.Exec,
		auth:     newAuthenticator(cfg.AuthToken, cfg.Auth.FailuresPerMinute, cfg.Auth.Burst),
		clients:  make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/fs/exec", s.auth.guard(s.handleExec))
	mux.HandleFunc("POST /api/fs/{action}", s.auth.guard(s.handleFS))
	mux.HandleFunc("GET /sessions", s.auth.guard(s.handleListSessions))
	mux.HandleFunc("DELETE /sessions/{id}", s.auth.guard(s.handleDeleteSession))

	if s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, metrics.Handler())
	}

	return logging.Middleware(metrics.Middleware(corsMiddleware(mux)))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// handleRoot accepts upgrades on any path; plain requests get a status line.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleWebSocket(w, r)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("Terminal server OK"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
		"full":     s.sessions.Full(),
	})
}

// handleWebSocket authenticates, spawns the shell, and only then upgrades.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	if status, retry := s.auth.authorize(r, requestToken(r)); status != 0 {
		outcome := metrics.OutcomeUnauthorized
		if status == http.StatusTooManyRequests {
			outcome = metrics.OutcomeThrottled
		}
		metrics.SessionRejected(outcome)
		log.Warn("handshake refused", zap.String("remote", r.RemoteAddr), zap.Int("status", status))
		refuse(w, status, retry)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusBadRequest, "expected a websocket upgrade")
		return
	}
	if !s.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	cwd := s.resolveCwd(r.URL.Query().Get("cwd"))
	sess, err := s.sessions.Create(cwd, r.RemoteAddr)
	if err != nil {
		metrics.SessionRejected(metrics.OutcomeFull)
		log.Warn("handshake refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	log = log.With(zap.String("session", sess.ID), zap.String("cwd", cwd), zap.String("remote", r.RemoteAddr))

	p, err := s.spawner.Spawn(terminal.SpawnOptions{
		Shell: s.cfg.Shell,
		Dir:   cwd,
		Cols:  uint16(s.cfg.Cols),
		Rows:  uint16(s.cfg.Rows),
	})
	if err != nil {
		s.sessions.Remove(sess.ID)
		metrics.SessionRejected(metrics.OutcomeSpawnFailed)
		log.Error("spawn shell", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start shell: "+err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		p.Kill()
		p.Close()
		s.sessions.Remove(sess.ID)
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(s, sess.ID, conn, log)
	c.term = terminal.Start(p, uint16(s.cfg.Cols), uint16(s.cfg.Rows), c.sendOutput, log)

	if s.watch != nil && s.cfg.Watch.Enabled {
		if err := s.watch.Watch(sess.ID, cwd); err != nil {
			log.Warn("workspace watcher disabled", zap.Error(err))
		}
	}

	s.wg.Add(1)
	s.clientsMu.Lock()
	s.clients[sess.ID] = c
	s.clientsMu.Unlock()

	metrics.SessionOpened()
	log.Info("session started", zap.Int("pid", c.term.Pid()))
	sess.Attach(c.term, func() { c.shutdown(websocket.CloseNormalClosure, "session terminated") })

	go c.writePump()
	go c.readPump()
	go c.awaitExit()
}

// release undoes a client's registration. It runs exactly once per client.
func (s *Server) release(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()

	if s.watch != nil {
		s.watch.Unwatch(c.id)
	}
	if sess, err := s.sessions.Get(c.id); err == nil {
		sess.Detach()
		metrics.SessionClosed(time.Since(sess.CreatedAt))
	}
	s.sessions.Remove(c.id)
	c.log.Info("session closed")
}

// OnFSChange is the workspace watcher callback.
func (s *Server) OnFSChange(sessionID string, dirs []string) {
	s.clientsMu.RLock()
	c, ok := s.clients[sessionID]
	s.clientsMu.RUnlock()
	if !ok {
		return
	}
	frame, err := protocol.NewFSChange(dirs)
	if err != nil {
		return
	}
	go c.enqueue(frame)
}

// Shutdown closes every connection with going-away and kills every shell,
// then waits for the close frames to be written or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveCwd maps the requested directory onto one that exists.
func (s *Server) resolveCwd(requested string) string {
	root := s.cfg.ProjectRoot
	cwd := requested
	switch {
	case cwd == serverlessRoot:
		cwd = root
	case strings.HasPrefix(cwd, serverlessRoot+"/"):
		cwd = filepath.Join(root, strings.TrimPrefix(cwd, serverlessRoot+"/"))
	}

	if isDir(cwd) {
		return cwd
	}
	if root != "" && isDir(root) {
		return root
	}
	if s.cfg.HomeDir != "" {
		return s.cfg.HomeDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/"
	}
	return home
}

func isDir(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
