// Package fsrpc implements the stateless filesystem operations the browser IDE
// issues over the terminal connection and the HTTP API.
package fsrpc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"termbridge/internal/logging"
	"termbridge/internal/metrics"
	"termbridge/internal/protocol"
)

var (
	ErrMissingPath       = errors.New("missing path")
	ErrNotAbsolute       = errors.New("path must be absolute")
	ErrUnknownAction     = errors.New("unknown action")
	ErrInvalidItemType   = errors.New("itemType must be 'file' or 'directory'")
	ErrAlreadyExists     = errors.New("already exists")
	ErrDestinationExists = errors.New("destination already exists")
	ErrSourceNotFound    = errors.New("source not found")
	ErrTooLarge          = errors.New("file too large")
	ErrProtectedPath     = errors.New("refusing to delete protected path")
)

// Options configures a Handler.
type Options struct {
	// Home is the directory offered as the first browse root and protected
	// from delete.
	Home string
	// ProjectDirs are home subdirectories offered as browse roots when they
	// exist.
	ProjectDirs  []string
	Ignore       []string
	HideDotfiles bool
	MaxReadBytes int64
	DefaultDepth int
	// RequireAbsolute rejects relative paths. The HTTP API sets it.
	RequireAbsolute bool
}

// Handler services filesystem RPCs. It holds no per-request state and is safe
// for concurrent use by any number of sessions.
type Handler struct {
	opts   Options
	ignore IgnoreSet
}

// New creates a Handler.
func New(opts Options) *Handler {
	if opts.MaxReadBytes <= 0 {
		opts.MaxReadBytes = 5 * 1024 * 1024
	}
	if opts.DefaultDepth <= 0 {
		opts.DefaultDepth = 3
	}
	if opts.Home == "" {
		opts.Home, _ = os.UserHomeDir()
	}
	return &Handler{
		opts:   opts,
		ignore: NewIgnoreSet(opts.Ignore, opts.HideDotfiles),
	}
}

// WithRequireAbsolute returns a Handler sharing h's settings that rejects
// relative paths.
func (h *Handler) WithRequireAbsolute() *Handler {
	opts := h.opts
	opts.RequireAbsolute = true
	return &Handler{opts: opts, ignore: h.ignore}
}

// Ignore exposes the handler's ignore rules.
func (h *Handler) Ignore() IgnoreSet {
	return h.ignore
}

// Handle runs req and wraps the outcome in an fs-result envelope carrying
// req.ID. Failures become the error field; Handle never panics on bad input.
func (h *Handler) Handle(ctx context.Context, req protocol.FSRequest) protocol.FSResult {
	start := time.Now()
	body, err := h.Do(ctx, req)

	label := req.Action
	if _, ok := protocol.ParseAction(req.Action); !ok {
		label = "unknown"
	}
	metrics.FSOperation(label, err, time.Since(start))

	if err != nil {
		logging.FromContext(ctx).Debug("fs operation failed",
			zap.String("id", req.ID),
			zap.String("action", req.Action),
			zap.Error(err),
		)
		msg := err.Error()
		if errors.Is(err, ErrUnknownAction) {
			msg = "Unknown action: " + req.Action
		}
		return protocol.FSResult{ID: req.ID, Body: protocol.ErrorResult{Error: msg}}
	}
	return protocol.FSResult{ID: req.ID, Body: body}
}

// Do runs req and returns the bare result body.
func (h *Handler) Do(ctx context.Context, req protocol.FSRequest) (any, error) {
	action, ok := protocol.ParseAction(req.Action)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
	}

	switch action {
	case protocol.ActionBrowse:
		return h.Browse(ctx, req.Path)
	case protocol.ActionTree:
		depth := h.opts.DefaultDepth
		if req.Depth != nil {
			depth = *req.Depth
		}
		return h.Tree(ctx, req.Path, depth)
	case protocol.ActionRead:
		return h.Read(req.Path)
	case protocol.ActionWrite:
		var content string
		if req.Content != nil {
			content = *req.Content
		}
		return h.Write(req.Path, content)
	case protocol.ActionCreate:
		return h.Create(req.Path, req.ItemType)
	case protocol.ActionDelete:
		return h.Delete(req.Path)
	case protocol.ActionRename:
		return h.Rename(req.OldPath, req.NewPath)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
}

func (h *Handler) checkPath(p string) error {
	if p == "" {
		return ErrMissingPath
	}
	if h.opts.RequireAbsolute && !filepath.IsAbs(p) {
		return fmt.Errorf("%w: %s", ErrNotAbsolute, p)
	}
	return nil
}

// Browse lists one directory. An empty path returns the curated roots.
func (h *Handler) Browse(ctx context.Context, dir string) (protocol.BrowseResult, error) {
	if dir == "" {
		return h.roots(), nil
	}
	if err := h.checkPath(dir); err != nil {
		return protocol.BrowseResult{}, err
	}

	entries, err := listDir(dir, h.ignore.Listed)
	if err != nil {
		return protocol.BrowseResult{}, err
	}

	var parent *string
	if clean := filepath.Clean(dir); clean != string(filepath.Separator) {
		p := filepath.Dir(clean)
		parent = &p
	}
	return protocol.BrowseResult{Path: &dir, Parent: parent, Entries: entries}, nil
}

func (h *Handler) roots() protocol.BrowseResult {
	home := h.opts.Home
	entries := []protocol.Entry{
		{Name: "Home", Path: home, Type: protocol.EntryDirectory},
		{Name: "/", Path: "/", Type: protocol.EntryDirectory},
	}
	for _, d := range h.opts.ProjectDirs {
		full := filepath.Join(home, d)
		if info, err := os.Stat(full); err == nil && info.IsDir() {
			entries = append(entries, protocol.Entry{Name: d, Path: full, Type: protocol.EntryDirectory})
		}
	}
	return protocol.BrowseResult{Entries: entries, Home: home}
}

// Tree returns the recursive listing of dir to depth levels.
func (h *Handler) Tree(ctx context.Context, dir string, depth int) (protocol.TreeResult, error) {
	if err := h.checkPath(dir); err != nil {
		return protocol.TreeResult{}, err
	}
	entries, err := BuildTree(ctx, dir, depth, h.ignore)
	if err != nil {
		return protocol.TreeResult{}, err
	}
	return protocol.TreeResult{Path: dir, Entries: entries}, nil
}

// Read returns a file's content, refusing files above the size ceiling.
func (h *Handler) Read(path string) (protocol.ReadResult, error) {
	if err := h.checkPath(path); err != nil {
		return protocol.ReadResult{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return protocol.ReadResult{}, err
	}
	if info.Size() > h.opts.MaxReadBytes {
		return protocol.ReadResult{}, fmt.Errorf("%w (>%s)", ErrTooLarge, humanBytes(h.opts.MaxReadBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.ReadResult{}, err
	}
	return protocol.ReadResult{Path: path, Content: string(data)}, nil
}

// Write replaces a file's content, creating parent directories first.
func (h *Handler) Write(path, content string) (protocol.WriteResult, error) {
	if err := h.checkPath(path); err != nil {
		return protocol.WriteResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return protocol.WriteResult{}, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return protocol.WriteResult{}, err
	}
	return protocol.WriteResult{Success: true, Path: path}, nil
}

// Create makes an empty file or a directory tree. It never overwrites.
func (h *Handler) Create(path, itemType string) (protocol.CreateResult, error) {
	if err := h.checkPath(path); err != nil {
		return protocol.CreateResult{}, err
	}
	typ := protocol.EntryType(itemType)
	if typ == "" {
		typ = protocol.EntryFile
	}
	if typ != protocol.EntryFile && typ != protocol.EntryDirectory {
		return protocol.CreateResult{}, ErrInvalidItemType
	}
	if _, err := os.Lstat(path); err == nil {
		return protocol.CreateResult{}, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	}

	if typ == protocol.EntryDirectory {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return protocol.CreateResult{}, err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return protocol.CreateResult{}, err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				return protocol.CreateResult{}, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
			}
			return protocol.CreateResult{}, err
		}
		if err := f.Close(); err != nil {
			return protocol.CreateResult{}, err
		}
	}
	return protocol.CreateResult{Success: true, Path: path, ItemType: typ}, nil
}

// Delete removes path recursively. Missing paths succeed; the filesystem
// root and the home directory are refused.
func (h *Handler) Delete(path string) (protocol.DeleteResult, error) {
	if err := h.checkPath(path); err != nil {
		return protocol.DeleteResult{}, err
	}
	if h.protected(path) {
		return protocol.DeleteResult{}, fmt.Errorf("%w: %s", ErrProtectedPath, path)
	}
	if err := os.RemoveAll(path); err != nil {
		return protocol.DeleteResult{}, err
	}
	return protocol.DeleteResult{Success: true, Path: path}, nil
}

func (h *Handler) protected(path string) bool {
	clean := filepath.Clean(path)
	if abs, err := filepath.Abs(clean); err == nil {
		clean = abs
	}
	if clean == string(filepath.Separator) || clean == filepath.VolumeName(clean)+string(filepath.Separator) {
		return true
	}
	return h.opts.Home != "" && clean == filepath.Clean(h.opts.Home)
}

// Rename moves oldPath to newPath without clobbering an existing destination.
func (h *Handler) Rename(oldPath, newPath string) (protocol.RenameResult, error) {
	if err := h.checkPath(oldPath); err != nil {
		return protocol.RenameResult{}, fmt.Errorf("oldPath: %w", err)
	}
	if err := h.checkPath(newPath); err != nil {
		return protocol.RenameResult{}, fmt.Errorf("newPath: %w", err)
	}
	if _, err := os.Lstat(oldPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return protocol.RenameResult{}, fmt.Errorf("%w: %s", ErrSourceNotFound, oldPath)
		}
		return protocol.RenameResult{}, err
	}
	if _, err := os.Lstat(newPath); err == nil {
		return protocol.RenameResult{}, fmt.Errorf("%w: %s", ErrDestinationExists, newPath)
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return protocol.RenameResult{}, err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return protocol.RenameResult{}, err
	}
	return protocol.RenameResult{Success: true, OldPath: oldPath, NewPath: newPath}, nil
}

func humanBytes(n int64) string {
	const mb = 1024 * 1024
	if n%mb == 0 {
		return fmt.Sprintf("%dMB", n/mb)
	}
	return fmt.Sprintf("%d bytes", n)
}
