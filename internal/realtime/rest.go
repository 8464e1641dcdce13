package realtime

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"go.uber.org/zap"

	"termbridge/internal/fsrpc"
	"termbridge/internal/logging"
	"termbridge/internal/protocol"
	"termbridge/internal/session"
	"termbridge/internal/workspace"
)

// fsRequestBody is an HTTP filesystem request. The action comes from the URL;
// create also accepts "type" for the item type.
type fsRequestBody struct {
	protocol.FSRequest
	Type string `json:"type"`
}

// createResponse adds "type" for HTTP clients; the socket reply keeps only
// itemType.
type createResponse struct {
	protocol.CreateResult
	Type protocol.EntryType `json:"type"`
}

func (s *Server) handleFS(w http.ResponseWriter, r *http.Request) {
	var body fsRequestBody
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.ReadLimit)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := body.FSRequest
	req.Action = r.PathValue("action")
	if req.ItemType == "" {
		req.ItemType = body.Type
	}
	if action, ok := protocol.ParseAction(req.Action); ok && action == protocol.ActionCreate && req.ItemType == "" {
		writeError(w, http.StatusBadRequest, fsrpc.ErrInvalidItemType.Error())
		return
	}

	res, err := s.strictFS.Do(r.Context(), req)
	if err != nil {
		status := fsStatus(err)
		if status == http.StatusInternalServerError {
			logging.FromContext(r.Context()).Error("fs request failed", zap.String("action", req.Action), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	if created, ok := res.(protocol.CreateResult); ok {
		res = createResponse{CreateResult: created, Type: created.ItemType}
	}
	writeJSON(w, http.StatusOK, res)
}

// fsStatus maps a filesystem error onto an HTTP status.
func fsStatus(err error) int {
	switch {
	case errors.Is(err, fsrpc.ErrMissingPath),
		errors.Is(err, fsrpc.ErrNotAbsolute),
		errors.Is(err, fsrpc.ErrInvalidItemType):
		return http.StatusBadRequest
	case errors.Is(err, fsrpc.ErrUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, fsrpc.ErrProtectedPath), errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, fsrpc.ErrSourceNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, fsrpc.ErrAlreadyExists), errors.Is(err, fsrpc.ErrDestinationExists):
		return http.StatusConflict
	case errors.Is(err, fsrpc.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil || !s.cfg.Exec.Enabled {
		writeError(w, http.StatusNotFound, "workspace commands are disabled")
		return
	}

	var req workspace.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.exec.Run(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, workspace.ErrMissingCwd),
			errors.Is(err, workspace.ErrCwdNotAbsolute),
			errors.Is(err, workspace.ErrCommandNotAllowed):
			status = http.StatusBadRequest
		case errors.Is(err, workspace.ErrWorkspaceNotFound):
			status = http.StatusNotFound
		case errors.Is(err, workspace.ErrOutsideWorkspace):
			status = http.StatusForbidden
		default:
			logging.FromContext(r.Context()).Error("workspace command failed", zap.Error(err))
			err = errors.New("failed to execute command")
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.sessions.Kill(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResult{Error: msg})
}
