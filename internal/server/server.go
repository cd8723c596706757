// internal/server/server.go

// Package server exposes the caller-facing conversation API over local HTTP.
// Per-turn failures never surface as transport errors: they come back as
// {success:false, error} bodies or as error-typed messages inside a batch.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/finclaw/internal/session"
	"github.com/user/finclaw/internal/state"
	"github.com/user/finclaw/internal/types"
	"github.com/user/finclaw/internal/valuation"
)

// TaskRunner injects a refresh prompt into a project's conversation.
type TaskRunner func(projectID, prompt string) error

// Server is the HTTP surface for the desktop UI.
type Server struct {
	manager *session.Manager
	store   types.Store
	tasks   *state.TaskStore
	runTask TaskRunner
	mux     *http.ServeMux
}

// NewServer wires the handlers. tasks and runTask may be nil when the
// scheduler surface is disabled.
func NewServer(manager *session.Manager, store types.Store, tasks *state.TaskStore, runTask TaskRunner) *Server {
	s := &Server{
		manager: manager,
		store:   store,
		tasks:   tasks,
		runTask: runTask,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/projects/", s.handleProjectPost)
	s.mux.HandleFunc("DELETE /api/projects/", s.handleProjectDelete)
	s.mux.HandleFunc("GET /api/projects/", s.handleProjectThreads)
	s.mux.HandleFunc("GET /api/threads/", s.handleThreadMessages)
	s.mux.HandleFunc("POST /api/threads/", s.handleThreadArchive)
	s.mux.HandleFunc("POST /api/valuation/composite", s.handleComposite)
	s.mux.HandleFunc("POST /api/tasks/", s.handleTaskRun)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// turnResponse is the wire wrapper for conversation turns.
type turnResponse struct {
	Success  bool             `json:"success"`
	Messages []*types.Message `json:"messages,omitempty"`
	Done     bool             `json:"done"`
	Error    string           `json:"error,omitempty"`
}

type startRequest struct {
	Snapshot *types.ProjectSnapshot `json:"snapshot"`
}

type messageRequest struct {
	Text     string                 `json:"text"`
	Snapshot *types.ProjectSnapshot `json:"snapshot,omitempty"`
}

// handleProjectPost covers POST /api/projects/{id}/conversation/start and
// POST /api/projects/{id}/conversation/messages.
func (s *Server) handleProjectPost(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 3 || parts[1] != "conversation" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	projectID := types.ProjectID(parts[0])

	switch parts[2] {
	case "start":
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		result, err := s.manager.StartConversation(r.Context(), projectID, req.Snapshot)
		s.writeTurn(w, projectID, result, err)

	case "messages":
		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if req.Text == "" {
			writeError(w, http.StatusBadRequest, "text is required")
			return
		}
		result, err := s.manager.SendMessage(r.Context(), projectID, req.Text, req.Snapshot)
		s.writeTurn(w, projectID, result, err)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) writeTurn(w http.ResponseWriter, projectID types.ProjectID, result *types.TurnResult, err error) {
	if err != nil {
		if errors.Is(err, session.ErrSnapshotRequired) {
			writeJSON(w, http.StatusOK, turnResponse{Error: err.Error()})
			return
		}
		slog.Error("conversation turn failed", "project_id", string(projectID), "error", err)
		writeJSON(w, http.StatusOK, turnResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{Success: true, Messages: result.Messages, Done: result.Done})
}

// handleProjectDelete covers DELETE /api/projects/{id}/conversation.
func (s *Server) handleProjectDelete(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[1] != "conversation" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.manager.ClearConversation(types.ProjectID(parts[0]))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleProjectThreads covers GET /api/projects/{id}/threads.
func (s *Server) handleProjectThreads(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[1] != "threads" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	threads, err := s.store.ThreadsByProject(r.Context(), types.ProjectID(parts[0]))
	if err != nil {
		slog.Error("list threads failed", "project_id", parts[0], "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if threads == nil {
		threads = []*types.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

// handleThreadMessages covers GET /api/threads/{id}/messages.
func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/threads/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[1] != "messages" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	messages, err := s.store.MessagesByThread(r.Context(), types.ThreadID(parts[0]))
	if err != nil {
		slog.Error("list messages failed", "thread_id", parts[0], "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if messages == nil {
		messages = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// handleThreadArchive covers POST /api/threads/{id}/archive.
func (s *Server) handleThreadArchive(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/threads/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[1] != "archive" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := s.store.ArchiveThread(r.Context(), types.ThreadID(parts[0])); err != nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type compositeRequest struct {
	Methods []types.Method `json:"methods"`
}

type compositeResponse struct {
	Composite *float64 `json:"composite"`
}

// handleComposite recomputes the weighted valuation from the posted methods.
// Nothing is cached or stored; the composite is undefined (null) when no
// method value is greater than zero.
func (s *Server) handleComposite(w http.ResponseWriter, r *http.Request) {
	var req compositeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	var resp compositeResponse
	if value, ok := valuation.Composite(req.Methods); ok {
		resp.Composite = &value
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTaskRun covers POST /api/tasks/{name}/run: fire a named refresh task
// immediately, outside its schedule.
func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil || s.runTask == nil {
		writeError(w, http.StatusServiceUnavailable, "tasks not configured")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[1] != "run" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	task, err := s.tasks.Get(parts[0])
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !task.Enabled {
		writeError(w, http.StatusForbidden, "task is disabled")
		return
	}
	if err := s.runTask(task.ProjectID, task.Prompt); err != nil {
		slog.Error("task run failed", "task", task.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
