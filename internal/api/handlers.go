package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/scheduler"
	"github.com/t77yq/taskgraph/internal/service"
	"github.com/t77yq/taskgraph/internal/storage"
	"github.com/t77yq/taskgraph/internal/watch"
)

const defaultSearchLimit = 5

// APIError is a structured error response
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RegisterEmployeeRequest is the body of POST /api/employees
type RegisterEmployeeRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// IngestDocumentRequest is the body of POST /api/documents
type IngestDocumentRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)

	var req service.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: http.StatusBadRequest, Message: "invalid request body"})
		return
	}
	if plan, _ := strconv.ParseBool(r.URL.Query().Get("plan")); plan {
		req.Plan = true
	}

	res, err := s.service.CreateTask(r.Context(), id.actorID, id.workspaceID, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	tasks, err := s.service.ListTasks(r.Context(), identityFrom(r).workspaceID, offset, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	includeSteps, _ := strconv.ParseBool(r.URL.Query().Get("includeSteps"))

	snap, err := s.service.GetTask(r.Context(), identityFrom(r).workspaceID, chi.URLParam(r, "id"), includeSteps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !includeSteps {
		writeJSON(w, http.StatusOK, snap.Task)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePlanTask(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.PlanTask(r.Context(), identityFrom(r).workspaceID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.service.ListSteps(r.Context(), identityFrom(r).workspaceID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{
			Code:    http.StatusInternalServerError,
			Message: "streaming not supported",
		})
		return
	}

	events, err := s.service.Watch(r.Context(), identityFrom(r).workspaceID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		writeSSEEvent(w, flusher, ev)
	}
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	step, err := s.service.GetStep(r.Context(), identityFrom(r).workspaceID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleRunStep(w http.ResponseWriter, r *http.Request) {
	step, err := s.service.RunStep(r.Context(), identityFrom(r).workspaceID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, step)
}

func (s *Server) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	step, err := s.service.RetryStep(r.Context(), identityFrom(r).workspaceID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, step)
}

func (s *Server) handleListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := s.service.ListEmployees(r.Context(), identityFrom(r).workspaceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, employees)
}

func (s *Server) handleRegisterEmployee(w http.ResponseWriter, r *http.Request) {
	var req RegisterEmployeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: http.StatusBadRequest, Message: "invalid request body"})
		return
	}

	emp, err := s.service.RegisterEmployee(r.Context(), identityFrom(r).workspaceID, &storage.Employee{
		Name:         req.Name,
		Description:  req.Description,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, emp)
}

func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	var req IngestDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: http.StatusBadRequest, Message: "invalid request body"})
		return
	}

	doc, err := s.service.IngestDocument(r.Context(), identityFrom(r).workspaceID, req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleSearchDocuments(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultSearchLimit
	}

	hits, err := s.service.SearchBrain(r.Context(), identityFrom(r).workspaceID, r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrTaskNotFound), errors.Is(err, storage.ErrStepNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrStepNotQueued),
		errors.Is(err, scheduler.ErrTaskNotRunning),
		errors.Is(err, scheduler.ErrStepNotFailed):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, APIError{Code: status, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev watch.Event) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	f.Flush()
}
