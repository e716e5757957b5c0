// Package api exposes the task engine over HTTP. Identity is taken from
// headers set by an upstream gateway; every route below /api/tasks and
// /api/steps is scoped to the caller's workspace.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/service"
)

const (
	HeaderActorID     = "X-Actor-Id"
	HeaderWorkspaceID = "X-Workspace-Id"

	readHeaderTimeout = 10 * time.Second
)

type identityKey struct{}

type identity struct {
	actorID     string
	workspaceID string
}

// Server is the HTTP API server
type Server struct {
	logger     *zap.Logger
	service    *service.TaskService
	router     chi.Router
	httpServer *http.Server
}

// NewServer creates a new API server listening on addr
func NewServer(addr string, svc *service.TaskService, logger *zap.Logger) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		service: svc,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireIdentity)

		r.Route("/api/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/{id}", s.handleGetTask)
			r.Post("/{id}/plan", s.handlePlanTask)
			r.Get("/{id}/steps", s.handleListSteps)
			r.Get("/{id}/stream", s.handleStream)
		})

		r.Route("/api/steps", func(r chi.Router) {
			r.Get("/{id}", s.handleGetStep)
			r.Post("/{id}/run", s.handleRunStep)
			r.Post("/{id}/retry", s.handleRetryStep)
		})

		r.Get("/api/employees", s.handleListEmployees)
		r.Post("/api/employees", s.handleRegisterEmployee)
		r.Post("/api/documents", s.handleIngestDocument)
		r.Get("/api/documents/search", s.handleSearchDocuments)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("API listening", zap.String("addr", ln.Addr().String()))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identity{
			actorID:     r.Header.Get(HeaderActorID),
			workspaceID: r.Header.Get(HeaderWorkspaceID),
		}
		if id.workspaceID == "" {
			writeJSON(w, http.StatusBadRequest, APIError{
				Code:    http.StatusBadRequest,
				Message: HeaderWorkspaceID + " header is required",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func identityFrom(r *http.Request) identity {
	id, _ := r.Context().Value(identityKey{}).(identity)
	return id
}
