package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/monitoring"
	"github.com/citewalk/content-pipeline/internal/notifications"
	"github.com/citewalk/content-pipeline/internal/publishing"
	"github.com/citewalk/content-pipeline/internal/queue"
	"github.com/citewalk/content-pipeline/internal/search"
	"github.com/citewalk/content-pipeline/internal/storage"
)

// UserHeader carries the caller identity set by the upstream gateway
const UserHeader = "X-User-ID"

// Searcher runs full-text queries
type Searcher interface {
	Search(ctx context.Context, q string, limit int) ([]*search.Result, error)
}

// Dependencies are the collaborators of the HTTP surface. Search, Hub and
// Monitor may be nil; their endpoints then answer 503.
type Dependencies struct {
	Publisher *publishing.Service
	Store     storage.Store
	Jobs      queue.Queue
	Search    Searcher
	Hub       *notifications.Hub
	Monitor   *monitoring.Service
}

// Server is the HTTP surface of the pipeline
type Server struct {
	publisher *publishing.Service
	store     storage.Store
	jobs      queue.Queue
	search    Searcher
	hub       *notifications.Hub
	monitor   *monitoring.Service
	router    *mux.Router
}

// NewServer creates the server and registers its routes
func NewServer(deps Dependencies) *Server {
	s := &Server{
		publisher: deps.Publisher,
		store:     deps.Store,
		jobs:      deps.Jobs,
		search:    deps.Search,
		hub:       deps.Hub,
		monitor:   deps.Monitor,
		router:    mux.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", healthCheckHandler).Methods("GET")
	s.router.HandleFunc("/metrics", s.metricsHandler).Methods("GET")

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(requireUser)

	v1.HandleFunc("/posts", s.createPost).Methods("POST")
	v1.HandleFunc("/posts/{id}/replies", s.createReply).Methods("POST")
	v1.HandleFunc("/posts/{id}/quotes", s.createQuote).Methods("POST")
	v1.HandleFunc("/content/{id}", s.deleteContent).Methods("DELETE")
	v1.HandleFunc("/content/{id}/reports", s.reportContent).Methods("POST")

	v1.HandleFunc("/users/{id}/feed", s.userFeed).Methods("GET")
	v1.HandleFunc("/search", s.searchContent).Methods("GET")
	v1.HandleFunc("/notifications", s.listNotifications).Methods("GET")
	v1.HandleFunc("/notifications/{id}/read", s.markNotificationRead).Methods("POST")
	v1.HandleFunc("/events", s.events).Methods("GET")

	v1.HandleFunc("/admin/jobs/parked", s.parkedJobs).Methods("GET")
	v1.HandleFunc("/admin/jobs/stats", s.jobStats).Methods("GET")
	v1.HandleFunc("/admin/jobs/{id}/replay", s.replayJob).Methods("POST")
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(UserHeader) == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + UserHeader + " header"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	return r.Header.Get(UserHeader)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("Failed to write response: %v", err)
	}
}

// writeError maps service errors onto status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, publishing.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, publishing.ErrContentPolicy):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, publishing.ErrNotFound), errors.Is(err, storage.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, publishing.ErrForbidden):
		status = http.StatusForbidden
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		logrus.Errorf("Request failed: %v", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &publishing.ValidationError{Field: "body", Message: "malformed JSON"}
	}
	return nil
}

// limitParam reads ?limit=, clamped to [1, max]
func limitParam(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 1 {
		return def
	}
	return min(n, max)
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "metrics disabled"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.monitor.GetMetrics()))
}
