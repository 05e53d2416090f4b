// Package api is the Administrative Surface (§6.3): a small HTTP API for
// operational visibility and manual intervention, kept free of the
// connection-handling and translation business logic that lives in the
// rest of the core.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"relay/internal/session"
	"relay/internal/sweeper"
	"relay/pkg/provider/repository"
	"relay/pkg/types"
)

// Server answers the administrative endpoints over the session registry,
// the repository, and the cleanup sweeper.
type Server struct {
	sessions *session.Manager
	repo     repository.Repository
	sweeper  *sweeper.Sweeper
	router   *http.ServeMux
}

func NewServer(sessions *session.Manager, repo repository.Repository, sweep *sweeper.Sweeper) *Server {
	s := &Server{
		sessions: sessions,
		repo:     repo,
		sweeper:  sweep,
		router:   http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/sessions/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessionsPath))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

// ServeHTTP implements http.Handler so Server can be mounted directly on
// the Coordinator's top-level mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleSessionsPath dispatches the three §6.3 routes, all nested under
// /sessions/: cleanup-now, active, and {id}/status.
func (s *Server) handleSessionsPath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")

	switch {
	case path == "cleanup-now" && r.Method == http.MethodPost:
		s.cleanupNow(w, r)
	case path == "active" && r.Method == http.MethodGet:
		s.listActive(w, r)
	case strings.HasSuffix(path, "/status") && r.Method == http.MethodGet:
		s.sessionStatus(w, r, strings.TrimSuffix(path, "/status"))
	case r.Method == http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "not found", http.StatusNotFound)
	}
}

type SessionStatusResponse struct {
	Session types.Snapshot `json:"session"`
}

type ActiveSessionsResponse struct {
	Sessions []types.Snapshot `json:"sessions"`
	Count    int               `json:"count"`
}

type CleanupNowResponse struct {
	ActiveSessions  int            `json:"activeSessions"`
	ExpiredThisTick int            `json:"expiredThisTick"`
	ExpiredByReason map[string]int `json:"expiredByReason"`
	ReusableCodes   int            `json:"reusableCodes"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// cleanupNow implements POST /sessions/cleanup-now: it runs one sweep tick
// immediately, sharing the exact same code path the periodic ticker uses
// (§4.4's closing note), rather than a separate force-expire implementation.
func (s *Server) cleanupNow(w http.ResponseWriter, r *http.Request) {
	result := s.sweeper.Sweep(r.Context())
	_ = json.NewEncoder(w).Encode(CleanupNowResponse{
		ActiveSessions:  result.ActiveSessions,
		ExpiredThisTick: result.ExpiredThisTick,
		ExpiredByReason: result.ExpiredByReason,
		ReusableCodes:   result.ReusableCodes,
	})
}

// listActive implements GET /sessions/active from the in-memory registry,
// which is authoritative for liveness (the repository is audit-only).
func (s *Server) listActive(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(ActiveSessionsResponse{
		Sessions: s.sessions.List(),
		Count:    s.sessions.Count(),
	})
}

// sessionStatus implements GET /sessions/{id}/status.
func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request, sessionID string) {
	if sessionID == "" {
		s.sendError(w, "session id required", http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		s.sendError(w, "session not found", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(SessionStatusResponse{Session: sess.Snapshot()})
}

// healthCheck implements GET /health.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.repo.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Database:  dbStatus,
	})
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

// corsMiddleware allows web-client access from any origin; a production
// deployment's reverse proxy is expected to restrict this further.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
