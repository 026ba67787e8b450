package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noco-ai/arcane-bridge/internal/security"
	"github.com/noco-ai/arcane-bridge/internal/skills"
)

// ServerDeps are the collaborators of the HTTP server.
type ServerDeps struct {
	Sessions    *Sessions
	Skills      *skills.Index
	Permissions *security.Permissions
	// Files serves workspace files; mounted at /files when set.
	Files http.Handler
	// Secret signs session tokens. Empty enables dev mode, where every
	// request runs as DevUser.
	Secret  []byte
	DevUser int64
	Logger  *slog.Logger
}

// Server is the client-facing HTTP server.
type Server struct {
	port       int
	deps       ServerDeps
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a server listening on port.
func NewServer(port int, deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{port: port, deps: deps, logger: logger.With("component", "http")}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Get("/healthz", handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(security.AuthMiddleware(s.deps.Secret, s.deps.DevUser, s.logger))
		r.Handle("/ws", s.deps.Sessions)
		r.Get("/api/skills", s.handleSkills)
		if s.deps.Files != nil {
			r.Mount("/files", s.deps.Files)
		}
	})
	return r
}

// Start serves until ctx is done, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.port),
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.logger.Info("http server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleSkills lists the online skills the caller may use.
func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	claims, err := security.ClaimsFrom(r.Context())
	if err != nil {
		http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
		return
	}
	perms := s.deps.Permissions.UserPermissions(claims.UserID)
	out := []*skills.Skill{}
	if s.deps.Skills != nil {
		for _, skill := range s.deps.Skills.OnlineSkills() {
			if perms.CanUseSkill(skill.RoutingKey) {
				out = append(out, skill)
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"skills": out})
}
