// Package server exposes a workspace over HTTP for hosting scenarios:
// read-only materialization plus version and proposal management.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/plaitext/plait/core/config"
	"github.com/plaitext/plait/core/workspace"
)

// Server serves one workspace.
type Server struct {
	ws     *workspace.Workspace
	cfg    config.ServerConfig
	logger *slog.Logger

	httpServer *http.Server
}

// New wires a server over an open workspace.
func New(ws *workspace.Workspace, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ws: ws, cfg: cfg, logger: logger}
}

// Handler builds the full route table wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/versions", s.handleListVersions)
	mux.HandleFunc("POST /v1/versions", s.handleCreateVersion)
	mux.HandleFunc("GET /v1/versions/{id}", s.handleGetVersion)
	mux.HandleFunc("GET /v1/versions/{id}/files", s.handleListFiles)
	mux.HandleFunc("GET /v1/versions/{id}/files/{fileID}", s.handleReadFile)
	mux.HandleFunc("GET /v1/proposals", s.handleListProposals)
	mux.HandleFunc("POST /v1/proposals", s.handleCreateProposal)
	mux.HandleFunc("POST /v1/proposals/{id}/accept", s.handleAcceptProposal)
	mux.HandleFunc("POST /v1/proposals/{id}/reject", s.handleRejectProposal)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	return corsHandler.Handler(s.logRequests(mux))
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

// ListenAndServe runs until the context is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.String("addr", s.cfg.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(start)))
	})
}
