// ABOUTME: HTTP server wiring for the messaging API: routes, middleware, lifecycle
// ABOUTME: Owns the store, service, and presence broadcaster for one process

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/majeeddane/masar-messaging/internal/auth"
	"github.com/majeeddane/masar-messaging/internal/config"
	"github.com/majeeddane/masar-messaging/internal/messaging"
	"github.com/majeeddane/masar-messaging/internal/presence"
	"github.com/majeeddane/masar-messaging/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Server hosts the messaging HTTP API. It owns the SQLite store, the
// messaging service, and the typing presence machinery, and tears them down
// together on shutdown.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.SQLiteStore
	service   *messaging.Service
	typing    *presence.Broadcaster
	debounce  *presence.Debouncer
	typingTTL time.Duration

	httpServer *http.Server
}

// New builds a server from configuration. The store is opened (and the schema
// created) here; nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	svc := messaging.New(st, logger, messaging.Options{
		SendRetries:  cfg.Messaging.SendRetries,
		RetryBackoff: cfg.Messaging.RetryBackoff,
	})

	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		store:     st,
		service:   svc,
		typing:    presence.NewBroadcaster(logger),
		debounce:  presence.NewDebouncer(cfg.Presence.TypingDebounce),
		typingTTL: cfg.Presence.TypingTTL,
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	s.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: s.routes(verifier),
	}

	return s, nil
}

// routes builds the full handler tree. Everything under /api requires a
// verified identity; the health endpoints do not.
func (s *Server) routes(verifier auth.TokenVerifier) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/conversations", s.handleResolveConversation)
	api.HandleFunc("/api/conversations/", s.handleConversationRoutes)
	api.HandleFunc("/api/inbox", s.handleInbox)
	api.HandleFunc("/api/inbox/unread", s.handleTotalUnread)
	api.HandleFunc("/api/inbox/events", s.handleInboxEvents)

	authed := auth.Middleware(s.store, verifier)(api)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.Handle("/api/", authed)
	return mux
}

// Run starts the HTTP listener and blocks until ctx is cancelled or the
// server fails. Shutdown is graceful with a bounded timeout; open SSE and
// WebSocket streams are cut when their request contexts die.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	case serveErr = <-errCh:
		s.logger.Error("http server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown error", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}

	s.typing.Close()
	s.service.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}

	return serveErr
}

// handleHealth handles GET /health: pure liveness, answers as long as the
// process serves requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady handles GET /health/ready: readiness, which also requires the
// store to answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("readiness store ping failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
