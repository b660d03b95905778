// Package web is the inbound webhook surface: external reply handlers
// POST into it, dashboards follow the live event stream over a
// websocket.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"agentrelay/internal/bridge"
	"agentrelay/internal/logging"
	"agentrelay/internal/notify"
	"agentrelay/internal/statedb"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Inbound is the slice of the bridge the server drives.
type Inbound interface {
	HandleInbound(ctx context.Context, externalThreadID, promptText string) (bridge.InboundResult, error)
}

// EventSource serves the audit history endpoint. Satisfied by
// statedb.StateDB.
type EventSource interface {
	RecentTransitions(limit int) ([]statedb.Transition, error)
	RecentDeliveries(limit int) ([]statedb.Delivery, error)
}

// Config defines runtime options for the webhook server.
type Config struct {
	ListenAddr      string
	Token           string
	RateLimitPerMin int

	Inbound Inbound
	Events  EventSource

	// PushStore receives browser push subscriptions; nil disables the
	// push endpoints.
	PushStore     *notify.SubscriptionStore
	PushPublicKey string
}

// Server wraps the HTTP server for serve mode.
type Server struct {
	cfg        Config
	httpServer *http.Server
	limiter    *rate.Limiter
	hub        *Hub

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates the server with routes and middleware wired.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8720"
	}
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 30
	}

	s := &Server{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		hub:     NewHub(),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/reply", s.handleReply)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.HandleFunc("/api/push/config", s.handlePushConfig)
	mux.HandleFunc("/api/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("/api/push/unsubscribe", s.handlePushUnsubscribe)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the event broadcast hub so monitoring code can publish.
func (s *Server) Hub() *Hub {
	return s.hub
}

// SetInbound wires the relay core after construction. The server is
// built first because the core's transition sink publishes to its hub.
func (s *Server) SetInbound(in Inbound) {
	s.cfg.Inbound = in
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("webhook_listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, force-closing if long-lived
// websocket connections hold up the graceful path.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}
	s.hub.CloseAll()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr == nil {
			return nil
		} else {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
	}
	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}
