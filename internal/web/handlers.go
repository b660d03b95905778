package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"agentrelay/internal/bridge"
	"agentrelay/internal/notify"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

type replyRequest struct {
	ThreadID string `json:"threadId"`
	Text     string `json:"text"`
}

type replyResponse struct {
	SessionName string `json:"sessionName"`
	IsNew       bool   `json:"isNew"`
}

// handleReply is the inbound webhook: an external reply becomes a prompt
// for the thread's session.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorized(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if !s.limiter.Allow() {
		writeAPIError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
		return
	}
	if s.cfg.Inbound == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "relay core not running")
		return
	}

	var req replyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed json body")
		return
	}
	if req.ThreadID == "" || req.Text == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "threadId and text are required")
		return
	}

	res, err := s.cfg.Inbound.HandleInbound(r.Context(), req.ThreadID, req.Text)
	if err != nil {
		webLog.Error("reply_failed",
			slog.String("thread", req.ThreadID),
			slog.String("error", err.Error()))
		status := http.StatusInternalServerError
		code := "RELAY_FAILED"
		if errors.Is(err, bridge.ErrInjection) {
			code = "INJECTION_FAILED"
		} else if errors.Is(err, bridge.ErrSessionCreate) {
			code = "SESSION_CREATE_FAILED"
		}
		writeAPIError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, replyResponse{
		SessionName: res.SessionName,
		IsNew:       res.IsNew,
	})
}

// handleEvents returns recent audit history from the event database.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorized(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.cfg.Events == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "event history disabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	transitions, err := s.cfg.Events.RecentTransitions(limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load transitions")
		return
	}
	deliveries, err := s.cfg.Events.RecentDeliveries(limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load deliveries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transitions": transitions,
		"deliveries":  deliveries,
	})
}

func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	enabled := s.cfg.PushStore != nil && s.cfg.PushPublicKey != ""
	resp := map[string]any{"enabled": enabled}
	if enabled {
		resp["publicKey"] = s.cfg.PushPublicKey
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorized(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.cfg.PushStore == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "push is not configured")
		return
	}

	var sub notify.Subscription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed json body")
		return
	}
	if err := sub.Validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := s.cfg.PushStore.Upsert(sub); err != nil {
		webLog.Error("push_subscribe_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to store subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorized(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.cfg.PushStore == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "push is not configured")
		return
	}

	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed json body")
		return
	}
	if body.Endpoint == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint is required")
		return
	}
	if err := s.cfg.PushStore.Remove(body.Endpoint); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to remove subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
