package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamEvent is one event pushed to websocket subscribers. Fields mirror
// the monitor's event plus the notification outcome when one was sent.
type StreamEvent struct {
	Type        string    `json:"type"`
	SessionName string    `json:"sessionName,omitempty"`
	State       string    `json:"state,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	OK          *bool     `json:"ok,omitempty"`
	Time        time.Time `json:"time"`
}

// Hub fans StreamEvents out to connected websocket clients. A slow
// client is dropped rather than allowed to block the publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan StreamEvent
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan StreamEvent)}
}

// Publish delivers an event to every connected client. Never blocks.
func (h *Hub) Publish(ev StreamEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			// Client is not draining; cut it loose.
			delete(h.clients, conn)
			close(ch)
			_ = conn.Close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(conn *websocket.Conn) chan StreamEvent {
	ch := make(chan StreamEvent, 32)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
}

// CloseAll disconnects every client. Called on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for conn, ch := range h.clients {
		delete(h.clients, conn)
		close(ch)
		_ = conn.Close()
	}
	h.mu.Unlock()
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

// allowWSOrigin accepts same-host origins and non-browser clients (no
// Origin header).
func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorized(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.hub.add(conn)
	defer s.hub.remove(conn)
	webLog.Debug("ws_client_connected", slog.String("remote", r.RemoteAddr))

	// Reader goroutine: the client sends nothing meaningful, but reading
	// detects disconnects and services control frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
