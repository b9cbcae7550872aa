package handlers

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// realtimeHub fans out per-user events to every websocket the user has open.
type realtimeHub struct {
	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func newRealtimeHub() *realtimeHub {
	return &realtimeHub{
		conns: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *realtimeHub) add(userID string, c *websocket.Conn) {
	if h == nil || c == nil || strings.TrimSpace(userID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		m = make(map[*websocket.Conn]struct{})
		h.conns[userID] = m
	}
	m[c] = struct{}{}
}

func (h *realtimeHub) remove(userID string, c *websocket.Conn) {
	if h == nil || c == nil || strings.TrimSpace(userID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		return
	}
	delete(m, c)
	if len(m) == 0 {
		delete(h.conns, userID)
	}
}

func (h *realtimeHub) broadcast(userID string, msg []byte) {
	if h == nil || strings.TrimSpace(userID) == "" || len(msg) == 0 {
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, 8)
	for c := range h.conns[userID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := websocket.Message.Send(c, string(msg)); err != nil {
			_ = c.Close()
			h.remove(userID, c)
		}
	}
}

func (h *realtimeHub) count(userID string) int {
	if h == nil || strings.TrimSpace(userID) == "" {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

func isLocalhostRemoteAddr(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil && h != "" {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// internalWSAllowed returns true if the request may open a backend WS
// connection. In production, set INTERNAL_WS_SECRET and send it via
// X-Internal-WS-Secret from the frontend proxy. Loopback is always allowed
// so local development keeps working.
func internalWSAllowed(r *http.Request) bool {
	sec := strings.TrimSpace(os.Getenv("INTERNAL_WS_SECRET"))
	if isLocalhostRemoteAddr(r.RemoteAddr) {
		return true
	}
	if sec == "" {
		return false
	}
	return strings.TrimSpace(r.Header.Get("X-Internal-WS-Secret")) == sec
}

// realtimeEvent is the wire format on the websocket feed. Types currently
// emitted: hello, entitlement.updated, analysis.completed.
type realtimeEvent struct {
	Type string `json:"type"`

	UserID     string `json:"user_id"`
	AnalysisID string `json:"analysisId,omitempty"`
	Plan       string `json:"plan,omitempty"`

	Status string `json:"status,omitempty"`
	At     string `json:"at"`
}

// EventsWebSocket streams realtime events for one user.
//
// URL: /api/events/ws?userId=...
// Auth: X-Internal-WS-Secret (or localhost-only if INTERNAL_WS_SECRET is unset)
func (h *Handler) EventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if !internalWSAllowed(r) {
		log.Printf("[RealtimeWS] forbidden remote=%s host=%s", r.RemoteAddr, r.Host)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		http.Error(w, "missing_userId", http.StatusBadRequest)
		return
	}

	// golang.org/x/net/websocket's default origin check 403s when the Origin
	// header does not match Host. This WS is internal, so accept any origin;
	// auth already happened above.
	wsServer := websocket.Server{
		Handshake: func(cfg *websocket.Config, req *http.Request) error {
			return nil
		},
		Handler: func(c *websocket.Conn) {
			log.Printf("[RealtimeWS] connect userId=%s remote=%s", userID, r.RemoteAddr)
			h.rt.add(userID, c)
			defer h.rt.remove(userID, c)
			defer log.Printf("[RealtimeWS] disconnect userId=%s remote=%s", userID, r.RemoteAddr)

			// Hello frame so clients can confirm the channel.
			hello := realtimeEvent{
				Type:   "hello",
				UserID: userID,
				At:     time.Now().UTC().Format(time.RFC3339),
			}
			if b, err := json.Marshal(hello); err == nil {
				_ = websocket.Message.Send(c, string(b))
			}

			// Keepalive ticker; also surfaces dead connections.
			done := make(chan struct{})
			var doneOnce sync.Once
			closeDone := func() { doneOnce.Do(func() { close(done) }) }
			go func() {
				ticker := time.NewTicker(30 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						ev := realtimeEvent{
							Type:   "ping",
							UserID: userID,
							At:     time.Now().UTC().Format(time.RFC3339),
						}
						b, err := json.Marshal(ev)
						if err != nil {
							continue
						}
						if err := websocket.Message.Send(c, string(b)); err != nil {
							closeDone()
							return
						}
					}
				}
			}()

			// Read loop keeps the connection open and detects disconnects.
			for {
				var ignored string
				if err := websocket.Message.Receive(c, &ignored); err != nil {
					closeDone()
					break
				}
			}
		},
	}

	wsServer.ServeHTTP(w, r)
}

func (h *Handler) emitEvent(userID string, ev realtimeEvent) {
	if h == nil || h.rt == nil || strings.TrimSpace(userID) == "" {
		return
	}
	ev.UserID = userID
	if strings.TrimSpace(ev.At) == "" {
		ev.At = time.Now().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Realtime] marshal_failed userId=%s err=%v", userID, err)
		return
	}
	log.Printf("[Realtime] emit userId=%s type=%s analysisId=%s status=%s subs=%d",
		userID, ev.Type, ev.AnalysisID, ev.Status, h.rt.count(userID))
	h.rt.broadcast(userID, b)
}
