package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/infinity-storm/internal/cascade"
	"github.com/rawblock/infinity-storm/internal/gameerr"
	"github.com/rawblock/infinity-storm/internal/pkg/logger"
	"github.com/rawblock/infinity-storm/pkg/models"
)

const (
	// writeWait bounds a single frame write so a blocked client cannot
	// stall the write pump.
	writeWait = 5 * time.Second

	// maxMessageBytes bounds inbound frames. Client payloads are small;
	// anything larger is a protocol violation.
	maxMessageBytes = 64 * 1024

	// sendQueueSize is the per-client outbound buffer. Overflow drops
	// the event rather than blocking the dispatcher.
	sendQueueSize = 256
)

// Hub tracks the connected cascade sync clients.
type Hub struct {
	log     logger.Logger
	mu      sync.Mutex
	clients map[*Client]struct{}
}

func newHub(log logger.Logger) *Hub {
	return &Hub{
		log:     log.Component("ws"),
		clients: make(map[*Client]struct{}),
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("player", c.playerID).Int("clients", n).Msg("websocket client connected")
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if present {
		h.log.Info().Str("player", c.playerID).Int("clients", n).Msg("websocket client disconnected")
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run blocks until ctx is done, then closes every client so shutdown
// fails their sync sessions and releases session references.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close("server shutting down")
	}
}

// Client is one authenticated cascade sync socket. All protocol state
// lives in the SyncSessions it references; the client itself only
// tracks which sessions it opened and the timer per session.
type Client struct {
	srv  *Server
	conn *websocket.Conn
	send chan models.Envelope

	playerID  string
	sessionID string

	mu      sync.Mutex
	closed  bool
	syncIDs map[string]struct{}
	timers  map[string]*time.Timer
}

func newClient(srv *Server, conn *websocket.Conn, playerID, sessionID string) *Client {
	return &Client{
		srv:       srv,
		conn:      conn,
		send:      make(chan models.Envelope, sendQueueSize),
		playerID:  playerID,
		sessionID: sessionID,
		syncIDs:   make(map[string]struct{}),
		timers:    make(map[string]*time.Timer),
	}
}

// GET /ws/cascade?token=…
// Upgrades to the cascade sync socket. The JWT rides a query parameter
// because browser WebSocket clients cannot set headers.
func (s *Server) handleWebSocket(c *gin.Context) {
	claims, err := parseToken(s.cfg.JWTSecret, c.Query("token"))
	if err != nil {
		abortWithKind(c, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(s.cfg.AllowedOrigins),
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(s, conn, claims.PlayerID, claims.SessionID)
	s.hub.add(client)
	go client.writePump()
	go client.readPump()
}

// originChecker mirrors the HTTP CORS policy for the upgrade handshake.
func originChecker(allowedOrigins string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if allowedOrigins == "" || allowedOrigins == "*" {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, allowed := range strings.Split(allowedOrigins, ",") {
			if strings.TrimSpace(allowed) == origin {
				return true
			}
		}
		return false
	}
}

// readPump consumes inbound frames until error or silence. Every frame
// rolls the read deadline; a peer silent for twice the heartbeat
// interval is disconnected.
func (c *Client) readPump() {
	defer c.close("socket closed")
	c.conn.SetReadLimit(maxMessageBytes)

	idleLimit := 2 * c.srv.cfg.HeartbeatInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(idleLimit))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.srv.log.Warn().Err(err).Str("player", c.playerID).Msg("websocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idleLimit))

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.alert("protocol", "warning", "malformed envelope: "+err.Error())
			continue
		}
		c.dispatch(env)
	}
}

// writePump serializes outbound events and emits app-level heartbeats.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.srv.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.srv.log.Warn().Err(err).Str("player", c.playerID).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			c.emit(models.EventHeartbeat, models.Heartbeat{Timestamp: time.Now().UnixMilli()})
		}
	}
}

// emit queues one event for delivery. Full queues drop the event; the
// read deadline reaps clients that stopped consuming.
func (c *Client) emit(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.srv.log.Error().Err(err).Str("event", eventType).Msg("payload marshal failed")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- models.Envelope{Type: eventType, Data: data}:
	default:
		c.srv.log.Warn().Str("player", c.playerID).Str("event", eventType).
			Msg("outbound queue full, event dropped")
	}
}

// emitError replies on eventType with the protocol error payload. The
// socket stays open; the client decides how to proceed.
func (c *Client) emitError(eventType string, err error) {
	c.emit(eventType, models.ErrorPayload{
		Success:      false,
		Error:        gameerr.KindOf(err).Code(),
		ErrorMessage: err.Error(),
	})
}

// alert raises a validation_alert for events with no paired response.
func (c *Client) alert(alertType, severity, msg string) {
	c.emit(models.EventValidationAlert, models.ValidationAlert{
		Type:     alertType,
		Severity: severity,
		Message:  msg,
	})
}

// setTimer (re)arms the per-session timer. One timer per sync session:
// either the ack deadline while broadcasting or the escalation delay
// while recovering, never both.
func (c *Client) setTimer(syncID string, d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if t, ok := c.timers[syncID]; ok {
		t.Stop()
	}
	c.timers[syncID] = time.AfterFunc(d, fn)
}

func (c *Client) stopTimer(syncID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[syncID]; ok {
		t.Stop()
		delete(c.timers, syncID)
	}
}

// armAckTimer schedules the acknowledgment deadline for a broadcast
// step. Pull-mode sessions pace themselves and get no server timer.
func (c *Client) armAckTimer(s *cascade.SyncSession, stepIndex int) {
	if !s.Broadcast {
		return
	}
	syncID := s.ID
	c.setTimer(syncID, s.Config().AckTimeout, func() {
		c.onAckDeadline(syncID, stepIndex)
	})
}

func (c *Client) track(syncID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncIDs[syncID] = struct{}{}
}

func (c *Client) trackedSyncIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.syncIDs))
	for id := range c.syncIDs {
		ids = append(ids, id)
	}
	return ids
}

// dropSession releases one finished or failed sync session.
func (c *Client) dropSession(syncID string) {
	c.mu.Lock()
	if t, ok := c.timers[syncID]; ok {
		t.Stop()
		delete(c.timers, syncID)
	}
	delete(c.syncIDs, syncID)
	c.mu.Unlock()

	c.srv.sync.Remove(syncID)
	c.srv.sessions.DetachSync(c.playerID, syncID)
}

// close tears the client down exactly once: timers stopped, sync
// sessions failed, session references detached, socket closed.
func (c *Client) close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	ids := make([]string, 0, len(c.syncIDs))
	for id := range c.syncIDs {
		ids = append(ids, id)
	}
	close(c.send)
	c.mu.Unlock()

	if failed := c.srv.sync.FailPlayer(c.playerID, reason); failed > 0 {
		c.srv.log.Info().Str("player", c.playerID).Int("failed", failed).
			Str("reason", reason).Msg("sync sessions failed on disconnect")
	}
	for _, id := range ids {
		c.srv.sessions.DetachSync(c.playerID, id)
	}
	c.srv.hub.remove(c)
	if c.conn != nil {
		c.conn.Close()
	}
}
