package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxMessageLen = 4000

// ChatMessage is both the inbound client frame and the stored message.
type ChatMessage struct {
	ID   int64     `json:"id" db:"id"`
	Type string    `json:"type" db:"-"` // "message" | "typing"
	From int       `json:"from" db:"sender_id"`
	To   int       `json:"to,omitempty" db:"receiver_id"`
	Body string    `json:"body,omitempty" db:"content"`
	Read bool      `json:"read" db:"is_read"`
	Ts   time.Time `json:"ts" db:"created_at"`
}

// ServerEvent represents a server-sent event
type ServerEvent struct {
	Type string `json:"type"` // "message" | "typing" | "info" | "error"
	From int    `json:"from,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	userID int
	conn   *websocket.Conn
	send   chan ServerEvent
}

// Hub tracks every open connection per user; a user may have several tabs.
type Hub struct {
	clientsByUser map[int]map[*Client]bool
	mu            sync.RWMutex
	metrics       *metrics
}

func newHub(m *metrics) *Hub {
	return &Hub{
		clientsByUser: make(map[int]map[*Client]bool),
		metrics:       m,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clientsByUser[c.userID] == nil {
		h.clientsByUser[c.userID] = make(map[*Client]bool)
	}
	h.clientsByUser[c.userID][c] = true
	h.metrics.clientConnected(1)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if peers, ok := h.clientsByUser[c.userID]; ok {
		if _, present := peers[c]; !present {
			return
		}
		delete(peers, c)
		if len(peers) == 0 {
			delete(h.clientsByUser, c.userID)
		}
		h.metrics.clientConnected(-1)
	}
}

// sendToUser delivers evt to every connection of userID. Slow clients with a
// full buffer miss the event.
func (h *Hub) sendToUser(userID int, evt ServerEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clientsByUser[userID] {
		select {
		case c.send <- evt:
		default:
		}
	}
}

func (h *Hub) connected(userID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clientsByUser[userID])
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS layer and the token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// GET /ws/chat
func wsChatHandler(db *sqlx.DB, hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := getUserIDFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		logger := log.Ctx(r.Context()).With().Int("user_id", userID).Logger()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		client := &Client{
			userID: userID,
			conn:   conn,
			send:   make(chan ServerEvent, 16),
		}
		hub.register(client)
		client.send <- ServerEvent{Type: "info", Data: "connected"}

		// The upgrade outlives the request context.
		ctx := logger.WithContext(context.Background())
		go clientWriter(client)
		clientReader(ctx, db, hub, client)
	}
}

func clientReader(ctx context.Context, db *sqlx.DB, hub *Hub, c *Client) {
	defer func() {
		hub.unregister(c)
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 16)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	reply := func(evt ServerEvent) {
		select {
		case c.send <- evt:
		default:
		}
	}

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ChatMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			reply(ServerEvent{Type: "error", Data: "invalid message format"})
			continue
		}
		handleClientMessage(ctx, db, hub, c.userID, msg, reply)
	}
}

// handleClientMessage processes one inbound frame from userID. reply sends
// an event back to the originating connection only.
func handleClientMessage(ctx context.Context, db *sqlx.DB, hub *Hub, userID int, msg ChatMessage, reply func(ServerEvent)) {
	switch msg.Type {
	case "message":
		body := strings.TrimSpace(msg.Body)
		if body == "" || len(body) > maxMessageLen || msg.To <= 0 || msg.To == userID {
			reply(ServerEvent{Type: "error", Data: "invalid message"})
			return
		}
		saved, err := saveChatMsg(ctx, db, userID, msg.To, body)
		if errors.Is(err, errForbidden) {
			reply(ServerEvent{Type: "error", Data: "not partners"})
			return
		} else if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Int("peer_id", msg.To).Msg("save chat message")
			reply(ServerEvent{Type: "error", Data: "cannot send message"})
			return
		}

		out := ServerEvent{Type: "message", From: userID, Data: saved}
		hub.sendToUser(msg.To, out)
		// echo so every tab of the sender updates
		hub.sendToUser(userID, out)

	case "typing":
		if msg.To > 0 && msg.To != userID {
			hub.sendToUser(msg.To, ServerEvent{Type: "typing", From: userID})
		}

	default:
		reply(ServerEvent{Type: "error", Data: "unknown message type"})
	}
}

func clientWriter(c *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func arePartners(ctx context.Context, q sqlx.QueryerContext, a, b int) (bool, error) {
	var ok bool
	err := sqlx.GetContext(ctx, q, &ok, `
		SELECT EXISTS (
			SELECT 1 FROM partnerships
			WHERE status = 'accepted'
			  AND ((requester_id = $1 AND addressee_id = $2) OR (requester_id = $2 AND addressee_id = $1))
		)
	`, a, b)
	return ok, err
}

// saveChatMsg stores a message between accepted partners.
func saveChatMsg(ctx context.Context, db *sqlx.DB, from, to int, content string) (*ChatMessage, error) {
	var msg ChatMessage
	err := withTx(ctx, db, func(tx *sqlx.Tx) error {
		ok, err := arePartners(ctx, tx, from, to)
		if err != nil {
			return err
		}
		if !ok {
			return errForbidden
		}
		return tx.GetContext(ctx, &msg, `
			INSERT INTO messages (sender_id, receiver_id, content)
			VALUES ($1, $2, $3)
			RETURNING id, sender_id, receiver_id, content, is_read, created_at
		`, from, to, content)
	})
	if err != nil {
		return nil, err
	}
	msg.Type = "message"
	return &msg, nil
}

// getChatMessages returns the newest messages between the pair, newest
// first, optionally before a point in time.
func getChatMessages(ctx context.Context, db *sqlx.DB, userID, otherUserID, limit int, before *time.Time) ([]ChatMessage, error) {
	msgs := []ChatMessage{}
	err := db.SelectContext(ctx, &msgs, `
		SELECT id, sender_id, receiver_id, content, is_read, created_at
		FROM messages
		WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, userID, otherUserID, before, limit)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Type = "message"
	}
	return msgs, nil
}

// GET /chats/{peerId}/messages?limit=50&before=2025-09-16T08:00:00Z
func getChatHistoryHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		peerID, ok := pathID(r, "peerId")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_peer_id")
			return
		}

		limit, err := queryInt(r, "limit", 50, 1, 200)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		var before *time.Time
		if s := r.URL.Query().Get("before"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_before")
				return
			}
			before = &t
		}

		msgs, err := getChatMessages(r.Context(), db, userID, peerID, limit, before)
		if err != nil {
			writeDBError(w, r, err, "load chat messages")
			return
		}
		if _, err := markRead(r.Context(), db, userID, peerID); err != nil {
			log.Ctx(r.Context()).Warn().Err(err).Msg("mark messages read")
		}
		writeJSON(w, http.StatusOK, msgs)
	})
}
