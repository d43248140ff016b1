package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// ChatPeerSummary represents a summary of a chat peer with recent activity
type ChatPeerSummary struct {
	UserID         int        `json:"userId" db:"user_id"`
	UserName       string     `json:"userName" db:"display_name"`
	AvatarURL      string     `json:"avatarUrl,omitempty" db:"avatar_url"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty" db:"last_message_at"`
	UnreadMessages int        `json:"unreadMessages" db:"unread_count"`
	IsOnline       bool       `json:"isOnline" db:"is_online"`
}

// GET /chats/summary
// Every accepted partner with name, avatar, latest message time, unread
// count and presence, most recent conversation first.
func chatSummaryHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)

		const q = `
WITH accepted AS (
  SELECT CASE WHEN c.requester_id = $1 THEN c.addressee_id ELSE c.requester_id END AS peer_id
  FROM partnerships c
  WHERE c.status = 'accepted' AND (c.requester_id = $1 OR c.addressee_id = $1)
),
activity AS (
  SELECT a.peer_id,
         MAX(m.created_at) AS last_message_at,
         COUNT(*) FILTER (WHERE m.sender_id = a.peer_id AND NOT m.is_read) AS unread_count
  FROM accepted a
  LEFT JOIN messages m
    ON (m.sender_id = a.peer_id AND m.receiver_id = $1)
    OR (m.sender_id = $1 AND m.receiver_id = a.peer_id)
  GROUP BY a.peer_id
)
SELECT
  u.id AS user_id,
  COALESCE(NULLIF(p.display_name, ''), 'User ' || u.id::text) AS display_name,
  COALESCE(p.avatar_url, '') AS avatar_url,
  ac.last_message_at,
  COALESCE(ac.unread_count, 0) AS unread_count,
  COALESCE(u.last_online > NOW() - INTERVAL '90 seconds', FALSE) AS is_online
FROM accepted a
JOIN users u         ON u.id = a.peer_id
LEFT JOIN profiles p ON p.user_id = u.id
LEFT JOIN activity ac ON ac.peer_id = a.peer_id
ORDER BY COALESCE(ac.last_message_at, to_timestamp(0)) DESC, u.id ASC`

		summaries := []ChatPeerSummary{}
		if err := db.SelectContext(r.Context(), &summaries, q, userID); err != nil {
			writeDBError(w, r, err, "chat summary")
			return
		}
		writeJSON(w, http.StatusOK, summaries)
	})
}

func markRead(ctx context.Context, db *sqlx.DB, userID, peerID int) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages
		SET is_read = TRUE
		WHERE sender_id = $2 AND receiver_id = $1 AND is_read IS FALSE
	`, userID, peerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// POST /chats/read?peer_id=123
// Ack from the frontend that the open conversation has been read.
func chatsMarkReadHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		peerID, err := strconv.Atoi(r.URL.Query().Get("peer_id"))
		if err != nil || peerID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_peer_id")
			return
		}
		if _, err := markRead(r.Context(), db, userID, peerID); err != nil {
			writeDBError(w, r, err, "mark read")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
