package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// onlineWindow is how long a ping keeps a user shown as online.
const onlineWindow = 90 * time.Second

// POST /me/ping marks the user online and counts the day towards the streak.
func mePingHandler(db *sqlx.DB, rep *Reputation) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		if _, err := db.ExecContext(r.Context(), `UPDATE users SET last_online = NOW() WHERE id = $1`, userID); err != nil {
			writeDBError(w, r, err, "update last_online")
			return
		}
		if err := rep.RecordActivity(r.Context(), userID, time.Now()); err != nil {
			log.Ctx(r.Context()).Warn().Err(err).Msg("record activity")
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func isOnlineNow(ctx context.Context, db *sqlx.DB, userID int) (bool, error) {
	var online bool
	err := db.GetContext(ctx, &online, `
		SELECT COALESCE(last_online > NOW() - ($2 * INTERVAL '1 second'), FALSE) AS online
		FROM users
		WHERE id = $1
	`, userID, int(onlineWindow.Seconds()))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return online, err
}
