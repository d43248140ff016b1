package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

type Competition struct {
	ID               int       `json:"id" db:"id"`
	CreatorID        int       `json:"creator_id" db:"creator_id"`
	Title            string    `json:"title" db:"title"`
	Description      string    `json:"description" db:"description"`
	Subject          string    `json:"subject" db:"subject"`
	StartsAt         time.Time `json:"starts_at" db:"starts_at"`
	EndsAt           time.Time `json:"ends_at" db:"ends_at"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	ParticipantCount int       `json:"participant_count" db:"participant_count"`
	Status           string    `json:"status" db:"-"`
}

type competitionRequest struct {
	Title       string    `json:"title" validate:"required,min=3,max=200"`
	Description string    `json:"description" validate:"max=5000"`
	Subject     string    `json:"subject" validate:"max=100"`
	StartsAt    time.Time `json:"starts_at" validate:"required"`
	EndsAt      time.Time `json:"ends_at" validate:"required,gtfield=StartsAt"`
}

type scoreRequest struct {
	Score *int `json:"score" validate:"required,min=0,max=1000000"`
}

const (
	competitionUpcoming = "upcoming"
	competitionActive   = "active"
	competitionPast     = "past"
)

// competitionStatus places now relative to the [starts_at, ends_at) window.
func competitionStatus(c Competition, now time.Time) string {
	switch {
	case now.Before(c.StartsAt):
		return competitionUpcoming
	case now.Before(c.EndsAt):
		return competitionActive
	default:
		return competitionPast
	}
}

const competitionSelect = `
	SELECT c.id, c.creator_id, c.title, c.description, c.subject, c.starts_at, c.ends_at, c.created_at,
	       (SELECT COUNT(*) FROM competition_entries e WHERE e.competition_id = c.id) AS participant_count
	FROM competitions c`

// POST /competitions
func createCompetitionHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		var req competitionRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var c Competition
		err := db.GetContext(r.Context(), &c, `
			INSERT INTO competitions (creator_id, title, description, subject, starts_at, ends_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, creator_id, title, description, subject, starts_at, ends_at, created_at
		`, currentUserID(r), strings.TrimSpace(req.Title), strings.TrimSpace(req.Description),
			strings.TrimSpace(req.Subject), req.StartsAt.UTC(), req.EndsAt.UTC())
		if err != nil {
			writeDBError(w, r, err, "create competition")
			return
		}
		c.Status = competitionStatus(c, time.Now())
		writeJSON(w, http.StatusCreated, c)
	})
}

// GET /competitions?status=active|upcoming|past
func listCompetitionsHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		var where string
		switch status {
		case "":
		case competitionActive:
			where = ` WHERE c.starts_at <= $1 AND c.ends_at > $1`
		case competitionUpcoming:
			where = ` WHERE c.starts_at > $1`
		case competitionPast:
			where = ` WHERE c.ends_at <= $1`
		default:
			writeError(w, http.StatusBadRequest, "invalid_status")
			return
		}

		now := time.Now()
		comps := []Competition{}
		var err error
		if where == "" {
			err = db.SelectContext(r.Context(), &comps, competitionSelect+` ORDER BY c.starts_at DESC, c.id DESC LIMIT 100`)
		} else {
			err = db.SelectContext(r.Context(), &comps, competitionSelect+where+` ORDER BY c.starts_at DESC, c.id DESC LIMIT 100`, now)
		}
		if err != nil {
			writeDBError(w, r, err, "list competitions")
			return
		}
		for i := range comps {
			comps[i].Status = competitionStatus(comps[i], now)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"competitions": comps})
	})
}

func loadCompetition(ctx context.Context, q sqlx.QueryerContext, id int) (*Competition, error) {
	var c Competition
	err := sqlx.GetContext(ctx, q, &c, competitionSelect+` WHERE c.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = competitionStatus(c, time.Now())
	return &c, nil
}

// GET /competitions/{id}
func getCompetitionHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		c, err := loadCompetition(r.Context(), db, id)
		if errors.Is(err, errNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load competition")
			return
		}
		writeJSON(w, http.StatusOK, c)
	})
}

// POST /competitions/{id}/join
func joinCompetitionHandler(db *sqlx.DB, rep *Reputation) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		id, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		var endsAt time.Time
		err := db.GetContext(r.Context(), &endsAt, `SELECT ends_at FROM competitions WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load competition")
			return
		}
		if !time.Now().Before(endsAt) {
			writeError(w, http.StatusConflict, "competition_closed")
			return
		}

		res, err := db.ExecContext(r.Context(), `
			INSERT INTO competition_entries (competition_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, id, userID)
		if err != nil {
			writeDBError(w, r, err, "join competition")
			return
		}
		if n, _ := res.RowsAffected(); n == 0 {
			writeJSON(w, http.StatusOK, map[string]interface{}{"competition_id": id, "joined": true})
			return
		}
		rep.awardLogged(r.Context(), userID, ActionCompetitionJoined)
		writeJSON(w, http.StatusCreated, map[string]interface{}{"competition_id": id, "joined": true})
	})
}

// submitScore keeps the best score of a participant while the competition runs.
func submitScore(ctx context.Context, db *sqlx.DB, compID, userID, score int, now time.Time) (best int, err error) {
	err = withTx(ctx, db, func(tx *sqlx.Tx) error {
		var window struct {
			StartsAt time.Time `db:"starts_at"`
			EndsAt   time.Time `db:"ends_at"`
		}
		err := tx.GetContext(ctx, &window, `SELECT starts_at, ends_at FROM competitions WHERE id = $1`, compID)
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound
		} else if err != nil {
			return err
		}
		if now.Before(window.StartsAt) || !now.Before(window.EndsAt) {
			return errNotActive
		}

		var entry struct {
			Score       int          `db:"score"`
			SubmittedAt sql.NullTime `db:"submitted_at"`
		}
		err = tx.GetContext(ctx, &entry, `
			SELECT score, submitted_at FROM competition_entries
			WHERE competition_id = $1 AND user_id = $2
			FOR UPDATE
		`, compID, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return errForbidden
		} else if err != nil {
			return err
		}

		best = score
		if entry.SubmittedAt.Valid && entry.Score >= score {
			best = entry.Score
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE competition_entries SET score = $3, submitted_at = NOW()
			WHERE competition_id = $1 AND user_id = $2
		`, compID, userID, best)
		return err
	})
	return best, err
}

// POST /competitions/{id}/scores
func submitScoreHandler(db *sqlx.DB, board *Leaderboard) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		id, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		var req scoreRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		best, err := submitScore(r.Context(), db, id, userID, *req.Score, time.Now())
		switch {
		case errors.Is(err, errNotFound):
			writeError(w, http.StatusNotFound, "not_found")
			return
		case errors.Is(err, errNotActive):
			writeError(w, http.StatusConflict, "competition_not_active")
			return
		case errors.Is(err, errForbidden):
			writeError(w, http.StatusForbidden, "not_participant")
			return
		case err != nil:
			writeDBError(w, r, err, "submit score")
			return
		}

		if board.Enabled() {
			if err := board.Set(r.Context(), competitionBoardKey(id), userID, best); err != nil {
				log.Ctx(r.Context()).Warn().Err(err).Int("competition_id", id).Msg("leaderboard update failed")
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"competition_id": id, "best_score": best})
	})
}

func topCompetition(ctx context.Context, db *sqlx.DB, board *Leaderboard, id, limit int) ([]RankEntry, error) {
	return cachedRanking(ctx, board, competitionBoardKey(id), limit, func(n int) ([]RankEntry, error) {
		var rows []RankEntry
		err := db.SelectContext(ctx, &rows, `
			SELECT user_id, score
			FROM competition_entries
			WHERE competition_id = $1 AND submitted_at IS NOT NULL
			ORDER BY score DESC, submitted_at ASC, user_id ASC
			LIMIT $2
		`, id, sqlLimit(n))
		return rows, err
	})
}

// GET /competitions/{id}/leaderboard?limit=
func competitionLeaderboardHandler(db *sqlx.DB, board *Leaderboard) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		limit, err := queryInt(r, "limit", 20, 1, 100)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}

		var exists bool
		if err := db.GetContext(r.Context(), &exists, `SELECT EXISTS (SELECT 1 FROM competitions WHERE id = $1)`, id); err != nil {
			writeDBError(w, r, err, "check competition")
			return
		}
		if !exists {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		entries, err := topCompetition(r.Context(), db, board, id, limit)
		if err != nil {
			writeDBError(w, r, err, "competition leaderboard")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"competition_id": id,
			"entries":        withSummaries(r.Context(), db, entries),
		})
	})
}
