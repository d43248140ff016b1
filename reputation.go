package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// Action is a reputation earning event.
type Action string

const (
	ActionQuestionAsked     Action = "question_asked"
	ActionAnswerPosted      Action = "answer_posted"
	ActionAnswerAccepted    Action = "answer_accepted"
	ActionUpvoteReceived    Action = "upvote_received"
	ActionGroupCreated      Action = "group_created"
	ActionCompetitionJoined Action = "competition_joined"
	ActionNoteShared        Action = "note_shared"
	ActionPartnerConnected  Action = "partner_connected"
	ActionDailyActive       Action = "daily_active"
	ActionStreak7           Action = "streak_7"
	ActionStreak30          Action = "streak_30"
)

var actionPoints = map[Action]int{
	ActionQuestionAsked:     2,
	ActionAnswerPosted:      5,
	ActionAnswerAccepted:    15,
	ActionUpvoteReceived:    2,
	ActionGroupCreated:      3,
	ActionCompetitionJoined: 3,
	ActionNoteShared:        1,
	ActionPartnerConnected:  5,
	ActionDailyActive:       1,
	ActionStreak7:           10,
	ActionStreak30:          50,
}

// Level is a named reputation tier.
type Level struct {
	Name      string `json:"name"`
	MinPoints int    `json:"min_points"`
}

var levels = []Level{
	{"Newcomer", 0},
	{"Learner", 50},
	{"Scholar", 200},
	{"Mentor", 500},
	{"Sage", 1000},
}

// levelFor returns the tier for points and the next one, nil at the top.
func levelFor(points int) (Level, *Level) {
	current := levels[0]
	for i, l := range levels {
		if points < l.MinPoints {
			return current, &levels[i]
		}
		current = l
	}
	return current, nil
}

// Reputation owns points, streaks and their leaderboard mirror.
type Reputation struct {
	db    *sqlx.DB
	board *Leaderboard
}

func NewReputation(db *sqlx.DB, board *Leaderboard) *Reputation {
	return &Reputation{db: db, board: board}
}

// Award records points for action in its own transaction.
func (rp *Reputation) Award(ctx context.Context, userID int, action Action) error {
	points, ok := actionPoints[action]
	if !ok {
		return fmt.Errorf("unknown reputation action %q", action)
	}
	err := withTx(ctx, rp.db, func(tx *sqlx.Tx) error {
		return awardTx(ctx, tx, userID, action, points)
	})
	if err != nil {
		return fmt.Errorf("award %s to %d: %w", action, userID, err)
	}
	rp.mirror(ctx, userID, points)
	return nil
}

// awardLogged is Award for side effects that must not fail the request.
func (rp *Reputation) awardLogged(ctx context.Context, userID int, action Action) {
	if err := rp.Award(ctx, userID, action); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("reputation award failed")
	}
}

func (rp *Reputation) mirror(ctx context.Context, userID, points int) {
	if points == 0 || !rp.board.Enabled() {
		return
	}
	if err := rp.board.Incr(ctx, reputationBoardKey, userID, points); err != nil {
		log.Ctx(ctx).Warn().Err(err).Int("user_id", userID).Msg("leaderboard mirror failed")
	}
}

func awardTx(ctx context.Context, tx *sqlx.Tx, userID int, action Action, points int) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reputation_events (user_id, action, points) VALUES ($1, $2, $3)
	`, userID, string(action), points); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reputation (user_id, points) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET points = reputation.points + EXCLUDED.points
	`, userID, points)
	return err
}

// streakState is the streak bookkeeping stored on the reputation row.
type streakState struct {
	Current    int          `db:"current_streak"`
	Longest    int          `db:"longest_streak"`
	LastActive sql.NullTime `db:"last_active_date"`
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// advanceStreak applies activity on the UTC calendar day of now. changed is
// false when the day was already counted.
func advanceStreak(s streakState, now time.Time) (next streakState, awards []Action, changed bool) {
	today := utcDay(now)
	if s.LastActive.Valid {
		last := utcDay(s.LastActive.Time)
		if !today.After(last) {
			return s, nil, false
		}
		if last.AddDate(0, 0, 1).Equal(today) {
			next.Current = s.Current + 1
		} else {
			next.Current = 1
		}
	} else {
		next.Current = 1
	}
	next.Longest = max(s.Longest, next.Current)
	next.LastActive = sql.NullTime{Time: today, Valid: true}

	awards = []Action{ActionDailyActive}
	switch next.Current {
	case 7:
		awards = append(awards, ActionStreak7)
	case 30:
		awards = append(awards, ActionStreak30)
	}
	return next, awards, true
}

// RecordActivity counts now's day towards the user's streak and awards the
// daily and milestone points.
func (rp *Reputation) RecordActivity(ctx context.Context, userID int, now time.Time) error {
	gained := 0
	err := withTx(ctx, rp.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reputation (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING
		`, userID); err != nil {
			return err
		}

		var st streakState
		if err := tx.GetContext(ctx, &st, `
			SELECT current_streak, longest_streak, last_active_date
			FROM reputation WHERE user_id = $1
			FOR UPDATE
		`, userID); err != nil {
			return err
		}

		next, awards, changed := advanceStreak(st, now)
		if !changed {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE reputation
			SET current_streak = $2, longest_streak = $3, last_active_date = $4
			WHERE user_id = $1
		`, userID, next.Current, next.Longest, next.LastActive.Time); err != nil {
			return err
		}
		for _, a := range awards {
			if err := awardTx(ctx, tx, userID, a, actionPoints[a]); err != nil {
				return err
			}
			gained += actionPoints[a]
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record activity for %d: %w", userID, err)
	}
	rp.mirror(ctx, userID, gained)
	return nil
}

// ResetBrokenStreaks zeroes streaks whose last active day is before yesterday.
func (rp *Reputation) ResetBrokenStreaks(ctx context.Context, now time.Time) (int64, error) {
	yesterday := utcDay(now).AddDate(0, 0, -1)
	res, err := rp.db.ExecContext(ctx, `
		UPDATE reputation
		SET current_streak = 0
		WHERE current_streak > 0
		  AND (last_active_date IS NULL OR last_active_date < $1)
	`, yesterday)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReputationSummary is the public view of a user's standing.
type ReputationSummary struct {
	UserID         int     `json:"user_id"`
	Points         int     `json:"points"`
	Level          string  `json:"level"`
	NextLevel      *string `json:"next_level,omitempty"`
	NextLevelAt    *int    `json:"next_level_at,omitempty"`
	CurrentStreak  int     `json:"current_streak"`
	LongestStreak  int     `json:"longest_streak"`
	LastActiveDate *string `json:"last_active_date,omitempty"`
}

func loadReputation(ctx context.Context, db *sqlx.DB, userID int) (*ReputationSummary, error) {
	var exists bool
	if err := db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID); err != nil {
		return nil, err
	}
	if !exists {
		return nil, errNotFound
	}
	return reputationOf(ctx, db, userID)
}

// reputationOf reads the standing of a user known to exist. Users without a
// reputation row yet are reported at zero.
func reputationOf(ctx context.Context, db *sqlx.DB, userID int) (*ReputationSummary, error) {
	var row struct {
		Points int `db:"points"`
		streakState
	}
	err := db.GetContext(ctx, &row, `
		SELECT points, current_streak, longest_streak, last_active_date
		FROM reputation WHERE user_id = $1
	`, userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	lvl, next := levelFor(row.Points)
	out := &ReputationSummary{
		UserID:        userID,
		Points:        row.Points,
		Level:         lvl.Name,
		CurrentStreak: row.Current,
		LongestStreak: row.Longest,
	}
	if next != nil {
		out.NextLevel = &next.Name
		out.NextLevelAt = &next.MinPoints
	}
	if row.LastActive.Valid {
		d := row.LastActive.Time.Format(time.DateOnly)
		out.LastActiveDate = &d
	}
	return out, nil
}

// GET /me/reputation and GET /users/{id}/reputation
func reputationHandler(db *sqlx.DB, self bool) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		if !self {
			id, ok := pathID(r, "id")
			if !ok {
				writeError(w, http.StatusNotFound, "not_found")
				return
			}
			userID = id
		}

		summary, err := loadReputation(r.Context(), db, userID)
		if errors.Is(err, errNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load reputation")
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})
}
