package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

type profileRequest struct {
	DisplayName   string   `json:"display_name" validate:"required,max=80"`
	Bio           string   `json:"bio" validate:"max=1000"`
	AvatarURL     string   `json:"avatar_url" validate:"omitempty,url,max=500"`
	University    string   `json:"university" validate:"max=120"`
	Major         string   `json:"major" validate:"max=120"`
	Age           int      `json:"age" validate:"omitempty,min=13,max=120"`
	MBTIType      string   `json:"mbti_type" validate:"mbti"`
	LearningNeeds []string `json:"learning_needs" validate:"max=20,dive,max=50"`
	LearningGoals []string `json:"learning_goals" validate:"max=20,dive,max=50"`
	StudyHabits   []string `json:"study_habits" validate:"max=20,dive,max=50"`
}

func loadProfile(ctx context.Context, db sqlx.QueryerContext, userID int) (*Profile, error) {
	var p Profile
	err := sqlx.GetContext(ctx, db, &p, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GET /me/profile, PUT /me/profile
func meProfileHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)

		if r.Method == http.MethodGet {
			p, err := loadProfile(r.Context(), db, userID)
			if errors.Is(err, errNotFound) {
				writeError(w, http.StatusNotFound, "profile_not_found")
				return
			} else if err != nil {
				writeDBError(w, r, err, "load profile")
				return
			}
			writeJSON(w, http.StatusOK, p)
			return
		}

		var req profileRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var p Profile
		err := db.GetContext(r.Context(), &p, `
			INSERT INTO profiles (user_id, display_name, bio, avatar_url, university, major, age, mbti_type,
			                      learning_needs, learning_goals, study_habits, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				bio = EXCLUDED.bio,
				avatar_url = EXCLUDED.avatar_url,
				university = EXCLUDED.university,
				major = EXCLUDED.major,
				age = EXCLUDED.age,
				mbti_type = EXCLUDED.mbti_type,
				learning_needs = EXCLUDED.learning_needs,
				learning_goals = EXCLUDED.learning_goals,
				study_habits = EXCLUDED.study_habits,
				updated_at = NOW()
			RETURNING `+profileColumns,
			userID,
			strings.TrimSpace(req.DisplayName),
			strings.TrimSpace(req.Bio),
			strings.TrimSpace(req.AvatarURL),
			strings.TrimSpace(req.University),
			strings.TrimSpace(req.Major),
			req.Age,
			strings.ToUpper(strings.TrimSpace(req.MBTIType)),
			pq.Array(cleanTags(req.LearningNeeds)),
			pq.Array(cleanTags(req.LearningGoals)),
			pq.Array(cleanTags(req.StudyHabits)),
		)
		if err != nil {
			writeDBError(w, r, err, "upsert profile")
			return
		}
		log.Ctx(r.Context()).Info().Msg("profile updated")
		writeJSON(w, http.StatusOK, p)
	})
}

// GET /users/{id}
func userHandler(db *sqlx.DB, hub *Hub) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		var exists bool
		if err := db.GetContext(r.Context(), &exists, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID); err != nil {
			writeDBError(w, r, err, "load user")
			return
		}
		if !exists {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		online, err := isOnlineNow(r.Context(), db, userID)
		if err != nil {
			// Not critical, show the user as offline.
			log.Ctx(r.Context()).Warn().Err(err).Msg("presence lookup")
			online = false
		}
		if hub != nil && hub.connected(userID) > 0 {
			online = true
		}

		summary := loadSummaries(r.Context(), db, []int{userID})[userID]
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":           userID,
			"display_name": summary.DisplayName,
			"avatar_url":   summary.AvatarURL,
			"reputation":   summary.Reputation,
			"is_online":    online,
		})
	})
}

// GET /users/{id}/profile
func userProfileHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		p, err := loadProfile(r.Context(), db, userID)
		if errors.Is(err, errNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load profile")
			return
		}
		writeJSON(w, http.StatusOK, p)
	})
}
