package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/studymate/backend/matching"
)

type partnerProfileRequest struct {
	University   string   `json:"university" validate:"required,max=120"`
	Major        string   `json:"major" validate:"required,max=120"`
	Age          int      `json:"age" validate:"required,min=13,max=120"`
	Subjects     []string `json:"subjects" validate:"max=20,dive,max=50"`
	Goals        []string `json:"goals" validate:"max=20,dive,max=50"`
	StudyStyle   []string `json:"study_style" validate:"max=20,dive,max=50"`
	Availability string   `json:"availability" validate:"max=200"`
	Description  string   `json:"description" validate:"max=1000"`
}

// partnerMatch is one entry of GET /partners/matches.
type partnerMatch struct {
	UserID     int            `json:"user_id"`
	MatchScore int            `json:"match_score"`
	User       *UserSummary   `json:"user"`
	Partner    PartnerProfile `json:"partner_profile"`
}

func loadPartnerProfile(ctx context.Context, db sqlx.QueryerContext, userID int, activeOnly bool) (*PartnerProfile, error) {
	var p PartnerProfile
	q := `SELECT ` + partnerProfileColumns + ` FROM partner_profiles WHERE user_id = $1`
	if activeOnly {
		q += ` AND is_active`
	}
	err := sqlx.GetContext(ctx, db, &p, q, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GET, PUT, DELETE /me/partner-profile
func mePartnerProfileHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)

		switch r.Method {
		case http.MethodGet:
			p, err := loadPartnerProfile(r.Context(), db, userID, false)
			if errors.Is(err, errNotFound) {
				writeError(w, http.StatusNotFound, "partner_profile_not_found")
				return
			} else if err != nil {
				writeDBError(w, r, err, "load partner profile")
				return
			}
			writeJSON(w, http.StatusOK, p)

		case http.MethodDelete:
			res, err := db.ExecContext(r.Context(), `
				UPDATE partner_profiles SET is_active = FALSE, updated_at = NOW() WHERE user_id = $1
			`, userID)
			if err != nil {
				writeDBError(w, r, err, "deactivate partner profile")
				return
			}
			if n, _ := res.RowsAffected(); n == 0 {
				writeError(w, http.StatusNotFound, "partner_profile_not_found")
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			var req partnerProfileRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			var p PartnerProfile
			err := db.GetContext(r.Context(), &p, `
				INSERT INTO partner_profiles (user_id, university, major, age, subjects, goals, study_style,
				                              availability, description, is_active, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, NOW())
				ON CONFLICT (user_id) DO UPDATE SET
					university = EXCLUDED.university,
					major = EXCLUDED.major,
					age = EXCLUDED.age,
					subjects = EXCLUDED.subjects,
					goals = EXCLUDED.goals,
					study_style = EXCLUDED.study_style,
					availability = EXCLUDED.availability,
					description = EXCLUDED.description,
					is_active = TRUE,
					updated_at = NOW()
				RETURNING `+partnerProfileColumns,
				userID,
				strings.TrimSpace(req.University),
				strings.TrimSpace(req.Major),
				req.Age,
				pq.Array(cleanTags(req.Subjects)),
				pq.Array(cleanTags(req.Goals)),
				pq.Array(cleanTags(req.StudyStyle)),
				strings.TrimSpace(req.Availability),
				strings.TrimSpace(req.Description),
			)
			if err != nil {
				writeDBError(w, r, err, "upsert partner profile")
				return
			}
			writeJSON(w, http.StatusOK, p)
		}
	})
}

// Active listings of other users the requester has neither dismissed nor
// already paired with (pending or accepted).
const matchCandidatesQuery = `
	SELECT ` + partnerProfileColumns + `
	FROM partner_profiles pp
	WHERE pp.is_active
	  AND pp.user_id <> $1
	  AND ($2::text = '' OR EXISTS (
	      SELECT 1 FROM unnest(pp.subjects) s WHERE lower(s) = lower($2::text)
	  ))
	  AND NOT EXISTS (
	      SELECT 1 FROM dismissed_partners d
	      WHERE d.user_id = $1 AND d.dismissed_user_id = pp.user_id
	  )
	  AND NOT EXISTS (
	      SELECT 1 FROM partnerships c
	      WHERE c.status IN ('pending', 'accepted')
	        AND ((c.requester_id = $1 AND c.addressee_id = pp.user_id)
	          OR (c.requester_id = pp.user_id AND c.addressee_id = $1))
	  )
	ORDER BY pp.updated_at DESC, pp.user_id ASC`

// rankMatches scores candidates, keeps those at or above minScore and
// returns at most limit of them, best first. Ties keep the input order.
func rankMatches(scorer *matching.Scorer, req matching.Requester, listings []PartnerProfile, minScore, limit int) []partnerMatch {
	candidates := make([]matching.Candidate, len(listings))
	for i, l := range listings {
		candidates[i] = l.candidate()
	}
	scored := scorer.ScoreAll(req, candidates)

	out := make([]partnerMatch, 0, len(scored))
	for i, s := range scored {
		if s.MatchScore < minScore {
			continue
		}
		out = append(out, partnerMatch{UserID: s.UserID, MatchScore: s.MatchScore, Partner: listings[i]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MatchScore > out[j].MatchScore
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GET /partners/matches?min_score=&limit=&subject=
func partnerMatchesHandler(db *sqlx.DB, scorer *matching.Scorer, m *metrics) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)

		minScore, err := queryInt(r, "min_score", 0, 0, 100)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_min_score")
			return
		}
		limit, err := queryInt(r, "limit", 20, 1, 100)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		subject := strings.TrimSpace(r.URL.Query().Get("subject"))

		me, err := loadProfile(r.Context(), db, userID)
		if errors.Is(err, errNotFound) {
			writeError(w, http.StatusForbidden, "incomplete_profile")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load requester profile")
			return
		}

		var listings []PartnerProfile
		if err := db.SelectContext(r.Context(), &listings, matchCandidatesQuery, userID, subject); err != nil {
			writeDBError(w, r, err, "load match candidates")
			return
		}

		matches := rankMatches(scorer, me.requester(), listings, minScore, limit)

		ids := make([]int, len(matches))
		for i, mt := range matches {
			ids[i] = mt.UserID
			m.observeScore(mt.MatchScore)
		}
		summaries := loadSummaries(r.Context(), db, ids)
		for i := range matches {
			matches[i].User = summaries[matches[i].UserID]
		}

		log.Ctx(r.Context()).Debug().Int("candidates", len(listings)).Int("returned", len(matches)).Msg("partner matches")
		writeJSON(w, http.StatusOK, map[string]interface{}{"matches": matches})
	})
}

// GET /partners/{id}/score
func partnerScoreHandler(db *sqlx.DB, scorer *matching.Scorer) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		targetID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		me, err := loadProfile(r.Context(), db, currentUserID(r))
		if errors.Is(err, errNotFound) {
			writeError(w, http.StatusForbidden, "incomplete_profile")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load requester profile")
			return
		}

		listing, err := loadPartnerProfile(r.Context(), db, targetID, true)
		if errors.Is(err, errNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load partner profile")
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_id":   targetID,
			"breakdown": scorer.Explain(me.requester(), listing.candidate()),
		})
	})
}

// POST /partners/{id}/dismiss
func dismissPartnerHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		me := currentUserID(r)
		targetID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		if targetID == me {
			writeError(w, http.StatusBadRequest, "invalid_target")
			return
		}

		var exists bool
		if err := db.GetContext(r.Context(), &exists, `
			SELECT EXISTS (SELECT 1 FROM partner_profiles WHERE user_id = $1)
		`, targetID); err != nil {
			writeDBError(w, r, err, "check partner profile")
			return
		}
		if !exists {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		if _, err := db.ExecContext(r.Context(), `
			INSERT INTO dismissed_partners (user_id, dismissed_user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, me, targetID); err != nil {
			writeDBError(w, r, err, "dismiss partner")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"dismissed": true, "user_id": targetID})
	})
}
