package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// StudyGroup is a capacity-limited study circle.
type StudyGroup struct {
	ID          int       `json:"id" db:"id"`
	OwnerID     int       `json:"owner_id" db:"owner_id"`
	Name        string    `json:"name" db:"name"`
	Subject     string    `json:"subject" db:"subject"`
	Description string    `json:"description" db:"description"`
	MaxMembers  int       `json:"max_members" db:"max_members"`
	IsPrivate   bool      `json:"is_private" db:"is_private"`
	MemberCount int       `json:"member_count" db:"member_count"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

type GroupMember struct {
	UserID   int          `json:"user_id" db:"user_id"`
	Role     string       `json:"role" db:"role"`
	JoinedAt time.Time    `json:"joined_at" db:"joined_at"`
	User     *UserSummary `json:"user" db:"-"`
}

type groupRequest struct {
	Name        string `json:"name" validate:"required,min=3,max=100"`
	Subject     string `json:"subject" validate:"max=100"`
	Description string `json:"description" validate:"max=2000"`
	MaxMembers  int    `json:"max_members" validate:"required,min=2,max=100"`
	IsPrivate   bool   `json:"is_private"`
}

const groupSelect = `
	SELECT g.id, g.owner_id, g.name, g.subject, g.description, g.max_members, g.is_private,
	       g.created_at, g.updated_at,
	       (SELECT COUNT(*) FROM group_members m WHERE m.group_id = g.id) AS member_count
	FROM study_groups g`

// POST /groups
func createGroupHandler(db *sqlx.DB, rep *Reputation) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		var req groupRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var g StudyGroup
		err := withTx(r.Context(), db, func(tx *sqlx.Tx) error {
			if err := tx.GetContext(r.Context(), &g, `
				INSERT INTO study_groups (owner_id, name, subject, description, max_members, is_private)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id, owner_id, name, subject, description, max_members, is_private, created_at, updated_at
			`, userID, strings.TrimSpace(req.Name), strings.TrimSpace(req.Subject),
				strings.TrimSpace(req.Description), req.MaxMembers, req.IsPrivate); err != nil {
				return err
			}
			_, err := tx.ExecContext(r.Context(), `
				INSERT INTO group_members (group_id, user_id, role) VALUES ($1, $2, 'owner')
			`, g.ID, userID)
			return err
		})
		if err != nil {
			writeDBError(w, r, err, "create group")
			return
		}
		g.MemberCount = 1

		rep.awardLogged(r.Context(), userID, ActionGroupCreated)
		writeJSON(w, http.StatusCreated, g)
	})
}

// GET /groups?subject=&q=
func listGroupsHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		subject := strings.TrimSpace(r.URL.Query().Get("subject"))
		search := strings.TrimSpace(r.URL.Query().Get("q"))

		groups := []StudyGroup{}
		err := db.SelectContext(r.Context(), &groups, groupSelect+`
			WHERE NOT g.is_private
			  AND ($1::text = '' OR lower(g.subject) = lower($1::text))
			  AND ($2::text = '' OR g.name ILIKE '%' || $2::text || '%')
			ORDER BY g.created_at DESC, g.id DESC
			LIMIT 100
		`, subject, search)
		if err != nil {
			writeDBError(w, r, err, "list groups")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
	})
}

func isGroupMember(ctx context.Context, q sqlx.QueryerContext, groupID, userID int) (bool, error) {
	var ok bool
	err := sqlx.GetContext(ctx, q, &ok, `
		SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)
	`, groupID, userID)
	return ok, err
}

// GET /groups/{id}
func getGroupHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		groupID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		var g StudyGroup
		err := db.GetContext(r.Context(), &g, groupSelect+` WHERE g.id = $1`, groupID)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load group")
			return
		}

		if g.IsPrivate {
			member, err := isGroupMember(r.Context(), db, groupID, userID)
			if err != nil {
				writeDBError(w, r, err, "check membership")
				return
			}
			// Private groups don't reveal themselves to outsiders.
			if !member {
				writeError(w, http.StatusNotFound, "not_found")
				return
			}
		}

		members := []GroupMember{}
		if err := db.SelectContext(r.Context(), &members, `
			SELECT user_id, role, joined_at FROM group_members
			WHERE group_id = $1
			ORDER BY joined_at ASC, user_id ASC
		`, groupID); err != nil {
			writeDBError(w, r, err, "list members")
			return
		}
		ids := make([]int, len(members))
		for i, m := range members {
			ids[i] = m.UserID
		}
		summaries := loadSummaries(r.Context(), db, ids)
		for i := range members {
			members[i].User = summaries[members[i].UserID]
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"group": g, "members": members})
	})
}

// joinGroup adds userID under a row lock on the group so concurrent joins
// cannot exceed max_members. Joining twice is a no-op.
func joinGroup(ctx context.Context, db *sqlx.DB, groupID, userID int) (joined bool, err error) {
	err = withTx(ctx, db, func(tx *sqlx.Tx) error {
		var g struct {
			MaxMembers int  `db:"max_members"`
			IsPrivate  bool `db:"is_private"`
		}
		err := tx.GetContext(ctx, &g, `
			SELECT max_members, is_private FROM study_groups WHERE id = $1 FOR UPDATE
		`, groupID)
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound
		} else if err != nil {
			return err
		}

		member, err := isGroupMember(ctx, tx, groupID, userID)
		if err != nil {
			return err
		}
		if member {
			return nil
		}
		if g.IsPrivate {
			return errForbidden
		}

		var count int
		if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM group_members WHERE group_id = $1`, groupID); err != nil {
			return err
		}
		if count >= g.MaxMembers {
			return errGroupFull
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, user_id, role) VALUES ($1, $2, 'member')
		`, groupID, userID); err != nil {
			return err
		}
		joined = true
		return nil
	})
	return joined, err
}

// POST /groups/{id}/join
func joinGroupHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		groupID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		joined, err := joinGroup(r.Context(), db, groupID, currentUserID(r))
		switch {
		case errors.Is(err, errNotFound):
			writeError(w, http.StatusNotFound, "not_found")
		case errors.Is(err, errForbidden):
			writeError(w, http.StatusForbidden, "group_private")
		case errors.Is(err, errGroupFull):
			writeError(w, http.StatusConflict, "group_full")
		case err != nil:
			writeDBError(w, r, err, "join group")
		case joined:
			writeJSON(w, http.StatusCreated, map[string]interface{}{"group_id": groupID, "joined": true})
		default:
			writeJSON(w, http.StatusOK, map[string]interface{}{"group_id": groupID, "joined": true})
		}
	})
}

// POST /groups/{id}/leave
func leaveGroupHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		groupID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		var role string
		err := db.GetContext(r.Context(), &role, `
			SELECT role FROM group_members WHERE group_id = $1 AND user_id = $2
		`, groupID, userID)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_member")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load membership")
			return
		}
		if role == "owner" {
			writeError(w, http.StatusConflict, "owner_cannot_leave")
			return
		}

		if _, err := db.ExecContext(r.Context(), `
			DELETE FROM group_members WHERE group_id = $1 AND user_id = $2
		`, groupID, userID); err != nil {
			writeDBError(w, r, err, "leave group")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// DELETE /groups/{id}
func deleteGroupHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		groupID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		var ownerID int
		err := db.GetContext(r.Context(), &ownerID, `SELECT owner_id FROM study_groups WHERE id = $1`, groupID)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load group")
			return
		}
		if ownerID != userID {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}

		if _, err := db.ExecContext(r.Context(), `DELETE FROM study_groups WHERE id = $1`, groupID); err != nil {
			writeDBError(w, r, err, "delete group")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
