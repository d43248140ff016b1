package main

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type Note struct {
	ID        int          `json:"id" db:"id"`
	AuthorID  int          `json:"author_id" db:"author_id"`
	Title     string       `json:"title" db:"title"`
	Content   string       `json:"content" db:"content"`
	Subject   string       `json:"subject" db:"subject"`
	IsPublic  bool         `json:"is_public" db:"is_public"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
	SharedAt  *time.Time   `json:"shared_at,omitempty" db:"shared_at"`
	Author    *UserSummary `json:"author,omitempty" db:"-"`
}

type noteRequest struct {
	Title    string `json:"title" validate:"required,max=200"`
	Content  string `json:"content" validate:"required,max=50000"`
	Subject  string `json:"subject" validate:"max=100"`
	IsPublic bool   `json:"is_public"`
}

const noteColumns = `id, author_id, title, content, subject, is_public, created_at, updated_at, shared_at`

// POST /notes
func createNoteHandler(db *sqlx.DB, rep *Reputation) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		var req noteRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var n Note
		err := db.GetContext(r.Context(), &n, `
			INSERT INTO notes (author_id, title, content, subject, is_public, shared_at)
			VALUES ($1, $2, $3, $4, $5, CASE WHEN $5 THEN NOW() END)
			RETURNING `+noteColumns,
			userID, strings.TrimSpace(req.Title), req.Content, strings.TrimSpace(req.Subject), req.IsPublic)
		if err != nil {
			writeDBError(w, r, err, "create note")
			return
		}
		if n.IsPublic {
			rep.awardLogged(r.Context(), userID, ActionNoteShared)
		}
		writeJSON(w, http.StatusCreated, n)
	})
}

// GET /notes lists the caller's own notes.
func listMyNotesHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		notes := []Note{}
		if err := db.SelectContext(r.Context(), &notes, `
			SELECT `+noteColumns+` FROM notes
			WHERE author_id = $1
			ORDER BY updated_at DESC, id DESC
		`, currentUserID(r)); err != nil {
			writeDBError(w, r, err, "list notes")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"notes": notes})
	})
}

// GET /notes/public?subject=
func listPublicNotesHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		subject := strings.TrimSpace(r.URL.Query().Get("subject"))
		limit, err := queryInt(r, "limit", 50, 1, 100)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}

		notes := []Note{}
		if err := db.SelectContext(r.Context(), &notes, `
			SELECT `+noteColumns+` FROM notes
			WHERE is_public
			  AND ($1::text = '' OR lower(subject) = lower($1::text))
			ORDER BY updated_at DESC, id DESC
			LIMIT $2
		`, subject, limit); err != nil {
			writeDBError(w, r, err, "list public notes")
			return
		}

		ids := make([]int, len(notes))
		for i, n := range notes {
			ids[i] = n.AuthorID
		}
		summaries := loadSummaries(r.Context(), db, ids)
		for i := range notes {
			notes[i].Author = summaries[notes[i].AuthorID]
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"notes": notes})
	})
}

// GET, PUT, DELETE /notes/{id}
func noteHandler(db *sqlx.DB, rep *Reputation) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		noteID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		var n Note
		err := db.GetContext(r.Context(), &n, `SELECT `+noteColumns+` FROM notes WHERE id = $1`, noteID)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load note")
			return
		}

		owner := n.AuthorID == userID
		switch r.Method {
		case http.MethodGet:
			// Private notes are invisible to others.
			if !owner && !n.IsPublic {
				writeError(w, http.StatusNotFound, "not_found")
				return
			}
			n.Author = loadSummaries(r.Context(), db, []int{n.AuthorID})[n.AuthorID]
			writeJSON(w, http.StatusOK, n)

		case http.MethodPut:
			if !owner {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			var req noteRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			sharedBefore := n.SharedAt != nil
			if err := db.GetContext(r.Context(), &n, `
				UPDATE notes
				SET title = $2, content = $3, subject = $4, is_public = $5, updated_at = NOW(),
				    shared_at = COALESCE(shared_at, CASE WHEN $5 THEN NOW() END)
				WHERE id = $1
				RETURNING `+noteColumns,
				noteID, strings.TrimSpace(req.Title), req.Content, strings.TrimSpace(req.Subject), req.IsPublic); err != nil {
				writeDBError(w, r, err, "update note")
				return
			}
			// Only the first publication pays out.
			if n.IsPublic && !sharedBefore {
				rep.awardLogged(r.Context(), userID, ActionNoteShared)
			}
			writeJSON(w, http.StatusOK, n)

		case http.MethodDelete:
			if !owner {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			if _, err := db.ExecContext(r.Context(), `DELETE FROM notes WHERE id = $1`, noteID); err != nil {
				writeDBError(w, r, err, "delete note")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}
	})
}
