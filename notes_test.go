package main

import (
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noteCols = []string{"id", "author_id", "title", "content", "subject", "is_public", "created_at", "updated_at", "shared_at"}

func noteRow(id, author int, public bool, shared interface{}) *sqlmock.Rows {
	return sqlmock.NewRows(noteCols).AddRow(id, author, "Limits", "epsilon-delta", "calculus", public, fixtureTime, fixtureTime, shared)
}

func TestGetNote(t *testing.T) {
	t.Run("private note hidden from others", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("FROM notes WHERE id = $1")).
			WithArgs(4).
			WillReturnRows(noteRow(4, 1, false, nil))

		w := env.do(http.MethodGet, "/notes/4", 2, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		env.done()
	})

	t.Run("owner reads private note", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("FROM notes WHERE id = $1")).
			WithArgs(4).
			WillReturnRows(noteRow(4, 1, false, nil))
		expectSummaries(env.mock, 1)

		w := env.do(http.MethodGet, "/notes/4", 1, nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "Limits", body["title"])
		assert.NotContains(t, body, "shared_at")
		env.done()
	})

	t.Run("others may not edit", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("FROM notes WHERE id = $1")).
			WillReturnRows(noteRow(4, 1, true, fixtureTime))

		w := env.do(http.MethodPut, "/notes/4", 2, map[string]interface{}{"title": "x", "content": "y"})
		assert.Equal(t, http.StatusForbidden, w.Code)
		env.done()
	})
}

func TestCreateNote(t *testing.T) {
	t.Run("public note earns points", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("INSERT INTO notes")).
			WithArgs(1, "Limits", "epsilon-delta", "calculus", true).
			WillReturnRows(noteRow(9, 1, true, fixtureTime))
		expectAward(env.mock, 1, ActionNoteShared)

		w := env.do(http.MethodPost, "/notes", 1, map[string]interface{}{
			"title": "Limits", "content": "epsilon-delta", "subject": "calculus", "is_public": true,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.EqualValues(t, 9, decodeBody(t, w)["id"])
		env.done()
	})

	t.Run("private note earns nothing", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("INSERT INTO notes")).
			WithArgs(1, "Limits", "epsilon-delta", "", false).
			WillReturnRows(noteRow(9, 1, false, nil))

		w := env.do(http.MethodPost, "/notes", 1, map[string]interface{}{
			"title": "Limits", "content": "epsilon-delta",
		})
		assert.Equal(t, http.StatusCreated, w.Code)
		env.done()
	})
}

func TestUpdateNoteSharesOnce(t *testing.T) {
	t.Run("first publication pays", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("FROM notes WHERE id = $1")).
			WillReturnRows(noteRow(4, 1, false, nil))
		env.mock.ExpectQuery(q("UPDATE notes")).
			WithArgs(4, "Limits", "epsilon-delta", "calculus", true).
			WillReturnRows(noteRow(4, 1, true, fixtureTime))
		expectAward(env.mock, 1, ActionNoteShared)

		w := env.do(http.MethodPut, "/notes/4", 1, map[string]interface{}{
			"title": "Limits", "content": "epsilon-delta", "subject": "calculus", "is_public": true,
		})
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
		env.done()
	})

	t.Run("republishing pays nothing", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("FROM notes WHERE id = $1")).
			WillReturnRows(noteRow(4, 1, false, fixtureTime))
		env.mock.ExpectQuery(q("UPDATE notes")).
			WillReturnRows(noteRow(4, 1, true, fixtureTime))

		w := env.do(http.MethodPut, "/notes/4", 1, map[string]interface{}{
			"title": "Limits", "content": "epsilon-delta", "is_public": true,
		})
		assert.Equal(t, http.StatusOK, w.Code)
		env.done()
	})
}
