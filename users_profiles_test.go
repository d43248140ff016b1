package main

import (
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutProfile(t *testing.T) {
	t.Run("validates fields", func(t *testing.T) {
		env := newTestServer(t)
		w := env.do(http.MethodPut, "/me/profile", 1, map[string]interface{}{
			"display_name": "Ada", "mbti_type": "XYZW", "age": 9, "avatar_url": "not a url",
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		fields := decodeBody(t, w)["fields"].(map[string]interface{})
		assert.Equal(t, "mbti", fields["mbti_type"])
		assert.Equal(t, "min=13", fields["age"])
		assert.Equal(t, "url", fields["avatar_url"])
	})

	t.Run("normalizes and upserts", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("INSERT INTO profiles")).
			WithArgs(1, "Ada", "", "", "Aalto University", "Computer Science", 22, "INTJ",
				`{"algorithms","databases"}`, "{}", "{}").
			WillReturnRows(requesterRows())

		w := env.do(http.MethodPut, "/me/profile", 1, map[string]interface{}{
			"display_name":   " Ada ",
			"university":     "Aalto University",
			"major":          "Computer Science",
			"age":            22,
			"mbti_type":      "intj",
			"learning_needs": []string{"algorithms", "Algorithms", "databases"},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "INTJ", decodeBody(t, w)["mbti_type"])
		env.done()
	})

	t.Run("missing profile", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("FROM profiles WHERE user_id = $1")).
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows(profileCols))

		w := env.do(http.MethodGet, "/me/profile", 1, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "profile_not_found", decodeBody(t, w)["error"])
		env.done()
	})
}

func TestGetUserPresence(t *testing.T) {
	env := newTestServer(t)
	env.srv.hub.register(newTestClient(2))

	env.mock.ExpectQuery(q("SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)")).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	env.mock.ExpectQuery(q("AS online")).
		WithArgs(2, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"online"}).AddRow(false))
	expectSummaries(env.mock, 2)

	w := env.do(http.MethodGet, "/users/2", 1, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, true, body["is_online"], "an open chat socket counts as online")
	assert.EqualValues(t, 2, body["id"])
	env.done()
}
