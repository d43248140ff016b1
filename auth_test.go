package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestRegister(t *testing.T) {
	t.Run("creates user and returns token", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("INSERT INTO users (email, password_hash, last_online)")).
			WithArgs("new@example.com", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

		w := env.do(http.MethodPost, "/register", 0, map[string]string{
			"email": "  New@Example.com ", "password": "secret123",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		body := decodeBody(t, w)
		assert.EqualValues(t, 42, body["id"])

		id, ok := parseUserIDFromJWT(body["token"].(string))
		require.True(t, ok)
		assert.Equal(t, 42, id)
		env.done()
	})

	t.Run("duplicate email", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("INSERT INTO users")).
			WillReturnError(&pq.Error{Code: "23505"})

		w := env.do(http.MethodPost, "/register", 0, map[string]string{
			"email": "taken@example.com", "password": "secret123",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "email_exists", decodeBody(t, w)["error"])
		env.done()
	})

	t.Run("validation errors name json fields", func(t *testing.T) {
		env := newTestServer(t)
		w := env.do(http.MethodPost, "/register", 0, map[string]string{
			"email": "not-an-email", "password": "short",
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "validation_failed", body["error"])
		fields := body["fields"].(map[string]interface{})
		assert.Equal(t, "email", fields["email"])
		assert.Equal(t, "min=8", fields["password"])
		env.done()
	})

	t.Run("malformed json", func(t *testing.T) {
		env := newTestServer(t)
		w := env.do(http.MethodPost, "/register", 0, "{not json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_json", decodeBody(t, w)["error"])
	})
}

func TestLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret123"), bcrypt.MinCost)
	require.NoError(t, err)

	t.Run("valid credentials", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("SELECT id, password_hash FROM users WHERE email = $1")).
			WithArgs("ada@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}).AddRow(7, string(hash)))
		env.mock.ExpectExec(q("UPDATE users SET last_online = NOW() WHERE id = $1")).
			WithArgs(7).
			WillReturnResult(sqlmock.NewResult(0, 1))

		w := env.do(http.MethodPost, "/login", 0, map[string]string{
			"email": "ada@example.com", "password": "secret123",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.EqualValues(t, 7, decodeBody(t, w)["id"])
		env.done()
	})

	t.Run("wrong password", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("SELECT id, password_hash FROM users")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}).AddRow(7, string(hash)))

		w := env.do(http.MethodPost, "/login", 0, map[string]string{
			"email": "ada@example.com", "password": "wrong-password",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "invalid_credentials", decodeBody(t, w)["error"])
		env.done()
	})

	t.Run("unknown email", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("SELECT id, password_hash FROM users")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}))

		w := env.do(http.MethodPost, "/login", 0, map[string]string{
			"email": "ghost@example.com", "password": "secret123",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		env.done()
	})
}

func TestMe(t *testing.T) {
	t.Run("requires token", func(t *testing.T) {
		env := newTestServer(t)
		w := env.do(http.MethodGet, "/me", 0, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "unauthorized", decodeBody(t, w)["error"])
	})

	t.Run("includes reputation", func(t *testing.T) {
		env := newTestServer(t)
		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		env.mock.ExpectQuery(q("SELECT id, email, created_at FROM users WHERE id = $1")).
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows([]string{"id", "email", "created_at"}).AddRow(3, "me@example.com", created))
		env.mock.ExpectQuery(q("FROM reputation WHERE user_id = $1")).
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows([]string{"points", "current_streak", "longest_streak", "last_active_date"}).
				AddRow(120, 2, 9, created))
		expectSummaries(env.mock, 3)

		w := env.do(http.MethodGet, "/me", 3, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decodeBody(t, w)
		assert.Equal(t, "me@example.com", body["email"])

		rep := body["reputation"].(map[string]interface{})
		assert.Equal(t, "Learner", rep["level"])
		assert.Equal(t, "Scholar", rep["next_level"])
		assert.EqualValues(t, 2, rep["current_streak"])
		assert.Equal(t, "2026-01-02", rep["last_active_date"])
		env.done()
	})
}

func TestParseUserIDFromJWT(t *testing.T) {
	sign := func(claims jwt.MapClaims, method jwt.SigningMethod, key interface{}) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
		want  int
		ok    bool
	}{
		{"valid", sign(jwt.MapClaims{"user_id": 5, "exp": future}, jwt.SigningMethodHS256, jwtSecret), 5, true},
		{"expired", sign(jwt.MapClaims{"user_id": 5, "exp": time.Now().Add(-time.Hour).Unix()}, jwt.SigningMethodHS256, jwtSecret), 0, false},
		{"missing exp", sign(jwt.MapClaims{"user_id": 5}, jwt.SigningMethodHS256, jwtSecret), 0, false},
		{"wrong key", sign(jwt.MapClaims{"user_id": 5, "exp": future}, jwt.SigningMethodHS256, []byte("other")), 0, false},
		{"zero user", sign(jwt.MapClaims{"user_id": 0, "exp": future}, jwt.SigningMethodHS256, jwtSecret), 0, false},
		{"garbage", "not.a.token", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseUserIDFromJWT(tt.token)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetUserIDFromRequest(t *testing.T) {
	tok := tokenFor(t, 9)

	r := httptest.NewRequest(http.MethodGet, "/ws/chat?token="+tok, nil)
	id, ok := getUserIDFromRequest(r)
	require.True(t, ok)
	assert.Equal(t, 9, id)

	r = httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	id, ok = getUserIDFromRequest(r)
	require.True(t, ok)
	assert.Equal(t, 9, id)

	r = httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	_, ok = getUserIDFromRequest(r)
	assert.False(t, ok)
}
