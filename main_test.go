package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/studymate/backend/matching"
)

func TestMain(m *testing.M) {
	jwtSecret = []byte("test_secret_key")
	tokenTTL = time.Hour
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

// testEnv is a router backed by sqlmock with the Redis cache disabled.
type testEnv struct {
	t       *testing.T
	mock    sqlmock.Sqlmock
	srv     *server
	handler http.Handler
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	board := NewLeaderboard(nil)
	m := newMetrics(prometheus.NewRegistry())
	s := &server{
		cfg:     Config{Env: "test", CORSOrigins: []string{"http://localhost:5173"}},
		db:      db,
		scorer:  matching.NewScorer(nil),
		rep:     NewReputation(db, board),
		board:   board,
		hub:     newHub(m),
		metrics: m,
		limiter: newIPRateLimiter(100, 100),
	}
	return &testEnv{t: t, mock: mock, srv: s, handler: newRouter(s)}
}

// do sends a request as userID (0 = anonymous) and returns the recorder.
func (e *testEnv) do(method, path string, userID int, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(e.t, err)
			rd = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID > 0 {
		req.Header.Set("Authorization", "Bearer "+tokenFor(e.t, userID))
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) done() {
	e.t.Helper()
	require.NoError(e.t, e.mock.ExpectationsWereMet())
}

func tokenFor(t *testing.T, userID int) string {
	t.Helper()
	tok, err := issueToken(userID)
	require.NoError(t, err)
	return tok
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func q(sql string) string {
	return regexp.QuoteMeta(sql)
}

// expectAward queues the statements of one successful reputation award.
func expectAward(mock sqlmock.Sqlmock, userID int, action Action) {
	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO reputation_events")).
		WithArgs(userID, string(action), actionPoints[action]).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(q("INSERT INTO reputation (user_id, points)")).
		WithArgs(userID, actionPoints[action]).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

// expectSummaries queues the batched user summary lookup.
func expectSummaries(mock sqlmock.Sqlmock, ids ...int) {
	rows := sqlmock.NewRows([]string{"id", "display_name", "avatar_url", "reputation"})
	for _, id := range ids {
		rows.AddRow(id, "Student "+string(rune('A'+id%26)), "", 0)
	}
	mock.ExpectQuery(q("FROM users u")).WillReturnRows(rows)
}

var profileCols = []string{"user_id", "display_name", "bio", "avatar_url", "university", "major", "age",
	"mbti_type", "learning_needs", "learning_goals", "study_habits", "updated_at"}

var partnerProfileCols = []string{"user_id", "university", "major", "age", "subjects", "goals", "study_style",
	"availability", "description", "is_active", "created_at", "updated_at"}
