package main

import (
	"context"
	"database/sql"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		points int
		level  string
		next   string
	}{
		{0, "Newcomer", "Learner"},
		{49, "Newcomer", "Learner"},
		{50, "Learner", "Scholar"},
		{199, "Learner", "Scholar"},
		{200, "Scholar", "Mentor"},
		{500, "Mentor", "Sage"},
		{1000, "Sage", ""},
		{5000, "Sage", ""},
	}
	for _, tt := range tests {
		lvl, next := levelFor(tt.points)
		assert.Equal(t, tt.level, lvl.Name, "points %d", tt.points)
		if tt.next == "" {
			assert.Nil(t, next, "points %d", tt.points)
		} else {
			require.NotNil(t, next, "points %d", tt.points)
			assert.Equal(t, tt.next, next.Name)
		}
	}
}

func TestAdvanceStreak(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	day := func(offset int) sql.NullTime {
		return sql.NullTime{Time: utcDay(now).AddDate(0, 0, offset), Valid: true}
	}

	tests := []struct {
		name    string
		in      streakState
		current int
		longest int
		awards  []Action
		changed bool
	}{
		{"first activity", streakState{}, 1, 1, []Action{ActionDailyActive}, true},
		{"same day again", streakState{Current: 3, Longest: 5, LastActive: day(0)}, 3, 5, nil, false},
		{"consecutive day", streakState{Current: 3, Longest: 5, LastActive: day(-1)}, 4, 5, []Action{ActionDailyActive}, true},
		{"gap resets", streakState{Current: 9, Longest: 9, LastActive: day(-3)}, 1, 9, []Action{ActionDailyActive}, true},
		{"seventh day", streakState{Current: 6, Longest: 6, LastActive: day(-1)}, 7, 7, []Action{ActionDailyActive, ActionStreak7}, true},
		{"thirtieth day", streakState{Current: 29, Longest: 40, LastActive: day(-1)}, 30, 40, []Action{ActionDailyActive, ActionStreak30}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, awards, changed := advanceStreak(tt.in, now)
			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.current, next.Current)
			assert.Equal(t, tt.longest, next.Longest)
			assert.Equal(t, tt.awards, awards)
			if changed {
				assert.True(t, next.LastActive.Time.Equal(utcDay(now)))
			}
		})
	}
}

func TestPingRecordsStreak(t *testing.T) {
	env := newTestServer(t)
	yesterday := utcDay(time.Now()).AddDate(0, 0, -1)

	env.mock.ExpectExec(q("UPDATE users SET last_online = NOW() WHERE id = $1")).
		WithArgs(4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectBegin()
	env.mock.ExpectExec(q("INSERT INTO reputation (user_id) VALUES ($1)")).
		WithArgs(4).
		WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectQuery(q("SELECT current_streak, longest_streak, last_active_date")).
		WithArgs(4).
		WillReturnRows(sqlmock.NewRows([]string{"current_streak", "longest_streak", "last_active_date"}).
			AddRow(6, 6, yesterday))
	env.mock.ExpectExec(q("UPDATE reputation")).
		WithArgs(4, 7, 7, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for _, a := range []Action{ActionDailyActive, ActionStreak7} {
		env.mock.ExpectExec(q("INSERT INTO reputation_events")).
			WithArgs(4, string(a), actionPoints[a]).
			WillReturnResult(sqlmock.NewResult(1, 1))
		env.mock.ExpectExec(q("INSERT INTO reputation (user_id, points)")).
			WithArgs(4, actionPoints[a]).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	env.mock.ExpectCommit()

	w := env.do(http.MethodPost, "/me/ping", 4, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	env.done()
}

func TestResetBrokenStreaks(t *testing.T) {
	env := newTestServer(t)
	now := time.Date(2026, 3, 10, 0, 5, 0, 0, time.UTC)

	env.mock.ExpectExec(q("SET current_streak = 0")).
		WithArgs(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := env.srv.rep.ResetBrokenStreaks(context.Background(), now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	env.done()
}

func TestAwardUnknownAction(t *testing.T) {
	env := newTestServer(t)
	err := env.srv.rep.Award(context.Background(), 1, Action("bogus"))
	assert.Error(t, err)
	env.done()
}

func TestUserReputation(t *testing.T) {
	t.Run("unknown user", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)")).
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		w := env.do(http.MethodGet, "/users/99/reputation", 1, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		env.done()
	})

	t.Run("user without points", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectQuery(q("SELECT EXISTS")).
			WithArgs(5).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		env.mock.ExpectQuery(q("FROM reputation WHERE user_id = $1")).
			WithArgs(5).
			WillReturnRows(sqlmock.NewRows([]string{"points", "current_streak", "longest_streak", "last_active_date"}))

		w := env.do(http.MethodGet, "/users/5/reputation", 1, nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.EqualValues(t, 0, body["points"])
		assert.Equal(t, "Newcomer", body["level"])
		assert.EqualValues(t, 50, body["next_level_at"])
		assert.NotContains(t, body, "last_active_date")
		env.done()
	})
}
