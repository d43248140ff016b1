package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortAnswers(t *testing.T) {
	t0 := fixtureTime
	answers := []Answer{
		{ID: 1, Score: 3, CreatedAt: t0.Add(2 * time.Minute)},
		{ID: 2, Score: 10, CreatedAt: t0.Add(3 * time.Minute)},
		{ID: 3, Score: 0, CreatedAt: t0.Add(4 * time.Minute)},
		{ID: 4, Score: 3, CreatedAt: t0.Add(1 * time.Minute)},
		{ID: 5, Score: 3, CreatedAt: t0.Add(1 * time.Minute)},
	}
	accepted := 3
	sortAnswers(answers, &accepted)

	ids := make([]int, len(answers))
	for i, a := range answers {
		ids[i] = a.ID
	}
	assert.Equal(t, []int{3, 2, 4, 5, 1}, ids)
	assert.True(t, answers[0].IsAccepted)
	assert.False(t, answers[1].IsAccepted)

	sortAnswers(answers, nil)
	assert.Equal(t, 2, answers[0].ID)
	assert.False(t, answers[0].IsAccepted)
}

func TestVoteAnswer(t *testing.T) {
	t.Run("own answer", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectBegin()
		env.mock.ExpectQuery(q("SELECT author_id FROM answers WHERE id = $1")).
			WithArgs(20).
			WillReturnRows(sqlmock.NewRows([]string{"author_id"}).AddRow(1))
		env.mock.ExpectRollback()

		w := env.do(http.MethodPost, "/answers/20/vote", 1, map[string]int{"value": 1})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "cannot_vote_own_answer", decodeBody(t, w)["error"])
		env.done()
	})

	t.Run("first upvote pays the author", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectBegin()
		env.mock.ExpectQuery(q("SELECT author_id FROM answers WHERE id = $1")).
			WithArgs(20).
			WillReturnRows(sqlmock.NewRows([]string{"author_id"}).AddRow(7))
		env.mock.ExpectQuery(q("INSERT INTO answer_votes")).
			WithArgs(20, 1, 1).
			WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
		env.mock.ExpectQuery(q("SELECT COALESCE(SUM(value), 0) FROM answer_votes")).
			WithArgs(20).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4))
		env.mock.ExpectCommit()
		expectAward(env.mock, 7, ActionUpvoteReceived)

		w := env.do(http.MethodPost, "/answers/20/vote", 1, map[string]int{"value": 1})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.EqualValues(t, 4, decodeBody(t, w)["score"])
		env.done()
	})

	t.Run("changing a vote pays nothing", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectBegin()
		env.mock.ExpectQuery(q("SELECT author_id FROM answers")).
			WillReturnRows(sqlmock.NewRows([]string{"author_id"}).AddRow(7))
		env.mock.ExpectQuery(q("INSERT INTO answer_votes")).
			WithArgs(20, 1, 1).
			WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(false))
		env.mock.ExpectQuery(q("SELECT COALESCE(SUM(value), 0)")).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(2))
		env.mock.ExpectCommit()

		w := env.do(http.MethodPost, "/answers/20/vote", 1, map[string]int{"value": 1})
		assert.Equal(t, http.StatusOK, w.Code)
		env.done()
	})

	t.Run("first downvote pays nothing", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectBegin()
		env.mock.ExpectQuery(q("SELECT author_id FROM answers")).
			WillReturnRows(sqlmock.NewRows([]string{"author_id"}).AddRow(7))
		env.mock.ExpectQuery(q("RETURNING (xmax = 0) AS inserted")).
			WithArgs(20, 1, -1).
			WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
		env.mock.ExpectQuery(q("SELECT COALESCE(SUM(value), 0)")).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(-1))
		env.mock.ExpectCommit()

		w := env.do(http.MethodPost, "/answers/20/vote", 1, map[string]int{"value": -1})
		assert.Equal(t, http.StatusOK, w.Code)
		env.done()
	})

	t.Run("value must be one or minus one", func(t *testing.T) {
		env := newTestServer(t)
		w := env.do(http.MethodPost, "/answers/20/vote", 1, map[string]int{"value": 5})
		require.Equal(t, http.StatusBadRequest, w.Code)
		fields := decodeBody(t, w)["fields"].(map[string]interface{})
		assert.Equal(t, "oneof=1 -1", fields["value"])
	})
}

func TestAcceptAnswer(t *testing.T) {
	questionRow := func(author int) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"author_id", "accepted_answer_id"}).AddRow(author, nil)
	}
	answerRow := func(author int, paid bool) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"author_id", "paid"}).AddRow(author, paid)
	}

	t.Run("only the question author", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectBegin()
		env.mock.ExpectQuery(q("SELECT author_id, accepted_answer_id FROM questions WHERE id = $1 FOR UPDATE")).
			WithArgs(3).
			WillReturnRows(questionRow(1))
		env.mock.ExpectRollback()

		w := env.do(http.MethodPost, "/questions/3/accept/20", 2, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "not_question_author", decodeBody(t, w)["error"])
		env.done()
	})

	t.Run("rewards the answer author", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectBegin()
		env.mock.ExpectQuery(q("FROM questions WHERE id = $1 FOR UPDATE")).
			WithArgs(3).
			WillReturnRows(questionRow(1))
		env.mock.ExpectQuery(q("FROM answers WHERE id = $1 AND question_id = $2")).
			WithArgs(20, 3).
			WillReturnRows(answerRow(7, false))
		env.mock.ExpectExec(q("UPDATE questions SET accepted_answer_id = $2")).
			WithArgs(3, 20).
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.mock.ExpectExec(q("UPDATE answers SET accepted_paid_at = NOW() WHERE id = $1")).
			WithArgs(20).
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.mock.ExpectCommit()
		expectAward(env.mock, 7, ActionAnswerAccepted)

		w := env.do(http.MethodPost, "/questions/3/accept/20", 1, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.EqualValues(t, 20, decodeBody(t, w)["accepted_answer_id"])
		env.done()
	})

	t.Run("switching back to a paid answer pays nothing", func(t *testing.T) {
		env := newTestServer(t)
		// Accepted A, then B; now back to A.
		env.mock.ExpectBegin()
		env.mock.ExpectQuery(q("FROM questions WHERE id = $1 FOR UPDATE")).
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows([]string{"author_id", "accepted_answer_id"}).AddRow(1, 21))
		env.mock.ExpectQuery(q("FROM answers WHERE id = $1 AND question_id = $2")).
			WithArgs(20, 3).
			WillReturnRows(answerRow(7, true))
		env.mock.ExpectExec(q("UPDATE questions SET accepted_answer_id = $2")).
			WithArgs(3, 20).
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.mock.ExpectCommit()

		w := env.do(http.MethodPost, "/questions/3/accept/20", 1, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.EqualValues(t, 20, decodeBody(t, w)["accepted_answer_id"])
		env.done()
	})

	t.Run("accepting the current answer again is a no-op", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectBegin()
		env.mock.ExpectQuery(q("FROM questions WHERE id = $1 FOR UPDATE")).
			WillReturnRows(sqlmock.NewRows([]string{"author_id", "accepted_answer_id"}).AddRow(1, 20))
		env.mock.ExpectQuery(q("FROM answers WHERE id = $1 AND question_id = $2")).
			WillReturnRows(answerRow(7, true))
		env.mock.ExpectCommit()

		w := env.do(http.MethodPost, "/questions/3/accept/20", 1, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		env.done()
	})

	t.Run("answer of another question", func(t *testing.T) {
		env := newTestServer(t)
		env.mock.ExpectBegin()
		env.mock.ExpectQuery(q("FROM questions WHERE id = $1 FOR UPDATE")).
			WillReturnRows(questionRow(1))
		env.mock.ExpectQuery(q("FROM answers WHERE id = $1 AND question_id = $2")).
			WillReturnRows(sqlmock.NewRows([]string{"author_id", "paid"}))
		env.mock.ExpectRollback()

		w := env.do(http.MethodPost, "/questions/3/accept/99", 1, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		env.done()
	})
}

func TestCreateQuestion(t *testing.T) {
	env := newTestServer(t)
	env.mock.ExpectQuery(q("INSERT INTO questions (author_id, title, body, tags)")).
		WithArgs(1, "How to invert a matrix?", "Step by step please.", `{"linear-algebra","math"}`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "author_id", "title", "body", "tags",
			"accepted_answer_id", "created_at", "updated_at"}).
			AddRow(3, 1, "How to invert a matrix?", "Step by step please.", "{linear-algebra,math}", nil, fixtureTime, fixtureTime))
	expectAward(env.mock, 1, ActionQuestionAsked)

	w := env.do(http.MethodPost, "/questions", 1, map[string]interface{}{
		"title": "How to invert a matrix?",
		"body":  "Step by step please.",
		"tags":  []string{"Linear-Algebra", " math ", "linear-algebra"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, []interface{}{"linear-algebra", "math"}, body["tags"])
	env.done()
}
