package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type Question struct {
	ID               int            `json:"id" db:"id"`
	AuthorID         int            `json:"author_id" db:"author_id"`
	Title            string         `json:"title" db:"title"`
	Body             string         `json:"body" db:"body"`
	Tags             pq.StringArray `json:"tags" db:"tags"`
	AcceptedAnswerID *int           `json:"accepted_answer_id" db:"accepted_answer_id"`
	AnswerCount      int            `json:"answer_count" db:"answer_count"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
	Author           *UserSummary   `json:"author,omitempty" db:"-"`
}

type Answer struct {
	ID         int          `json:"id" db:"id"`
	QuestionID int          `json:"question_id" db:"question_id"`
	AuthorID   int          `json:"author_id" db:"author_id"`
	Body       string       `json:"body" db:"body"`
	Score      int          `json:"score" db:"score"`
	IsAccepted bool         `json:"is_accepted" db:"-"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	Author     *UserSummary `json:"author,omitempty" db:"-"`
}

type questionRequest struct {
	Title string   `json:"title" validate:"required,min=5,max=200"`
	Body  string   `json:"body" validate:"required,max=20000"`
	Tags  []string `json:"tags" validate:"max=5,dive,max=30"`
}

type answerRequest struct {
	Body string `json:"body" validate:"required,max=20000"`
}

type voteRequest struct {
	Value int `json:"value" validate:"required,oneof=1 -1"`
}

const questionSelect = `
	SELECT q.id, q.author_id, q.title, q.body, q.tags, q.accepted_answer_id, q.created_at, q.updated_at,
	       (SELECT COUNT(*) FROM answers a WHERE a.question_id = q.id) AS answer_count
	FROM questions q`

// POST /questions
func createQuestionHandler(db *sqlx.DB, rep *Reputation) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		var req questionRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var q Question
		err := db.GetContext(r.Context(), &q, `
			INSERT INTO questions (author_id, title, body, tags)
			VALUES ($1, $2, $3, $4)
			RETURNING id, author_id, title, body, tags, accepted_answer_id, created_at, updated_at
		`, userID, strings.TrimSpace(req.Title), strings.TrimSpace(req.Body), pq.Array(lowerTags(req.Tags)))
		if err != nil {
			writeDBError(w, r, err, "create question")
			return
		}

		rep.awardLogged(r.Context(), userID, ActionQuestionAsked)
		writeJSON(w, http.StatusCreated, q)
	})
}

// GET /questions?tag=&page=&page_size=
func listQuestionsHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		page, err := queryInt(r, "page", 1, 1, 10000)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_page")
			return
		}
		pageSize, err := queryInt(r, "page_size", 20, 1, 100)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_page_size")
			return
		}
		tag := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("tag")))

		questions := []Question{}
		err = db.SelectContext(r.Context(), &questions, questionSelect+`
			WHERE ($1::text = '' OR $1::text = ANY(q.tags))
			ORDER BY q.created_at DESC, q.id DESC
			LIMIT $2 OFFSET $3
		`, tag, pageSize, (page-1)*pageSize)
		if err != nil {
			writeDBError(w, r, err, "list questions")
			return
		}

		ids := make([]int, len(questions))
		for i, q := range questions {
			ids[i] = q.AuthorID
		}
		summaries := loadSummaries(r.Context(), db, ids)
		for i := range questions {
			questions[i].Author = summaries[questions[i].AuthorID]
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"questions": questions,
			"page":      page,
			"page_size": pageSize,
		})
	})
}

// sortAnswers puts the accepted answer first, then by score, then oldest first.
func sortAnswers(answers []Answer, acceptedID *int) {
	for i := range answers {
		answers[i].IsAccepted = acceptedID != nil && answers[i].ID == *acceptedID
	}
	sort.SliceStable(answers, func(i, j int) bool {
		a, b := answers[i], answers[j]
		if a.IsAccepted != b.IsAccepted {
			return a.IsAccepted
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// GET /questions/{id}
func getQuestionHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		questionID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		var q Question
		err := db.GetContext(r.Context(), &q, questionSelect+` WHERE q.id = $1`, questionID)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load question")
			return
		}

		answers := []Answer{}
		if err := db.SelectContext(r.Context(), &answers, `
			SELECT a.id, a.question_id, a.author_id, a.body, a.created_at,
			       COALESCE((SELECT SUM(v.value) FROM answer_votes v WHERE v.answer_id = a.id), 0) AS score
			FROM answers a
			WHERE a.question_id = $1
		`, questionID); err != nil {
			writeDBError(w, r, err, "list answers")
			return
		}
		sortAnswers(answers, q.AcceptedAnswerID)

		ids := []int{q.AuthorID}
		for _, a := range answers {
			ids = append(ids, a.AuthorID)
		}
		summaries := loadSummaries(r.Context(), db, ids)
		q.Author = summaries[q.AuthorID]
		for i := range answers {
			answers[i].Author = summaries[answers[i].AuthorID]
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"question": q, "answers": answers})
	})
}

// POST /questions/{id}/answers
func createAnswerHandler(db *sqlx.DB, rep *Reputation) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)
		questionID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		var req answerRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var exists bool
		if err := db.GetContext(r.Context(), &exists, `SELECT EXISTS (SELECT 1 FROM questions WHERE id = $1)`, questionID); err != nil {
			writeDBError(w, r, err, "check question")
			return
		}
		if !exists {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		var a Answer
		if err := db.GetContext(r.Context(), &a, `
			INSERT INTO answers (question_id, author_id, body)
			VALUES ($1, $2, $3)
			RETURNING id, question_id, author_id, body, created_at
		`, questionID, userID, strings.TrimSpace(req.Body)); err != nil {
			writeDBError(w, r, err, "create answer")
			return
		}

		rep.awardLogged(r.Context(), userID, ActionAnswerPosted)
		writeJSON(w, http.StatusCreated, a)
	})
}

// acceptAnswer marks answerID as the accepted answer of questionID. It
// returns the answer author when points are due, zero otherwise. An answer
// pays at most once, however often the accepted answer changes.
func acceptAnswer(ctx context.Context, db *sqlx.DB, questionID, answerID, userID int) (rewardUser int, err error) {
	err = withTx(ctx, db, func(tx *sqlx.Tx) error {
		var q struct {
			AuthorID         int           `db:"author_id"`
			AcceptedAnswerID sql.NullInt64 `db:"accepted_answer_id"`
		}
		err := tx.GetContext(ctx, &q, `
			SELECT author_id, accepted_answer_id FROM questions WHERE id = $1 FOR UPDATE
		`, questionID)
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound
		} else if err != nil {
			return err
		}
		if q.AuthorID != userID {
			return errForbidden
		}

		var answer struct {
			AuthorID int  `db:"author_id"`
			Paid     bool `db:"paid"`
		}
		err = tx.GetContext(ctx, &answer, `
			SELECT author_id, accepted_paid_at IS NOT NULL AS paid
			FROM answers WHERE id = $1 AND question_id = $2
			FOR UPDATE
		`, answerID, questionID)
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound
		} else if err != nil {
			return err
		}

		if q.AcceptedAnswerID.Valid && int(q.AcceptedAnswerID.Int64) == answerID {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE questions SET accepted_answer_id = $2, updated_at = NOW() WHERE id = $1
		`, questionID, answerID); err != nil {
			return err
		}
		if answer.Paid || answer.AuthorID == userID {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE answers SET accepted_paid_at = NOW() WHERE id = $1
		`, answerID); err != nil {
			return err
		}
		rewardUser = answer.AuthorID
		return nil
	})
	return rewardUser, err
}

// POST /questions/{id}/accept/{answerId}
func acceptAnswerHandler(db *sqlx.DB, rep *Reputation) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		questionID, ok1 := pathID(r, "id")
		answerID, ok2 := pathID(r, "answerId")
		if !ok1 || !ok2 {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		reward, err := acceptAnswer(r.Context(), db, questionID, answerID, currentUserID(r))
		switch {
		case errors.Is(err, errNotFound):
			writeError(w, http.StatusNotFound, "not_found")
			return
		case errors.Is(err, errForbidden):
			writeError(w, http.StatusForbidden, "not_question_author")
			return
		case err != nil:
			writeDBError(w, r, err, "accept answer")
			return
		}

		if reward != 0 {
			rep.awardLogged(r.Context(), reward, ActionAnswerAccepted)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"question_id": questionID, "accepted_answer_id": answerID})
	})
}

// castVote upserts userID's vote on answerID and returns the new score and
// whether the answer author earns upvote points. Only a first-time upvote
// pays out, so flipping a vote back and forth earns nothing.
func castVote(ctx context.Context, db *sqlx.DB, answerID, userID, value int) (score int, rewardUser int, err error) {
	err = withTx(ctx, db, func(tx *sqlx.Tx) error {
		var author int
		err := tx.GetContext(ctx, &author, `SELECT author_id FROM answers WHERE id = $1`, answerID)
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound
		} else if err != nil {
			return err
		}
		if author == userID {
			return errForbidden
		}

		// xmax is zero only for a row this statement inserted; a concurrent
		// first vote waits on the key and then takes the update branch.
		var firstVote bool
		if err := tx.GetContext(ctx, &firstVote, `
			INSERT INTO answer_votes (answer_id, user_id, value) VALUES ($1, $2, $3)
			ON CONFLICT (answer_id, user_id) DO UPDATE SET value = EXCLUDED.value
			RETURNING (xmax = 0) AS inserted
		`, answerID, userID, value); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &score, `
			SELECT COALESCE(SUM(value), 0) FROM answer_votes WHERE answer_id = $1
		`, answerID); err != nil {
			return err
		}
		if firstVote && value == 1 {
			rewardUser = author
		}
		return nil
	})
	return score, rewardUser, err
}

// POST /answers/{id}/vote
func voteAnswerHandler(db *sqlx.DB, rep *Reputation) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		answerID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		var req voteRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		score, reward, err := castVote(r.Context(), db, answerID, currentUserID(r), req.Value)
		switch {
		case errors.Is(err, errNotFound):
			writeError(w, http.StatusNotFound, "not_found")
			return
		case errors.Is(err, errForbidden):
			writeError(w, http.StatusForbidden, "cannot_vote_own_answer")
			return
		case err != nil:
			writeDBError(w, r, err, "vote")
			return
		}

		if reward != 0 {
			rep.awardLogged(r.Context(), reward, ActionUpvoteReceived)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"answer_id": answerID, "score": score})
	})
}
