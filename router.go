package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"

	"github.com/studymate/backend/matching"
)

// server bundles the dependencies shared by the HTTP handlers.
type server struct {
	cfg     Config
	db      *sqlx.DB
	scorer  *matching.Scorer
	rep     *Reputation
	board   *Leaderboard
	hub     *Hub
	metrics *metrics
	limiter *ipRateLimiter
}

func newRouter(s *server) http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, requestLogger, s.metrics.middleware, DataLoaderMiddleware(s.db))

	db := s.db

	// Health check endpoint for Docker
	r.Handle("/health", healthHandler(db)).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)

	// Core auth & user endpoints
	r.Handle("/register", s.limiter.middleware(registerHandler(db))).Methods(http.MethodPost)
	r.Handle("/login", s.limiter.middleware(loginHandler(db))).Methods(http.MethodPost)
	r.Handle("/me", meHandler(db)).Methods(http.MethodGet)
	r.Handle("/me/ping", mePingHandler(db, s.rep)).Methods(http.MethodPost)
	r.Handle("/me/profile", meProfileHandler(db)).Methods(http.MethodGet, http.MethodPut)
	r.Handle("/me/partner-profile", mePartnerProfileHandler(db)).Methods(http.MethodGet, http.MethodPut, http.MethodDelete)
	r.Handle("/me/reputation", reputationHandler(db, true)).Methods(http.MethodGet)

	r.Handle("/users/{id:[0-9]+}", userHandler(db, s.hub)).Methods(http.MethodGet)
	r.Handle("/users/{id:[0-9]+}/profile", userProfileHandler(db)).Methods(http.MethodGet)
	r.Handle("/users/{id:[0-9]+}/reputation", reputationHandler(db, false)).Methods(http.MethodGet)
	r.Handle("/leaderboard", leaderboardHandler(db, s.board)).Methods(http.MethodGet)

	// Partner matching and requests
	r.Handle("/partners", partnersListHandler(db)).Methods(http.MethodGet)
	r.Handle("/partners/matches", partnerMatchesHandler(db, s.scorer, s.metrics)).Methods(http.MethodGet)
	r.Handle("/partners/requests", partnerRequestsHandler(db)).Methods(http.MethodGet)
	r.Handle("/partners/{id:[0-9]+}/score", partnerScoreHandler(db, s.scorer)).Methods(http.MethodGet)
	r.Handle("/partners/{id:[0-9]+}/dismiss", dismissPartnerHandler(db)).Methods(http.MethodPost)
	r.Handle("/partners/{id:[0-9]+}/request", partnerActionHandler(db, s.rep, actionRequest)).Methods(http.MethodPost)
	r.Handle("/partners/{id:[0-9]+}/accept", partnerActionHandler(db, s.rep, actionAccept)).Methods(http.MethodPost)
	r.Handle("/partners/{id:[0-9]+}/decline", partnerActionHandler(db, s.rep, actionDecline)).Methods(http.MethodPost)
	r.Handle("/partners/{id:[0-9]+}/cancel", partnerActionHandler(db, s.rep, actionCancel)).Methods(http.MethodPost)
	r.Handle("/partners/{id:[0-9]+}", partnerActionHandler(db, s.rep, actionDisconnect)).Methods(http.MethodDelete)

	// Chat
	r.Handle("/ws/chat", wsChatHandler(db, s.hub)).Methods(http.MethodGet)
	r.Handle("/chats/summary", chatSummaryHandler(db)).Methods(http.MethodGet)
	r.Handle("/chats/read", chatsMarkReadHandler(db)).Methods(http.MethodPost)
	r.Handle("/chats/{peerId:[0-9]+}/messages", getChatHistoryHandler(db)).Methods(http.MethodGet)

	// Study groups
	r.Handle("/groups", createGroupHandler(db, s.rep)).Methods(http.MethodPost)
	r.Handle("/groups", listGroupsHandler(db)).Methods(http.MethodGet)
	r.Handle("/groups/{id:[0-9]+}", getGroupHandler(db)).Methods(http.MethodGet)
	r.Handle("/groups/{id:[0-9]+}", deleteGroupHandler(db)).Methods(http.MethodDelete)
	r.Handle("/groups/{id:[0-9]+}/join", joinGroupHandler(db)).Methods(http.MethodPost)
	r.Handle("/groups/{id:[0-9]+}/leave", leaveGroupHandler(db)).Methods(http.MethodPost)

	// Forum
	r.Handle("/questions", createQuestionHandler(db, s.rep)).Methods(http.MethodPost)
	r.Handle("/questions", listQuestionsHandler(db)).Methods(http.MethodGet)
	r.Handle("/questions/{id:[0-9]+}", getQuestionHandler(db)).Methods(http.MethodGet)
	r.Handle("/questions/{id:[0-9]+}/answers", createAnswerHandler(db, s.rep)).Methods(http.MethodPost)
	r.Handle("/questions/{id:[0-9]+}/accept/{answerId:[0-9]+}", acceptAnswerHandler(db, s.rep)).Methods(http.MethodPost)
	r.Handle("/answers/{id:[0-9]+}/vote", voteAnswerHandler(db, s.rep)).Methods(http.MethodPost)

	// Notes; /notes/public must be registered before /notes/{id}
	r.Handle("/notes", createNoteHandler(db, s.rep)).Methods(http.MethodPost)
	r.Handle("/notes", listMyNotesHandler(db)).Methods(http.MethodGet)
	r.Handle("/notes/public", listPublicNotesHandler(db)).Methods(http.MethodGet)
	r.Handle("/notes/{id:[0-9]+}", noteHandler(db, s.rep)).Methods(http.MethodGet, http.MethodPut, http.MethodDelete)

	// Competitions
	r.Handle("/competitions", createCompetitionHandler(db)).Methods(http.MethodPost)
	r.Handle("/competitions", listCompetitionsHandler(db)).Methods(http.MethodGet)
	r.Handle("/competitions/{id:[0-9]+}", getCompetitionHandler(db)).Methods(http.MethodGet)
	r.Handle("/competitions/{id:[0-9]+}/join", joinCompetitionHandler(db, s.rep)).Methods(http.MethodPost)
	r.Handle("/competitions/{id:[0-9]+}/scores", submitScoreHandler(db, s.board)).Methods(http.MethodPost)
	r.Handle("/competitions/{id:[0-9]+}/leaderboard", competitionLeaderboardHandler(db, s.board)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return withCORS(s.cfg.CORSOrigins)(r)
}

func healthHandler(db *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database_unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
