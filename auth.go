package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// jwtSecret and tokenTTL are set from Config at startup.
var (
	jwtSecret = []byte(devJWTSecret)
	tokenTTL  = 24 * time.Hour
)

// UserIDKey is the key type for storing user ID in context
type UserIDKey string

const userIDKey UserIDKey = "userID"

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

type tokenResponse struct {
	Token string `json:"token"`
	ID    int    `json:"id"`
}

func registerHandler(db *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		email := strings.ToLower(strings.TrimSpace(req.Email))

		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			log.Ctx(r.Context()).Error().Err(err).Msg("hash password")
			writeError(w, http.StatusInternalServerError, "hash_error")
			return
		}

		var newID int
		err = db.QueryRowxContext(r.Context(), `
			INSERT INTO users (email, password_hash, last_online)
			VALUES ($1, $2, NOW())
			RETURNING id
		`, email, string(hashedPassword)).Scan(&newID)
		if err != nil {
			if isUniqueViolation(err) {
				writeError(w, http.StatusConflict, "email_exists")
				return
			}
			writeDBError(w, r, err, "insert user")
			return
		}

		token, err := issueToken(newID)
		if err != nil {
			log.Ctx(r.Context()).Error().Err(err).Int("user_id", newID).Msg("sign token")
			writeError(w, http.StatusInternalServerError, "token_generation_error")
			return
		}
		log.Ctx(r.Context()).Info().Int("user_id", newID).Msg("user registered")
		writeJSON(w, http.StatusCreated, tokenResponse{Token: token, ID: newID})
	}
}

func loginHandler(db *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		email := strings.ToLower(strings.TrimSpace(req.Email))

		var user struct {
			ID           int    `db:"id"`
			PasswordHash string `db:"password_hash"`
		}
		err := db.GetContext(r.Context(), &user, `SELECT id, password_hash FROM users WHERE email = $1`, email)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load user")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}

		// Don't fail login over presence
		if _, err := db.ExecContext(r.Context(), `UPDATE users SET last_online = NOW() WHERE id = $1`, user.ID); err != nil {
			log.Ctx(r.Context()).Warn().Err(err).Int("user_id", user.ID).Msg("update last_online")
		}

		token, err := issueToken(user.ID)
		if err != nil {
			log.Ctx(r.Context()).Error().Err(err).Int("user_id", user.ID).Msg("sign token")
			writeError(w, http.StatusInternalServerError, "token_generation_error")
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse{Token: token, ID: user.ID})
	}
}

// GET /me
func meHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)

		var me struct {
			ID        int       `db:"id" json:"id"`
			Email     string    `db:"email" json:"email"`
			CreatedAt time.Time `db:"created_at" json:"created_at"`
		}
		err := db.GetContext(r.Context(), &me, `SELECT id, email, created_at FROM users WHERE id = $1`, userID)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		} else if err != nil {
			writeDBError(w, r, err, "load me")
			return
		}

		rep, err := reputationOf(r.Context(), db, userID)
		if err != nil {
			writeDBError(w, r, err, "load reputation")
			return
		}

		summaries := loadSummaries(r.Context(), db, []int{userID})
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":         me.ID,
			"email":      me.Email,
			"created_at": me.CreatedAt,
			"user":       summaries[userID],
			"reputation": rep,
		})
	})
}

func issueToken(userID int) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(tokenTTL).Unix(),
	})
	return token.SignedString(jwtSecret)
}

func parseUserIDFromJWT(tokenStr string) (int, bool) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return 0, false
	}

	// jwt.MapClaims stores numbers as float64 by default
	fv, ok := claims["user_id"].(float64)
	if !ok || fv <= 0 {
		return 0, false
	}
	return int(fv), true
}

func getUserIDFromBearer(r *http.Request) (int, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return 0, false
	}
	return parseUserIDFromJWT(strings.TrimPrefix(auth, "Bearer "))
}

// getUserIDFromRequest also accepts ?token= since browsers can't set
// headers on websocket upgrades.
func getUserIDFromRequest(r *http.Request) (int, bool) {
	if id, ok := getUserIDFromBearer(r); ok {
		return id, true
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return parseUserIDFromJWT(q)
	}
	return 0, false
}

func authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := getUserIDFromBearer(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		logger := log.Ctx(ctx).With().Int("user_id", userID).Logger()
		next(w, r.WithContext(logger.WithContext(ctx)))
	}
}
