package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// Partnership states.
const (
	statusPending      = "pending"
	statusAccepted     = "accepted"
	statusDeclined     = "declined"
	statusCancelled    = "cancelled"
	statusDisconnected = "disconnected"
)

// Partnership actions
//
// request: create pending (or auto-accept if the other side already asked).
// accept: pending → accepted, addressee only.
// decline: pending → declined, addressee only.
// cancel: pending → cancelled, requester only.
// disconnect: accepted → disconnected, either party.
type partnerAction string

const (
	actionRequest    partnerAction = "request"
	actionAccept     partnerAction = "accept"
	actionDecline    partnerAction = "decline"
	actionCancel     partnerAction = "cancel"
	actionDisconnect partnerAction = "disconnect"
)

// PartnershipRow is the latest partnership between two users.
type PartnershipRow struct {
	ID          int       `db:"id"`
	RequesterID int       `db:"requester_id"`
	AddresseeID int       `db:"addressee_id"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// transition is the outcome of applying an action to the current row.
type transition struct {
	status string
	insert bool // new pending row from me
	update bool // set status on the existing row
}

// nextPartnershipState decides what action does to row, seen from me.
// A nil row means the pair has no history.
func nextPartnershipState(row *PartnershipRow, me int, action partnerAction) (transition, error) {
	var mine, theirs bool
	if row != nil {
		mine = row.RequesterID == me
		theirs = !mine
	}

	switch action {
	case actionRequest:
		if row == nil {
			return transition{status: statusPending, insert: true}, nil
		}
		switch row.Status {
		case statusPending:
			if theirs {
				return transition{status: statusAccepted, update: true}, nil
			}
			return transition{status: statusPending}, nil
		case statusAccepted:
			return transition{status: statusAccepted}, nil
		case statusDeclined:
			// They turned me down; only they can start over.
			if mine {
				return transition{}, errInvalidState
			}
			return transition{status: statusPending, insert: true}, nil
		default:
			return transition{status: statusPending, insert: true}, nil
		}

	case actionAccept:
		switch {
		case row == nil, row.Status == statusPending && mine:
			return transition{}, errNotFound
		case row.Status == statusPending:
			return transition{status: statusAccepted, update: true}, nil
		case row.Status == statusAccepted:
			return transition{status: statusAccepted}, nil
		}

	case actionDecline:
		switch {
		case row == nil, row.Status == statusPending && mine:
			return transition{}, errNotFound
		case row.Status == statusPending:
			return transition{status: statusDeclined, update: true}, nil
		case row.Status == statusDeclined && theirs:
			return transition{status: statusDeclined}, nil
		}

	case actionCancel:
		switch {
		case row == nil, row.Status == statusPending && theirs:
			return transition{}, errNotFound
		case row.Status == statusPending:
			return transition{status: statusCancelled, update: true}, nil
		case row.Status == statusCancelled && mine:
			return transition{status: statusCancelled}, nil
		}

	case actionDisconnect:
		switch {
		case row == nil:
			return transition{}, errNotFound
		case row.Status == statusAccepted:
			return transition{status: statusDisconnected, update: true}, nil
		case row.Status == statusDisconnected:
			return transition{status: statusDisconnected}, nil
		}
	}
	return transition{}, errInvalidState
}

// lockPair serializes partnership changes for the unordered pair until the
// transaction ends. Row locks alone miss pairs with no rows yet.
func lockPair(ctx context.Context, tx *sqlx.Tx, a, b int) error {
	if a > b {
		a, b = b, a
	}
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, a, b)
	return err
}

// loadPairForUpdate returns the latest partnership row between two users in
// either direction and locks it until the transaction ends. (nil, nil) when
// the pair has no history.
func loadPairForUpdate(ctx context.Context, tx *sqlx.Tx, a, b int) (*PartnershipRow, error) {
	var row PartnershipRow
	err := tx.GetContext(ctx, &row, `
		SELECT id, requester_id, addressee_id, status, created_at, updated_at
		FROM partnerships
		WHERE (requester_id = $1 AND addressee_id = $2)
		   OR (requester_id = $2 AND addressee_id = $1)
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
		FOR UPDATE
	`, a, b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

type partnershipResponse struct {
	State         string `json:"state"`
	PartnershipID *int   `json:"partnership_id,omitempty"`
}

// applyPartnerAction runs action between me and target in one transaction.
func applyPartnerAction(ctx context.Context, db *sqlx.DB, me, target int, action partnerAction) (partnershipResponse, bool, error) {
	var resp partnershipResponse
	connected := false

	err := withTx(ctx, db, func(tx *sqlx.Tx) error {
		if err := lockPair(ctx, tx, me, target); err != nil {
			return err
		}
		row, err := loadPairForUpdate(ctx, tx, me, target)
		if err != nil {
			return err
		}
		t, err := nextPartnershipState(row, me, action)
		if err != nil {
			return err
		}

		switch {
		case t.insert:
			var id int
			if err := tx.QueryRowxContext(ctx, `
				INSERT INTO partnerships (requester_id, addressee_id, status)
				VALUES ($1, $2, 'pending')
				RETURNING id
			`, me, target).Scan(&id); err != nil {
				if isUniqueViolation(err) {
					return errInvalidState
				}
				return err
			}
			resp.PartnershipID = &id
		case t.update:
			if _, err := tx.ExecContext(ctx, `
				UPDATE partnerships SET status = $2, updated_at = NOW() WHERE id = $1
			`, row.ID, t.status); err != nil {
				return err
			}
			resp.PartnershipID = &row.ID
			connected = t.status == statusAccepted
		default:
			resp.PartnershipID = &row.ID
		}
		resp.State = t.status
		return nil
	})
	return resp, connected, err
}

// POST /partners/{id}/request|accept|decline|cancel, DELETE /partners/{id}
func partnerActionHandler(db *sqlx.DB, rep *Reputation, action partnerAction) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		me := currentUserID(r)
		targetID, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		if targetID == me {
			writeError(w, http.StatusBadRequest, "invalid_target")
			return
		}

		if action == actionRequest {
			// Only users with an active listing can be asked.
			_, err := loadPartnerProfile(r.Context(), db, targetID, true)
			if errors.Is(err, errNotFound) {
				writeError(w, http.StatusNotFound, "not_found")
				return
			} else if err != nil {
				writeDBError(w, r, err, "load partner profile")
				return
			}
		}

		resp, connected, err := applyPartnerAction(r.Context(), db, me, targetID, action)
		switch {
		case errors.Is(err, errNotFound):
			writeError(w, http.StatusNotFound, "not_found")
			return
		case errors.Is(err, errInvalidState):
			writeError(w, http.StatusConflict, "invalid_state")
			return
		case err != nil:
			writeDBError(w, r, err, "partner "+string(action))
			return
		}

		log.Ctx(r.Context()).Info().Int("peer_id", targetID).Str("action", string(action)).Str("state", resp.State).Msg("partnership updated")
		if connected {
			rep.awardLogged(r.Context(), me, ActionPartnerConnected)
			rep.awardLogged(r.Context(), targetID, ActionPartnerConnected)
		}

		if action == actionDisconnect {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		status := http.StatusOK
		if resp.State == statusPending && action == actionRequest {
			status = http.StatusCreated
		}
		writeJSON(w, status, resp)
	})
}

type peerEntry struct {
	UserID int          `json:"user_id" db:"peer_id"`
	Since  time.Time    `json:"since" db:"since"`
	User   *UserSummary `json:"user" db:"-"`
}

func withPeerSummaries(ctx context.Context, db *sqlx.DB, peers []peerEntry) []peerEntry {
	ids := make([]int, len(peers))
	for i, p := range peers {
		ids[i] = p.UserID
	}
	summaries := loadSummaries(ctx, db, ids)
	for i := range peers {
		peers[i].User = summaries[peers[i].UserID]
	}
	return nonNil(peers)
}

// GET /partners
func partnersListHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)

		var peers []peerEntry
		err := db.SelectContext(r.Context(), &peers, `
			SELECT CASE WHEN requester_id = $1 THEN addressee_id ELSE requester_id END AS peer_id,
			       updated_at AS since
			FROM partnerships
			WHERE (requester_id = $1 OR addressee_id = $1) AND status = 'accepted'
			ORDER BY updated_at DESC, id DESC
		`, userID)
		if err != nil {
			writeDBError(w, r, err, "list partners")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"partners": withPeerSummaries(r.Context(), db, peers)})
	})
}

// GET /partners/requests lists incoming pending requests.
func partnerRequestsHandler(db *sqlx.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := currentUserID(r)

		var peers []peerEntry
		err := db.SelectContext(r.Context(), &peers, `
			SELECT requester_id AS peer_id, created_at AS since
			FROM partnerships
			WHERE addressee_id = $1 AND status = 'pending'
			ORDER BY created_at DESC, id DESC
		`, userID)
		if err != nil {
			writeDBError(w, r, err, "list partner requests")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"requests": withPeerSummaries(r.Context(), db, peers)})
	})
}
