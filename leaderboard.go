package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const reputationBoardKey = "leaderboard:reputation"

func competitionBoardKey(id int) string {
	return "leaderboard:competition:" + strconv.Itoa(id)
}

// A board is only read from Redis while its warm marker exists. The marker
// is set by Rebuild and expires, so a board missing writes is rebuilt from
// Postgres at least every warmTTL.
const warmTTL = 10 * time.Minute

func warmKey(key string) string {
	return key + ":warm"
}

var (
	errLeaderboardDisabled = errors.New("leaderboard cache disabled")
	errBoardCold           = errors.New("leaderboard cache not warm")
)

// RankEntry is one row of a ranking.
type RankEntry struct {
	Rank   int          `json:"rank" db:"-"`
	UserID int          `json:"user_id" db:"user_id"`
	Score  int          `json:"score" db:"score"`
	User   *UserSummary `json:"user,omitempty" db:"-"`
}

// Leaderboard mirrors rankings into Redis sorted sets. Postgres stays the
// source of truth; callers fall back to SQL whenever a call here fails.
type Leaderboard struct {
	rdb *redis.Client
	cb  *gobreaker.CircuitBreaker

	mu    sync.Mutex
	stale map[string]bool
}

// NewLeaderboard accepts a nil client, which disables the cache.
func NewLeaderboard(rdb *redis.Client) *Leaderboard {
	return &Leaderboard{
		rdb:   rdb,
		stale: make(map[string]bool),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "redis-leaderboard",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state change")
			},
		}),
	}
}

func (l *Leaderboard) Enabled() bool {
	return l != nil && l.rdb != nil
}

func (l *Leaderboard) execute(fn func() (interface{}, error)) (interface{}, error) {
	if !l.Enabled() {
		return nil, errLeaderboardDisabled
	}
	return l.cb.Execute(fn)
}

// markStale forces the next read of key to rebuild it, after a write that
// may not have reached Redis.
func (l *Leaderboard) markStale(key string, err error) {
	if err == nil || errors.Is(err, errLeaderboardDisabled) {
		return
	}
	l.mu.Lock()
	l.stale[key] = true
	l.mu.Unlock()
}

func (l *Leaderboard) isStale(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stale[key]
}

func (l *Leaderboard) Incr(ctx context.Context, key string, userID, delta int) error {
	_, err := l.execute(func() (interface{}, error) {
		return nil, l.rdb.ZIncrBy(ctx, key, float64(delta), strconv.Itoa(userID)).Err()
	})
	l.markStale(key, err)
	return err
}

func (l *Leaderboard) Set(ctx context.Context, key string, userID, score int) error {
	_, err := l.execute(func() (interface{}, error) {
		return nil, l.rdb.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: strconv.Itoa(userID)}).Err()
	})
	l.markStale(key, err)
	return err
}

// Top returns the n best entries, ranked from 1. It fails with errBoardCold
// when the board has not been rebuilt from Postgres yet.
func (l *Leaderboard) Top(ctx context.Context, key string, n int) ([]RankEntry, error) {
	if l.Enabled() && l.isStale(key) {
		return nil, errBoardCold
	}
	res, err := l.execute(func() (interface{}, error) {
		warm, err := l.rdb.Exists(ctx, warmKey(key)).Result()
		if err != nil {
			return nil, err
		}
		if warm == 0 {
			return nil, nil
		}
		return l.rdb.ZRevRangeWithScores(ctx, key, 0, int64(n-1)).Result()
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errBoardCold
	}
	zs := res.([]redis.Z)
	out := make([]RankEntry, 0, len(zs))
	for i, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected member type %T", z.Member)
		}
		id, err := strconv.Atoi(member)
		if err != nil {
			return nil, fmt.Errorf("parse member %q: %w", member, err)
		}
		out = append(out, RankEntry{Rank: i + 1, UserID: id, Score: int(z.Score)})
	}
	return out, nil
}

// Rebuild replaces the board with the full ranking read from Postgres and
// marks it warm.
func (l *Leaderboard) Rebuild(ctx context.Context, key string, rows []RankEntry) error {
	zs := make([]redis.Z, len(rows))
	for i, r := range rows {
		zs[i] = redis.Z{Score: float64(r.Score), Member: strconv.Itoa(r.UserID)}
	}
	_, err := l.execute(func() (interface{}, error) {
		return l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(zs) > 0 {
				pipe.ZAdd(ctx, key, zs...)
			}
			pipe.Set(ctx, warmKey(key), "1", warmTTL)
			return nil
		})
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.stale, key)
	l.mu.Unlock()
	return nil
}

// Clear drops every board and warm marker, so each board is rebuilt from
// Postgres on its next read.
func (l *Leaderboard) Clear(ctx context.Context) error {
	_, err := l.execute(func() (interface{}, error) {
		var keys []string
		iter := l.rdb.Scan(ctx, 0, "leaderboard:*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, nil
		}
		return nil, l.rdb.Del(ctx, keys...).Err()
	})
	return err
}

// openRedis returns nil when no URL is configured.
func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis_url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// Keep the client; the breaker covers Redis coming up later.
		log.Warn().Err(err).Msg("redis unreachable, leaderboards will use postgres")
	}
	return rdb, nil
}

func rankRows(rows []RankEntry) []RankEntry {
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows
}

// sqlLimit turns n <= 0 into LIMIT NULL, which Postgres reads as no limit.
func sqlLimit(n int) interface{} {
	if n <= 0 {
		return nil
	}
	return n
}

// cachedRanking serves key from Redis when the board is warm. Otherwise it
// reads Postgres through load; a cold board is reloaded in full and rebuilt.
func cachedRanking(ctx context.Context, board *Leaderboard, key string, limit int, load func(limit int) ([]RankEntry, error)) ([]RankEntry, error) {
	entries, err := board.Top(ctx, key, limit)
	if err == nil {
		return entries, nil
	}
	cold := errors.Is(err, errBoardCold)
	if !cold && !errors.Is(err, errLeaderboardDisabled) {
		log.Ctx(ctx).Warn().Err(err).Str("board", key).Msg("leaderboard from cache failed")
	}

	if !cold {
		rows, err := load(limit)
		if err != nil {
			return nil, err
		}
		return rankRows(rows), nil
	}

	rows, err := load(0)
	if err != nil {
		return nil, err
	}
	if err := board.Rebuild(ctx, key, rows); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("board", key).Msg("leaderboard rebuild failed")
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rankRows(rows), nil
}

func reputationRanking(ctx context.Context, db *sqlx.DB, limit int) ([]RankEntry, error) {
	var rows []RankEntry
	err := db.SelectContext(ctx, &rows, `
		SELECT user_id, points AS score
		FROM reputation
		WHERE points > 0
		ORDER BY points DESC, user_id ASC
		LIMIT $1
	`, sqlLimit(limit))
	return rows, err
}

func topReputation(ctx context.Context, db *sqlx.DB, board *Leaderboard, limit int) ([]RankEntry, error) {
	return cachedRanking(ctx, board, reputationBoardKey, limit, func(n int) ([]RankEntry, error) {
		return reputationRanking(ctx, db, n)
	})
}

// warmLeaderboards drops boards left from earlier runs and rebuilds the
// reputation board. Competition boards rebuild on first read.
func warmLeaderboards(ctx context.Context, db *sqlx.DB, board *Leaderboard) error {
	if !board.Enabled() {
		return nil
	}
	if err := board.Clear(ctx); err != nil {
		return fmt.Errorf("clear leaderboards: %w", err)
	}
	rows, err := reputationRanking(ctx, db, 0)
	if err != nil {
		return fmt.Errorf("load reputation ranking: %w", err)
	}
	if err := board.Rebuild(ctx, reputationBoardKey, rows); err != nil {
		return fmt.Errorf("rebuild reputation board: %w", err)
	}
	log.Info().Int("entries", len(rows)).Msg("reputation leaderboard warmed")
	return nil
}

func withSummaries(ctx context.Context, db *sqlx.DB, entries []RankEntry) []RankEntry {
	ids := make([]int, len(entries))
	for i, e := range entries {
		ids[i] = e.UserID
	}
	summaries := loadSummaries(ctx, db, ids)
	for i := range entries {
		entries[i].User = summaries[entries[i].UserID]
	}
	return nonNil(entries)
}

// GET /leaderboard?limit=
func leaderboardHandler(db *sqlx.DB, board *Leaderboard) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", 20, 1, 100)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		entries, err := topReputation(r.Context(), db, board, limit)
		if err != nil {
			writeDBError(w, r, err, "reputation leaderboard")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"entries": withSummaries(r.Context(), db, entries),
		})
	})
}
