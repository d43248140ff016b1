package main

import (
	"context"
	"fmt"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// DataLoaderContextKey is the key used to store dataloaders in context
type DataLoaderContextKey string

const dataLoaderKey DataLoaderContextKey = "dataloader"

// DataLoaders holds the per-request loaders.
type DataLoaders struct {
	UserLoader *dataloader.Loader[int, *UserSummary]
}

func NewDataLoaders(db *sqlx.DB) *DataLoaders {
	return &DataLoaders{
		UserLoader: dataloader.NewBatchedLoader(
			userSummaryBatchFn(db),
			dataloader.WithWait[int, *UserSummary](16*time.Millisecond),
		),
	}
}

// GetDataLoadersFromContext retrieves dataloaders from context
func GetDataLoadersFromContext(ctx context.Context) *DataLoaders {
	if dl, ok := ctx.Value(dataLoaderKey).(*DataLoaders); ok {
		return dl
	}
	return nil
}

// WithDataLoaders adds dataloaders to context
func WithDataLoaders(ctx context.Context, dl *DataLoaders) context.Context {
	return context.WithValue(ctx, dataLoaderKey, dl)
}

const userSummaryQuery = `
	SELECT u.id,
	       COALESCE(NULLIF(p.display_name, ''), 'User ' || u.id::text) AS display_name,
	       COALESCE(p.avatar_url, '') AS avatar_url,
	       COALESCE(r.points, 0) AS reputation
	FROM users u
	LEFT JOIN profiles p   ON p.user_id = u.id
	LEFT JOIN reputation r ON r.user_id = u.id
	WHERE u.id = ANY($1)`

// userSummaryBatchFn loads all requested summaries with one query. Unknown
// ids resolve to nil without an error.
func userSummaryBatchFn(db *sqlx.DB) dataloader.BatchFunc[int, *UserSummary] {
	return func(ctx context.Context, keys []int) []*dataloader.Result[*UserSummary] {
		results := make([]*dataloader.Result[*UserSummary], len(keys))
		for i := range keys {
			results[i] = &dataloader.Result[*UserSummary]{}
		}
		if len(keys) == 0 {
			return results
		}

		var rows []UserSummary
		if err := db.SelectContext(ctx, &rows, userSummaryQuery, int64s(keys)); err != nil {
			for i := range results {
				results[i].Error = err
			}
			return results
		}

		byID := make(map[int]*UserSummary, len(rows))
		for i := range rows {
			byID[rows[i].ID] = &rows[i]
		}
		for i, key := range keys {
			results[i].Data = byID[key]
		}
		return results
	}
}

// loadSummaries resolves ids through the request's loader, or a fresh one
// outside of HTTP requests. Failures are logged and unresolved ids get a
// placeholder so responses keep their shape.
func loadSummaries(ctx context.Context, db *sqlx.DB, ids []int) map[int]*UserSummary {
	out := make(map[int]*UserSummary, len(ids))
	if len(ids) == 0 {
		return out
	}

	loaders := GetDataLoadersFromContext(ctx)
	if loaders == nil {
		loaders = NewDataLoaders(db)
	}

	unique := make([]int, 0, len(ids))
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	values, errs := loaders.UserLoader.LoadMany(ctx, unique)()
	for _, err := range errs {
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("load user summaries")
			break
		}
	}
	for i, id := range unique {
		if i < len(values) && values[i] != nil {
			out[id] = values[i]
			continue
		}
		out[id] = &UserSummary{ID: id, DisplayName: fmt.Sprintf("User %d", id)}
	}
	return out
}
