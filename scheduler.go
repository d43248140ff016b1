package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// startStreakJob schedules the nightly streak reset. Callers stop the
// returned cron when shutting down.
func startStreakJob(rep *Reputation, schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(schedule, func() { runStreakReset(rep) }); err != nil {
		return nil, fmt.Errorf("schedule streak reset %q: %w", schedule, err)
	}
	c.Start()
	log.Info().Str("schedule", schedule).Msg("streak reset scheduled")
	return c, nil
}

func runStreakReset(rep *Reputation) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := rep.ResetBrokenStreaks(ctx, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("streak reset failed")
		return
	}
	log.Info().Int64("reset", n).Msg("streak reset done")
}
