// Package jobs runs periodic housekeeping on a cron schedule.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/ratelimit"
)

const sweepTimeout = time.Minute

// Sweeper is the part of the limiter the ledger job drives.
type Sweeper interface {
	Sweep(ctx context.Context, p ratelimit.Purpose, olderThan time.Duration) (int, error)
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler returns a scheduler whose jobs recover from panics.
func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithChain(cron.Recover(cronLogger{})))}
}

// AddLedgerSweep registers the limiter ledger sweep on schedule, e.g.
// "@every 1h".
func (s *Scheduler) AddLedgerSweep(schedule string, limiter Sweeper, retention time.Duration) error {
	_, err := s.cron.AddFunc(schedule, func() {
		SweepLedgers(context.Background(), limiter, retention)
	})
	if err != nil {
		return err
	}
	log.Info().Str("component", "jobs").Str("schedule", schedule).Msg("scheduled ledger sweep")
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler.  The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// SweepLedgers drops stale ledgers of every limiter purpose and returns the
// number removed.  A failing purpose is logged and skipped.
func SweepLedgers(ctx context.Context, limiter Sweeper, retention time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	total := 0
	for _, p := range ratelimit.Purposes {
		n, err := limiter.Sweep(ctx, p, retention)
		if err != nil {
			log.Warn().Err(err).Str("component", "jobs").Str("purpose", p.Name).Msg("ledger sweep failed")
			continue
		}
		total += n
	}
	if total > 0 {
		log.Info().Str("component", "jobs").Int("removed", total).Msg("ledger sweep")
	}
	return total
}

// cronLogger routes cron's own messages to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Str("component", "cron").Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Str("component", "cron").Fields(keysAndValues).Msg(msg)
}
