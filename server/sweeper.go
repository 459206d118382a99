package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically returns stale assigned tasks to the pending queue.
// A device that claims work and goes silent is otherwise invisible: nothing
// in the protocol reports its absence, so the deadline here is the only
// recovery path for abandoned assignments.
type Sweeper struct {
	queue       *TaskQueue
	interval    time.Duration
	deadline    time.Duration
	maxAttempts int
	logger      zerolog.Logger
}

func NewSweeper(queue *TaskQueue, interval, deadline time.Duration, maxAttempts int, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		queue:       queue,
		interval:    interval,
		deadline:    deadline,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().UTC().Add(-s.deadline)
	requeued, failed, err := s.queue.RequeueStale(cutoff, s.maxAttempts)
	if err != nil {
		s.logger.Error().Err(err).Msg("stale task sweep failed")
		return
	}
	if requeued > 0 || failed > 0 {
		s.logger.Info().
			Int64("requeued", requeued).
			Int64("failed", failed).
			Msg("stale assignments swept")
	}
}
