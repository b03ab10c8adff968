// Package expiry runs the validity sweep: active prescriptions whose
// valid_until has passed are flipped to expired on a ticker.
package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/telemedcore/encounter/libs/clockx"
)

type Sweeper interface {
	SweepExpirations(ctx context.Context, asOf time.Time) ([]string, error)
}

type Worker struct {
	sweeper  Sweeper
	clock    clockx.Clock
	logger   *slog.Logger
	interval time.Duration
}

func NewWorker(sweeper Sweeper, clock clockx.Clock, logger *slog.Logger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Worker{sweeper: sweeper, clock: clock, logger: logger, interval: interval}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.sweeper.SweepExpirations(ctx, w.clock.Now()); err != nil {
				w.logger.Error("expiry sweep failed", "err", err)
			}
		}
	}
}
