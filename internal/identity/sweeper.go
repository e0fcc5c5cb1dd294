package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/joao-fontenele/nfthub/internal/clock"
)

const DefaultSweepInterval = time.Hour

type SubscriptionExpirer interface {
	ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically deactivates subscriptions that have run out.
type Sweeper struct {
	store    SubscriptionExpirer
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(store SubscriptionExpirer, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		clock:    clk,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) int64 {
	n, err := s.store.ExpireSubscriptions(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("failed to expire subscriptions", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("expired subscriptions deactivated", "count", n)
	}
	return n
}
