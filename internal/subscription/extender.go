package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joao-fontenele/nfthub/internal/clock"
	"github.com/joao-fontenele/nfthub/internal/domain"
)

const DefaultTimeout = 5 * time.Second

type Store interface {
	GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error)
	UpdateSubscription(ctx context.Context, userID string, active bool, expiration time.Time) error
}

// Extender renews a user's subscription by one period.
type Extender struct {
	store   Store
	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger
}

func NewExtender(store Store, clk clock.Clock, timeout time.Duration, logger *slog.Logger) *Extender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Extender{
		store:   store,
		clock:   clk,
		timeout: timeout,
		logger:  logger,
	}
}

// Extend activates the subscription and pushes its expiration one period past
// the later of now and the current expiration. It returns the new expiration.
func (e *Extender) Extend(ctx context.Context, userID string) (time.Time, error) {
	if userID == "" {
		return time.Time{}, errors.New("extend subscription: missing user id")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	current, err := e.store.GetSubscription(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("extend subscription: %w", err)
	}

	var currentExpiration *time.Time
	if current != nil {
		currentExpiration = current.Expiration
	}

	next := domain.NextExpiration(e.clock.Now(), currentExpiration)
	if err := e.store.UpdateSubscription(ctx, userID, true, next); err != nil {
		return time.Time{}, fmt.Errorf("extend subscription: %w", err)
	}

	e.logger.Info("subscription extended", "user_id", userID, "expiration", next)
	return next, nil
}
