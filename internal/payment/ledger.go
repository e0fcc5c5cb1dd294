package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrEventInFlight = errors.New("webhook event is already being processed")

// DefaultClaimLease is how long a claim blocks redeliveries of the same event.
// A claim older than this is treated as abandoned and may be taken over.
const DefaultClaimLease = 2 * time.Minute

type ClaimResult int

const (
	ClaimAcquired ClaimResult = iota
	ClaimDuplicate
)

// EventLedger records processed provider event ids in Postgres.
type EventLedger struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

func NewEventLedger(db *sql.DB, lease time.Duration) *EventLedger {
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	return &EventLedger{
		db:    db,
		lease: lease,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Claim takes ownership of an event id. It returns ClaimDuplicate when the
// event was already processed and ErrEventInFlight while another delivery
// holds a live claim.
func (l *EventLedger) Claim(ctx context.Context, eventID, eventType string) (ClaimResult, error) {
	now := l.now()

	var claimed string
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, status, claimed_at)
		VALUES ($1, $2, 'processing', $3)
		ON CONFLICT (event_id) DO UPDATE SET claimed_at = EXCLUDED.claimed_at
		WHERE processed_events.status = 'processing' AND processed_events.claimed_at < $4
		RETURNING event_id
	`, eventID, eventType, now, now.Add(-l.lease)).Scan(&claimed)
	if err == nil {
		return ClaimAcquired, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("claim event %s: %w", eventID, err)
	}

	var status string
	err = l.db.QueryRowContext(ctx, `SELECT status FROM processed_events WHERE event_id = $1`, eventID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// released between the two statements
			return 0, ErrEventInFlight
		}
		return 0, fmt.Errorf("read event %s: %w", eventID, err)
	}
	if status == "done" {
		return ClaimDuplicate, nil
	}
	return 0, ErrEventInFlight
}

// Release drops an unfinished claim so the provider's redelivery can retry.
func (l *EventLedger) Release(ctx context.Context, eventID string) error {
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM processed_events WHERE event_id = $1 AND status = 'processing'
	`, eventID)
	if err != nil {
		return fmt.Errorf("release event %s: %w", eventID, err)
	}
	return nil
}

func (l *EventLedger) MarkDone(ctx context.Context, eventID string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE processed_events SET status = 'done', processed_at = $2
		WHERE event_id = $1
	`, eventID, l.now())
	if err != nil {
		return fmt.Errorf("mark event %s done: %w", eventID, err)
	}
	return nil
}
