package domain

import "time"

const SubscriptionPeriod = 30 * 24 * time.Hour

type Subscription struct {
	UserID     string     `json:"user_id"`
	Active     bool       `json:"active"`
	Expiration *time.Time `json:"expiration"`
}

// NextExpiration extends from the later of now and the current expiration, so a
// renewal never shortens time already paid for.
func NextExpiration(now time.Time, current *time.Time) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.Add(SubscriptionPeriod)
}
