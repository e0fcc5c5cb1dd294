package domain

import "time"

type Asset struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatorID    string    `json:"creator_id"`
	Price        int64     `json:"price"`
	EditionLimit int       `json:"edition_limit"`
	SoldCount    int       `json:"sold_count"`
	SoldOut      bool      `json:"is_sold_out"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NextSold applies delta to the current sold count without going below zero.
func NextSold(current, delta int) int {
	next := current + delta
	if next < 0 {
		return 0
	}
	return next
}

// SoldOut is true only for limited editions whose sold count reached the limit.
func SoldOut(limit, sold int) bool {
	return limit > 0 && sold >= limit
}

// ExceedsLimit reports whether an increment would push sold past a positive limit.
func ExceedsLimit(limit, current, delta int) bool {
	return delta > 0 && limit > 0 && current+delta > limit
}
