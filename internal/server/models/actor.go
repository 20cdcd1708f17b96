package models

import "time"

// Actor is a sender or recipient party. Actors are created on first reference
// and deduplicated by ExternalID.
type Actor struct {
	ID         string
	ExternalID string
	CreatedAt  time.Time
}
