package models

import "time"

// PurgePolicy selects when a resource's transfers are hard-deleted.
type PurgePolicy string

const (
	// PurgeOnExpiry deletes transfers only when they expire.
	PurgeOnExpiry PurgePolicy = "expiry"
	// PurgeAfterConfirmation additionally deletes a transfer a grace period
	// after every recipient confirmed the download.
	PurgeAfterConfirmation PurgePolicy = "after_confirmation"
)

// Resource is the tenant-level owner of transfers.
type Resource struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	PurgePolicy PurgePolicy   `json:"purge_policy"`
	TimeToLive  time.Duration `json:"-"`
	GracePeriod time.Duration `json:"-"`
}
