package models

import "time"

// Status is the lifecycle state of a file transfer.
type Status string

const (
	StatusInitialized            Status = "Initialized"
	StatusUploadStarted          Status = "UploadStarted"
	StatusUploadProcessing       Status = "UploadProcessing"
	StatusPublished              Status = "Published"
	StatusAllConfirmedDownloaded Status = "AllConfirmedDownloaded"
	StatusCancelled              Status = "Cancelled"
	StatusFailed                 Status = "Failed"
	StatusPurged                 Status = "Purged"
	StatusDeleted                Status = "Deleted"
)

// statusRanks breaks ties between events carrying the same timestamp.
// Later lifecycle stages rank higher.
var statusRanks = map[Status]int{
	StatusInitialized:            10,
	StatusUploadStarted:          20,
	StatusUploadProcessing:       30,
	StatusPublished:              40,
	StatusAllConfirmedDownloaded: 50,
	StatusCancelled:              60,
	StatusFailed:                 70,
	StatusPurged:                 80,
	StatusDeleted:                90,
}

// Rank returns the tie-break rank of s, or 0 for unknown values.
func (s Status) Rank() int {
	return statusRanks[s]
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRanks[s]
	return ok
}

// Purged reports whether s is one of the two deletion terminals.
func (s Status) Purged() bool {
	return s == StatusPurged || s == StatusDeleted
}

// Terminal reports whether no further lifecycle transition other than a hard
// delete is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusFailed, StatusPurged, StatusDeleted:
		return true
	}
	return false
}

// transitions is the lifecycle matrix: key is the current status, value the
// set of allowed targets. Deleted is reachable from anything not yet purged
// and is checked separately.
var transitions = map[Status]map[Status]bool{
	StatusInitialized: {
		StatusUploadStarted: true,
		StatusCancelled:     true,
	},
	StatusUploadStarted: {
		StatusUploadProcessing: true,
		StatusCancelled:        true,
	},
	StatusUploadProcessing: {
		StatusPublished: true,
		StatusFailed:    true,
	},
	StatusPublished: {
		StatusAllConfirmedDownloaded: true,
		StatusFailed:                 true,
	},
	StatusAllConfirmedDownloaded: {
		StatusPurged: true,
	},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to Status) bool {
	if to == StatusDeleted {
		return !from.Purged()
	}
	return transitions[from][to]
}

// ActorStatus is the per-recipient interaction state on a transfer.
type ActorStatus string

const (
	ActorStatusDownloadStarted   ActorStatus = "DownloadStarted"
	ActorStatusDownloadConfirmed ActorStatus = "DownloadConfirmed"
)

var actorStatusRanks = map[ActorStatus]int{
	ActorStatusDownloadStarted:   10,
	ActorStatusDownloadConfirmed: 20,
}

// Rank returns the tie-break rank of s, or 0 for unknown values.
func (s ActorStatus) Rank() int {
	return actorStatusRanks[s]
}

// After reports whether the point (at, rank) orders strictly after (otherAt, otherRank).
// It is the ordering used by every "current status" projection.
func After(at time.Time, rank int, otherAt time.Time, otherRank int) bool {
	if at.Equal(otherAt) {
		return rank > otherRank
	}
	return at.After(otherAt)
}
