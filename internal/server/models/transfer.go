// Package models defines server-side data models persisted in the database.
package models

import "time"

// Property map limits.
const (
	MaxProperties       = 10
	MaxPropertyKeyLen   = 64
	MaxPropertyValueLen = 256
)

// FileTransfer is one sender-to-recipients file exchange.
type FileTransfer struct {
	ID         string
	ResourceID string
	Filename   string
	// SenderID is the internal actor ID of the sender.
	SenderID string

	// DeclaredChecksum is the MD5 the client announced at initialize, if any.
	DeclaredChecksum []byte
	// Checksum is the MD5 computed by the server while streaming the upload.
	Checksum []byte
	Size     int64

	// StorageLocator is the blob object ID; empty once purged.
	StorageLocator string

	CreatedAt time.Time
	ExpiresAt time.Time

	// Denormalized projection of the status ledger.
	Status     Status
	StatusRank int
	StatusAt   time.Time

	// PurgeHandle references the single outstanding scheduled deletion task.
	PurgeHandle string

	Properties map[string]string
}

// Recipient is the current per-actor view of a transfer recipient.
type Recipient struct {
	ActorID    string
	ExternalID string
	Status     ActorStatus
	StatusAt   time.Time
}
