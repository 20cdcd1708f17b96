// Package models defines client-side data models used by the broker CLI.
package models

import "time"

// Transfer is the client's view of a transfer as reported by the broker.
type Transfer struct {
	ID         string
	ResourceID string
	Filename   string
	Status     string
	StatusAt   time.Time
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Size       int64
	// Checksum is the hex MD5 of the content once uploaded.
	Checksum   string
	Properties map[string]string
}

// StatusEvent is one entry of a transfer's status history.
type StatusEvent struct {
	Status string
	At     time.Time
	Detail string
}

// RecipientStatus is the current status of one recipient.
type RecipientStatus struct {
	Actor    string
	Status   string
	StatusAt time.Time
}

// TransferStatus is the full answer to a status query.
type TransferStatus struct {
	Transfer
	History    []StatusEvent
	Recipients []RecipientStatus
}

// Confirmation is the broker's answer to a download confirmation.
type Confirmation struct {
	TransferID   string
	Actor        string
	ConfirmedAt  time.Time
	AllConfirmed bool
}

// NewTransfer describes a transfer to initialize.
type NewTransfer struct {
	ResourceID string
	Filename   string
	Recipients []string
	// DeclaredChecksum is the raw MD5 the sender expects; optional.
	DeclaredChecksum []byte
	Properties       map[string]string
}

// Role of the local user in a transfer.
type Role string

const (
	RoleSender    Role = "sender"
	RoleRecipient Role = "recipient"
)

// HistoryEntry is a locally remembered transfer.
type HistoryEntry struct {
	TransferID string
	Role       Role
	Filename   string
	LocalPath  string
	Status     string
	UpdatedAt  time.Time
}
