package models

import "time"

// FileTransferStatusEvent is an append-only ledger entry for a transfer.
type FileTransferStatusEvent struct {
	ID         int64
	TransferID string
	Status     Status
	At         time.Time
	Detail     string
}

// ActorStatusEvent is an append-only ledger entry for one actor on a transfer.
type ActorStatusEvent struct {
	ID         int64
	TransferID string
	ActorID    string
	Status     ActorStatus
	At         time.Time
}

// ActorStatusProjection is the current status of one (transfer, actor) pair.
type ActorStatusProjection struct {
	TransferID string
	ActorID    string
	Status     ActorStatus
	StatusRank int
	StatusAt   time.Time
}

// IdempotencyRecord marks an operation key as already executed.
type IdempotencyRecord struct {
	Key       string
	CreatedAt time.Time
}
