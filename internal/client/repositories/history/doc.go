// Package history persists the CLI's local record of transfers it sent or
// received, so that `history` can list them without a round trip.
//
// A SQLite implementation (SQLiteRepository) works over a dbx.DBTX, either
// *sql.DB or *sql.Tx. Timestamps are stored as Unix nanoseconds.
package history
