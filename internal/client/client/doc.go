// Package client contains client-side building blocks for the transfer broker.
//
// # Overview
//
// The package provides:
//  1. A transport-agnostic API contract (see the Client interface): initialize
//     a transfer, upload and download content, confirm, cancel and query status.
//  2. A gRPC implementation (see GRPCClient) that injects the access token on
//     every unary and streaming call and maps gRPC status codes to sentinel
//     errors.
//  3. Local persistence bootstrap (InitDatabase, RunMigrations) for the CLI's
//     transfer history, an SQLite database with embedded goose migrations.
//
// # Error Handling
//
// Common conditions are exposed as sentinel errors that callers can match with
// errors.Is: ErrUnavailable, ErrUnauthorized, ErrNotFound, ErrRejected.
package client
