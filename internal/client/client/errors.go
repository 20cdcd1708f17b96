package client

import "errors"

var (
	ErrUnavailable  = errors.New("server unavailable")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("transfer not found")
	// ErrRejected covers requests the broker refused for their content or
	// for the transfer's current state.
	ErrRejected = errors.New("request rejected")
)
