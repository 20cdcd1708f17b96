// Package config loads runtime configuration for the broker CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. The BROKER_ACCESS_TOKEN environment variable.
//  3. Optional JSON file selected with -c or -config.
//  4. Global command-line flags, which override earlier values.
//
// Supported flags
//
//	-a string   address:port of the broker gRPC endpoint
//	-t string   access token (JWT)
//	-db string  path of the local history database
//	-timeout duration   deadline of unary calls, e.g. "10s"
//
// # JSON schema
//
//	{
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "access_token": "eyJ...",
//	  "history_db": "transfers.db",
//	  "request_timeout": "15s"
//	}
package config
