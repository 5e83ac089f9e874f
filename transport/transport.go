// Package transport provides MCP transport layer implementations for the
// router's downstream-facing surface.
//
// This package defines the Transport interface and the streamable
// HTTP+SSE implementation the router uses to speak MCP 2025-03-26 with
// downstream clients over a single /mcp endpoint.
package transport

import (
	"context"

	"github.com/2b3pro/watson-mcp-router/server"
)

// Transport defines the interface for MCP transport mechanisms.
//
// Transport implementations handle the low-level communication details
// while delegating MCP protocol logic to the server. Each transport
// is responsible for message framing, encoding/decoding, and error handling.
type Transport interface {
	// Start begins listening for requests on this transport.
	// It blocks until the context is cancelled or an error occurs.
	Start(ctx context.Context, server *server.Server) error

	// Stop gracefully shuts down the transport.
	// It should stop accepting new connections and wait for existing
	// requests to complete before returning.
	Stop() error
}
