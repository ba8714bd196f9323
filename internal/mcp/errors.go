package mcp

import "errors"

// Sentinel errors surfaced by the client pool layer. Callers discriminate
// with errors.Is; only ErrPoolExhausted maps to a client-visible failure
// kind, the rest are logged internally.
var (
	// ErrPoolExhausted is returned when an acquire waits past its deadline
	// without a client becoming available.
	ErrPoolExhausted = errors.New("mcp: pool exhausted")

	// ErrPoolClosed is returned by acquire on a pool that is shutting down.
	ErrPoolClosed = errors.New("mcp: pool shutting down")

	// ErrStartupTimeout wraps an initialize handshake that exceeded the
	// server's startup budget.
	ErrStartupTimeout = errors.New("mcp: startup timeout")

	// ErrNotConnected is returned when invoking a client whose transport
	// is gone.
	ErrNotConnected = errors.New("mcp: client not connected")
)
