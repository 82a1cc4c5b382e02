package multiplex

import "context"

// Transport is the abstract bidirectional sink/source of opaque byte
// messages that a Connection runs over. Each message carries exactly one
// frame; the transport is responsible for preserving message boundaries
// (unlike a raw byte stream, which would need its own length-prefixing).
// Implementations are typically backed by a WebSocket connection (see
// pkg/multiplex/wstransport) or, for tests, an in-memory pair (see
// pkg/multiplex/memtransport).
//
// Send and Receive are called from different goroutines (the connection's
// writer and reader, respectively) and are never called concurrently with
// themselves. Close may be called concurrently with either.
type Transport interface {
	// Send transmits one message. It must treat the provided slice as
	// borrowed only for the duration of the call.
	Send(ctx context.Context, message []byte) error
	// Receive returns the next inbound message, or an error if the
	// transport has failed or reached end-of-stream. The returned slice is
	// owned by the caller.
	Receive(ctx context.Context) ([]byte, error)
	// Close shuts down the transport. It unblocks any in-progress Send or
	// Receive call.
	Close() error
}
