package errors

import "errors"

var (
	// ErrUnexpectedEvent occurs when an event arrives that the connection
	// state machine cannot accept in its current state.
	ErrUnexpectedEvent = errors.New("unexpected event for connection state")
	// ErrUnknownDisposition occurs when a protocol handler returns a
	// disposition outside the defined set.
	ErrUnknownDisposition = errors.New("unknown handler disposition")
	// ErrEngineClosed occurs when dispatching to a storage engine that has
	// already been shut down.
	ErrEngineClosed = errors.New("storage engine is closed")
	// ErrServerInShutdown occurs when attempting to stop a server that is
	// already shutting down.
	ErrServerInShutdown = errors.New("server is already in shutdown")
	// ErrInvalidProtoAddr occurs when the proto address cannot be parsed.
	ErrInvalidProtoAddr = errors.New("invalid proto address")
	// ErrServerNotRunning occurs when stopping an address nothing is
	// serving on.
	ErrServerNotRunning = errors.New("no server is running on this address")
)
