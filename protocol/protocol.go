// Package protocol holds the per-connection request handlers. A handler is
// chosen once when the connection is accepted and owns framing for its wire
// variant: it consumes complete requests out of the inbound buffer, appends
// responses to the outgoing chain, and tells the connection how to proceed
// through a Disposition.
package protocol

import "kvpoll/internal/iobuf"

// ServerVersion is reported by the version commands.
const ServerVersion = "0.1.0"

// Disposition is the outcome of one Process call.
type Disposition int8

const (
	// Malformed input; an error response is already queued and the bytes
	// consumed, the connection should flush and keep parsing.
	Malformed Disposition = iota
	// Partial request; more bytes are needed before anything can execute.
	Partial
	// Quit closes this connection.
	Quit
	// Shutdown stops the whole server.
	Shutdown
	// Async means the request was handed to the storage executor; exactly
	// one completion will be delivered to the connection later.
	Async
	// Executed ran synchronously with nothing to flush yet.
	Executed
	// SendNow ran synchronously and queued a response that should go out.
	SendNow
)

// Conn is the narrow view of a connection a handler may act on.
type Conn interface {
	// Cork defers flushing of queued responses.
	Cork()
	// Uncork re-enables flushing; if responses queued up while corked they
	// go out immediately.
	Uncork()
	// Complete schedules apply to run on the connection's event loop,
	// appending the response of a finished asynchronous operation, and then
	// delivers the request-complete event. A handler returning Async must
	// guarantee exactly one Complete call for that dispatch.
	Complete(apply func(out *iobuf.Chain))
}

// Handler parses and executes requests for one wire variant.
type Handler interface {
	// Process consumes at most one complete request from in. It is invoked
	// repeatedly while buffered bytes remain, so pipelined requests are
	// drained without extra events.
	Process(c Conn, in *iobuf.Inbound, out *iobuf.Chain) Disposition
}
