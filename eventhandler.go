package kvpoll

import (
	"net"
	"time"

	"kvpoll/internal/stats"
	"kvpoll/store"
)

// Action is the instruction a callback or state machine hands back to the
// event-loop after processing an event.
type Action int

const (
	// None keeps the connection as it is.
	None Action = iota

	// Close closes the connection.
	Close

	// Shutdown shuts the whole server down.
	Shutdown
)

// Server exposes a running server to the event handler's callbacks.
type Server struct {
	svr *server

	// Multicore reports whether the server runs one event-loop per CPU.
	Multicore bool

	// Addr is the listen address.
	Addr net.Addr

	// NumEventLoop is the number of event-loops.
	NumEventLoop int

	// ReusePort reports whether SO_REUSEPORT listeners are in use.
	ReusePort bool

	// TCPKeepAlive is the keep-alive period on accepted sockets.
	TCPKeepAlive time.Duration
}

// CountConnections counts the live connections across all event-loops.
func (s Server) CountConnections() (count int) {
	s.svr.lb.iterate(func(i int, el *eventloop) bool {
		count += int(el.loadConnCount())
		return true
	})
	return
}

// Store returns the storage engine the server is serving.
func (s Server) Store() *store.Engine {
	return s.svr.engine
}

// Stats returns the server's I/O and connection counters.
func (s Server) Stats() *stats.ServerStats {
	return &s.svr.stats
}

// Conn is the read-only view of a connection given to event callbacks.
type Conn interface {
	// LocalAddr is the local socket address.
	LocalAddr() net.Addr

	// RemoteAddr is the peer's socket address.
	RemoteAddr() net.Addr
}

// EventHandler receives server and connection lifecycle events. All
// per-connection callbacks run on the connection's event-loop goroutine.
type EventHandler interface {
	// OnInitComplete fires when the server is ready to accept connections.
	OnInitComplete(server Server) (action Action)

	// OnShutdown fires once, just before the server exits.
	OnShutdown(server Server)

	// OnOpened fires when a new connection has been accepted.
	OnOpened(c Conn) (action Action)

	// OnClosed fires when a connection has been closed. err is the reason,
	// nil for an orderly close.
	OnClosed(c Conn, err error) (action Action)

	// Tick fires periodically when the Ticker option is on; delay is the
	// time until the next tick.
	Tick() (delay time.Duration, action Action)
}

// EventServer is a no-op EventHandler for embedding, so handlers implement
// only the callbacks they care about.
type EventServer struct{}

// OnInitComplete fires when the server is ready to accept connections.
func (es *EventServer) OnInitComplete(srv Server) (action Action) {
	return
}

// OnShutdown fires once, just before the server exits.
func (es *EventServer) OnShutdown(srv Server) {
}

// OnOpened fires when a new connection has been accepted.
func (es *EventServer) OnOpened(c Conn) (action Action) {
	return
}

// OnClosed fires when a connection has been closed.
func (es *EventServer) OnClosed(c Conn, err error) (action Action) {
	return
}

// Tick fires periodically when the Ticker option is on.
func (es *EventServer) Tick() (delay time.Duration, action Action) {
	return
}
