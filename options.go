package kvpoll

import (
	"time"

	"kvpoll/store"
)

// Option is a function that sets up one option of the server.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	return opts
}

// LoadBalancing decides how new connections are spread over event-loops.
type LoadBalancing int

const (
	// RoundRobin assigns connections to event-loops in turn.
	RoundRobin LoadBalancing = iota

	// LeastConnections picks the event-loop currently holding the fewest
	// active connections.
	LeastConnections

	// SourceAddrHash pins each remote address to one event-loop.
	SourceAddrHash
)

// Protocol selects the wire protocol handler spoken on accepted connections.
type Protocol int

const (
	// TextProtocol is the line-oriented text protocol. The default.
	TextProtocol Protocol = iota

	// BinaryProtocol is the fixed-header binary protocol.
	BinaryProtocol

	// HTTPProtocol exposes the store and its counters over plain HTTP.
	HTTPProtocol
)

// Options are the settable knobs of a server.
type Options struct {
	// Multicore sizes the event-loop pool to runtime.NumCPU().
	Multicore bool

	// NumEventLoop sets the exact number of event-loops; it overrides
	// Multicore when both are given.
	NumEventLoop int

	// LB is the load-balancing algorithm for assigning connections.
	LB LoadBalancing

	// ReusePort binds every event-loop to its own SO_REUSEPORT listener.
	ReusePort bool

	// Ticker enables the periodic Tick callback on the event handler.
	Ticker bool

	// TCPKeepAlive sets the keep-alive period on accepted sockets.
	TCPKeepAlive time.Duration

	// LockOSThread pins each event-loop goroutine to an OS thread.
	LockOSThread bool

	// Protocol chooses the wire protocol. Defaults to TextProtocol.
	Protocol Protocol

	// Engine supplies an externally owned storage engine. When nil the
	// server builds its own from StoreShards/StoreWorkers and closes it
	// on shutdown.
	Engine *store.Engine

	// StoreShards is the shard count for the built-in engine; rounded up
	// to a power of two. Zero means the engine's default.
	StoreShards int

	// StoreWorkers sizes the engine's worker pool. Zero means the
	// engine's default; negative runs operations inline.
	StoreWorkers int
}

// WithOptions sets up all options at once.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithMulticore enables one event-loop per CPU.
func WithMulticore(multicore bool) Option {
	return func(opts *Options) {
		opts.Multicore = multicore
	}
}

// WithNumEventLoop sets up NumEventLoop option.
func WithNumEventLoop(numEventLoop int) Option {
	return func(opts *Options) {
		opts.NumEventLoop = numEventLoop
	}
}

// WithLoadBalancing picks the connection placement algorithm.
func WithLoadBalancing(lb LoadBalancing) Option {
	return func(opts *Options) {
		opts.LB = lb
	}
}

// WithReusePort enables SO_REUSEPORT listeners.
func WithReusePort(reusePort bool) Option {
	return func(opts *Options) {
		opts.ReusePort = reusePort
	}
}

// WithTicker indicates whether a ticker is set up.
func WithTicker(ticker bool) Option {
	return func(opts *Options) {
		opts.Ticker = ticker
	}
}

// WithTCPKeepAlive sets up the keep-alive period for sockets.
func WithTCPKeepAlive(tcpKeepAlive time.Duration) Option {
	return func(opts *Options) {
		opts.TCPKeepAlive = tcpKeepAlive
	}
}

// WithLockOSThread pins event-loops to OS threads.
func WithLockOSThread(lockOSThread bool) Option {
	return func(opts *Options) {
		opts.LockOSThread = lockOSThread
	}
}

// WithProtocol picks the wire protocol for the server.
func WithProtocol(p Protocol) Option {
	return func(opts *Options) {
		opts.Protocol = p
	}
}

// WithEngine plugs in an externally managed storage engine.
func WithEngine(e *store.Engine) Option {
	return func(opts *Options) {
		opts.Engine = e
	}
}

// WithStoreShards sets the shard count for the built-in engine.
func WithStoreShards(n int) Option {
	return func(opts *Options) {
		opts.StoreShards = n
	}
}

// WithStoreWorkers sizes the built-in engine's worker pool.
func WithStoreWorkers(n int) Option {
	return func(opts *Options) {
		opts.StoreWorkers = n
	}
}
