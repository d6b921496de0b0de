// +build linux freebsd dragonfly

package kvpoll

import (
	"io"
	"net"

	"golang.org/x/sys/unix"

	kverrors "kvpoll/errors"
	"kvpoll/internal/iobuf"
	"kvpoll/internal/logging"
	"kvpoll/internal/stats"
	"kvpoll/protocol"
)

// connState is the position of a connection in its state machine.
type connState int8

const (
	// stateConnected: clean and idle, no outstanding work in either direction.
	stateConnected connState = iota
	// stateRecvIncomplete: the handler needs more bytes than are buffered.
	stateRecvIncomplete
	// stateSendIncomplete: a socket write would block with bytes still unsent.
	stateSendIncomplete
	// stateAsyncWait: a request is executing on the storage engine; input is
	// deferred until its completion event arrives.
	stateAsyncWait
	// stateOutstandingData: buffered bytes remain to be processed. Transient:
	// always resolved into one of the other states before a dispatch returns.
	stateOutstandingData
)

type eventKind int8

const (
	eventSocket eventKind = iota
	eventCompletion
)

// event is what the event-loop delivers into a connection's state machine:
// either socket readiness or the completion of an asynchronous storage op.
type event struct {
	kind     eventKind
	readable bool
	writable bool
}

// socketIO is the connection's view of its socket. The production
// implementation is a raw nonblocking fd; tests substitute scripted stubs.
type socketIO interface {
	io.ReadWriter
	Close() error
}

type rawSocket int

func (s rawSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(int(s), p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s rawSocket) Write(p []byte) (int, error) {
	n, err := unix.Write(int(s), p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s rawSocket) Close() error { return unix.Close(int(s)) }

// readOutcome is the result of one non-blocking read attempt. The attempt is
// idempotent: the processing loop may retry it any number of times without
// losing buffered bytes or already-decided state.
type readOutcome int8

const (
	readData  readOutcome = iota // new bytes buffered, or bytes already waiting
	readAgain                    // would block; wait for the next readiness event
	readEOF                      // peer closed
	readErr                      // hard I/O error
)

type conn struct {
	fd         int
	sa         unix.Sockaddr
	sock       socketIO
	loop       *eventloop
	io         *stats.IOCounters
	localAddr  net.Addr
	remoteAddr net.Addr

	handler protocol.Handler
	in      *iobuf.Inbound // lazily allocated, released when idle
	out     *iobuf.Chain   // lazily allocated, released when idle

	state       connState
	corked      bool
	watchWrite  bool // epoll interest currently includes writability
	closeReason error
}

func newTCPConn(fd int, el *eventloop, sa unix.Sockaddr, remoteAddr net.Addr) *conn {
	c := &conn{
		fd:         fd,
		sa:         sa,
		sock:       rawSocket(fd),
		loop:       el,
		io:         &el.svr.stats.IO,
		localAddr:  el.ln.lnaddr,
		remoteAddr: remoteAddr,
	}
	c.handler = el.svr.newHandler(c)
	return c
}

// releaseTCP drops the connection back to a clean idle state, returning both
// buffers to the allocator. Idle connections hold no buffer memory.
func (c *conn) releaseTCP() {
	c.in = nil
	c.out = nil
	c.state = stateConnected
	c.corked = false
}

func (c *conn) LocalAddr() net.Addr { return c.localAddr }

func (c *conn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *conn) ensureBuffers() {
	if c.in == nil {
		c.in = iobuf.NewInbound(iobuf.InboundSize)
	}
	if c.out == nil {
		c.out = iobuf.NewChain(iobuf.SegmentSize, c.io.AddBytesWritten)
	}
}

// handleEvent drives the state machine for one scheduler event. It never
// blocks: when an operation would block, the fact is recorded in the state
// and control returns to the event-loop, which re-arms interest accordingly.
func (c *conn) handleEvent(ev event) Action {
	switch c.state {
	case stateConnected, stateRecvIncomplete:
		if ev.kind != eventSocket {
			c.closeReason = kverrors.ErrUnexpectedEvent
			logging.DefaultLogger.Warnf("connection %v: completion event while no op is in flight", c.remoteAddr)
			return Close
		}
		switch c.fillInbound() {
		case readAgain:
			return None
		case readEOF, readErr:
			return Close
		}
		return c.drainRequests()

	case stateSendIncomplete:
		if ev.kind != eventSocket || !ev.writable {
			c.closeReason = kverrors.ErrUnexpectedEvent
			logging.DefaultLogger.Warnf("connection %v: non-writable event while blocked on send", c.remoteAddr)
			return Close
		}
		st, err := c.out.Send(c.sock)
		if err != nil {
			c.closeReason = err
			logging.DefaultLogger.Warnf("connection %v: write error: %v", c.remoteAddr, err)
			return Close
		}
		if c.out.ReclaimEligible() {
			c.out.GarbageCollect()
		}
		if st == iobuf.SendOutstanding {
			return None
		}
		c.state = stateOutstandingData
		return c.drainRequests()

	case stateAsyncWait:
		if ev.kind == eventSocket {
			// At most one storage op is in flight per connection; new input
			// stays in the kernel until the completion event arrives.
			return None
		}
		if ev.kind != eventCompletion {
			c.closeReason = kverrors.ErrUnexpectedEvent
			return Close
		}
		if err := c.flushOut(); err != nil {
			return Close
		}
		if c.state == stateSendIncomplete {
			return None
		}
		c.state = stateOutstandingData
		return c.drainRequests()

	case stateOutstandingData:
		return c.drainRequests()
	}

	c.closeReason = kverrors.ErrUnexpectedEvent
	return Close
}

// fillInbound makes one non-blocking read attempt into the inbound buffer.
func (c *conn) fillInbound() readOutcome {
	c.ensureBuffers()
	if c.in.Full() {
		// Nothing to read into; let the handler chew on what is buffered.
		if c.state != stateRecvIncomplete {
			c.state = stateOutstandingData
		}
		return readData
	}
	n, err := c.sock.Read(c.in.Free())
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if c.in.Empty() && !c.corked && !c.out.Outstanding() {
				// Fully idle: no partial request buffered, no response
				// pending. Give the buffer memory back until the peer has
				// something to say.
				c.releaseTCP()
			}
			return readAgain
		}
		c.closeReason = err
		logging.DefaultLogger.Warnf("connection %v: read error: %v", c.remoteAddr, err)
		return readErr
	}
	if n == 0 {
		// Peer closed. This ends the connection in every state: waiting for
		// the rest of a command from a half-closed peer waits forever.
		return readEOF
	}
	c.io.AddBytesRead(n)
	c.in.Advance(n)
	if c.state != stateRecvIncomplete {
		c.state = stateOutstandingData
	}
	return readData
}

// flushOut sends buffered responses unless the connection is corked, and
// maps the result into the state machine.
func (c *conn) flushOut() error {
	if c.corked || c.out == nil {
		return nil
	}
	st, err := c.out.Send(c.sock)
	if err != nil {
		c.closeReason = err
		logging.DefaultLogger.Warnf("connection %v: write error: %v", c.remoteAddr, err)
		return err
	}
	if st == iobuf.SendOutstanding {
		c.state = stateSendIncomplete
	} else {
		c.state = stateOutstandingData
	}
	if c.out.ReclaimEligible() {
		c.out.GarbageCollect()
	}
	return nil
}

// drainRequests processes as many complete requests as are already buffered,
// reading more only when it can be done without blocking. It returns once
// the connection is blocked on input, blocked on output, waiting on a
// storage completion, or ending.
func (c *conn) drainRequests() Action {
	if c.in == nil || c.in.Empty() {
		switch c.fillInbound() {
		case readAgain:
			return None
		case readEOF, readErr:
			return Close
		}
	}
	for {
		if c.in.Empty() {
			c.state = stateRecvIncomplete
			return None
		}
		disp := c.handler.Process(c, c.in, c.out)
		if c.closeReason != nil {
			// An uncork flush inside the handler hit a hard write error.
			return Close
		}
		switch disp {
		case protocol.Malformed, protocol.SendNow:
			if err := c.flushOut(); err != nil {
				return Close
			}
			if c.state != stateSendIncomplete {
				c.state = stateOutstandingData
			}
		case protocol.Partial:
			if c.state == stateSendIncomplete {
				return None
			}
			c.state = stateRecvIncomplete
		case protocol.Quit:
			return Close
		case protocol.Shutdown:
			return Shutdown
		case protocol.Async:
			c.state = stateAsyncWait
			return None
		case protocol.Executed:
			if c.state != stateSendIncomplete {
				c.state = stateOutstandingData
			}
		default:
			c.closeReason = kverrors.ErrUnknownDisposition
			logging.DefaultLogger.Errorf("connection %v: handler returned disposition %d", c.remoteAddr, disp)
			return Close
		}
		if c.state == stateRecvIncomplete {
			switch c.fillInbound() {
			case readAgain:
				return None
			case readEOF, readErr:
				return Close
			}
			continue
		}
		if c.state != stateOutstandingData {
			return None
		}
	}
}

// Cork defers response flushing so a batch of replies rides one write.
func (c *conn) Cork() { c.corked = true }

// Uncork re-enables flushing. Responses queued while corked go out
// immediately, even mid-way through the processing loop; otherwise replies
// for already-processed requests could sit behind a corked connection
// indefinitely.
func (c *conn) Uncork() {
	if !c.corked {
		return
	}
	c.corked = false
	if c.out != nil && c.out.Outstanding() {
		_ = c.flushOut()
	}
}

// Complete posts the finished result of an asynchronous storage op back to
// the connection's event-loop: apply appends the response bytes, then the
// completion event is delivered. Callable from any goroutine.
func (c *conn) Complete(apply func(out *iobuf.Chain)) {
	el := c.loop
	if el == nil {
		// Direct-drive mode: append now, the caller delivers the event.
		c.ensureBuffers()
		if apply != nil {
			apply(c.out)
		}
		return
	}
	_ = el.poller.Trigger(func() error {
		if cur, ok := el.connections[c.fd]; !ok || cur != c {
			return nil // connection went away while the op was in flight
		}
		c.ensureBuffers()
		if apply != nil {
			apply(c.out)
		}
		return el.loopDispatch(c, event{kind: eventCompletion})
	})
}
