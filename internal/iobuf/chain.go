package iobuf

import (
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

const (
	// SegmentSize is the default capacity of one chain segment.
	SegmentSize = 4096
	// MaxMessageSize is the ceiling for one formatted response. Response
	// templates are a closed set, so exceeding it is a programming error.
	MaxMessageSize = 500
)

// SendState reports whether a chain still holds unsent bytes after a Send.
type SendState int8

const (
	// SendOutstanding means unsent bytes remain, a future writable event is needed.
	SendOutstanding SendState = iota
	// SendEmpty means everything buffered has been transmitted.
	SendEmpty
)

// segment is one fixed-capacity link of the chain. Only the last segment of
// a chain may have buffered < cap(buf); any earlier segment is full.
type segment struct {
	buf      []byte
	next     *segment
	buffered int // bytes appended
	sent     int // bytes transmitted, sent <= buffered
}

// Chain is an append-only chain of fixed-capacity segments holding outgoing
// bytes under non-blocking I/O. Appends fill the tail, sends drain from the
// head, and fully transmitted segments are reclaimed in batches so a send
// burst does not churn the allocator.
type Chain struct {
	head    *segment
	tail    *segment
	segSize int
	gcReady bool      // a full segment finished transmitting since the last collect
	tally   func(int) // byte accounting side effect, may be nil
}

// NewChain builds a chain with one resident segment. tally, when non-nil,
// receives every transmitted byte count.
func NewChain(segSize int, tally func(int)) *Chain {
	s := &segment{buf: make([]byte, segSize)}
	return &Chain{head: s, tail: s, segSize: segSize, tally: tally}
}

func (c *Chain) grow() {
	s := &segment{buf: make([]byte, c.segSize)}
	c.tail.next = s
	c.tail = s
}

// Append copies p into the chain, filling the tail segment before growing a
// new one; input is split across segment boundaries transparently.
func (c *Chain) Append(p []byte) {
	for len(p) > 0 {
		if c.tail.buffered == c.segSize {
			c.grow()
		}
		n := copy(c.tail.buf[c.tail.buffered:], p)
		c.tail.buffered += n
		p = p[n:]
	}
}

// AppendString is Append for string input.
func (c *Chain) AppendString(s string) {
	for len(s) > 0 {
		if c.tail.buffered == c.segSize {
			c.grow()
		}
		n := copy(c.tail.buf[c.tail.buffered:], s)
		c.tail.buffered += n
		s = s[n:]
	}
}

// Appendf renders the format into a pooled scratch buffer and appends the
// result. It panics if the rendered message exceeds MaxMessageSize: only
// fixed templates go through here, so truncation means a broken template,
// not bad input.
func (c *Chain) Appendf(format string, args ...interface{}) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	fmt.Fprintf(bb, format, args...)
	if bb.Len() > MaxMessageSize {
		panic(fmt.Sprintf("iobuf: formatted message of %d bytes exceeds the %d ceiling", bb.Len(), MaxMessageSize))
	}
	c.Append(bb.Bytes())
}

// Outstanding reports whether any segment still has unsent bytes.
func (c *Chain) Outstanding() bool {
	for s := c.head; s != nil; s = s.next {
		if s.sent < s.buffered {
			return true
		}
	}
	return false
}

// ReclaimEligible reports whether a Send finished off at least one full
// segment, making a GarbageCollect worthwhile.
func (c *Chain) ReclaimEligible() bool { return c.gcReady }

// Send makes non-blocking writes of the remaining bytes, draining as many
// segments as the socket accepts in this single pass. A would-block result
// is not an error: the chain stays outstanding and the caller waits for the
// next writable event. Any other write error is returned for the caller to
// terminate the connection with.
//
// A partial write of the tail segment slides the unsent remainder to offset
// zero, so the tail keeps working as a ring without reallocating.
func (c *Chain) Send(w io.Writer) (SendState, error) {
	for s := c.head; s != nil; s = s.next {
		if s.sent == s.buffered {
			if s.next == nil {
				return SendEmpty, nil
			}
			continue
		}
		n, err := w.Write(s.buf[s.sent:s.buffered])
		if n > 0 {
			s.sent += n
			if c.tally != nil {
				c.tally(n)
			}
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return SendOutstanding, nil
			}
			return SendOutstanding, err
		}
		if s.next == nil {
			// Tail segment: slide the unsent remainder to the front.
			copy(s.buf, s.buf[s.sent:s.buffered])
			s.buffered -= s.sent
			s.sent = 0
			if s.buffered == 0 {
				return SendEmpty, nil
			}
			return SendOutstanding, nil
		}
		if s.sent < s.buffered {
			return SendOutstanding, nil
		}
		// A full non-tail segment went out whole; flag it for reclamation
		// and keep going, the socket may take more.
		c.gcReady = true
	}
	return SendEmpty, nil
}

// GarbageCollect releases head segments that are both full and fully sent.
// The chain always keeps at least one resident segment: a spare is grown
// before the last segment is released, so reclamation never leaves a send
// burst waiting on a fresh allocation.
func (c *Chain) GarbageCollect() {
	for c.head.buffered == c.segSize && c.head.sent == c.segSize {
		if c.head.next == nil {
			c.grow()
		}
		c.head = c.head.next
	}
	c.gcReady = false
}
