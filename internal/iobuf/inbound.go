package iobuf

// InboundSize is the fixed capacity of a connection's read buffer.
const InboundSize = 16384

// Inbound is a fixed-capacity read buffer. Bytes arrive at the tail via
// Advance after a socket read, and are consumed from the head by the
// protocol handler; unconsumed bytes always stay left-aligned at offset 0.
type Inbound struct {
	buf  []byte
	used int
}

// NewInbound allocates a read buffer of the given capacity.
func NewInbound(capacity int) *Inbound {
	return &Inbound{buf: make([]byte, capacity)}
}

// Bytes returns the valid, not yet consumed bytes.
func (b *Inbound) Bytes() []byte { return b.buf[:b.used] }

// Free returns the writable tail of the buffer.
func (b *Inbound) Free() []byte { return b.buf[b.used:] }

// Advance records n bytes appended into Free by a socket read.
func (b *Inbound) Advance(n int) { b.used += n }

// Consume drops the first n bytes and compacts the remaining tail to the
// front of the buffer.
func (b *Inbound) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= b.used {
		b.used = 0
		return
	}
	copy(b.buf, b.buf[n:b.used])
	b.used -= n
}

func (b *Inbound) Len() int { return b.used }

func (b *Inbound) Cap() int { return len(b.buf) }

func (b *Inbound) Empty() bool { return b.used == 0 }

func (b *Inbound) Full() bool { return b.used == len(b.buf) }
