package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvpoll/internal/iobuf"
	"kvpoll/store"
)

// fakeConn runs completions immediately against the fixture's chain, the
// way an inline engine delivers them.
type fakeConn struct {
	out     *iobuf.Chain
	corks   int
	uncorks int
}

func (c *fakeConn) Cork()   { c.corks++ }
func (c *fakeConn) Uncork() { c.uncorks++ }

func (c *fakeConn) Complete(apply func(out *iobuf.Chain)) {
	if apply != nil {
		apply(c.out)
	}
}

type textFixture struct {
	h    *TextHandler
	conn *fakeConn
	in   *iobuf.Inbound
	out  *iobuf.Chain
}

func newTextFixture(t *testing.T) *textFixture {
	t.Helper()
	engine, err := store.NewEngine(4, 0)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	out := iobuf.NewChain(iobuf.SegmentSize, nil)
	return &textFixture{
		h:    NewTextHandler(engine, nil),
		conn: &fakeConn{out: out},
		in:   iobuf.NewInbound(iobuf.InboundSize),
		out:  out,
	}
}

func (f *textFixture) feed(s string) {
	copy(f.in.Free(), s)
	f.in.Advance(len(s))
}

func (f *textFixture) process() Disposition {
	return f.h.Process(f.conn, f.in, f.out)
}

func (f *textFixture) drain(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := f.out.Send(&buf)
	require.NoError(t, err)
	return buf.String()
}

func TestTextSetGet(t *testing.T) {
	f := newTextFixture(t)

	f.feed("set foo 7 0 3\r\nbar\r\n")
	assert.Equal(t, Async, f.process())
	assert.Equal(t, "STORED\r\n", f.drain(t))
	assert.True(t, f.in.Empty())

	f.feed("get foo\r\n")
	assert.Equal(t, SendNow, f.process())
	assert.Equal(t, "VALUE foo 7 3\r\nbar\r\nEND\r\n", f.drain(t))
}

func TestTextGetMiss(t *testing.T) {
	f := newTextFixture(t)
	f.feed("get nope\r\n")
	assert.Equal(t, SendNow, f.process())
	assert.Equal(t, "END\r\n", f.drain(t))
}

func TestTextMultiKeyGet(t *testing.T) {
	f := newTextFixture(t)
	f.feed("set a 0 0 1\r\nx\r\n")
	f.process()
	f.feed("set b 0 0 1\r\ny\r\n")
	f.process()
	f.drain(t)

	f.feed("get a missing b\r\n")
	assert.Equal(t, SendNow, f.process())
	assert.Equal(t, "VALUE a 0 1\r\nx\r\nVALUE b 0 1\r\ny\r\nEND\r\n", f.drain(t))
}

func TestTextSplitDataBlock(t *testing.T) {
	f := newTextFixture(t)

	f.feed("set k 0 0 5\r\nab")
	assert.Equal(t, Partial, f.process())

	f.feed("cde\r\n")
	assert.Equal(t, Async, f.process())
	assert.Equal(t, "STORED\r\n", f.drain(t))

	f.feed("get k\r\n")
	f.process()
	assert.Equal(t, "VALUE k 0 5\r\nabcde\r\nEND\r\n", f.drain(t))
}

func TestTextNoreply(t *testing.T) {
	f := newTextFixture(t)
	f.feed("set k 0 0 1 noreply\r\nx\r\n")
	assert.Equal(t, Async, f.process())
	assert.Empty(t, f.drain(t))
	assert.True(t, f.in.Empty())
}

func TestTextAddReplace(t *testing.T) {
	f := newTextFixture(t)

	f.feed("replace k 0 0 1\r\nv\r\n")
	f.process()
	assert.Equal(t, "NOT_STORED\r\n", f.drain(t))

	f.feed("add k 0 0 1\r\nv\r\n")
	f.process()
	assert.Equal(t, "STORED\r\n", f.drain(t))
}

func TestTextDelete(t *testing.T) {
	f := newTextFixture(t)
	f.feed("set k 0 0 1\r\nv\r\n")
	f.process()
	f.drain(t)

	f.feed("delete k\r\n")
	assert.Equal(t, Async, f.process())
	assert.Equal(t, "DELETED\r\n", f.drain(t))

	f.feed("delete k\r\n")
	f.process()
	assert.Equal(t, "NOT_FOUND\r\n", f.drain(t))
}

func TestTextIncrDecr(t *testing.T) {
	f := newTextFixture(t)
	f.feed("set n 0 0 2\r\n10\r\n")
	f.process()
	f.drain(t)

	f.feed("incr n 5\r\n")
	assert.Equal(t, SendNow, f.process())
	assert.Equal(t, "15\r\n", f.drain(t))

	f.feed("decr n 100\r\n")
	f.process()
	assert.Equal(t, "0\r\n", f.drain(t))

	f.feed("incr missing 1\r\n")
	f.process()
	assert.Equal(t, "NOT_FOUND\r\n", f.drain(t))
}

func TestTextPipelinedIncr(t *testing.T) {
	f := newTextFixture(t)
	f.feed("set a 0 0 2\r\n10\r\n")
	f.process()
	f.feed("set b 0 0 3\r\n100\r\n")
	f.process()
	f.drain(t)

	// Both commands arrive in one read; consuming the first line compacts
	// the buffer, so the second command's bytes must not bleed into the
	// first command's key or delta.
	f.feed("incr a 1\r\nincr b 1\r\n")
	assert.Equal(t, SendNow, f.process())
	assert.Equal(t, "11\r\n", f.drain(t))
	assert.Equal(t, SendNow, f.process())
	assert.Equal(t, "101\r\n", f.drain(t))

	f.feed("get a\r\n")
	f.process()
	assert.Equal(t, "VALUE a 0 2\r\n11\r\nEND\r\n", f.drain(t))
}

func TestTextFlushAllEngineClosed(t *testing.T) {
	f := newTextFixture(t)
	f.h.engine.Close()

	f.feed("flush_all\r\n")
	assert.Equal(t, Malformed, f.process())
	assert.Equal(t, "SERVER_ERROR backend unavailable\r\n", f.drain(t))
}

func TestTextFlushAll(t *testing.T) {
	f := newTextFixture(t)
	f.feed("set k 0 0 1\r\nv\r\n")
	f.process()
	f.drain(t)

	f.feed("flush_all\r\n")
	assert.Equal(t, Async, f.process())
	assert.Equal(t, "OK\r\n", f.drain(t))

	f.feed("get k\r\n")
	f.process()
	assert.Equal(t, "END\r\n", f.drain(t))
}

func TestTextBadCommand(t *testing.T) {
	f := newTextFixture(t)
	f.feed("bogus\r\n")
	assert.Equal(t, Malformed, f.process())
	assert.Equal(t, "ERROR\r\n", f.drain(t))
	assert.True(t, f.in.Empty())
}

func TestTextBadStoreArgs(t *testing.T) {
	f := newTextFixture(t)
	f.feed("set k zero 0 1\r\n")
	assert.Equal(t, Malformed, f.process())
	assert.Equal(t, "CLIENT_ERROR bad command line format\r\n", f.drain(t))
}

func TestTextPartialLine(t *testing.T) {
	f := newTextFixture(t)
	f.feed("get fo")
	assert.Equal(t, Partial, f.process())

	f.feed("o\r\n")
	assert.Equal(t, SendNow, f.process())
	assert.Equal(t, "END\r\n", f.drain(t))
}

func TestTextLineTooLong(t *testing.T) {
	f := newTextFixture(t)
	f.in = iobuf.NewInbound(32)

	f.feed(strings.Repeat("a", 32))
	assert.Equal(t, Malformed, f.process())
	assert.Equal(t, "CLIENT_ERROR line too long\r\n", f.drain(t))
	assert.True(t, f.in.Empty())

	// The rest of the runaway line is swallowed until its newline, then
	// parsing resumes cleanly.
	f.feed("aaaa")
	assert.Equal(t, Partial, f.process())
	f.feed("a\r\nversion\r\n")
	assert.Equal(t, Executed, f.process())
	assert.Equal(t, SendNow, f.process())
	assert.Contains(t, f.drain(t), "VERSION")
}

func TestTextObjectTooLarge(t *testing.T) {
	f := newTextFixture(t)
	f.in = iobuf.NewInbound(64)

	f.feed("set big 0 0 1000\r\n")
	assert.Equal(t, Malformed, f.process())
	assert.Equal(t, "SERVER_ERROR object too large for cache\r\n", f.drain(t))

	// The oversized data block (1000 bytes plus its CRLF) streams in and is
	// discarded; the command after it still executes.
	const blockLen = 1002
	for fed := 0; fed < blockLen; {
		n := 64
		if blockLen-fed < n {
			n = blockLen - fed
		}
		f.feed(strings.Repeat("x", n))
		disp := f.process()
		fed += n
		if fed < blockLen {
			assert.Equal(t, Partial, disp)
		} else {
			assert.Equal(t, Executed, disp)
		}
	}
	f.feed("version\r\n")
	assert.Equal(t, SendNow, f.process())
	assert.Contains(t, f.drain(t), "VERSION")
}

func TestTextStats(t *testing.T) {
	f := newTextFixture(t)
	f.feed("stats\r\n")
	assert.Equal(t, SendNow, f.process())
	got := f.drain(t)
	assert.Contains(t, got, "STAT get_hits 0\r\n")
	assert.Contains(t, got, "STAT curr_items 0\r\n")
	assert.True(t, strings.HasSuffix(got, "END\r\n"))
}

func TestTextVersionQuitShutdown(t *testing.T) {
	f := newTextFixture(t)

	f.feed("version\r\n")
	assert.Equal(t, SendNow, f.process())
	assert.Equal(t, "VERSION "+ServerVersion+"\r\n", f.drain(t))

	f.feed("quit\r\n")
	assert.Equal(t, Quit, f.process())

	f.feed("shutdown\r\n")
	assert.Equal(t, Shutdown, f.process())
}

func TestTextEmptyLine(t *testing.T) {
	f := newTextFixture(t)
	f.feed("\r\nversion\r\n")
	assert.Equal(t, Executed, f.process())
	assert.Equal(t, SendNow, f.process())
}
