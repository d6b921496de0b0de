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

type httpFixture struct {
	h    *HTTPHandler
	conn *fakeConn
	in   *iobuf.Inbound
	out  *iobuf.Chain
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	engine, err := store.NewEngine(4, 0)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	out := iobuf.NewChain(iobuf.SegmentSize, nil)
	return &httpFixture{
		h:    NewHTTPHandler(engine, nil),
		conn: &fakeConn{out: out},
		in:   iobuf.NewInbound(iobuf.InboundSize),
		out:  out,
	}
}

func (f *httpFixture) feed(s string) {
	copy(f.in.Free(), s)
	f.in.Advance(len(s))
}

func (f *httpFixture) process() Disposition {
	return f.h.Process(f.conn, f.in, f.out)
}

func (f *httpFixture) drain(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := f.out.Send(&buf)
	require.NoError(t, err)
	return buf.String()
}

func TestHTTPStats(t *testing.T) {
	f := newHTTPFixture(t)
	f.feed("GET /stats HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, SendNow, f.process())

	got := f.drain(t)
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, got, "get_hits 0\n")
	assert.Contains(t, got, "curr_items 0\n")
}

func TestHTTPSetThenGet(t *testing.T) {
	f := newHTTPFixture(t)

	body := "hello"
	f.feed("POST /kv?key=greeting HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\n" + body)
	assert.Equal(t, Async, f.process())
	assert.True(t, strings.HasPrefix(f.drain(t), "HTTP/1.1 201 Created\r\n"))

	f.feed("GET /kv?key=greeting HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, SendNow, f.process())
	got := f.drain(t)
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n"))
	assert.True(t, strings.HasSuffix(got, "\r\n\r\n"+body))
}

func TestHTTPGetMiss(t *testing.T) {
	f := newHTTPFixture(t)
	f.feed("GET /kv?key=nope HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, SendNow, f.process())
	assert.True(t, strings.HasPrefix(f.drain(t), "HTTP/1.1 404 Not Found\r\n"))
}

func TestHTTPMissingKey(t *testing.T) {
	f := newHTTPFixture(t)
	f.feed("GET /kv HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, Malformed, f.process())
	assert.True(t, strings.HasPrefix(f.drain(t), "HTTP/1.1 400 Bad Request\r\n"))
}

func TestHTTPUnknownPath(t *testing.T) {
	f := newHTTPFixture(t)
	f.feed("GET /elsewhere HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, SendNow, f.process())
	assert.True(t, strings.HasPrefix(f.drain(t), "HTTP/1.1 404 Not Found\r\n"))
}

func TestHTTPRequestAcrossReads(t *testing.T) {
	f := newHTTPFixture(t)
	req := "GET /kv?key=split HTTP/1.1\r\nHost: x\r\n\r\n"

	f.feed(req[:12])
	assert.Equal(t, Partial, f.process())
	f.feed(req[12:])
	assert.Equal(t, SendNow, f.process())
	assert.True(t, strings.HasPrefix(f.drain(t), "HTTP/1.1 404 Not Found\r\n"))
}
