package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvpoll/internal/iobuf"
	"kvpoll/store"
)

type binFixture struct {
	h    *BinaryHandler
	conn *fakeConn
	in   *iobuf.Inbound
	out  *iobuf.Chain
}

func newBinFixture(t *testing.T) *binFixture {
	t.Helper()
	engine, err := store.NewEngine(4, 0)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	out := iobuf.NewChain(iobuf.SegmentSize, nil)
	return &binFixture{
		h:    NewBinaryHandler(engine, nil),
		conn: &fakeConn{out: out},
		in:   iobuf.NewInbound(iobuf.InboundSize),
		out:  out,
	}
}

func binRequest(opcode uint8, opaque uint32, extras, key, value []byte) []byte {
	req := make([]byte, binHeaderSize, binHeaderSize+len(extras)+len(key)+len(value))
	req[0] = binRequestMagic
	req[1] = opcode
	binary.BigEndian.PutUint16(req[2:4], uint16(len(key)))
	req[4] = uint8(len(extras))
	binary.BigEndian.PutUint32(req[8:12], uint32(len(extras)+len(key)+len(value)))
	binary.BigEndian.PutUint32(req[12:16], opaque)
	req = append(req, extras...)
	req = append(req, key...)
	req = append(req, value...)
	return req
}

func setExtras(flags, expiry uint32) []byte {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], flags)
	binary.BigEndian.PutUint32(extras[4:8], expiry)
	return extras
}

func (f *binFixture) feed(req []byte) {
	copy(f.in.Free(), req)
	f.in.Advance(len(req))
}

func (f *binFixture) process() Disposition {
	return f.h.Process(f.conn, f.in, f.out)
}

// drainResponse sends the chain and decodes the next response frame.
func (f *binFixture) drainResponse(t *testing.T) (opcode uint8, status uint16, opaque uint32, extras, key, value []byte) {
	t.Helper()
	var buf bytes.Buffer
	_, err := f.out.Send(&buf)
	require.NoError(t, err)
	raw := buf.Bytes()
	require.GreaterOrEqual(t, len(raw), binHeaderSize)
	require.Equal(t, uint8(binResponseMagic), raw[0])

	opcode = raw[1]
	keyLen := int(binary.BigEndian.Uint16(raw[2:4]))
	extrasLen := int(raw[4])
	status = binary.BigEndian.Uint16(raw[6:8])
	totalBody := int(binary.BigEndian.Uint32(raw[8:12]))
	opaque = binary.BigEndian.Uint32(raw[12:16])
	require.Len(t, raw, binHeaderSize+totalBody)

	body := raw[binHeaderSize:]
	extras = body[:extrasLen]
	key = body[extrasLen : extrasLen+keyLen]
	value = body[extrasLen+keyLen:]
	return
}

func TestBinarySetGet(t *testing.T) {
	f := newBinFixture(t)

	f.feed(binRequest(binOpSet, 42, setExtras(9, 0), []byte("foo"), []byte("bar")))
	assert.Equal(t, Async, f.process())
	opcode, status, opaque, _, _, _ := f.drainResponse(t)
	assert.Equal(t, uint8(binOpSet), opcode)
	assert.Equal(t, uint16(binStatusOK), status)
	assert.Equal(t, uint32(42), opaque)

	f.feed(binRequest(binOpGet, 43, nil, []byte("foo"), nil))
	assert.Equal(t, SendNow, f.process())
	opcode, status, opaque, extras, _, value := f.drainResponse(t)
	assert.Equal(t, uint8(binOpGet), opcode)
	assert.Equal(t, uint16(binStatusOK), status)
	assert.Equal(t, uint32(43), opaque)
	require.Len(t, extras, 4)
	assert.Equal(t, uint32(9), binary.BigEndian.Uint32(extras))
	assert.Equal(t, []byte("bar"), value)
}

func TestBinaryGetMiss(t *testing.T) {
	f := newBinFixture(t)
	f.feed(binRequest(binOpGet, 1, nil, []byte("nope"), nil))
	assert.Equal(t, SendNow, f.process())
	_, status, _, _, _, _ := f.drainResponse(t)
	assert.Equal(t, uint16(binStatusNotFound), status)
}

func TestBinaryQuietGetCorksAndSuppressesMiss(t *testing.T) {
	f := newBinFixture(t)
	f.feed(binRequest(binOpGetQ, 1, nil, []byte("nope"), nil))
	assert.Equal(t, Executed, f.process())
	assert.Equal(t, 1, f.conn.corks)
	assert.False(t, f.out.Outstanding())

	// noop uncorks and answers, flushing everything queued behind it.
	f.feed(binRequest(binOpNoop, 2, nil, nil, nil))
	assert.Equal(t, SendNow, f.process())
	assert.Equal(t, 1, f.conn.uncorks)
	opcode, status, _, _, _, _ := f.drainResponse(t)
	assert.Equal(t, uint8(binOpNoop), opcode)
	assert.Equal(t, uint16(binStatusOK), status)
}

func TestBinaryQuietSetSilentOnSuccess(t *testing.T) {
	f := newBinFixture(t)
	f.feed(binRequest(binOpSetQ, 1, setExtras(0, 0), []byte("k"), []byte("v")))
	assert.Equal(t, Async, f.process())
	assert.Equal(t, 1, f.conn.corks)
	assert.False(t, f.out.Outstanding())
}

func TestBinaryDelete(t *testing.T) {
	f := newBinFixture(t)
	f.feed(binRequest(binOpSet, 1, setExtras(0, 0), []byte("k"), []byte("v")))
	f.process()
	f.drainResponse(t)

	f.feed(binRequest(binOpDelete, 2, nil, []byte("k"), nil))
	assert.Equal(t, Async, f.process())
	_, status, _, _, _, _ := f.drainResponse(t)
	assert.Equal(t, uint16(binStatusOK), status)

	f.feed(binRequest(binOpDelete, 3, nil, []byte("k"), nil))
	f.process()
	_, status, _, _, _, _ = f.drainResponse(t)
	assert.Equal(t, uint16(binStatusNotFound), status)
}

func TestBinaryIncr(t *testing.T) {
	f := newBinFixture(t)
	f.feed(binRequest(binOpSet, 1, setExtras(0, 0), []byte("n"), []byte("10")))
	f.process()
	f.drainResponse(t)

	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], 5)
	f.feed(binRequest(binOpIncr, 2, extras, []byte("n"), nil))
	assert.Equal(t, SendNow, f.process())
	_, status, _, _, _, value := f.drainResponse(t)
	assert.Equal(t, uint16(binStatusOK), status)
	require.Len(t, value, 8)
	assert.Equal(t, uint64(15), binary.BigEndian.Uint64(value))
}

func TestBinaryPipelinedIncr(t *testing.T) {
	f := newBinFixture(t)
	f.feed(binRequest(binOpSet, 1, setExtras(0, 0), []byte("a"), []byte("10")))
	f.process()
	f.drainResponse(t)
	f.feed(binRequest(binOpSet, 2, setExtras(0, 0), []byte("b"), []byte("100")))
	f.process()
	f.drainResponse(t)

	// Two incr frames in one read: the key and delta of the first must be
	// copied out before Consume compacts the second frame to the front.
	incrExtras := func(delta uint64) []byte {
		extras := make([]byte, 20)
		binary.BigEndian.PutUint64(extras[0:8], delta)
		return extras
	}
	frames := binRequest(binOpIncr, 3, incrExtras(1), []byte("a"), nil)
	frames = append(frames, binRequest(binOpIncr, 4, incrExtras(1), []byte("b"), nil)...)
	f.feed(frames)

	assert.Equal(t, SendNow, f.process())
	_, status, opaque, _, _, value := f.drainResponse(t)
	assert.Equal(t, uint16(binStatusOK), status)
	assert.Equal(t, uint32(3), opaque)
	require.Len(t, value, 8)
	assert.Equal(t, uint64(11), binary.BigEndian.Uint64(value))

	assert.Equal(t, SendNow, f.process())
	_, status, opaque, _, _, value = f.drainResponse(t)
	assert.Equal(t, uint16(binStatusOK), status)
	assert.Equal(t, uint32(4), opaque)
	require.Len(t, value, 8)
	assert.Equal(t, uint64(101), binary.BigEndian.Uint64(value))
}

func TestBinaryVersion(t *testing.T) {
	f := newBinFixture(t)
	f.feed(binRequest(binOpVersion, 7, nil, nil, nil))
	assert.Equal(t, SendNow, f.process())
	_, status, opaque, _, _, value := f.drainResponse(t)
	assert.Equal(t, uint16(binStatusOK), status)
	assert.Equal(t, uint32(7), opaque)
	assert.Equal(t, []byte(ServerVersion), value)
}

func TestBinaryQuit(t *testing.T) {
	f := newBinFixture(t)
	f.feed(binRequest(binOpQuit, 1, nil, nil, nil))
	assert.Equal(t, Quit, f.process())
}

func TestBinaryBadMagicQuits(t *testing.T) {
	f := newBinFixture(t)
	req := binRequest(binOpGet, 1, nil, []byte("k"), nil)
	req[0] = 0x7f
	f.feed(req)
	assert.Equal(t, Quit, f.process())
}

func TestBinaryUnknownOpcode(t *testing.T) {
	f := newBinFixture(t)
	f.feed(binRequest(0x55, 1, nil, nil, nil))
	assert.Equal(t, Malformed, f.process())
	_, status, _, _, _, _ := f.drainResponse(t)
	assert.Equal(t, uint16(binStatusUnknownCmd), status)
}

func TestBinaryPartialFrames(t *testing.T) {
	f := newBinFixture(t)
	req := binRequest(binOpSet, 1, setExtras(0, 0), []byte("key"), []byte("value"))

	f.feed(req[:10]) // split inside the header
	assert.Equal(t, Partial, f.process())

	f.feed(req[10:binHeaderSize+4]) // split inside the body
	assert.Equal(t, Partial, f.process())

	f.feed(req[binHeaderSize+4:])
	assert.Equal(t, Async, f.process())
	_, status, _, _, _, _ := f.drainResponse(t)
	assert.Equal(t, uint16(binStatusOK), status)
}

func TestBinarySetBadExtras(t *testing.T) {
	f := newBinFixture(t)
	f.feed(binRequest(binOpSet, 1, []byte{1, 2}, []byte("k"), []byte("v")))
	assert.Equal(t, Malformed, f.process())
	_, status, _, _, _, _ := f.drainResponse(t)
	assert.Equal(t, uint16(binStatusInvalidArgs), status)
}
