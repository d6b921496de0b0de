package protocol

import (
	"encoding/binary"

	"kvpoll/internal/iobuf"
	"kvpoll/internal/stats"
	"kvpoll/store"
)

// Binary protocol framing: a fixed 24-byte header on both directions,
// big-endian lengths, followed by extras, key and value.
const (
	binHeaderSize    = 24
	binRequestMagic  = 0x80
	binResponseMagic = 0x81
)

const (
	binOpGet     = 0x00
	binOpSet     = 0x01
	binOpDelete  = 0x04
	binOpIncr    = 0x05
	binOpDecr    = 0x06
	binOpQuit    = 0x07
	binOpGetQ    = 0x09
	binOpNoop    = 0x0a
	binOpVersion = 0x0b
	binOpSetQ    = 0x11
)

const (
	binStatusOK          = 0x0000
	binStatusNotFound    = 0x0001
	binStatusTooLarge    = 0x0003
	binStatusInvalidArgs = 0x0004
	binStatusNotStored   = 0x0005
	binStatusBadDelta    = 0x0006
	binStatusUnknownCmd  = 0x0081
)

// BinaryHandler speaks the length-prefixed binary variant. Quiet opcodes
// (getq, setq) cork the connection so a burst of them rides in one socket
// write; noop and the non-quiet opcodes uncork and flush.
type BinaryHandler struct {
	engine  *store.Engine
	srv     *stats.ServerStats
	discard int
}

// NewBinaryHandler builds a binary-protocol handler bound to the engine.
func NewBinaryHandler(engine *store.Engine, srv *stats.ServerStats) *BinaryHandler {
	return &BinaryHandler{engine: engine, srv: srv}
}

func binResponse(out *iobuf.Chain, opcode uint8, status uint16, opaque uint32, extras, key, value []byte) {
	var hdr [binHeaderSize]byte
	hdr[0] = binResponseMagic
	hdr[1] = opcode
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(key)))
	hdr[4] = uint8(len(extras))
	binary.BigEndian.PutUint16(hdr[6:8], status)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(extras)+len(key)+len(value)))
	binary.BigEndian.PutUint32(hdr[12:16], opaque)
	out.Append(hdr[:])
	out.Append(extras)
	out.Append(key)
	out.Append(value)
}

func (h *BinaryHandler) Process(c Conn, in *iobuf.Inbound, out *iobuf.Chain) Disposition {
	if h.discard > 0 {
		n := in.Len()
		if n > h.discard {
			n = h.discard
		}
		in.Consume(n)
		h.discard -= n
		if h.discard > 0 {
			return Partial
		}
		return Executed
	}

	data := in.Bytes()
	if len(data) < binHeaderSize {
		return Partial
	}
	if data[0] != binRequestMagic {
		// Framing is gone; there is no way to resynchronize a binary stream.
		return Quit
	}
	opcode := data[1]
	keyLen := int(binary.BigEndian.Uint16(data[2:4]))
	extrasLen := int(data[4])
	totalBody := int(binary.BigEndian.Uint32(data[8:12]))
	opaque := binary.BigEndian.Uint32(data[12:16])

	total := binHeaderSize + totalBody
	if total > in.Cap() {
		binResponse(out, opcode, binStatusTooLarge, opaque, nil, nil, nil)
		h.discard = total - in.Len()
		in.Consume(in.Len())
		return Malformed
	}
	if in.Len() < total {
		return Partial
	}
	if extrasLen+keyLen > totalBody {
		in.Consume(total)
		binResponse(out, opcode, binStatusInvalidArgs, opaque, nil, nil, nil)
		return Malformed
	}
	extras := data[binHeaderSize : binHeaderSize+extrasLen]
	key := data[binHeaderSize+extrasLen : binHeaderSize+extrasLen+keyLen]
	value := data[binHeaderSize+extrasLen+keyLen : total]
	if h.srv != nil {
		h.srv.CommandDone()
	}

	switch opcode {
	case binOpGet, binOpGetQ:
		quiet := opcode == binOpGetQ
		if quiet {
			c.Cork()
		} else {
			c.Uncork()
		}
		it, ok := h.engine.Get(string(key))
		in.Consume(total)
		if !ok {
			if quiet {
				return Executed // quiet get suppresses misses
			}
			binResponse(out, opcode, binStatusNotFound, opaque, nil, nil, nil)
			return SendNow
		}
		var flags [4]byte
		binary.BigEndian.PutUint32(flags[:], it.Flags)
		binResponse(out, opcode, binStatusOK, opaque, flags[:], nil, it.Value)
		if quiet {
			return Executed
		}
		return SendNow

	case binOpSet, binOpSetQ:
		quiet := opcode == binOpSetQ
		if quiet {
			c.Cork()
		}
		if extrasLen != 8 || keyLen == 0 {
			in.Consume(total)
			binResponse(out, opcode, binStatusInvalidArgs, opaque, nil, nil, nil)
			return Malformed
		}
		op := store.Op{
			Kind:    store.OpSet,
			Key:     string(key),
			Value:   append([]byte(nil), value...),
			Flags:   binary.BigEndian.Uint32(extras[0:4]),
			Exptime: int64(binary.BigEndian.Uint32(extras[4:8])),
		}
		in.Consume(total)
		if err := h.engine.Dispatch(op, func(res store.Result) {
			c.Complete(func(out *iobuf.Chain) {
				if res.Status == store.Stored {
					if quiet {
						return // quiet set is silent on success
					}
					binResponse(out, opcode, binStatusOK, opaque, nil, nil, nil)
					return
				}
				binResponse(out, opcode, binStatusNotStored, opaque, nil, nil, nil)
			})
		}); err != nil {
			binResponse(out, opcode, binStatusNotStored, opaque, nil, nil, nil)
			return Malformed
		}
		return Async

	case binOpDelete:
		if keyLen == 0 {
			in.Consume(total)
			binResponse(out, opcode, binStatusInvalidArgs, opaque, nil, nil, nil)
			return Malformed
		}
		op := store.Op{Kind: store.OpDelete, Key: string(key)}
		in.Consume(total)
		if err := h.engine.Dispatch(op, func(res store.Result) {
			c.Complete(func(out *iobuf.Chain) {
				if res.Status == store.Deleted {
					binResponse(out, opcode, binStatusOK, opaque, nil, nil, nil)
				} else {
					binResponse(out, opcode, binStatusNotFound, opaque, nil, nil, nil)
				}
			})
		}); err != nil {
			binResponse(out, opcode, binStatusNotFound, opaque, nil, nil, nil)
			return Malformed
		}
		return Async

	case binOpIncr, binOpDecr:
		if extrasLen != 20 || keyLen == 0 {
			in.Consume(total)
			binResponse(out, opcode, binStatusInvalidArgs, opaque, nil, nil, nil)
			return Malformed
		}
		// extras and key alias the inbound buffer; read them out before
		// Consume compacts it.
		delta := binary.BigEndian.Uint64(extras[0:8])
		k := string(key)
		in.Consume(total)
		val, status := h.engine.IncrDecr(k, delta, opcode == binOpIncr)
		switch status {
		case store.NotFound:
			binResponse(out, opcode, binStatusNotFound, opaque, nil, nil, nil)
		case store.BadDelta:
			binResponse(out, opcode, binStatusBadDelta, opaque, nil, nil, nil)
		default:
			var body [8]byte
			binary.BigEndian.PutUint64(body[:], val)
			binResponse(out, opcode, binStatusOK, opaque, nil, nil, body[:])
		}
		return SendNow

	case binOpNoop:
		c.Uncork()
		in.Consume(total)
		binResponse(out, opcode, binStatusOK, opaque, nil, nil, nil)
		return SendNow

	case binOpVersion:
		in.Consume(total)
		binResponse(out, opcode, binStatusOK, opaque, nil, nil, []byte(ServerVersion))
		return SendNow

	case binOpQuit:
		in.Consume(total)
		return Quit
	}

	in.Consume(total)
	binResponse(out, opcode, binStatusUnknownCmd, opaque, nil, nil, nil)
	return Malformed
}
