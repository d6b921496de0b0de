package protocol

import (
	"bytes"
	"strconv"

	"kvpoll/internal/iobuf"
	"kvpoll/internal/stats"
	"kvpoll/store"
)

const maxKeyLength = 250

var crlf = []byte("\r\n")

// TextHandler speaks the memcached-flavored text protocol: newline-framed
// command lines, storage commands followed by a <bytes>-sized data block.
type TextHandler struct {
	engine *store.Engine
	srv    *stats.ServerStats

	// Recovery state for requests that can never fit the inbound buffer:
	// the error response is queued up front, then the oversized remainder
	// is swallowed as it streams in.
	discard  int
	skipLine bool
}

// NewTextHandler builds a text-protocol handler bound to the engine. srv may
// be nil, in which case the stats command reports engine counters only.
func NewTextHandler(engine *store.Engine, srv *stats.ServerStats) *TextHandler {
	return &TextHandler{engine: engine, srv: srv}
}

func (h *TextHandler) Process(c Conn, in *iobuf.Inbound, out *iobuf.Chain) Disposition {
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
	if h.skipLine {
		data := in.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			in.Consume(len(data))
			return Partial
		}
		in.Consume(idx + 1)
		h.skipLine = false
		return Executed
	}

	data := in.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		if in.Full() {
			out.AppendString("CLIENT_ERROR line too long\r\n")
			in.Consume(in.Len())
			h.skipLine = true
			return Malformed
		}
		return Partial
	}

	line := data[:idx]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		in.Consume(idx + 1)
		return Executed
	}
	if h.srv != nil {
		h.srv.CommandDone()
	}

	switch string(fields[0]) {
	case "get", "gets":
		return h.doGet(in, out, fields, idx+1)
	case "set", "add", "replace":
		return h.doStore(c, in, out, fields, data, idx)
	case "delete":
		return h.doDelete(c, in, out, fields, idx+1)
	case "incr", "decr":
		return h.doIncrDecr(in, out, fields, idx+1)
	case "flush_all":
		return h.doFlushAll(c, in, out, fields, idx+1)
	case "stats":
		in.Consume(idx + 1)
		h.doStats(out)
		return SendNow
	case "version":
		in.Consume(idx + 1)
		out.Appendf("VERSION %s\r\n", ServerVersion)
		return SendNow
	case "quit":
		in.Consume(idx + 1)
		return Quit
	case "shutdown":
		in.Consume(idx + 1)
		return Shutdown
	}
	in.Consume(idx + 1)
	out.AppendString("ERROR\r\n")
	return Malformed
}

func (h *TextHandler) doGet(in *iobuf.Inbound, out *iobuf.Chain, fields [][]byte, lineLen int) Disposition {
	if len(fields) < 2 {
		in.Consume(lineLen)
		out.AppendString("ERROR\r\n")
		return Malformed
	}
	for _, key := range fields[1:] {
		if len(key) > maxKeyLength {
			continue
		}
		it, ok := h.engine.Get(string(key))
		if !ok {
			continue
		}
		out.Appendf("VALUE %s %d %d\r\n", key, it.Flags, len(it.Value))
		out.Append(it.Value)
		out.Append(crlf)
	}
	out.AppendString("END\r\n")
	in.Consume(lineLen)
	return SendNow
}

func (h *TextHandler) doStore(c Conn, in *iobuf.Inbound, out *iobuf.Chain, fields [][]byte, data []byte, idx int) Disposition {
	noreply := len(fields) > 0 && string(fields[len(fields)-1]) == "noreply"
	args := fields
	if noreply {
		args = fields[:len(fields)-1]
	}
	if len(args) != 5 || len(args[1]) > maxKeyLength {
		in.Consume(idx + 1)
		out.AppendString("CLIENT_ERROR bad command line format\r\n")
		return Malformed
	}
	flags, errFlags := strconv.ParseUint(string(args[2]), 10, 32)
	exptime, errExp := strconv.ParseInt(string(args[3]), 10, 64)
	nbytes, errLen := strconv.Atoi(string(args[4]))
	if errFlags != nil || errExp != nil || errLen != nil || nbytes < 0 {
		in.Consume(idx + 1)
		out.AppendString("CLIENT_ERROR bad command line format\r\n")
		return Malformed
	}

	total := idx + 1 + nbytes + 2
	if total > in.Cap() {
		// The request can never be buffered whole; answer now and swallow
		// the data block as it arrives.
		out.AppendString("SERVER_ERROR object too large for cache\r\n")
		h.discard = total - in.Len()
		in.Consume(in.Len())
		return Malformed
	}
	if in.Len() < total {
		return Partial
	}
	body := data[idx+1 : idx+1+nbytes]
	if !bytes.Equal(data[idx+1+nbytes:total], crlf) {
		in.Consume(total)
		out.AppendString("CLIENT_ERROR bad data chunk\r\n")
		return Malformed
	}

	var kind store.OpKind
	switch string(args[0]) {
	case "add":
		kind = store.OpAdd
	case "replace":
		kind = store.OpReplace
	default:
		kind = store.OpSet
	}
	op := store.Op{
		Kind:    kind,
		Key:     string(args[1]),
		Value:   append([]byte(nil), body...), // the inbound buffer compacts under us
		Flags:   uint32(flags),
		Exptime: exptime,
	}
	in.Consume(total)

	if err := h.engine.Dispatch(op, func(res store.Result) {
		c.Complete(func(out *iobuf.Chain) {
			if noreply {
				return
			}
			if res.Status == store.Stored {
				out.AppendString("STORED\r\n")
			} else {
				out.AppendString("NOT_STORED\r\n")
			}
		})
	}); err != nil {
		out.AppendString("SERVER_ERROR backend unavailable\r\n")
		return Malformed
	}
	return Async
}

func (h *TextHandler) doDelete(c Conn, in *iobuf.Inbound, out *iobuf.Chain, fields [][]byte, lineLen int) Disposition {
	noreply := string(fields[len(fields)-1]) == "noreply"
	args := fields
	if noreply {
		args = fields[:len(fields)-1]
	}
	if len(args) != 2 || len(args[1]) > maxKeyLength {
		in.Consume(lineLen)
		out.AppendString("CLIENT_ERROR bad command line format\r\n")
		return Malformed
	}
	op := store.Op{Kind: store.OpDelete, Key: string(args[1])}
	in.Consume(lineLen)
	if err := h.engine.Dispatch(op, func(res store.Result) {
		c.Complete(func(out *iobuf.Chain) {
			if noreply {
				return
			}
			if res.Status == store.Deleted {
				out.AppendString("DELETED\r\n")
			} else {
				out.AppendString("NOT_FOUND\r\n")
			}
		})
	}); err != nil {
		out.AppendString("SERVER_ERROR backend unavailable\r\n")
		return Malformed
	}
	return Async
}

func (h *TextHandler) doIncrDecr(in *iobuf.Inbound, out *iobuf.Chain, fields [][]byte, lineLen int) Disposition {
	if len(fields) != 3 {
		in.Consume(lineLen)
		out.AppendString("CLIENT_ERROR bad command line format\r\n")
		return Malformed
	}
	delta, err := strconv.ParseUint(string(fields[2]), 10, 64)
	if err != nil {
		in.Consume(lineLen)
		out.AppendString("CLIENT_ERROR invalid numeric delta argument\r\n")
		return Malformed
	}
	key := string(fields[1])
	incr := string(fields[0]) == "incr"
	// fields alias the inbound buffer, which compacts on Consume; copy out
	// everything we need before consuming the line.
	in.Consume(lineLen)
	val, status := h.engine.IncrDecr(key, delta, incr)
	switch status {
	case store.NotFound:
		out.AppendString("NOT_FOUND\r\n")
	case store.BadDelta:
		out.AppendString("CLIENT_ERROR cannot increment or decrement non-numeric value\r\n")
		return Malformed
	default:
		out.Appendf("%d\r\n", val)
	}
	return SendNow
}

func (h *TextHandler) doFlushAll(c Conn, in *iobuf.Inbound, out *iobuf.Chain, fields [][]byte, lineLen int) Disposition {
	noreply := len(fields) > 1 && string(fields[len(fields)-1]) == "noreply"
	in.Consume(lineLen)
	if err := h.engine.Dispatch(store.Op{Kind: store.OpFlushAll}, func(store.Result) {
		c.Complete(func(out *iobuf.Chain) {
			if noreply {
				return
			}
			out.AppendString("OK\r\n")
		})
	}); err != nil {
		out.AppendString("SERVER_ERROR backend unavailable\r\n")
		return Malformed
	}
	return Async
}

func (h *TextHandler) doStats(out *iobuf.Chain) {
	hits, misses, mutations := h.engine.Counters()
	if h.srv != nil {
		out.Appendf("STAT curr_connections %d\r\n", h.srv.CurrConnections())
		out.Appendf("STAT total_connections %d\r\n", h.srv.TotalConnections())
		out.Appendf("STAT cmd_total %d\r\n", h.srv.Commands())
		out.Appendf("STAT bytes_read %d\r\n", h.srv.IO.BytesRead())
		out.Appendf("STAT bytes_written %d\r\n", h.srv.IO.BytesWritten())
	}
	out.Appendf("STAT get_hits %d\r\n", hits)
	out.Appendf("STAT get_misses %d\r\n", misses)
	out.Appendf("STAT mutations %d\r\n", mutations)
	out.Appendf("STAT curr_items %d\r\n", h.engine.ItemCount())
	out.Appendf("STAT version %s\r\n", ServerVersion)
	out.AppendString("END\r\n")
}
