package protocol

import (
	"net/url"
	"strconv"

	"github.com/antlabs/httparser"

	"kvpoll/internal/iobuf"
	"kvpoll/internal/stats"
	"kvpoll/store"
)

// HTTPHandler is the admin variant: a small HTTP surface over the same
// engine, parsed incrementally so a request may arrive across any number of
// reads. GET /stats reports counters, GET /kv?key=K reads a value, a request
// to /kv with a body stores it asynchronously.
type HTTPHandler struct {
	engine *store.Engine
	srv    *stats.ServerStats

	parser  *httparser.Parser
	setting httparser.Setting

	reqURL   []byte
	reqBody  []byte
	complete bool
}

// NewHTTPHandler builds the admin handler bound to the engine.
func NewHTTPHandler(engine *store.Engine, srv *stats.ServerStats) *HTTPHandler {
	h := &HTTPHandler{engine: engine, srv: srv, parser: httparser.New(httparser.REQUEST)}
	h.setting = httparser.Setting{
		MessageBegin: func(*httparser.Parser) {
			h.reqURL = h.reqURL[:0]
			h.reqBody = h.reqBody[:0]
			h.complete = false
		},
		URL: func(_ *httparser.Parser, buf []byte) {
			h.reqURL = append(h.reqURL, buf...)
		},
		Status:          func(_ *httparser.Parser, buf []byte) {},
		HeaderField:     func(_ *httparser.Parser, buf []byte) {},
		HeaderValue:     func(_ *httparser.Parser, buf []byte) {},
		HeadersComplete: func(*httparser.Parser) {},
		Body: func(_ *httparser.Parser, buf []byte) {
			h.reqBody = append(h.reqBody, buf...)
		},
		MessageComplete: func(*httparser.Parser) {
			h.complete = true
		},
	}
	return h
}

func httpResponse(out *iobuf.Chain, status int, reason string, contentType string, body []byte) {
	out.Appendf("HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: keep-alive\r\n\r\n",
		status, reason, contentType, len(body))
	out.Append(body)
}

func (h *HTTPHandler) Process(c Conn, in *iobuf.Inbound, out *iobuf.Chain) Disposition {
	n, err := h.parser.Execute(&h.setting, in.Bytes())
	if err != nil {
		in.Consume(in.Len())
		h.parser.Reset()
		httpResponse(out, 400, "Bad Request", "text/plain", []byte("bad request\n"))
		return Malformed
	}
	in.Consume(n)
	if !h.complete {
		return Partial
	}
	h.complete = false
	h.parser.Reset()
	if h.srv != nil {
		h.srv.CommandDone()
	}

	u, uerr := url.Parse(string(h.reqURL))
	if uerr != nil {
		httpResponse(out, 400, "Bad Request", "text/plain", []byte("bad url\n"))
		return Malformed
	}

	switch u.Path {
	case "/stats":
		return h.serveStats(out)
	case "/kv":
		key := u.Query().Get("key")
		if key == "" || len(key) > maxKeyLength {
			httpResponse(out, 400, "Bad Request", "text/plain", []byte("missing or oversized key\n"))
			return Malformed
		}
		if len(h.reqBody) == 0 {
			it, ok := h.engine.Get(key)
			if !ok {
				httpResponse(out, 404, "Not Found", "text/plain", []byte("not found\n"))
				return SendNow
			}
			httpResponse(out, 200, "OK", "application/octet-stream", it.Value)
			return SendNow
		}
		op := store.Op{Kind: store.OpSet, Key: key, Value: append([]byte(nil), h.reqBody...)}
		if err := h.engine.Dispatch(op, func(res store.Result) {
			c.Complete(func(out *iobuf.Chain) {
				if res.Status == store.Stored {
					httpResponse(out, 201, "Created", "text/plain", []byte("stored\n"))
				} else {
					httpResponse(out, 500, "Internal Server Error", "text/plain", []byte("not stored\n"))
				}
			})
		}); err != nil {
			httpResponse(out, 503, "Service Unavailable", "text/plain", []byte("backend unavailable\n"))
			return Malformed
		}
		return Async
	}

	httpResponse(out, 404, "Not Found", "text/plain", []byte("not found\n"))
	return SendNow
}

func (h *HTTPHandler) serveStats(out *iobuf.Chain) Disposition {
	hits, misses, mutations := h.engine.Counters()
	bb := make([]byte, 0, 256)
	bb = appendStat(bb, "get_hits", hits)
	bb = appendStat(bb, "get_misses", misses)
	bb = appendStat(bb, "mutations", mutations)
	bb = appendStat(bb, "curr_items", int64(h.engine.ItemCount()))
	if h.srv != nil {
		bb = appendStat(bb, "curr_connections", h.srv.CurrConnections())
		bb = appendStat(bb, "total_connections", h.srv.TotalConnections())
		bb = appendStat(bb, "cmd_total", h.srv.Commands())
		bb = appendStat(bb, "bytes_read", h.srv.IO.BytesRead())
		bb = appendStat(bb, "bytes_written", h.srv.IO.BytesWritten())
	}
	httpResponse(out, 200, "OK", "text/plain", bb)
	return SendNow
}

func appendStat(b []byte, name string, v int64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, v, 10)
	return append(b, '\n')
}
