package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"kvpoll"
)

type kvServer struct {
	*kvpoll.EventServer
}

func (s *kvServer) OnInitComplete(srv kvpoll.Server) kvpoll.Action {
	log.Printf("kv server is listening on %s (multi-core: %t, event-loops: %d)",
		srv.Addr.String(), srv.Multicore, srv.NumEventLoop)
	return kvpoll.None
}

func (s *kvServer) Tick() (time.Duration, kvpoll.Action) {
	return 10 * time.Second, kvpoll.None
}

func main() {
	var (
		port      int
		multicore bool
		reuseport bool
		proto     string
	)
	flag.IntVar(&port, "port", 11211, "server port")
	flag.BoolVar(&multicore, "multicore", true, "one event-loop per CPU")
	flag.BoolVar(&reuseport, "reuseport", false, "SO_REUSEPORT listeners")
	flag.StringVar(&proto, "proto", "text", "wire protocol: text, binary or http")
	flag.Parse()

	wire := kvpoll.TextProtocol
	switch proto {
	case "binary":
		wire = kvpoll.BinaryProtocol
	case "http":
		wire = kvpoll.HTTPProtocol
	}

	addr := fmt.Sprintf("tcp://:%d", port)
	log.Fatal(kvpoll.Serve(new(kvServer), addr,
		kvpoll.WithMulticore(multicore),
		kvpoll.WithReusePort(reuseport),
		kvpoll.WithProtocol(wire),
		kvpoll.WithTCPKeepAlive(5*time.Minute)))
}
