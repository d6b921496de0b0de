// A small pipelining client for the text protocol: writes a burst of
// commands in one packet, then reads replies until the connection idles.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/valyala/bytebufferpool"
)

func main() {
	var (
		addr string
		n    int
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:11211", "server address")
	flag.IntVar(&n, "n", 100, "number of keys to set and get back")
	flag.Parse()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()

	// One writev-sized burst: n sets followed by n gets.
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	for i := 0; i < n; i++ {
		val := fmt.Sprintf("value-%d", i)
		fmt.Fprintf(bb, "set key-%d 0 0 %d\r\n%s\r\n", i, len(val), val)
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(bb, "get key-%d\r\n", i)
	}

	start := time.Now()
	if _, err = conn.Write(bb.B); err != nil {
		log.Fatalf("write: %v", err)
	}

	r := bufio.NewReader(conn)
	stored, hits := 0, 0
	for stored < n || hits < n {
		line, err := r.ReadString('\n')
		if err != nil {
			log.Fatalf("read: %v", err)
		}
		switch {
		case line == "STORED\r\n":
			stored++
		case len(line) > 5 && line[:5] == "VALUE":
			if _, err = r.ReadString('\n'); err != nil { // data block
				log.Fatalf("read value: %v", err)
			}
			if _, err = r.ReadString('\n'); err != nil { // END
				log.Fatalf("read END: %v", err)
			}
			hits++
		}
	}
	log.Printf("%d sets + %d gets pipelined in %v", stored, hits, time.Since(start))
}
