// Package kvpoll is an event-driven key-value server. Each connection is a
// small state machine driven by epoll readiness and storage-engine
// completions, with buffered non-blocking I/O in both directions.
package kvpoll

import (
	"strings"

	kverrors "kvpoll/errors"
	"kvpoll/internal/logging"
)

// Serve starts handling connections for the given proto address, e.g.
// "tcp://:11211" or "tcp4://127.0.0.1:11211". It blocks until the server
// shuts down, either from a handler returning Shutdown, a client's shutdown
// command, or Stop.
func Serve(eventHandler EventHandler, protoAddr string, opts ...Option) error {
	defer logging.Cleanup()

	network, addr, err := parseProtoAddr(protoAddr)
	if err != nil {
		return err
	}

	options := loadOptions(opts...)

	ln, err := initListener(network, addr, options.ReusePort)
	if err != nil {
		return err
	}
	defer ln.close()

	return serve(eventHandler, ln, options, protoAddr)
}

// Stop gracefully shuts down the server serving the given proto address.
func Stop(protoAddr string) error {
	if s, ok := serverFarm.Load(protoAddr); ok {
		svr := s.(*server)
		if svr.isInShutdown() {
			return kverrors.ErrServerInShutdown
		}
		svr.signalShutdown()
		serverFarm.Delete(protoAddr)
		return nil
	}
	return kverrors.ErrServerNotRunning
}

func parseProtoAddr(protoAddr string) (network, addr string, err error) {
	network = "tcp"
	addr = strings.ToLower(protoAddr)
	if strings.Contains(addr, "://") {
		pair := strings.SplitN(addr, "://", 2)
		network = pair[0]
		addr = pair[1]
	}
	if addr == "" {
		err = kverrors.ErrInvalidProtoAddr
	}
	return
}

func sniffErrorAndLog(err error) {
	if err != nil {
		logging.DefaultLogger.Errorf(err.Error())
	}
}
