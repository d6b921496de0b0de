// +build linux freebsd dragonfly

package kvpoll

import (
	"os"
	"runtime"
	"sync/atomic"
	"time"

	gerrors "github.com/panjf2000/gnet/errors"
	"golang.org/x/sys/unix"

	"kvpoll/internal/netpoll"
)

type eventloop struct {
	ln                *listener       // the listener, shared in reusePort mode
	idx               int             // index of this loop in the load balancer
	svr               *server         // server that owns this loop
	poller            *netpoll.Poller // epoll instance
	connCount         int32           // live connections on this loop
	connections       map[int]*conn   // fd -> connection
	eventHandler      EventHandler    // user event callbacks
	calibrateCallback func(*eventloop, int32)
}

func (el *eventloop) closeAllConns() {
	for _, c := range el.connections {
		_ = el.loopCloseConn(c, nil)
	}
}

func (el *eventloop) loopRun(lockOSThread bool) {
	if lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	defer func() {
		el.closeAllConns()
		el.ln.close()
		el.svr.signalShutdown()
	}()

	err := el.poller.Polling(el.handleEvent)
	el.svr.logger.Infof("Event-loop(%d) is exiting due to error: %v", el.idx, err)
}

func (el *eventloop) loopAccept(fd int) error {
	if fd != el.ln.fd {
		return nil
	}
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return gerrors.ErrAcceptSocket
	}
	if err = os.NewSyscallError("fcntl nonblock", unix.SetNonblock(nfd, true)); err != nil {
		return err
	}

	netAddr := netpoll.SockaddrToTCPOrUnixAddr(sa)
	c := newTCPConn(nfd, el, sa, netAddr)
	if err = el.poller.AddRead(c.fd); err == nil {
		el.connections[c.fd] = c
		return el.loopOpen(c)
	}
	_ = unix.Close(nfd)
	return err
}

func (el *eventloop) loopOpen(c *conn) error {
	if el.calibrateCallback != nil {
		el.calibrateCallback(el, 1)
	}
	el.svr.stats.ConnOpened()
	if el.svr.opts.TCPKeepAlive > 0 && el.ln.network == "tcp" {
		_ = netpoll.SetKeepAlive(c.fd, el.svr.opts.TCPKeepAlive)
	}
	switch el.eventHandler.OnOpened(c) {
	case Close:
		return el.loopCloseConn(c, nil)
	case Shutdown:
		return gerrors.ErrServerShutdown
	}
	return nil
}

// loopDispatch delivers one scheduler event into a connection's state
// machine, then re-arms the poller to match the state it settled in.
func (el *eventloop) loopDispatch(c *conn, ev event) error {
	switch c.handleEvent(ev) {
	case Close:
		return el.loopCloseConn(c, c.closeReason)
	case Shutdown:
		return gerrors.ErrServerShutdown
	}
	return el.updateInterest(c)
}

// updateInterest keeps epoll registration in step with the state machine:
// a connection blocked on send watches writability only, everything else
// watches readability.
func (el *eventloop) updateInterest(c *conn) error {
	wantWrite := c.state == stateSendIncomplete
	if wantWrite == c.watchWrite {
		return nil
	}
	c.watchWrite = wantWrite
	if wantWrite {
		return el.poller.ModWrite(c.fd)
	}
	return el.poller.ModRead(c.fd)
}

func (el *eventloop) loopCloseConn(c *conn, err error) error {
	cur, ok := el.connections[c.fd]
	if !ok || cur != c {
		return nil
	}
	if e := el.poller.Delete(c.fd); e != nil {
		el.svr.logger.Warnf("failed to remove fd=%d from poller in event-loop(%d): %v", c.fd, el.idx, e)
	}
	delete(el.connections, c.fd)
	if el.calibrateCallback != nil {
		el.calibrateCallback(el, -1)
	}
	el.svr.stats.ConnClosed()
	if e := c.sock.Close(); e != nil {
		el.svr.logger.Warnf("failed to close fd=%d in event-loop(%d): %v", c.fd, el.idx, e)
	}
	c.releaseTCP()
	switch el.eventHandler.OnClosed(c, err) {
	case Shutdown:
		return gerrors.ErrServerShutdown
	}
	return nil
}

func (el *eventloop) loopTicker() {
	var (
		delay time.Duration
		open  bool
	)
	for {
		err := el.poller.Trigger(func() (err error) {
			delay, action := el.eventHandler.Tick()
			el.svr.ticktock <- delay
			switch action {
			case Shutdown:
				err = gerrors.ErrServerShutdown
			}
			return
		})
		if err != nil {
			el.svr.logger.Infof("stopping ticker in event-loop(%d) from Tick() error: %v", el.idx, err)
			break
		}
		if delay, open = <-el.svr.ticktock; open {
			time.Sleep(delay)
		} else {
			break
		}
	}
}

func (el *eventloop) addConnCount(delta int32) {
	atomic.AddInt32(&el.connCount, delta)
}

func (el *eventloop) loadConnCount() int32 {
	return atomic.LoadInt32(&el.connCount)
}
