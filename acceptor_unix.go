// +build linux freebsd dragonfly

package kvpoll

import (
	"os"

	gerrors "github.com/panjf2000/gnet/errors"
	"golang.org/x/sys/unix"

	"kvpoll/internal/netpoll"
)

func (svr *server) acceptNewConnection(fd int) error {
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
	el := svr.lb.next(netAddr)
	c := newTCPConn(nfd, el, sa, netAddr)

	// Hand the new connection over to its event-loop's goroutine. All
	// registration and state for c lives on that goroutine from here on.
	err = el.poller.Trigger(func() (err error) {
		if err = el.poller.AddRead(nfd); err != nil {
			_ = unix.Close(nfd)
			c.releaseTCP()
			return
		}
		el.connections[nfd] = c
		err = el.loopOpen(c)
		return
	})
	if err != nil {
		_ = unix.Close(nfd)
		c.releaseTCP()
	}
	return nil
}
