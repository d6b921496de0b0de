package kvpoll

import "kvpoll/internal/netpoll"

// handleEvent translates raw epoll readiness into a state-machine event for
// the owning connection, or accepts when the fd is not a connection yet.
func (el *eventloop) handleEvent(fd int, ev uint32) error {
	if c, ok := el.connections[fd]; ok {
		return el.loopDispatch(c, event{
			kind:     eventSocket,
			readable: ev&netpoll.InEvents != 0,
			writable: ev&netpoll.OutEvents != 0,
		})
	}
	return el.loopAccept(fd)
}
