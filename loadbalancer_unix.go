// +build linux freebsd dragonfly

package kvpoll

import (
	"net"

	"github.com/zeebo/xxh3"
)

// loadBalancer places new connections onto event-loops.
type loadBalancer interface {
	register(*eventloop)
	next(net.Addr) *eventloop
	iterate(func(int, *eventloop) bool)
	len() int
	calibrate(*eventloop, int32)
}

// roundRobinLoadBalancer assigns connections to event-loops in turn.
type roundRobinLoadBalancer struct {
	nextLoopIndex int
	eventLoops    []*eventloop
	size          int
}

func (lb *roundRobinLoadBalancer) register(el *eventloop) {
	el.idx = lb.size
	lb.eventLoops = append(lb.eventLoops, el)
	lb.size++
}

// next returns the next event-loop. Only called from the main reactor
// goroutine, so no locking is needed.
func (lb *roundRobinLoadBalancer) next(_ net.Addr) (el *eventloop) {
	el = lb.eventLoops[lb.nextLoopIndex]
	if lb.nextLoopIndex++; lb.nextLoopIndex >= lb.size {
		lb.nextLoopIndex = 0
	}
	return
}

func (lb *roundRobinLoadBalancer) iterate(f func(int, *eventloop) bool) {
	for i, el := range lb.eventLoops {
		if !f(i, el) {
			break
		}
	}
}

func (lb *roundRobinLoadBalancer) len() int { return lb.size }

func (lb *roundRobinLoadBalancer) calibrate(el *eventloop, delta int32) {
	el.addConnCount(delta)
}

// leastConnectionsLoadBalancer picks the event-loop with the fewest
// connections. Connection counts move under each loop's own atomic, so the
// scan here reads a slightly stale but safe snapshot.
type leastConnectionsLoadBalancer struct {
	eventLoops []*eventloop
	size       int
}

func (lb *leastConnectionsLoadBalancer) register(el *eventloop) {
	el.idx = lb.size
	lb.eventLoops = append(lb.eventLoops, el)
	lb.size++
}

func (lb *leastConnectionsLoadBalancer) next(_ net.Addr) (el *eventloop) {
	el = lb.eventLoops[0]
	min := el.loadConnCount()
	for _, v := range lb.eventLoops[1:] {
		if n := v.loadConnCount(); n < min {
			min = n
			el = v
		}
	}
	return
}

func (lb *leastConnectionsLoadBalancer) iterate(f func(int, *eventloop) bool) {
	for i, el := range lb.eventLoops {
		if !f(i, el) {
			break
		}
	}
}

func (lb *leastConnectionsLoadBalancer) len() int { return lb.size }

func (lb *leastConnectionsLoadBalancer) calibrate(el *eventloop, delta int32) {
	el.addConnCount(delta)
}

// sourceAddrHashLoadBalancer pins each remote address to one event-loop.
type sourceAddrHashLoadBalancer struct {
	eventLoops []*eventloop
	size       int
}

func (lb *sourceAddrHashLoadBalancer) register(el *eventloop) {
	el.idx = lb.size
	lb.eventLoops = append(lb.eventLoops, el)
	lb.size++
}

func (lb *sourceAddrHashLoadBalancer) hash(s string) int {
	return int(xxh3.HashString(s) % uint64(lb.size))
}

func (lb *sourceAddrHashLoadBalancer) next(netAddr net.Addr) *eventloop {
	return lb.eventLoops[lb.hash(netAddr.String())]
}

func (lb *sourceAddrHashLoadBalancer) iterate(f func(int, *eventloop) bool) {
	for i, el := range lb.eventLoops {
		if !f(i, el) {
			break
		}
	}
}

func (lb *sourceAddrHashLoadBalancer) len() int { return lb.size }

func (lb *sourceAddrHashLoadBalancer) calibrate(el *eventloop, delta int32) {
	el.addConnCount(delta)
}
