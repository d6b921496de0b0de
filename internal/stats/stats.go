// Package stats keeps the server's monotonic counters. Writers touch them
// from the event-loops and the storage executor, so everything is atomic;
// readers (the stats command) only ever see best-effort snapshots.
package stats

import "sync/atomic"

// IOCounters accounts raw socket traffic.
type IOCounters struct {
	bytesRead    int64
	bytesWritten int64
}

func (c *IOCounters) AddBytesRead(n int) { atomic.AddInt64(&c.bytesRead, int64(n)) }

func (c *IOCounters) AddBytesWritten(n int) { atomic.AddInt64(&c.bytesWritten, int64(n)) }

func (c *IOCounters) BytesRead() int64 { return atomic.LoadInt64(&c.bytesRead) }

func (c *IOCounters) BytesWritten() int64 { return atomic.LoadInt64(&c.bytesWritten) }

// ServerStats is the per-server counter set.
type ServerStats struct {
	IO IOCounters

	currConnections  int64
	totalConnections int64
	commands         int64
}

func (s *ServerStats) ConnOpened() {
	atomic.AddInt64(&s.currConnections, 1)
	atomic.AddInt64(&s.totalConnections, 1)
}

func (s *ServerStats) ConnClosed() { atomic.AddInt64(&s.currConnections, -1) }

func (s *ServerStats) CommandDone() { atomic.AddInt64(&s.commands, 1) }

func (s *ServerStats) CurrConnections() int64 { return atomic.LoadInt64(&s.currConnections) }

func (s *ServerStats) TotalConnections() int64 { return atomic.LoadInt64(&s.totalConnections) }

func (s *ServerStats) Commands() int64 { return atomic.LoadInt64(&s.commands) }
