// Package store is the in-memory key-value engine behind the protocol
// handlers. Reads are served synchronously off sharded maps; mutations are
// dispatched to a worker pool and report back through exactly one completion
// callback per dispatch, which is what the connection layer turns into its
// request-complete events.
package store

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/zeebo/xxh3"

	kverr "kvpoll/errors"
)

// Status is the outcome category of one storage operation.
type Status int8

const (
	Stored Status = iota
	NotStored
	Deleted
	NotFound
	Flushed
	BadDelta // value not an unsigned decimal number
)

// OpKind enumerates the asynchronous mutation operations.
type OpKind int8

const (
	OpSet OpKind = iota
	OpAdd
	OpReplace
	OpDelete
	OpFlushAll
)

// Op is one mutation to execute asynchronously.
type Op struct {
	Kind    OpKind
	Key     string
	Value   []byte
	Flags   uint32
	Exptime int64 // seconds from now; 0 means no expiry
}

// Result is handed to the completion callback of a Dispatch.
type Result struct {
	Status Status
}

// Item is a stored value with its metadata.
type Item struct {
	Value    []byte
	Flags    uint32
	expireAt int64 // unix seconds, 0 means never
}

type shard struct {
	mu    sync.RWMutex
	items map[string]Item
}

// Engine is a sharded in-memory store with an asynchronous executor.
type Engine struct {
	shards []shard
	mask   uint64
	pool   *ants.Pool
	closed int32

	hits      int64
	misses    int64
	mutations int64
}

// NewEngine builds an engine with shardCount shards (rounded up to a power
// of two) and an executor of the given number of workers. workers <= 0 runs
// every dispatch inline on the calling goroutine, which unit tests rely on.
func NewEngine(shardCount, workers int) (*Engine, error) {
	n := 1
	for n < shardCount {
		n <<= 1
	}
	e := &Engine{shards: make([]shard, n), mask: uint64(n - 1)}
	for i := range e.shards {
		e.shards[i].items = make(map[string]Item)
	}
	if workers > 0 {
		pool, err := ants.NewPool(workers)
		if err != nil {
			return nil, err
		}
		e.pool = pool
	}
	return e, nil
}

// Close releases the executor. Outstanding dispatches finish first.
func (e *Engine) Close() {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return
	}
	if e.pool != nil {
		e.pool.Release()
	}
}

func (e *Engine) shardFor(key string) *shard {
	return &e.shards[xxh3.HashString(key)&e.mask]
}

// Get returns the item for key, honoring lazy expiry.
func (e *Engine) Get(key string) (Item, bool) {
	sh := e.shardFor(key)
	sh.mu.RLock()
	it, ok := sh.items[key]
	sh.mu.RUnlock()
	if ok && it.expireAt != 0 && it.expireAt <= time.Now().Unix() {
		sh.mu.Lock()
		// Re-check under the write lock, a concurrent set may have refreshed it.
		if cur, still := sh.items[key]; still && cur.expireAt == it.expireAt {
			delete(sh.items, key)
		}
		sh.mu.Unlock()
		ok = false
	}
	if ok {
		atomic.AddInt64(&e.hits, 1)
	} else {
		atomic.AddInt64(&e.misses, 1)
	}
	return it, ok
}

// IncrDecr adjusts the decimal value stored at key by delta and returns the
// new value. The stored value must be an ASCII unsigned number; decrements
// floor at zero.
func (e *Engine) IncrDecr(key string, delta uint64, incr bool) (uint64, Status) {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	it, ok := sh.items[key]
	if !ok || (it.expireAt != 0 && it.expireAt <= time.Now().Unix()) {
		return 0, NotFound
	}
	cur, err := strconv.ParseUint(string(it.Value), 10, 64)
	if err != nil {
		return 0, BadDelta
	}
	if incr {
		cur += delta
	} else if cur < delta {
		cur = 0
	} else {
		cur -= delta
	}
	it.Value = strconv.AppendUint(it.Value[:0], cur, 10)
	sh.items[key] = it
	atomic.AddInt64(&e.mutations, 1)
	return cur, Stored
}

// Dispatch submits op to the executor; done is invoked exactly once with the
// outcome. With no pool configured, or when the pool rejects the submission,
// the op executes inline so the single-completion guarantee holds either way.
func (e *Engine) Dispatch(op Op, done func(Result)) error {
	if atomic.LoadInt32(&e.closed) == 1 {
		return kverr.ErrEngineClosed
	}
	if e.pool == nil {
		done(e.apply(op))
		return nil
	}
	if err := e.pool.Submit(func() { done(e.apply(op)) }); err != nil {
		done(e.apply(op))
	}
	return nil
}

func (e *Engine) apply(op Op) Result {
	atomic.AddInt64(&e.mutations, 1)
	switch op.Kind {
	case OpFlushAll:
		for i := range e.shards {
			sh := &e.shards[i]
			sh.mu.Lock()
			sh.items = make(map[string]Item)
			sh.mu.Unlock()
		}
		return Result{Status: Flushed}
	case OpDelete:
		sh := e.shardFor(op.Key)
		sh.mu.Lock()
		_, ok := sh.items[op.Key]
		delete(sh.items, op.Key)
		sh.mu.Unlock()
		if !ok {
			return Result{Status: NotFound}
		}
		return Result{Status: Deleted}
	}

	it := Item{Value: op.Value, Flags: op.Flags}
	if op.Exptime > 0 {
		it.expireAt = time.Now().Unix() + op.Exptime
	}
	sh := e.shardFor(op.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, exists := sh.items[op.Key]
	switch op.Kind {
	case OpAdd:
		if exists {
			return Result{Status: NotStored}
		}
	case OpReplace:
		if !exists {
			return Result{Status: NotStored}
		}
	}
	sh.items[op.Key] = it
	return Result{Status: Stored}
}

// ItemCount walks the shards; approximate under concurrent mutation.
func (e *Engine) ItemCount() int {
	total := 0
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.RLock()
		total += len(sh.items)
		sh.mu.RUnlock()
	}
	return total
}

// Counters returns the hit/miss/mutation totals.
func (e *Engine) Counters() (hits, misses, mutations int64) {
	return atomic.LoadInt64(&e.hits), atomic.LoadInt64(&e.misses), atomic.LoadInt64(&e.mutations)
}
