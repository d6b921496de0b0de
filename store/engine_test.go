package store

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	kverr "kvpoll/errors"
)

func TestMain(m *testing.M) {
	// The ants pool's purge goroutine lingers until its next sweep tick
	// after Release.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/panjf2000/ants/v2.(*Pool).purgePeriodically"))
}

// inlineEngine builds an engine whose dispatches run on the calling
// goroutine, so completion ordering is deterministic in tests.
func inlineEngine(t *testing.T) *Engine {
	e, err := NewEngine(4, 0)
	require.NoError(t, err)
	return e
}

func mustDispatch(t *testing.T, e *Engine, op Op) Result {
	t.Helper()
	var res Result
	called := 0
	require.NoError(t, e.Dispatch(op, func(r Result) {
		res = r
		called++
	}))
	require.Equal(t, 1, called)
	return res
}

func TestEngineSetGet(t *testing.T) {
	e := inlineEngine(t)
	defer e.Close()

	res := mustDispatch(t, e, Op{Kind: OpSet, Key: "foo", Value: []byte("bar"), Flags: 7})
	assert.Equal(t, Stored, res.Status)

	it, ok := e.Get("foo")
	require.True(t, ok)
	assert.Equal(t, []byte("bar"), it.Value)
	assert.Equal(t, uint32(7), it.Flags)

	_, ok = e.Get("missing")
	assert.False(t, ok)

	hits, misses, _ := e.Counters()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestEngineAddReplace(t *testing.T) {
	e := inlineEngine(t)
	defer e.Close()

	assert.Equal(t, NotStored, mustDispatch(t, e, Op{Kind: OpReplace, Key: "k", Value: []byte("v")}).Status)
	assert.Equal(t, Stored, mustDispatch(t, e, Op{Kind: OpAdd, Key: "k", Value: []byte("v")}).Status)
	assert.Equal(t, NotStored, mustDispatch(t, e, Op{Kind: OpAdd, Key: "k", Value: []byte("v2")}).Status)
	assert.Equal(t, Stored, mustDispatch(t, e, Op{Kind: OpReplace, Key: "k", Value: []byte("v3")}).Status)

	it, ok := e.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v3"), it.Value)
}

func TestEngineDelete(t *testing.T) {
	e := inlineEngine(t)
	defer e.Close()

	mustDispatch(t, e, Op{Kind: OpSet, Key: "k", Value: []byte("v")})
	assert.Equal(t, Deleted, mustDispatch(t, e, Op{Kind: OpDelete, Key: "k"}).Status)
	assert.Equal(t, NotFound, mustDispatch(t, e, Op{Kind: OpDelete, Key: "k"}).Status)
}

func TestEngineFlushAll(t *testing.T) {
	e := inlineEngine(t)
	defer e.Close()

	for i := 0; i < 10; i++ {
		mustDispatch(t, e, Op{Kind: OpSet, Key: "k" + strconv.Itoa(i), Value: []byte("v")})
	}
	require.Equal(t, 10, e.ItemCount())

	assert.Equal(t, Flushed, mustDispatch(t, e, Op{Kind: OpFlushAll}).Status)
	assert.Zero(t, e.ItemCount())
}

func TestEngineLazyExpiry(t *testing.T) {
	e := inlineEngine(t)
	defer e.Close()

	// Plant an item that expired long ago; the next Get must miss and
	// remove it.
	sh := e.shardFor("stale")
	sh.mu.Lock()
	sh.items["stale"] = Item{Value: []byte("v"), expireAt: 1}
	sh.mu.Unlock()

	_, ok := e.Get("stale")
	assert.False(t, ok)
	assert.Zero(t, e.ItemCount())

	// Without an expiry the item outlives any clock reading.
	mustDispatch(t, e, Op{Kind: OpSet, Key: "fresh", Value: []byte("v")})
	_, ok = e.Get("fresh")
	assert.True(t, ok)
}

func TestEngineIncrDecr(t *testing.T) {
	e := inlineEngine(t)
	defer e.Close()

	mustDispatch(t, e, Op{Kind: OpSet, Key: "n", Value: []byte("5")})

	val, st := e.IncrDecr("n", 3, true)
	assert.Equal(t, Stored, st)
	assert.Equal(t, uint64(8), val)

	// Decrement floors at zero instead of wrapping.
	val, st = e.IncrDecr("n", 100, false)
	assert.Equal(t, Stored, st)
	assert.Zero(t, val)

	mustDispatch(t, e, Op{Kind: OpSet, Key: "s", Value: []byte("not a number")})
	_, st = e.IncrDecr("s", 1, true)
	assert.Equal(t, BadDelta, st)

	_, st = e.IncrDecr("missing", 1, true)
	assert.Equal(t, NotFound, st)
}

func TestEngineDispatchAfterClose(t *testing.T) {
	e := inlineEngine(t)
	e.Close()

	err := e.Dispatch(Op{Kind: OpSet, Key: "k"}, func(Result) {
		t.Fatal("completion after close")
	})
	assert.ErrorIs(t, err, kverr.ErrEngineClosed)
}

func TestEngineDispatchPoolExactlyOnce(t *testing.T) {
	e, err := NewEngine(8, 4)
	require.NoError(t, err)
	defer e.Close()

	const n = 200
	var completions int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		op := Op{Kind: OpSet, Key: "k" + strconv.Itoa(i%17), Value: []byte("v")}
		require.NoError(t, e.Dispatch(op, func(r Result) {
			assert.Equal(t, Stored, r.Status)
			atomic.AddInt64(&completions, 1)
			wg.Done()
		}))
	}
	wg.Wait()
	assert.Equal(t, int64(n), atomic.LoadInt64(&completions))
	assert.Equal(t, 17, e.ItemCount())
}
