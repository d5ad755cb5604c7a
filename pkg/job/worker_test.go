package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerSubmit_SpillsWhenInboxFull(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.PoolCapacity = 8
		c.QueueCapacity = 64
	})
	// Not registered with the system, so nothing else drains it.
	w := newWorker(js, 1, js.Workers())
	require.Equal(t, 16, w.inbox.Capacity())

	var hs []Handle
	for range 8 {
		h, err := js.Create(func() {}, Metadata{})
		require.NoError(t, err)
		n, err := js.pool.get(h)
		require.NoError(t, err)
		require.True(t, n.casState(h, Idle, Pending))
		hs = append(hs, h)
	}

	require.NotPanics(t, func() {
		for range 3 {
			for _, h := range hs {
				w.submit(h)
			}
		}
	})
	assert.Equal(t, int64(8), w.spilled.Load())
	assert.True(t, w.hasWork())

	// Entries for a recycled slot are dropped on drain.
	js.pool.release(hs[0])
	w.drain()

	assert.Zero(t, w.spilled.Load())
	assert.True(t, w.inbox.Empty())
	assert.Equal(t, 21, w.private.Len()+w.public.Len()+len(w.overflow))
}

func TestStaleHandle_CannotClaimRecycledSlot(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.PoolCapacity = 4
	})

	h, err := js.Dispatch(func() {}, "", Deferred)
	require.NoError(t, err)
	n, err := js.pool.get(h)
	require.NoError(t, err)
	js.Wait(nil)

	var ran bool
	h2, err := js.Create(func() { ran = true }, Metadata{})
	require.NoError(t, err)
	require.Equal(t, h.index(), h2.index(), "slot should be reused")
	require.NotEqual(t, h, h2)

	assert.False(t, n.casState(h, Idle, Preempted))
	assert.False(t, n.holds(h, Idle))
	assert.True(t, n.holds(h2, Idle))

	ok, err := js.TryPreemptAndExecute(h)
	assert.False(t, ok)
	assert.True(t, IsInvalidHandle(err))
	assert.False(t, ran)

	st, err := js.State(h2)
	require.NoError(t, err)
	assert.Equal(t, Idle, st)

	ok, err = js.TryPreemptAndExecute(h2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ran)
}

func TestRelease_BumpsGenerationBeforeReuse(t *testing.T) {
	p := newPool(2, 2, 2)
	h, n := p.alloc(func() {}, Metadata{})
	require.True(t, n.casState(h, Idle, Pending))

	p.release(h)
	assert.False(t, n.casState(h, Idle, Pending))
	assert.Equal(t, Idle, n.loadState())
	assert.Equal(t, h.generation()+1, n.generation())

	_, err := p.get(h)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.Equal(t, 2, p.available())
}
