package workqueue

import (
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeque_Capacity(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"zero uses default", 0, DefaultCapacity},
		{"negative uses default", -3, DefaultCapacity},
		{"power of two kept", 64, 64},
		{"rounded up", 100, 128},
		{"one", 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewDeque(tt.in).Capacity())
		})
	}
}

func TestDeque_OwnerIsLIFOThiefIsFIFO(t *testing.T) {
	d := NewDeque(8)
	for i := uint64(1); i <= 4; i++ {
		require.True(t, d.Push(i))
	}
	assert.Equal(t, 4, d.Len())

	v, ok := d.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(4), v)

	v, ok = d.Steal()
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)

	v, ok = d.Steal()
	require.True(t, ok)
	assert.Equal(t, uint64(2), v)

	v, ok = d.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(3), v)

	_, ok = d.Pop()
	assert.False(t, ok)
	_, ok = d.Steal()
	assert.False(t, ok)
	assert.True(t, d.Empty())
}

func TestDeque_PushFailsWhenFull(t *testing.T) {
	d := NewDeque(4)
	for i := uint64(0); i < 4; i++ {
		require.True(t, d.Push(i))
	}
	assert.False(t, d.Push(99))

	_, ok := d.Steal()
	require.True(t, ok)
	assert.True(t, d.Push(99), "a steal frees a slot")
}

func TestDeque_WrapsAround(t *testing.T) {
	d := NewDeque(4)
	next := uint64(0)
	for round := 0; round < 50; round++ {
		for i := 0; i < 3; i++ {
			require.True(t, d.Push(next))
			next++
		}
		_, ok := d.Steal()
		require.True(t, ok)
		_, ok = d.Pop()
		require.True(t, ok)
		_, ok = d.Pop()
		require.True(t, ok)
	}
	assert.True(t, d.Empty())
}

// TestDeque_ExactlyOnceDelivery checks that concurrent Pop/Steal never
// deliver a value twice and never lose one.
func TestDeque_ExactlyOnceDelivery(t *testing.T) {
	const (
		rounds  = 40
		values  = 5000
		thieves = 4
	)

	for round := 0; round < rounds; round++ {
		rng := rand.New(rand.NewSource(int64(round)))
		d := NewDeque(64)

		seen := make([]atomic.Int32, values)
		var delivered atomic.Int64
		var sum atomic.Uint64

		record := func(v uint64) {
			seen[v].Add(1)
			delivered.Add(1)
			sum.Add(v)
		}

		done := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < thieves; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					if v, ok := d.Steal(); ok {
						record(v)
						continue
					}
					select {
					case <-done:
						return
					default:
						runtime.Gosched()
					}
				}
			}()
		}

		// Owner: push everything, popping at random to interleave with thieves.
		for v := uint64(0); v < values; {
			if d.Push(v) {
				v++
			} else if pv, ok := d.Pop(); ok {
				record(pv)
			}
			if rng.Intn(4) == 0 {
				if pv, ok := d.Pop(); ok {
					record(pv)
				}
			}
		}
		for delivered.Load() < values {
			if pv, ok := d.Pop(); ok {
				record(pv)
			} else {
				runtime.Gosched()
			}
		}
		close(done)
		wg.Wait()

		require.Equal(t, int64(values), delivered.Load(), "round %d", round)
		require.Equal(t, uint64(values*(values-1)/2), sum.Load(), "round %d checksum", round)
		for v := range seen {
			require.Equal(t, int32(1), seen[v].Load(), "round %d value %d", round, v)
		}
	}
}
