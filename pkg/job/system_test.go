package job

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/gojobs/pkg/profile"
)

func newTestSystem(t *testing.T, opts ...func(*Config)) *JobSystem {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CPUCores = 4
	cfg.PoolCapacity = 4096
	for _, opt := range opts {
		opt(&cfg)
	}
	js, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = js.Shutdown(context.Background()) })
	return js
}

// recorder collects kernel execution order.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) kernel(name string) func() {
	return func() {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestNew_WorkerCount(t *testing.T) {
	tests := []struct {
		name       string
		maxWorkers int
		cores      int
		want       int
	}{
		{"defaults to cores", 0, 6, 6},
		{"capped by max workers", 2, 6, 2},
		{"capped by cores", 12, 4, 4},
		{"single core", 0, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			js := newTestSystem(t, func(c *Config) {
				c.MaxWorkers = tt.maxWorkers
				c.CPUCores = tt.cores
			})
			assert.Equal(t, tt.want, js.Workers())
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolCapacity = 0
	cfg.Scheduler = "fastest"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "pool capacity")
	assert.Contains(t, err.Error(), "fastest")
}

func TestDispatch_SingularJobRuns(t *testing.T) {
	js := newTestSystem(t)

	var ran atomic.Int32
	h, err := js.Dispatch(func() { ran.Add(1) }, "single", Automatic)
	require.NoError(t, err)

	assert.True(t, js.WaitFor(h, nil))
	assert.Equal(t, int32(1), ran.Load())
	assert.True(t, js.IsWorkDone(h))

	js.Wait(nil)
	assert.False(t, js.IsBusy())
	assert.Equal(t, int64(0), js.Stats().PoolInUse)
}

func TestChain_CompletesInOrder(t *testing.T) {
	js := newTestSystem(t)
	rec := &recorder{}

	names := []string{"A", "B", "C"}
	handles := make([]Handle, len(names))
	for i, name := range names {
		h, err := js.Create(rec.kernel(name), Metadata{Label: "chain/" + name})
		require.NoError(t, err)
		require.NoError(t, js.SetKeepAlive(h, true))
		handles[i] = h
	}
	require.NoError(t, js.Connect(handles[0], handles[1]))
	require.NoError(t, js.Connect(handles[1], handles[2]))

	require.NoError(t, js.Schedule(handles[0], NoBarrier))
	js.Wait(nil)

	assert.Equal(t, names, rec.snapshot())
	for _, h := range handles {
		st, err := js.State(h)
		require.NoError(t, err)
		assert.Equal(t, Processed, st)
		require.NoError(t, js.Release(h))
	}
}

func TestFanOutFanIn(t *testing.T) {
	js := newTestSystem(t)

	var bDone, cDone, dRan atomic.Bool
	var dSawBoth atomic.Bool

	a, err := js.Create(func() {}, Metadata{})
	require.NoError(t, err)
	b, err := js.Create(func() { time.Sleep(2 * time.Millisecond); bDone.Store(true) }, Metadata{})
	require.NoError(t, err)
	c, err := js.Create(func() { time.Sleep(time.Millisecond); cDone.Store(true) }, Metadata{})
	require.NoError(t, err)
	d, err := js.Create(func() {
		dSawBoth.Store(bDone.Load() && cDone.Load())
		dRan.Store(true)
	}, Metadata{})
	require.NoError(t, err)

	require.NoError(t, js.Connect(a, b))
	require.NoError(t, js.Connect(a, c))
	require.NoError(t, js.Connect(b, d))
	require.NoError(t, js.Connect(c, d))

	require.NoError(t, js.Schedule(a, NoBarrier))
	assert.True(t, js.WaitFor(d, nil))
	assert.True(t, dRan.Load())
	assert.True(t, dSawBoth.Load(), "D started before B and C were processed")
}

func TestRandomDAG_TopologicalOrder(t *testing.T) {
	js := newTestSystem(t)
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 25; round++ {
		const size = 40
		var seq atomic.Int64
		start := make([]int64, size)
		finish := make([]int64, size)
		handles := make([]Handle, size)
		parents := make([]int, size)
		children := make([]int, size)

		for i := range size {
			idx := i
			h, err := js.Create(func() {
				start[idx] = seq.Add(1)
				finish[idx] = seq.Add(1)
			}, Metadata{})
			require.NoError(t, err)
			handles[i] = h
		}

		type edge struct{ from, to int }
		var edges []edge
		for to := 1; to < size; to++ {
			for k := 0; k < 3; k++ {
				from := rng.Intn(to)
				if parents[to] >= 4 || children[from] >= 8 {
					continue
				}
				if rng.Intn(2) == 0 {
					continue
				}
				require.NoError(t, js.Connect(handles[from], handles[to]))
				parents[to]++
				children[from]++
				edges = append(edges, edge{from, to})
			}
		}

		for i := range size {
			if parents[i] == 0 {
				require.NoError(t, js.Schedule(handles[i], NoBarrier))
			}
		}
		js.Wait(nil)

		for i := range size {
			require.NotZero(t, finish[i], "round %d: job %d never ran", round, i)
		}
		for _, e := range edges {
			assert.Less(t, finish[e.from], start[e.to],
				"round %d: edge %d->%d violated", round, e.from, e.to)
		}
	}
}

func TestReset_RestoresConstructionState(t *testing.T) {
	js := newTestSystem(t)

	var runs [4]atomic.Int32
	hs := make([]Handle, 4)
	for i := range hs {
		idx := i
		h, err := js.Create(func() { runs[idx].Add(1) }, Metadata{})
		require.NoError(t, err)
		require.NoError(t, js.SetKeepAlive(h, true))
		hs[i] = h
	}
	require.NoError(t, js.Connect(hs[0], hs[1]))
	require.NoError(t, js.Connect(hs[0], hs[2]))
	require.NoError(t, js.Connect(hs[1], hs[3]))
	require.NoError(t, js.Connect(hs[2], hs[3]))

	counts := func() []int32 {
		out := make([]int32, len(hs))
		for i, h := range hs {
			n, err := js.pool.get(h)
			require.NoError(t, err)
			out[i] = n.pending.Load()
		}
		return out
	}
	original := counts()
	assert.Equal(t, []int32{0, 1, 1, 2}, original)

	require.NoError(t, js.Schedule(hs[0], NoBarrier))
	js.Wait(nil)
	assert.Equal(t, []int32{0, 0, 0, 0}, counts())

	require.NoError(t, js.Reset(hs[0]))
	assert.Equal(t, original, counts())
	require.NoError(t, js.Reset(hs[0]))
	assert.Equal(t, original, counts(), "reset must be idempotent")

	require.NoError(t, js.Schedule(hs[0], NoBarrier))
	js.Wait(nil)
	for i := range runs {
		assert.Equal(t, int32(2), runs[i].Load(), "job %d", i)
	}
}

func TestReset_RejectsRunningGraph(t *testing.T) {
	js := newTestSystem(t)

	h, err := js.Create(func() {}, Metadata{Affinity: AffinityMain})
	require.NoError(t, err)
	require.NoError(t, js.SetKeepAlive(h, true))
	require.NoError(t, js.Schedule(h, NoBarrier))

	// Main-context jobs stay queued until a wait.
	err = js.Reset(h)
	assert.ErrorIs(t, err, ErrNotReady)

	js.Wait(nil)
	require.NoError(t, js.Reset(h))
	require.NoError(t, js.Release(h))
}

func TestAffinity_ForceWorkerWithoutStealing(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.WorkStealing = false
	})
	require.Equal(t, 4, js.Workers())

	for range 1000 {
		_, err := js.Submit(func() {}, Metadata{Affinity: ForceWorker(2)})
		require.NoError(t, err)
	}
	js.Wait(nil)

	stats := js.Stats()
	for tid, w := range stats.PerWorker {
		if tid == 2 {
			assert.Equal(t, int64(1000), w.Executed)
			continue
		}
		assert.Zero(t, w.Executed, "worker %d ran a pinned job", tid)
	}
}

func TestMinLoad_PicksLeastLoadedWorker(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.Scheduler = MinLoad
		c.WorkStealing = false
	})
	mon := js.Monitor()
	mon.LoadProfile(profile.Profile{
		"fast": 10 * time.Microsecond,
		"slow": 1000 * time.Microsecond,
	})
	mon.AddLoad(1, 5*time.Millisecond)
	mon.AddLoad(3, 2*time.Millisecond)

	_, err := js.Async(func() {}, "slow")
	require.NoError(t, err)
	// Round-robin would have picked worker 1.
	assert.Equal(t, 1000*time.Microsecond, mon.Load(2))

	_, err = js.Async(func() {}, "fast")
	require.NoError(t, err)
	assert.Equal(t, 1010*time.Microsecond, mon.Load(2))
	assert.Equal(t, 5*time.Millisecond, mon.Load(1))
	assert.Equal(t, 2*time.Millisecond, mon.Load(3))

	js.Wait(nil)
	assert.Equal(t, int64(2), js.Stats().PerWorker[2].Executed)
	assert.Zero(t, mon.Load(2), "a completed wait starts a new cycle")
}

func TestMinLoad_UnprofiledFallsBackToRoundRobin(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.Scheduler = MinLoad
		c.WorkStealing = false
	})
	// Unlabeled jobs are never profiled, so every pick takes the fallback.
	for range 6 {
		_, err := js.Async(func() {}, "")
		require.NoError(t, err)
	}
	js.Wait(nil)

	stats := js.Stats()
	assert.Zero(t, stats.PerWorker[0].Executed)
	for tid := 1; tid < 4; tid++ {
		assert.Equal(t, int64(2), stats.PerWorker[tid].Executed, "worker %d", tid)
	}
}

func TestPoolExhaustion_IsFatal(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.PoolCapacity = 4
	})

	var ran atomic.Int32
	for range 4 {
		_, err := js.Dispatch(func() { ran.Add(1) }, "", Deferred)
		require.NoError(t, err)
	}

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_, _ = js.Dispatch(func() {}, "", Deferred)
	}()
	fe, ok := recovered.(*FatalError)
	require.True(t, ok, "expected *FatalError panic, got %v", recovered)
	assert.ErrorIs(t, fe, ErrPoolExhausted)

	js.Wait(nil)
	assert.Equal(t, int32(4), ran.Load())

	// Slots are reusable once jobs complete.
	_, err := js.Dispatch(func() { ran.Add(1) }, "", Automatic)
	require.NoError(t, err)
	js.Wait(nil)
	assert.Equal(t, int32(5), ran.Load())
}

func TestConnect_Errors(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.MaxChildren = 2
		c.MaxParents = 1
	})
	mk := func(meta Metadata) Handle {
		h, err := js.Create(func() {}, meta)
		require.NoError(t, err)
		return h
	}

	// a stays queued on the main context until the final wait.
	a := mk(Metadata{Affinity: AffinityMain})
	b, c, d := mk(Metadata{}), mk(Metadata{}), mk(Metadata{})
	require.NoError(t, js.Connect(a, b))
	require.NoError(t, js.Connect(a, c))

	err := js.Connect(a, d)
	assert.True(t, IsEdgeCapacity(err), "fan-out overflow: %v", err)
	err = js.Connect(d, b)
	assert.True(t, IsEdgeCapacity(err), "fan-in overflow: %v", err)

	err = js.Connect(b, a)
	assert.ErrorIs(t, err, ErrCycle)
	err = js.Connect(d, d)
	assert.ErrorIs(t, err, ErrCycle)

	err = js.Connect(a, Handle(0))
	assert.True(t, IsInvalidHandle(err))

	err = js.Schedule(b, NoBarrier)
	assert.ErrorIs(t, err, ErrHasDependencies)

	require.NoError(t, js.Schedule(a, NoBarrier))
	err = js.Connect(b, d)
	assert.True(t, IsNotIdle(err), "connect after schedule: %v", err)
	err = js.Schedule(a, NoBarrier)
	assert.ErrorIs(t, err, ErrNotIdle)

	js.Wait(nil)
	require.NoError(t, js.Release(d))
}

func TestBarrier_WaitsForGroup(t *testing.T) {
	js := newTestSystem(t)

	id, err := js.CreateBarrier()
	require.NoError(t, err)

	var ran atomic.Int32
	for range 10 {
		h, err := js.Create(func() { ran.Add(1) }, Metadata{})
		require.NoError(t, err)
		require.NoError(t, js.Schedule(h, id))
	}
	require.NoError(t, js.WaitOnBarrier(id, nil))
	assert.Equal(t, int32(10), ran.Load())

	b, err := js.Barrier(id)
	require.NoError(t, err)
	assert.True(t, b.Finished())

	require.NoError(t, js.DestroyBarrier(id))
	assert.ErrorIs(t, js.DestroyBarrier(id), ErrBarrierUnused)
	assert.ErrorIs(t, js.WaitOnBarrier(id, nil), ErrBarrierUnused)
}

func TestBarrier_CountsWholeSubgraph(t *testing.T) {
	js := newTestSystem(t)
	id, err := js.CreateBarrier()
	require.NoError(t, err)

	block := make(chan struct{})
	root, err := js.Create(func() { <-block }, Metadata{Affinity: AffinityAsync})
	require.NoError(t, err)
	for range 3 {
		child, err := js.Create(func() {}, Metadata{})
		require.NoError(t, err)
		require.NoError(t, js.Connect(root, child))
	}
	require.NoError(t, js.Schedule(root, id))

	b, err := js.Barrier(id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), b.Pending())
	assert.ErrorIs(t, js.DestroyBarrier(id), ErrBarrierInUse)

	close(block)
	require.NoError(t, js.WaitOnBarrier(id, nil))
	require.NoError(t, js.DestroyBarrier(id))
}

func TestRetireBarrier_FreesSlotAfterLastJob(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.MaxBarriers = 1
	})

	t.Run("running jobs", func(t *testing.T) {
		id, err := js.CreateBarrier()
		require.NoError(t, err)

		block := make(chan struct{})
		h, err := js.Create(func() { <-block }, Metadata{Affinity: AffinityAsync})
		require.NoError(t, err)
		require.NoError(t, js.Schedule(h, id))

		require.NoError(t, js.RetireBarrier(id))
		_, err = js.CreateBarrier()
		assert.ErrorIs(t, err, ErrBarrierExhausted)

		close(block)
		js.Wait(nil)
		assert.Zero(t, js.Stats().BarriersInUse)
	})

	t.Run("already finished", func(t *testing.T) {
		id, err := js.CreateBarrier()
		require.NoError(t, err)
		require.NoError(t, js.RetireBarrier(id))
		assert.Zero(t, js.Stats().BarriersInUse)
		assert.ErrorIs(t, js.RetireBarrier(id), ErrBarrierUnused)
	})
}

func TestCreateBarrier_ClaimsEachSlotOnce(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.MaxBarriers = 4
	})

	var (
		mu      sync.Mutex
		claimed = map[BarrierID]int{}
		failed  atomic.Int32
		wg      sync.WaitGroup
	)
	for range 16 {
		wg.Go(func() {
			id, err := js.CreateBarrier()
			if err != nil {
				assert.ErrorIs(t, err, ErrBarrierExhausted)
				failed.Add(1)
				return
			}
			mu.Lock()
			claimed[id]++
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Len(t, claimed, 4)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "barrier %d double-booked", id)
	}
	assert.Equal(t, int32(12), failed.Load())
}

func TestTryPreemptAndExecute(t *testing.T) {
	js := newTestSystem(t)

	t.Run("idle job", func(t *testing.T) {
		var ran atomic.Int32
		h, err := js.Create(func() { ran.Add(1) }, Metadata{})
		require.NoError(t, err)

		ok, err := js.TryPreemptAndExecute(h)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int32(1), ran.Load())
		assert.True(t, js.IsWorkDone(h))
		assert.False(t, js.IsBusy())
	})

	t.Run("queued job runs once", func(t *testing.T) {
		var ran atomic.Int32
		h, err := js.Dispatch(func() { ran.Add(1) }, "", Deferred)
		require.NoError(t, err)

		ok, err := js.TryPreemptAndExecute(h)
		require.NoError(t, err)
		assert.True(t, ok)

		js.Wait(nil)
		assert.Equal(t, int32(1), ran.Load())
	})

	t.Run("graph job rejected", func(t *testing.T) {
		a, err := js.Create(func() {}, Metadata{})
		require.NoError(t, err)
		b, err := js.Create(func() {}, Metadata{})
		require.NoError(t, err)
		require.NoError(t, js.Connect(a, b))

		_, err = js.TryPreemptAndExecute(a)
		assert.ErrorIs(t, err, ErrNotSingular)

		require.NoError(t, js.Schedule(a, NoBarrier))
		js.Wait(nil)
	})
}

func TestTryPreemptAndExecute_RacesWorkers(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.PoolCapacity = 64
		c.ForegroundWork = false
	})

	const jobs = 2000
	var ran, preempted atomic.Int32
	for range jobs {
		h, err := js.Dispatch(func() { ran.Add(1) }, "", Automatic)
		require.NoError(t, err)

		ok, err := js.TryPreemptAndExecute(h)
		if err != nil {
			// The worker finished it and the slot was recycled.
			require.True(t, IsInvalidHandle(err), "unexpected error: %v", err)
			continue
		}
		if ok {
			preempted.Add(1)
		}
	}
	js.Wait(nil)

	assert.Equal(t, int32(jobs), ran.Load(), "every kernel runs exactly once")
	assert.Positive(t, preempted.Load())
	assert.False(t, js.IsBusy())
	assert.Zero(t, js.Stats().PoolInUse)
}

func TestTryPreemptAndExecute_ConcurrentCallers(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.PoolCapacity = 1024
		c.ForegroundWork = false
	})

	const jobs = 500
	handles := make(chan Handle, jobs)
	var ran atomic.Int32

	var wg sync.WaitGroup
	for range 3 {
		wg.Go(func() {
			for h := range handles {
				_, err := js.TryPreemptAndExecute(h)
				if err != nil {
					assert.True(t, IsInvalidHandle(err), "unexpected error: %v", err)
				}
			}
		})
	}
	for range jobs {
		h, err := js.Dispatch(func() { ran.Add(1) }, "", Async)
		require.NoError(t, err)
		handles <- h
	}
	close(handles)
	wg.Wait()
	js.Wait(nil)

	assert.Equal(t, int32(jobs), ran.Load())
	assert.Zero(t, js.Stats().PoolInUse)
}

func TestWorkStealing_SpreadsPinnedBacklog(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.ForegroundWork = false
	})
	require.Equal(t, 4, js.Workers())

	// Stealable jobs hinted at worker 1 only.
	meta := Metadata{Label: "backlog", Affinity: WorkerAffinity(1, true, false)}
	var ran atomic.Int32
	for range 64 {
		_, err := js.Submit(func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}, meta)
		require.NoError(t, err)
	}
	js.Wait(nil)
	require.Equal(t, int32(64), ran.Load())

	var stolen, onOthers int64
	for _, w := range js.Stats().PerWorker {
		stolen += w.Stolen
		if w.TID != 1 {
			onOthers += w.Executed
		}
	}
	assert.Positive(t, stolen)
	assert.Positive(t, onOthers)
}

func TestWorkStealing_DisabledKeepsJobsOnHint(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.ForegroundWork = false
		c.WorkStealing = false
	})

	meta := Metadata{Affinity: WorkerAffinity(2, true, false)}
	for range 32 {
		_, err := js.Submit(func() { time.Sleep(100 * time.Microsecond) }, meta)
		require.NoError(t, err)
	}
	js.Wait(nil)

	for _, w := range js.Stats().PerWorker {
		assert.Zero(t, w.Stolen, "worker %d", w.TID)
		if w.TID != 2 {
			assert.Zero(t, w.Executed, "worker %d", w.TID)
		}
	}
}

func TestRecoverPanics(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	js := newTestSystem(t, func(c *Config) {
		c.RecoverPanics = true
		c.Logger = zap.New(core)
	})

	var ran atomic.Bool
	bad, err := js.Create(func() { panic("boom") }, Metadata{Label: "bad"})
	require.NoError(t, err)
	good, err := js.Create(func() { ran.Store(true) }, Metadata{})
	require.NoError(t, err)
	require.NoError(t, js.Connect(bad, good))

	require.NoError(t, js.Schedule(bad, NoBarrier))
	js.Wait(nil)

	assert.True(t, ran.Load(), "dependents still run after a recovered panic")
	var panics int64
	for _, w := range js.Stats().PerWorker {
		panics += w.Panics
	}
	assert.Equal(t, int64(1), panics)
	assert.Equal(t, 1, logs.FilterMessage("Job panicked").Len())
}

func TestAbort_RunsEssentialWork(t *testing.T) {
	js := newTestSystem(t)

	var essential, optional atomic.Int32
	_, err := js.Submit(func() { essential.Add(1) }, Metadata{Affinity: AffinityMain, Essential: true})
	require.NoError(t, err)
	_, err = js.Submit(func() { optional.Add(1) }, Metadata{Affinity: AffinityMain})
	require.NoError(t, err)

	assert.Equal(t, 1, js.Abort())
	assert.Equal(t, int32(1), essential.Load())
	assert.Zero(t, optional.Load())

	_, err = js.Dispatch(func() {}, "", Automatic)
	assert.True(t, IsShutdown(err))
}

func TestWait_ConditionInterrupts(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	js := newTestSystem(t, func(c *Config) {
		c.Logger = zap.New(core)
	})

	block := make(chan struct{})
	_, err := js.Async(func() { <-block }, "")
	require.NoError(t, err)

	js.Wait(func() bool { return false })
	assert.True(t, js.IsBusy())
	assert.Equal(t, 1, logs.FilterMessage("Wait interrupted before work completed").Len())

	close(block)
	js.Wait(nil)
	assert.False(t, js.IsBusy())
}

func TestShutdown_SavesProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	cfg := DefaultConfig()
	cfg.CPUCores = 2
	cfg.ProfileStore = profile.NewFileStore(path)

	js, err := New(context.Background(), cfg)
	require.NoError(t, err)

	_, err = js.Dispatch(func() { time.Sleep(100 * time.Microsecond) }, "sleepy", Automatic)
	require.NoError(t, err)
	require.NoError(t, js.Shutdown(context.Background()))
	require.NoError(t, js.Shutdown(context.Background()), "second shutdown is a no-op")

	_, err = js.Dispatch(func() {}, "", Automatic)
	assert.True(t, IsShutdown(err))

	saved, err := profile.NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, saved["sleepy"], 100*time.Microsecond)

	// A new system starts warm.
	js2, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = js2.Shutdown(context.Background()) }()
	d, ok := js2.Monitor().JobSize("sleepy")
	assert.True(t, ok)
	assert.Equal(t, saved["sleepy"], d)
}

func TestNew_MissingProfileIsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	js := newTestSystem(t, func(c *Config) {
		c.Logger = zap.New(core)
		c.ProfileStore = profile.NewFileStore(filepath.Join(t.TempDir(), "missing.yaml"))
	})
	assert.NotNil(t, js)
	assert.Equal(t, 1, logs.FilterMessage("Job profile not found, starting cold").Len())
}

func TestForegroundDisabled_MainJobsRunInBackground(t *testing.T) {
	js := newTestSystem(t, func(c *Config) {
		c.ForegroundWork = false
	})

	done := make(chan struct{})
	_, err := js.Dispatch(func() { close(done) }, "", Deferred)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker 0 did not run without a waiting caller")
	}
	js.Wait(nil)
}

func TestIsWorkDone_StaleHandle(t *testing.T) {
	js := newTestSystem(t)
	h, err := js.Dispatch(func() {}, "", Automatic)
	require.NoError(t, err)
	js.Wait(nil)

	assert.True(t, js.IsWorkDone(h))
	_, err = js.State(h)
	assert.True(t, IsInvalidHandle(err))
	assert.True(t, IsInvalidHandle(js.Release(h)))
}
