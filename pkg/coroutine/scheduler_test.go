package coroutine

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s, err := NewScheduler(opts...)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func TestScheduler_RunsEverything(t *testing.T) {
	s := newTestScheduler(t, WithWorkers(4))

	var count atomic.Int32
	for range 100 {
		_, err := s.Register(Work(func(*Self) error {
			count.Add(1)
			return nil
		}), "count")
		require.NoError(t, err)
	}

	s.Wait()
	require.EqualValues(t, 100, count.Load())
	require.EqualValues(t, 100, s.Spawned()+s.Reused())
}

func TestScheduler_FIFO(t *testing.T) {
	s, err := NewScheduler(WithWorkers(1))
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	var (
		lk    sync.Mutex
		order []int
	)
	for i := range 5 {
		_, err := s.Register(Work(func(*Self) error {
			lk.Lock()
			order = append(order, i)
			lk.Unlock()
			return nil
		}), "ordered")
		require.NoError(t, err)
	}

	s.Start()
	s.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestScheduler_ReusesTerminatedCoroutines(t *testing.T) {
	s := newTestScheduler(t, WithWorkers(1))

	first, err := s.Register(Work(func(*Self) error { return nil }), "first")
	require.NoError(t, err)
	s.Wait()

	second, err := s.Register(Work(func(*Self) error { return nil }), "second")
	require.NoError(t, err)
	s.Wait()

	require.Same(t, first, second)
	require.EqualValues(t, 1, s.Spawned())
	require.EqualValues(t, 1, s.Reused())
	require.EqualValues(t, 1, second.StackAllocations())
}

func TestScheduler_NoFreeList(t *testing.T) {
	s := newTestScheduler(t, WithWorkers(1), WithMaxFree(0))

	for range 3 {
		_, err := s.Register(Work(func(*Self) error { return nil }), "fresh")
		require.NoError(t, err)
		s.Wait()
	}
	require.EqualValues(t, 3, s.Spawned())
	require.Zero(t, s.Reused())
}

func TestScheduler_Suspension(t *testing.T) {
	s := newTestScheduler(t, WithWorkers(2))

	var steps atomic.Int32
	start := time.Now()
	_, err := s.Register(Work(func(self *Self) error {
		steps.Add(1)
		self.Yield()
		steps.Add(1)
		self.SuspendFor(30 * time.Millisecond)
		steps.Add(1)
		return nil
	}), "suspending")
	require.NoError(t, err)

	s.Wait()
	require.EqualValues(t, 3, steps.Load())
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestScheduler_FailuresAreRecorded(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	s := newTestScheduler(t, WithWorkers(1), WithMetricSink(sink))

	_, err := s.Register(Work(func(*Self) error { return errors.New("failed") }), "erroring")
	require.NoError(t, err)
	_, err = s.Register(Work(func(*Self) error { panic("boom") }), "panicking")
	require.NoError(t, err)

	ok := false
	_, err = s.Register(Work(func(*Self) error {
		ok = true
		return nil
	}), "healthy")
	require.NoError(t, err)

	s.Wait()
	require.True(t, ok, "a failed coroutine must not take the worker down")

	data := sink.Data()
	require.NotEmpty(t, data)
	counter, has := data[0].Counters["parcelport.coroutine.failed.count"]
	require.True(t, has)
	require.EqualValues(t, 2, counter.Count)
}

func TestScheduler_Stop(t *testing.T) {
	s, err := NewScheduler(WithWorkers(1))
	require.NoError(t, err)
	s.Start()

	unwound := make(chan struct{})
	_, err = s.Register(Work(func(self *Self) error {
		defer close(unwound)
		self.SuspendFor(time.Hour)
		return nil
	}), "sleeping")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s.lk.Lock()
		defer s.lk.Unlock()
		return len(s.sleeping) == 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Wait()

	select {
	case <-unwound:
	case <-time.After(time.Second):
		t.Fatal("a sleeping coroutine must be unwound on stop")
	}

	_, err = s.Register(Work(func(*Self) error { return nil }), "late")
	require.ErrorIs(t, err, ErrSchedulerStopped)
}

func TestScheduler_RejectsEmptyWork(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.Register(nil, "nil")
	require.ErrorIs(t, err, ErrNoWork)

	var empty WorkItem
	_, err = s.Register(&empty, "empty")
	require.ErrorIs(t, err, ErrNoWork)
}

func TestNewScheduler_InvalidOptions(t *testing.T) {
	_, err := NewScheduler(WithWorkers(0))
	require.Error(t, err)

	_, err = NewScheduler(WithMaxFree(-1))
	require.Error(t, err)
}
