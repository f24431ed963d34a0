package coroutine

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

var ErrSchedulerStopped = errors.New("coroutine: scheduler is stopped")

var (
	MetricCoroutineSpawnedCount  = []string{"parcelport", "coroutine", "spawned", "count"}
	MetricCoroutineReusedCount   = []string{"parcelport", "coroutine", "reused", "count"}
	MetricCoroutineFailedCount   = []string{"parcelport", "coroutine", "failed", "count"}
	MetricCoroutineSuspendCount  = []string{"parcelport", "coroutine", "suspended", "count"}
	MetricCoroutineRunDurationMs = []string{"parcelport", "coroutine", "run", "duration", "ms"}
)

type config struct {
	workers      int
	maxFree      int
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
}

// Option to pass to `NewScheduler`.
type Option func(*config) error

// WithWorkers sets how many workers resume coroutines concurrently.
// Defaults to `runtime.GOMAXPROCS(0)`.
func WithWorkers(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("coroutine: invalid worker count %d", n)
		}
		c.workers = n
		return nil
	}
}

// WithMaxFree bounds how many terminated coroutines are kept around to be
// rebound to new work items.
func WithMaxFree(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return fmt.Errorf("coroutine: invalid free-list size %d", n)
		}
		c.maxFree = n
		return nil
	}
}

func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *config) error {
		c.metricSink = sink
		return nil
	}
}

func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// Scheduler resumes registered coroutines on a fixed set of workers, in
// FIFO order. Coroutines suspended with `Self.SuspendFor` are queued again
// once their delay elapsed, and terminated ones are recycled for later
// registrations.
type Scheduler struct {
	logger       *slog.Logger
	metrics      metrics.MetricSink
	metricLabels []metrics.Label
	maxFree      int
	workers      []*Worker

	lk    sync.Mutex
	ready *sync.Cond
	idle  *sync.Cond
	queue []*Coroutine
	free  []*Coroutine
	live  int

	// coroutines waiting for their `SuspendFor` delay.
	sleeping map[*Coroutine]*time.Timer

	wg       sync.WaitGroup
	started  atomic.Bool
	stopping atomic.Bool

	spawned atomic.Uint64
	reused  atomic.Uint64
}

func NewScheduler(opts ...Option) (*Scheduler, error) {
	cfg := &config{
		workers: runtime.GOMAXPROCS(0),
		maxFree: 64,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	if cfg.metricSink == nil {
		cfg.metricSink = &metrics.BlackholeSink{}
	}

	s := &Scheduler{
		logger:       slog.New(cfg.logHandler).With("component", "scheduler"),
		metrics:      cfg.metricSink,
		metricLabels: cfg.metricLabels,
		maxFree:      cfg.maxFree,
		workers:      make([]*Worker, cfg.workers),
		sleeping:     make(map[*Coroutine]*time.Timer),
	}
	s.ready = sync.NewCond(&s.lk)
	s.idle = sync.NewCond(&s.lk)
	for i := range s.workers {
		s.workers[i] = NewWorker(i)
	}
	return s, nil
}

// Start launches the workers. Coroutines registered before `Start` are
// queued until then.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.logger.Debug("starting scheduler", "workers", len(s.workers))
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.work(w)
	}
}

// Register binds `work` to a coroutine and queues it. Terminated
// coroutines are reused when available, so their stack is not allocated
// again.
func (s *Scheduler) Register(work *WorkItem, name string) (*Coroutine, error) {
	if s.stopping.Load() {
		return nil, ErrSchedulerStopped
	}
	if work == nil || work.Empty() {
		return nil, ErrNoWork
	}

	s.lk.Lock()
	var co *Coroutine
	if n := len(s.free); n > 0 {
		co = s.free[n-1]
		s.free[n-1] = nil
		s.free = s.free[:n-1]
	}
	s.lk.Unlock()

	if co != nil {
		if err := co.Rebind(name, work); err != nil {
			return nil, err
		}
		s.reused.Add(1)
		s.metrics.IncrCounterWithLabels(MetricCoroutineReusedCount, 1, s.metricLabels)
	} else {
		co = New(name, work)
		s.spawned.Add(1)
		s.metrics.IncrCounterWithLabels(MetricCoroutineSpawnedCount, 1, s.metricLabels)
	}

	s.lk.Lock()
	if s.stopping.Load() {
		s.lk.Unlock()
		_ = co.Close()
		return nil, ErrSchedulerStopped
	}
	s.live++
	s.queue = append(s.queue, co)
	s.ready.Signal()
	s.lk.Unlock()
	return co, nil
}

// Spawned counts coroutines created by `Register`.
func (s *Scheduler) Spawned() uint64 {
	return s.spawned.Load()
}

// Reused counts registrations served by rebinding a terminated coroutine.
func (s *Scheduler) Reused() uint64 {
	return s.reused.Load()
}

// Wait blocks until every registered coroutine terminated, or the
// scheduler is stopped.
func (s *Scheduler) Wait() {
	s.lk.Lock()
	defer s.lk.Unlock()
	for s.live > 0 && !s.stopping.Load() {
		s.idle.Wait()
	}
}

// Stop makes the workers exit after their current coroutine. Coroutines
// still queued, or waiting for their suspension delay, are closed.
func (s *Scheduler) Stop() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.logger.Debug("stopping scheduler")

	s.lk.Lock()
	s.ready.Broadcast()
	s.idle.Broadcast()
	s.lk.Unlock()

	s.wg.Wait()

	s.lk.Lock()
	leftovers := append(s.queue, s.free...)
	for co, timer := range s.sleeping {
		if timer.Stop() {
			leftovers = append(leftovers, co)
		}
	}
	s.queue = nil
	s.free = nil
	clear(s.sleeping)
	s.lk.Unlock()

	for _, co := range leftovers {
		_ = co.Close()
	}
}

func (s *Scheduler) work(w *Worker) {
	defer s.wg.Done()
	for {
		co := s.next()
		if co == nil {
			return
		}

		start := time.Now()
		res := co.Resume(w)
		s.metrics.AddSampleWithLabels(
			MetricCoroutineRunDurationMs,
			float32(time.Since(start).Milliseconds()),
			s.metricLabels,
		)
		s.settle(co, res)
	}
}

// next blocks until a coroutine is ready, or returns nil once the
// scheduler is stopping.
func (s *Scheduler) next() *Coroutine {
	s.lk.Lock()
	defer s.lk.Unlock()
	for len(s.queue) == 0 && !s.stopping.Load() {
		s.ready.Wait()
	}
	if s.stopping.Load() {
		return nil
	}
	co := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return co
}

func (s *Scheduler) settle(co *Coroutine, res Result) {
	switch res.State {
	case Suspended:
		s.metrics.IncrCounterWithLabels(MetricCoroutineSuspendCount, 1, s.metricLabels)
		if res.Delay > 0 {
			s.lk.Lock()
			s.sleeping[co] = time.AfterFunc(res.Delay, func() { s.requeue(co) })
			s.lk.Unlock()
		} else {
			s.requeue(co)
		}
		return

	case Terminated:
		if res.Err != nil {
			s.metrics.IncrCounterWithLabels(MetricCoroutineFailedCount, 1, s.metricLabels)
			var panicErr *PanicError
			if errors.As(res.Err, &panicErr) {
				s.logger.Error("coroutine panicked",
					"coroutine", co.Name(),
					"error", panicErr,
					"stack", string(panicErr.Stack))
			} else {
				s.logger.Warn("coroutine failed", "coroutine", co.Name(), "error", res.Err)
			}
		}
	}

	s.lk.Lock()
	s.live--
	recycled := len(s.free) < s.maxFree && !s.stopping.Load()
	if recycled {
		s.free = append(s.free, co)
	}
	if s.live == 0 {
		s.idle.Broadcast()
	}
	s.lk.Unlock()

	if !recycled {
		_ = co.Close()
	}
}

func (s *Scheduler) requeue(co *Coroutine) {
	s.lk.Lock()
	delete(s.sleeping, co)
	if s.stopping.Load() {
		s.live--
		s.lk.Unlock()
		_ = co.Close()
		return
	}
	s.queue = append(s.queue, co)
	s.ready.Signal()
	s.lk.Unlock()
}
