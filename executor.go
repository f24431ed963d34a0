package parcelport

import (
	"context"
	"sync"

	"github.com/raskyld/parcelport/pkg/coroutine"
	"golang.org/x/sync/errgroup"
)

// ExecutorPool drives the asynchronous I/O of a `Parcelport`: accept
// loops, inbound connection readers and batched writes.
type ExecutorPool interface {
	// Run starts the pool. When `blocking`, it returns once the pool is
	// stopped and every task returned.
	Run(blocking bool) error
	// Stop asks the pool to stop, `Context` is cancelled.
	Stop()
	// Join waits for every task to return.
	Join()
	// Context is cancelled when the pool is stopped.
	Context() context.Context
	// Go runs `task` asynchronously. Tasks MUST NOT block on user code.
	Go(task func())
}

// Scheduler runs work items inside cooperative execution contexts. It is
// satisfied by `*coroutine.Scheduler`.
type Scheduler interface {
	Register(work *coroutine.WorkItem, name string) (*coroutine.Coroutine, error)
}

// GoroutinePool is the default `ExecutorPool`, running each task in its
// own goroutine.
type GoroutinePool struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	once sync.Once
}

func NewGoroutinePool(parent context.Context) *GoroutinePool {
	ctx, cancel := context.WithCancel(parent)
	group, ctx := errgroup.WithContext(ctx)
	return &GoroutinePool{
		ctx:    ctx,
		cancel: cancel,
		group:  group,
	}
}

func (gp *GoroutinePool) Run(blocking bool) error {
	if !blocking {
		return nil
	}
	<-gp.ctx.Done()
	gp.Join()
	return nil
}

func (gp *GoroutinePool) Stop() {
	gp.once.Do(gp.cancel)
}

func (gp *GoroutinePool) Join() {
	_ = gp.group.Wait()
}

func (gp *GoroutinePool) Context() context.Context {
	return gp.ctx
}

func (gp *GoroutinePool) Go(task func()) {
	gp.group.Go(func() error {
		task()
		return nil
	})
}
