// Package coroutine implements cooperative execution contexts.
//
// A `Coroutine` runs one work item at a time on a dedicated goroutine
// (its stack) and only hands control back to its resumer at explicit
// suspension points: `Self.Yield`, `Self.SuspendFor` or termination.
// Once the work item terminates, the same goroutine can be rebound to a
// new work item instead of starting a fresh one.
//
// Each resumer is represented by a `Worker`, which tracks the coroutine it
// is currently running. Nested resumptions restore the previously current
// coroutine on every exit path.
package coroutine

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raskyld/parcelport/pkg/function"
)

var (
	ErrAlreadyRunning = errors.New("coroutine: resumed while running")
	ErrRebindActive   = errors.New("coroutine: cannot rebind an active coroutine")
	ErrNoWork         = errors.New("coroutine: no work item bound")
	ErrClosed         = errors.New("coroutine: closed while suspended")
)

// State of a `Coroutine`.
type State int32

const (
	// Ready means a work item is bound but has not been entered yet.
	Ready State = iota
	Running
	Suspended
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// WorkItem is the unit of work bound to a coroutine.
type WorkItem = function.UniqueFunction[*Self, error]

// Work wraps a plain func into a `WorkItem`.
func Work(fn func(*Self) error) *WorkItem {
	return function.NewUnique[function.Func[*Self, error], *Self, error](fn)
}

// Result is delivered to the resumer each time the coroutine gives control
// back.
type Result struct {
	State State
	// Err is the error returned by the work item, or a `*PanicError`.
	Err error
	// Delay is set when the work item suspended itself with `SuspendFor`.
	Delay time.Duration
}

// PanicError carries a panic recovered from a work item.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("coroutine: work item panicked: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Worker is a resumer. A worker is driven by a single goroutine at a time.
type Worker struct {
	id      int
	current atomic.Pointer[Coroutine]
}

func NewWorker(id int) *Worker {
	return &Worker{id: id}
}

func (w *Worker) ID() int {
	return w.id
}

// Current returns the coroutine this worker is running, if any.
func (w *Worker) Current() *Coroutine {
	return w.current.Load()
}

var lastID atomic.Uint64

// Coroutine is a reusable cooperative execution context.
type Coroutine struct {
	id    uint64
	state atomic.Int32

	name atomic.Pointer[string]

	// guards state transitions, `work` and `stack`.
	mu    sync.Mutex
	work  WorkItem
	stack *stack
	self  Self

	allocations atomic.Uint64
}

// stack is the goroutine backing a coroutine and its handoff channels.
type stack struct {
	resume chan resumeMsg
	yield  chan Result
	done   chan struct{}
}

type resumeMsg struct {
	worker *Worker
	unwind bool
}

// unwinding is panicked into a suspended work item to run its deferred
// calls when the coroutine is closed.
type unwinding struct{}

// New returns a `Ready` coroutine bound to `work`, taking ownership of the
// work item. A nil or empty work item leaves the coroutine `Terminated`.
func New(name string, work *WorkItem) *Coroutine {
	c := &Coroutine{
		id: lastID.Add(1),
	}
	c.name.Store(&name)
	c.self.co = c
	c.state.Store(int32(Terminated))
	if work != nil && !work.Empty() {
		c.work.MoveFrom(work)
		c.state.Store(int32(Ready))
	}
	return c
}

func (c *Coroutine) ID() uint64 {
	return c.id
}

func (c *Coroutine) Name() string {
	return *c.name.Load()
}

func (c *Coroutine) State() State {
	return State(c.state.Load())
}

// StackAllocations counts how many goroutines were started to back this
// coroutine over its lifetime.
func (c *Coroutine) StackAllocations() uint64 {
	return c.allocations.Load()
}

func (c *Coroutine) String() string {
	return fmt.Sprintf("%s#%d(%s)", c.Name(), c.id, c.State())
}

// Resume runs the coroutine on `w` until its work item suspends or
// terminates.
//
// Resuming a running coroutine is a programming error and panics with
// `ErrAlreadyRunning`. Resuming a terminated coroutine with no new work
// bound returns `ErrNoWork`.
func (c *Coroutine) Resume(w *Worker) Result {
	c.mu.Lock()
	switch State(c.state.Load()) {
	case Running:
		c.mu.Unlock()
		panic(fmt.Errorf("%w: %s", ErrAlreadyRunning, c.Name()))
	case Terminated:
		c.mu.Unlock()
		return Result{State: Terminated, Err: ErrNoWork}
	}
	c.state.Store(int32(Running))
	st := c.stack
	if st == nil {
		st = c.spawn()
	}
	c.mu.Unlock()

	prev := w.current.Swap(c)
	defer w.current.Store(prev)

	st.resume <- resumeMsg{worker: w}
	res := <-st.yield
	c.state.Store(int32(res.State))
	return res
}

// Rebind binds a new work item to a terminated coroutine, keeping its
// stack. It also replaces the work item of a coroutine which was never
// entered.
func (c *Coroutine) Rebind(name string, work *WorkItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch State(c.state.Load()) {
	case Ready, Terminated:
	default:
		return fmt.Errorf("%w: %s is %s", ErrRebindActive, c.Name(), c.State())
	}

	if work == nil || work.Empty() {
		c.work.Reset()
		c.state.Store(int32(Terminated))
		return nil
	}
	c.name.Store(&name)
	c.work.MoveFrom(work)
	c.state.Store(int32(Ready))
	return nil
}

// Close releases the stack of the coroutine. A suspended work item is
// unwound first: its deferred calls run and the coroutine terminates.
func (c *Coroutine) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := State(c.state.Load())
	if state == Running {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, c.Name())
	}

	st := c.stack
	c.stack = nil
	if st != nil {
		if state == Suspended {
			st.resume <- resumeMsg{unwind: true}
			<-st.yield
		}
		close(st.resume)
		<-st.done
	}

	c.work.Reset()
	c.state.Store(int32(Terminated))
	return nil
}

// spawn starts the goroutine backing the coroutine. MUST be called with
// `c.mu` held.
func (c *Coroutine) spawn() *stack {
	st := &stack{
		resume: make(chan resumeMsg),
		yield:  make(chan Result),
		done:   make(chan struct{}),
	}
	c.stack = st
	c.allocations.Add(1)
	go c.loop(st)
	return st
}

// loop runs one work item per resume message received while the
// coroutine is not suspended, until the stack is released.
func (c *Coroutine) loop(st *stack) {
	defer close(st.done)
	for msg := range st.resume {
		if msg.unwind {
			st.yield <- Result{State: Terminated, Err: ErrClosed}
			continue
		}
		c.self.stack = st
		c.self.worker = msg.worker
		st.yield <- c.execute()
	}
}

func (c *Coroutine) execute() (res Result) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(unwinding); ok {
				res = Result{State: Terminated, Err: ErrClosed}
			} else {
				res = Result{
					State: Terminated,
					Err:   &PanicError{Value: r, Stack: debug.Stack()},
				}
			}
		}
		c.work.Reset()
		c.self.worker = nil
	}()

	err, invokeErr := c.work.Invoke(&c.self)
	if invokeErr != nil {
		err = invokeErr
	}
	return Result{State: Terminated, Err: err}
}

// Self is the handle a work item receives to interact with its coroutine.
type Self struct {
	co     *Coroutine
	stack  *stack
	worker *Worker
}

// Coroutine returns the coroutine running the work item.
func (s *Self) Coroutine() *Coroutine {
	return s.co
}

// Worker returns the worker which last resumed the work item.
func (s *Self) Worker() *Worker {
	return s.worker
}

func (s *Self) Name() string {
	return s.co.Name()
}

// Yield suspends the work item until it is resumed again.
func (s *Self) Yield() {
	s.suspend(0)
}

// SuspendFor suspends the work item, asking the resumer to resume it
// after `d`.
func (s *Self) SuspendFor(d time.Duration) {
	s.suspend(d)
}

func (s *Self) suspend(d time.Duration) {
	s.stack.yield <- Result{State: Suspended, Delay: d}
	msg, ok := <-s.stack.resume
	if !ok || msg.unwind {
		panic(unwinding{})
	}
	s.worker = msg.worker
}
