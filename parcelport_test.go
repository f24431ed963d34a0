package parcelport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/parcelport/pkg/archive"
	"github.com/raskyld/parcelport/pkg/function"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("fake: connection refused")

// fakeNetwork dials in-memory pipes and decodes whatever is written to
// them.
type fakeNetwork struct {
	t   *testing.T
	reg *function.Registry

	dials    atomic.Int32
	refuse   atomic.Bool
	dialGate chan struct{}
	readGate chan struct{}
	// closes the remote end as soon as it is dialed.
	hangUp bool
	// the first write on the first dialed connection waits for it, then
	// fails.
	breakGate chan struct{}

	frames chan []*Parcel
}

func newFakeNetwork(t *testing.T, reg *function.Registry) *fakeNetwork {
	return &fakeNetwork{
		t:      t,
		reg:    reg,
		frames: make(chan []*Parcel, 64),
	}
}

func (fn *fakeNetwork) Listen(context.Context, string) (net.Listener, error) {
	return nil, errRefused
}

func (fn *fakeNetwork) Dial(ctx context.Context, _ string) (net.Conn, error) {
	dial := fn.dials.Add(1)
	if fn.dialGate != nil {
		select {
		case <-fn.dialGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn.refuse.Load() {
		return nil, errRefused
	}

	client, server := net.Pipe()
	fn.t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	if fn.hangUp {
		server.Close()
		return client, nil
	}
	if fn.breakGate != nil && dial == 1 {
		return &brokenConn{Conn: client, gate: fn.breakGate}, nil
	}

	go func() {
		if fn.readGate != nil {
			<-fn.readGate
		}
		br := newBatchReader(server, 0)
		for {
			frame, _, err := br.next()
			if err != nil {
				return
			}
			parcels, _, err := decodeBatch(frame, fn.reg)
			if err != nil {
				return
			}
			fn.frames <- parcels
		}
	}()
	return client, nil
}

// brokenConn fails its first write once `gate` is closed.
type brokenConn struct {
	net.Conn
	gate  chan struct{}
	wrote atomic.Bool
}

func (bc *brokenConn) Write(b []byte) (int, error) {
	if bc.wrote.CompareAndSwap(false, true) {
		<-bc.gate
		return 0, errRefused
	}
	return bc.Conn.Write(b)
}

type handlerCall struct {
	idx int
	err error
	n   int
}

// handlerLog records the order in which write handlers are called.
type handlerLog struct {
	lk    sync.Mutex
	calls []handlerCall
}

func (hl *handlerLog) handler(idx int) WriteHandler {
	return func(err error, n int) {
		hl.lk.Lock()
		defer hl.lk.Unlock()
		hl.calls = append(hl.calls, handlerCall{idx: idx, err: err, n: n})
	}
}

func (hl *handlerLog) snapshot() []handlerCall {
	hl.lk.Lock()
	defer hl.lk.Unlock()
	return append([]handlerCall(nil), hl.calls...)
}

func testLogHandler(t *testing.T) slog.Handler {
	t.Helper()
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("test", t.Name())})
}

func newTestParcelport(t *testing.T, locality LocalityID, opts ...Option) *Parcelport {
	t.Helper()
	base := []Option{
		WithLocality(locality),
		WithLog(testLogHandler(t)),
		WithMetricSink(&metrics.BlackholeSink{}),
		WithRetries(3, time.Millisecond),
		WithDialTimeout(5 * time.Second),
	}
	pp, err := New(append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, pp.Run(false))
	t.Cleanup(func() { pp.Stop(true) })
	return pp
}

var remote = Address{Locality: 2, Endpoints: []string{"remote:1"}}

func TestParcelport_New(t *testing.T) {
	_, err := New(WithCacheLimits(0, 1))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = New(WithRetries(0, 0))
	require.ErrorIs(t, err, ErrInvalidCfg)

	pp, err := New(WithLocality(4), WithWriteTimeout(time.Second))
	require.NoError(t, err)
	require.Equal(t, LocalityID(4), pp.Here())
	require.Equal(t, 512, pp.Config().MaxCacheSize)
	require.Equal(t, time.Second, pp.Config().WriteTimeout)
}

func TestParcelport_RunStop(t *testing.T) {
	pp, err := New(WithListenOn("127.0.0.1:0"), WithLog(testLogHandler(t)))
	require.NoError(t, err)

	require.NoError(t, pp.Run(false))
	require.ErrorIs(t, pp.Run(false), ErrAlreadyRunning)
	require.Len(t, pp.Addrs(), 1)

	require.NoError(t, pp.Stop(true))
	require.NoError(t, pp.Stop(true))
	require.Empty(t, pp.Addrs())

	err = pp.Send(context.Background(), NewParcel(2, NewAction(recordAction{}), nil), remote, nil)
	require.ErrorIs(t, err, ErrShutdown)
	require.ErrorIs(t, pp.Run(false), ErrShutdown)
}

func TestParcelport_RunListenFailure(t *testing.T) {
	pp, err := New(
		WithListenOn("a:1", "b:2"),
		WithNetwork(newFakeNetwork(t, nil)),
		WithLog(testLogHandler(t)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { pp.Stop(true) })

	err = pp.Run(false)
	require.True(t, IsPhase(err, PhaseAccept))
	require.ErrorIs(t, err, errRefused)
	require.ErrorIs(t, err, ErrNoListener)
}

// Two sends racing for a single allowed connection: the second one is
// queued while the first connects, and both leave in the same batch.
func TestParcelport_SendCoalescesWhileConnecting(t *testing.T) {
	reg := testRegistry(t)
	network := newFakeNetwork(t, reg)
	network.dialGate = make(chan struct{})
	pp := newTestParcelport(t, 1,
		WithNetwork(network),
		WithRegistry(reg),
		WithCacheLimits(8, 1),
	)

	var log handlerLog
	p1 := NewParcel(2, NewAction(recordAction{Sink: "p1"}), []byte("one"))
	p2 := NewParcel(2, NewAction(recordAction{Sink: "p2"}), []byte("two"))

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- pp.Send(context.Background(), p1, remote, log.handler(1))
	}()
	require.Eventually(t, func() bool {
		return network.dials.Load() == 1
	}, time.Second, time.Millisecond)

	// at the limit, returns straight away.
	require.NoError(t, pp.Send(context.Background(), p2, remote, log.handler(2)))
	require.Equal(t, 2, pp.Pending(2))

	close(network.dialGate)
	require.NoError(t, <-firstDone)

	select {
	case frame := <-network.frames:
		require.Len(t, frame, 2)
		require.Equal(t, p1.ID, frame[0].ID)
		require.Equal(t, p2.ID, frame[1].ID)
		require.Equal(t, LocalityID(1), frame[0].Source)
	case <-time.After(5 * time.Second):
		t.Fatal("no batch written")
	}

	require.Eventually(t, func() bool {
		return len(log.snapshot()) == 2
	}, time.Second, time.Millisecond)
	calls := log.snapshot()
	require.Equal(t, 1, calls[0].idx)
	require.Equal(t, 2, calls[1].idx)
	for _, call := range calls {
		require.NoError(t, call.err)
		require.Positive(t, call.n)
		require.Equal(t, calls[0].n, call.n)
	}

	require.EqualValues(t, 1, network.dials.Load())
	require.Eventually(t, func() bool {
		return pp.Cache().IdleCountFor(2) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, 1, pp.Cache().Outstanding(2))
	require.Equal(t, 0, pp.Pending(2))
}

// Parcels queued during a write are flushed once it completes, on the same
// connection.
func TestParcelport_DrainAfterWrite(t *testing.T) {
	reg := testRegistry(t)
	network := newFakeNetwork(t, reg)
	network.readGate = make(chan struct{})
	pp := newTestParcelport(t, 1,
		WithNetwork(network),
		WithRegistry(reg),
		WithCacheLimits(8, 1),
	)

	var log handlerLog
	ctx := context.Background()
	require.NoError(t, pp.Send(ctx, NewParcel(2, NewAction(recordAction{}), nil), remote, log.handler(1)))
	// the first batch is stuck in the pipe.
	require.NoError(t, pp.Send(ctx, NewParcel(2, NewAction(recordAction{}), nil), remote, log.handler(2)))
	require.NoError(t, pp.Send(ctx, NewParcel(2, NewAction(recordAction{}), nil), remote, log.handler(3)))
	require.Empty(t, log.snapshot())

	close(network.readGate)

	var sizes []int
	for len(sizes) < 2 {
		select {
		case frame := <-network.frames:
			sizes = append(sizes, len(frame))
		case <-time.After(5 * time.Second):
			t.Fatalf("only got batches of %v", sizes)
		}
	}
	require.Equal(t, []int{1, 2}, sizes)

	require.Eventually(t, func() bool {
		return len(log.snapshot()) == 3
	}, time.Second, time.Millisecond)
	for i, call := range log.snapshot() {
		require.Equal(t, i+1, call.idx)
		require.NoError(t, call.err)
	}
	require.EqualValues(t, 1, network.dials.Load())

	require.Eventually(t, func() bool {
		return pp.Cache().IdleCountFor(2) == 1
	}, time.Second, time.Millisecond)
	conn, ok := pp.Cache().Get(2)
	require.True(t, ok)
	require.EqualValues(t, 2, conn.Writes())
	pp.Cache().Add(2, conn)
}

func TestParcelport_ConnectFailureKeepsParcelQueued(t *testing.T) {
	reg := testRegistry(t)
	network := newFakeNetwork(t, reg)
	network.refuse.Store(true)
	pp := newTestParcelport(t, 1,
		WithNetwork(network),
		WithRegistry(reg),
		WithRetries(2, time.Millisecond),
	)

	var log handlerLog
	ctx := context.Background()
	addr := Address{Locality: 2, Endpoints: []string{"a:1", "b:1"}}
	first := NewParcel(2, NewAction(recordAction{}), []byte("first"))

	err := pp.Send(ctx, first, addr, log.handler(1))
	require.True(t, IsPhase(err, PhaseConnect))
	var nerr *NetworkError
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, LocalityID(2), nerr.Destination)
	require.Equal(t, "b:1", nerr.Endpoint)
	require.ErrorIs(t, err, errRefused)

	// every endpoint, on every sweep.
	require.EqualValues(t, 4, network.dials.Load())
	require.Equal(t, 0, pp.Cache().Outstanding(2))
	require.Equal(t, 1, pp.Pending(2))
	require.Empty(t, log.snapshot())

	network.refuse.Store(false)
	second := NewParcel(2, NewAction(recordAction{}), []byte("second"))
	require.NoError(t, pp.Send(ctx, second, addr, log.handler(2)))

	select {
	case frame := <-network.frames:
		require.Len(t, frame, 2)
		require.Equal(t, first.ID, frame[0].ID)
		require.Equal(t, second.ID, frame[1].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no batch written")
	}
	require.Eventually(t, func() bool {
		return len(log.snapshot()) == 2
	}, time.Second, time.Millisecond)
}

func TestParcelport_ConnectHonorsContext(t *testing.T) {
	network := newFakeNetwork(t, nil)
	network.refuse.Store(true)
	pp := newTestParcelport(t, 1,
		WithNetwork(network),
		WithRetries(1000, time.Hour),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pp.Send(ctx, NewParcel(2, NewAction(recordAction{}), nil), remote, nil)
	require.True(t, IsPhase(err, PhaseConnect))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 1, network.dials.Load())
}

func TestParcelport_NoEndpoints(t *testing.T) {
	pp := newTestParcelport(t, 1, WithNetwork(newFakeNetwork(t, nil)))
	err := pp.Send(context.Background(), NewParcel(2, NewAction(recordAction{}), nil), Address{Locality: 2}, nil)
	require.ErrorIs(t, err, ErrNoEndpoints)
	require.True(t, IsPhase(err, PhaseConnect))
}

func TestParcelport_StopFailsQueuedParcels(t *testing.T) {
	network := newFakeNetwork(t, nil)
	network.refuse.Store(true)
	pp, err := New(
		WithLocality(1),
		WithNetwork(network),
		WithRetries(1, 0),
		WithLog(testLogHandler(t)),
	)
	require.NoError(t, err)
	require.NoError(t, pp.Run(false))

	var log handlerLog
	err = pp.Send(context.Background(), NewParcel(2, NewAction(recordAction{}), nil), remote, log.handler(1))
	require.Error(t, err)
	require.Empty(t, log.snapshot())

	require.NoError(t, pp.Stop(true))
	calls := log.snapshot()
	require.Len(t, calls, 1)
	require.ErrorIs(t, calls[0].err, ErrShutdown)
	require.Zero(t, calls[0].n)
}

func TestParcelport_WriteFailure(t *testing.T) {
	reg := testRegistry(t)
	network := newFakeNetwork(t, reg)
	network.hangUp = true
	pp := newTestParcelport(t, 1, WithNetwork(network), WithRegistry(reg))

	done := make(chan error, 1)
	err := pp.Send(context.Background(), NewParcel(2, NewAction(recordAction{}), nil), remote,
		func(err error, _ int) { done <- err })
	require.NoError(t, err)

	select {
	case err := <-done:
		require.True(t, IsPhase(err, PhaseWrite))
	case <-time.After(5 * time.Second):
		t.Fatal("handler never called")
	}
	require.Eventually(t, func() bool {
		return pp.Cache().Outstanding(2) == 0
	}, time.Second, time.Millisecond)
	require.Equal(t, 0, pp.Cache().IdleCount())
}

// Parcels queued while a write fails are sent on a new connection.
func TestParcelport_DrainReconnectsAfterWriteFailure(t *testing.T) {
	reg := testRegistry(t)
	network := newFakeNetwork(t, reg)
	network.breakGate = make(chan struct{})
	pp := newTestParcelport(t, 1,
		WithNetwork(network),
		WithRegistry(reg),
		WithCacheLimits(8, 1),
	)

	var log handlerLog
	ctx := context.Background()
	first := NewParcel(2, NewAction(recordAction{}), []byte("first"))
	second := NewParcel(2, NewAction(recordAction{}), []byte("second"))
	require.NoError(t, pp.Send(ctx, first, remote, log.handler(1)))
	// the only connection is busy writing.
	require.NoError(t, pp.Send(ctx, second, remote, log.handler(2)))
	require.Equal(t, 1, pp.Pending(2))

	close(network.breakGate)

	select {
	case frame := <-network.frames:
		require.Len(t, frame, 1)
		require.Equal(t, second.ID, frame[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("queued parcel never sent")
	}

	require.Eventually(t, func() bool {
		return len(log.snapshot()) == 2
	}, time.Second, time.Millisecond)
	calls := log.snapshot()
	require.Equal(t, 1, calls[0].idx)
	require.True(t, IsPhase(calls[0].err, PhaseWrite))
	require.Equal(t, 2, calls[1].idx)
	require.NoError(t, calls[1].err)

	require.EqualValues(t, 2, network.dials.Load())
	require.Equal(t, 0, pp.Pending(2))
	require.Eventually(t, func() bool {
		return pp.Cache().IdleCountFor(2) == 1
	}, time.Second, time.Millisecond)
}

// A batch larger than a frame is split instead of failing every parcel.
func TestParcelport_SplitsBatchesOverMaxFrameSize(t *testing.T) {
	const maxFrameSize = 400
	reg := testRegistry(t)
	network := newFakeNetwork(t, reg)
	network.readGate = make(chan struct{})
	pp := newTestParcelport(t, 1,
		WithNetwork(network),
		WithRegistry(reg),
		WithCacheLimits(8, 1),
		WithMaxFrameSize(maxFrameSize),
	)

	var (
		log handlerLog
		ids []uuid.UUID
	)
	ctx := context.Background()
	payload := bytes.Repeat([]byte{'p'}, 200)
	for i := range 4 {
		p := NewParcel(2, NewAction(recordAction{}), payload)
		ids = append(ids, p.ID)
		require.NoError(t, pp.Send(ctx, p, remote, log.handler(i+1)))
	}
	require.Equal(t, 3, pp.Pending(2))

	// on its own, it cannot fit.
	var tooLarge handlerLog
	huge := NewParcel(2, NewAction(recordAction{}), bytes.Repeat([]byte{'h'}, maxFrameSize))
	err := pp.Send(ctx, huge, remote, tooLarge.handler(0))
	require.ErrorIs(t, err, archive.ErrFrameTooLarge)
	require.Equal(t, 3, pp.Pending(2))

	close(network.readGate)

	var got []uuid.UUID
	for len(got) < 4 {
		select {
		case frame := <-network.frames:
			for _, p := range frame {
				got = append(got, p.ID)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("only got %d parcels", len(got))
		}
	}
	require.Equal(t, ids, got)

	require.Eventually(t, func() bool {
		return len(log.snapshot()) == 4
	}, time.Second, time.Millisecond)
	for i, call := range log.snapshot() {
		require.Equal(t, i+1, call.idx)
		require.NoError(t, call.err)
	}
	require.Empty(t, tooLarge.snapshot())

	require.EqualValues(t, 1, network.dials.Load())
	require.Eventually(t, func() bool {
		return pp.Cache().IdleCountFor(2) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, 1, pp.Cache().Outstanding(2))
}

// stopOnEncode stops its port while the parcel carrying it is encoded,
// right between the shutdown check of `Send` and the queueing.
type stopOnEncode struct {
	stop func()
}

func (stopOnEncode) Call(*ActionContext) error { return nil }

func (s stopOnEncode) Save(*archive.Writer) error {
	s.stop()
	return nil
}

func (*stopOnEncode) Load(*archive.Reader) error { return nil }

func TestParcelport_SendRacingStop(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, RegisterAction[stopOnEncode](reg, "test/stop-on-encode"))
	network := newFakeNetwork(t, reg)
	pp := newTestParcelport(t, 1, WithNetwork(network), WithRegistry(reg))

	var log handlerLog
	action := stopOnEncode{stop: func() { pp.Stop(false) }}
	err := pp.Send(context.Background(), NewParcel(2, NewAction(action), nil), remote, log.handler(1))
	require.ErrorIs(t, err, ErrShutdown)

	calls := log.snapshot()
	require.Len(t, calls, 1)
	require.ErrorIs(t, calls[0].err, ErrShutdown)
	require.Equal(t, 0, pp.Pending(2))
	require.Zero(t, network.dials.Load())
}

func TestParcelport_SendTo(t *testing.T) {
	reg := testRegistry(t)
	network := newFakeNetwork(t, reg)
	pp := newTestParcelport(t, 1,
		WithNetwork(network),
		WithRegistry(reg),
		WithResolver(NewStaticResolver(remote)),
	)

	err := pp.SendTo(context.Background(), NewParcel(3, NewAction(recordAction{}), nil), nil)
	require.ErrorIs(t, err, ErrUnknownLocality)

	require.NoError(t, pp.SendTo(context.Background(), NewParcel(2, NewAction(recordAction{}), nil), nil))
	select {
	case frame := <-network.frames:
		require.Len(t, frame, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no batch written")
	}
}

// Two parcelports talking over loopback TCP.
func TestParcelport_EndToEnd(t *testing.T) {
	sinkName, sink := newSink(t)
	sendReg := testRegistry(t)
	require.NoError(t, RegisterAction[strayAction](sendReg, "test/stray"))
	inmem := metrics.NewInmemSink(time.Minute, time.Minute)

	a := newTestParcelport(t, 1, WithRegistry(sendReg))
	b := newTestParcelport(t, 2,
		WithRegistry(testRegistry(t)),
		WithListenOn("127.0.0.1:0"),
		WithMetricSink(inmem),
	)
	require.Len(t, b.Address().Endpoints, 1)

	ctx := context.Background()
	send := func(p *Parcel) {
		t.Helper()
		done := make(chan error, 1)
		require.NoError(t, a.Send(ctx, p, b.Address(), func(err error, _ int) { done <- err }))
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("handler never called")
		}
	}

	// unknown on the receiving side, it must not break the connection.
	send(NewParcel(2, NewAction(strayAction{N: 1}), nil))
	sent := NewParcel(2, NewAction(recordAction{Sink: sinkName}), []byte("ping"))
	send(sent)

	select {
	case actx := <-sink:
		require.Equal(t, sent.ID, actx.Parcel.ID)
		require.Equal(t, LocalityID(1), actx.Parcel.Source)
		require.Equal(t, LocalityID(2), actx.Parcel.Destination)
		require.Equal(t, []byte("ping"), actx.Parcel.Payload)
		require.Same(t, b, actx.Port)
		require.NotNil(t, actx.Self)
		require.Equal(t, ParcelWorkPrefix+"test/record", actx.Self.Name())
		require.NoError(t, actx.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("action never ran")
	}

	// a single connection served both parcels.
	require.Equal(t, 1, a.Cache().Outstanding(2))
	conn, ok := a.Cache().Get(2)
	require.True(t, ok)
	require.EqualValues(t, 2, conn.Writes())
	a.Cache().Add(2, conn)

	var skipped float32
	for _, interval := range inmem.Data() {
		for _, counter := range interval.Counters {
			if counter.Name == "parcelport.parcel.in.error.count" {
				skipped += float32(counter.Sum)
			}
		}
	}
	require.EqualValues(t, 1, skipped)
}
