package parcelport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/parcelport/pkg/archive"
	"github.com/raskyld/parcelport/pkg/coroutine"
	"github.com/raskyld/parcelport/pkg/function"
)

const (
	// DrainWorkName is the name of the work items flushing the parcels
	// queued while a batch was being written.
	DrainWorkName = "send_pending_parcels"

	// ParcelWorkPrefix prefixes the name of the work items running inbound
	// actions.
	ParcelWorkPrefix = "parcel:"
)

// Parcelport moves parcels between localities.
//
// Outbound parcels are queued per destination and written in batches on
// pooled connections. Inbound parcels are decoded and their action is
// handed to the `Scheduler`.
type Parcelport struct {
	cfg          config
	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	network   Network
	executor  ExecutorPool
	scheduler Scheduler
	resolver  Resolver
	registry  *function.Registry

	// set when we created them, so we own their lifecycle.
	ownedScheduler *coroutine.Scheduler

	cache   *ConnectionCache
	pending *pendingQueue

	lk        sync.Mutex
	running   bool
	listeners []net.Listener
	inbound   map[net.Conn]struct{}

	// graceful termination asked, do not spam of connection errors in logs.
	gracefulTerm atomic.Bool
}

func New(opts ...Option) (*Parcelport, error) {
	cfg := config{Config: DefaultConfig()}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pp := &Parcelport{
		cfg:          cfg,
		metricLabels: cfg.metricLabels,
		network:      cfg.network,
		executor:     cfg.executor,
		scheduler:    cfg.scheduler,
		resolver:     cfg.resolver,
		registry:     cfg.registry,
		cache:        NewConnectionCache(cfg.MaxCacheSize, cfg.MaxConnectionsPerLocality),
		pending:      newPendingQueue(),
		inbound:      make(map[net.Conn]struct{}),
	}

	if cfg.logHandler != nil {
		pp.logger = slog.New(cfg.logHandler)
	} else {
		pp.logger = slog.Default()
	}
	pp.logger = pp.logger.With(LabelLocality.L(cfg.Locality))

	if cfg.metricSink != nil {
		pp.msink = cfg.metricSink
	} else {
		pp.msink = metrics.Default()
	}

	if pp.network == nil {
		pp.network = TCPNetwork{}
	}
	if pp.executor == nil {
		pp.executor = NewGoroutinePool(context.Background())
	}
	if pp.resolver == nil {
		pp.resolver = NewStaticResolver()
	}
	if pp.registry == nil {
		pp.registry = function.DefaultRegistry
	}
	if pp.scheduler == nil {
		schedOpts := []coroutine.Option{
			coroutine.WithMetricSink(pp.msink),
			coroutine.WithMetricLabels(pp.metricLabels),
		}
		if cfg.logHandler != nil {
			schedOpts = append(schedOpts, coroutine.WithLog(cfg.logHandler))
		}
		sched, err := coroutine.NewScheduler(schedOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		pp.scheduler = sched
		pp.ownedScheduler = sched
	}

	return pp, nil
}

// Here returns the locality of this node.
func (pp *Parcelport) Here() LocalityID {
	return pp.cfg.Locality
}

// Config returns the configuration the `Parcelport` was created with.
func (pp *Parcelport) Config() Config {
	return pp.cfg.Config
}

// Addrs returns the endpoints we actually listen on, which differ from
// `Config.ListenAddrs` when an ephemeral port was requested.
func (pp *Parcelport) Addrs() []string {
	pp.lk.Lock()
	defer pp.lk.Unlock()
	addrs := make([]string, 0, len(pp.listeners))
	for _, ln := range pp.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}

// Address returns how other localities can reach us.
func (pp *Parcelport) Address() Address {
	return Address{Locality: pp.cfg.Locality, Endpoints: pp.Addrs()}
}

// Cache exposes the connection cache, mainly for observability.
func (pp *Parcelport) Cache() *ConnectionCache {
	return pp.cache
}

// Pending returns how many parcels are waiting for a connection to `dest`.
func (pp *Parcelport) Pending(dest LocalityID) int {
	return pp.pending.len(dest)
}

// Run listens on every configured endpoint and starts accepting parcels.
//
// Failing to listen on some endpoints is logged, an error is only
// returned if every endpoint failed. When `blocking`, it returns once the
// `Parcelport` is stopped.
func (pp *Parcelport) Run(blocking bool) error {
	pp.lk.Lock()
	if pp.gracefulTerm.Load() {
		pp.lk.Unlock()
		return ErrShutdown
	}
	if pp.running {
		pp.lk.Unlock()
		return ErrAlreadyRunning
	}
	pp.running = true
	pp.lk.Unlock()

	if pp.ownedScheduler != nil {
		pp.ownedScheduler.Start()
	}
	if err := pp.executor.Run(false); err != nil {
		return err
	}

	var (
		errs      []error
		listeners []net.Listener
	)
	for _, addr := range pp.cfg.ListenAddrs {
		ln, err := pp.network.Listen(pp.executor.Context(), addr)
		if err != nil {
			pp.logger.Warn("failed to listen", LabelEndpoint.L(addr), LabelError.L(err))
			pp.msink.IncrCounterWithLabels(
				MetricConnAcceptErrorCount,
				1.0,
				withLabels(pp.metricLabels, LabelEndpoint.M(addr), LabelError.M("listen")),
			)
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		pp.logger.Info("listening for parcels", LabelEndpoint.L(ln.Addr().String()))
		listeners = append(listeners, ln)
	}

	if len(pp.cfg.ListenAddrs) > 0 && len(listeners) == 0 {
		return &NetworkError{
			Phase:       PhaseAccept,
			Destination: pp.cfg.Locality,
			Cause:       fmt.Errorf("%w: %w", ErrNoListener, errors.Join(errs...)),
		}
	}

	pp.lk.Lock()
	if pp.gracefulTerm.Load() {
		pp.lk.Unlock()
		for _, ln := range listeners {
			ln.Close()
		}
		return ErrShutdown
	}
	pp.listeners = listeners
	pp.lk.Unlock()

	for _, ln := range listeners {
		pp.executor.Go(func() { pp.acceptLoop(ln) })
	}

	if blocking {
		return pp.executor.Run(true)
	}
	return nil
}

// Stop stops accepting connections and fails every parcel still queued
// with `ErrShutdown`. When `blocking`, it waits for in-flight reads and
// writes to complete before releasing the idle connections.
func (pp *Parcelport) Stop(blocking bool) error {
	if !pp.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already stopped
		return nil
	}

	start := time.Now()
	pp.logger.Info("shutting down...")

	pp.lk.Lock()
	listeners := pp.listeners
	pp.listeners = nil
	inbound := make([]net.Conn, 0, len(pp.inbound))
	for nc := range pp.inbound {
		inbound = append(inbound, nc)
	}
	pp.lk.Unlock()

	pp.logger.Debug("shutdown: stop accepting connections")
	for _, ln := range listeners {
		ln.Close()
	}
	pp.executor.Stop()
	for _, nc := range inbound {
		nc.Close()
	}

	if blocking {
		pp.logger.Debug("shutdown: wait for in-flight operations")
		pp.executor.Join()
	}

	pp.logger.Debug("shutdown: release idle connections")
	pp.cache.Clear()

	failed := 0
	for _, pending := range pp.pending.drainAll() {
		for _, handler := range pending.handlers {
			handler(ErrShutdown, 0)
			failed++
		}
	}
	if failed > 0 {
		pp.logger.Warn("shutdown: dropped queued parcels", "count", failed)
	}

	if pp.ownedScheduler != nil {
		if blocking {
			pp.ownedScheduler.Stop()
		} else {
			go pp.ownedScheduler.Stop()
		}
	}

	pp.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}

// SendTo is like `Send` but resolves the destination of `p` first.
func (pp *Parcelport) SendTo(ctx context.Context, p *Parcel, handler WriteHandler) error {
	addr, err := pp.resolver.Resolve(ctx, p.Destination)
	if err != nil {
		return err
	}
	return pp.Send(ctx, p, addr, handler)
}

// Send queues `p` for `addr` and, unless every allowed connection to the
// destination is already busy, writes every parcel queued for it in a
// single batch.
//
// `handler` is called once `p` is written, or failed to be. Send only
// blocks while connecting, in which case `ctx` bounds the retries. A
// connection failure is returned as a `*NetworkError` with `PhaseConnect`:
// `p` stays queued and will be sent along with the next parcel to the same
// destination. Encoding errors, and parcels too large to fit in a frame
// on their own, are returned before `p` is queued and `handler` is never
// called. If the `Parcelport` stops while `p` is being queued, `handler`
// is called with `ErrShutdown`, which is also returned.
func (pp *Parcelport) Send(ctx context.Context, p *Parcel, addr Address, handler WriteHandler) error {
	if pp.gracefulTerm.Load() {
		return ErrShutdown
	}
	if handler == nil {
		handler = func(error, int) {}
	}

	dest := addr.Locality
	p.Source = pp.cfg.Locality
	p.Destination = dest
	if err := p.encode(); err != nil {
		return err
	}
	if _, err := splitBatch([]*Parcel{p}, pp.cfg.MaxFrameSize); err != nil {
		return err
	}

	queued := pp.pending.enqueue(dest, p, handler)
	pp.msink.SetGaugeWithLabels(
		MetricParcelPendingCount,
		float32(queued),
		withLabels(pp.metricLabels, LabelsForLocality(dest)...),
	)
	if pp.gracefulTerm.Load() {
		// raced with `Stop`, which may have already failed the queue.
		pp.failPending(dest, ErrShutdown)
		return ErrShutdown
	}

	conn, reserved := pp.cache.acquire(dest)
	if conn == nil {
		if !reserved {
			// a send in flight will pick it up.
			return nil
		}
		var err error
		conn, err = pp.connect(ctx, addr)
		if err != nil {
			pp.cache.release(dest)
			return err
		}
	}

	pp.flush(conn)
	return nil
}

// connect sweeps over the endpoints of `addr` up to `MaxRetries` times.
// The returned connection is counted as outstanding by the cache.
func (pp *Parcelport) connect(ctx context.Context, addr Address) (*Connection, error) {
	dest := addr.Locality
	labels := withLabels(pp.metricLabels, LabelsForLocality(dest)...)
	fail := func(endpoint string, cause error) error {
		pp.msink.IncrCounterWithLabels(MetricConnErrorCount, 1.0, labels)
		return &NetworkError{Phase: PhaseConnect, Destination: dest, Endpoint: endpoint, Cause: cause}
	}

	if len(addr.Endpoints) == 0 {
		return nil, fail("", ErrNoEndpoints)
	}

	var (
		lastErr      error
		lastEndpoint string
	)
	for attempt := range pp.cfg.MaxRetries {
		if attempt > 0 {
			pp.msink.IncrCounterWithLabels(MetricConnRetryCount, 1.0, labels)
			select {
			case <-time.After(pp.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, fail(lastEndpoint, fmt.Errorf("%w (last error: %w)", context.Cause(ctx), lastErr))
			}
		}

		for _, endpoint := range addr.Endpoints {
			if pp.gracefulTerm.Load() {
				return nil, fail(endpoint, ErrShutdown)
			}

			dialCtx, cancel := context.WithTimeout(ctx, pp.cfg.DialTimeout)
			nc, err := pp.network.Dial(dialCtx, endpoint)
			cancel()
			if err == nil {
				pp.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, labels)
				pp.logger.Debug("connected", LabelEndpoint.L(endpoint), "destination", dest, "attempt", attempt)
				conn := newConnection(addr, nc, pp.cfg.MaxFrameSize)
				// the cache reservation is ours.
				conn.counted = true
				return conn, nil
			}
			lastErr, lastEndpoint = err, endpoint
		}

		pp.logger.Debug("failed to connect",
			"destination", dest,
			"attempt", attempt,
			LabelEndpoint.L(lastEndpoint),
			LabelError.L(lastErr))
	}

	pp.logger.Warn("giving up on connecting",
		"destination", dest,
		"retries", pp.cfg.MaxRetries,
		LabelError.L(lastErr))
	return nil, fail(lastEndpoint, lastErr)
}

// flush writes every parcel queued for the destination of `conn`, or
// returns `conn` to the cache if a concurrent send already took them.
func (pp *Parcelport) flush(conn *Connection) {
	parcels, handlers := pp.pending.drain(conn.dest)
	if len(parcels) == 0 {
		pp.reclaim(conn)
		return
	}
	pp.executor.Go(func() { pp.write(conn, parcels, handlers) })
}

func (pp *Parcelport) write(conn *Connection, parcels []*Parcel, handlers []WriteHandler) {
	dest := conn.dest
	labels := withLabels(pp.metricLabels, LabelsForLocality(dest)...)

	ctx, cancel := context.WithTimeout(context.Background(), pp.cfg.WriteTimeout)
	start := time.Now()
	n, err := conn.WriteBatch(ctx, parcels)
	elapsed := time.Since(start)
	cancel()

	if err != nil {
		err = &NetworkError{
			Phase:       PhaseWrite,
			Destination: dest,
			Endpoint:    conn.RemoteAddr().String(),
			Cause:       err,
		}
		pp.msink.IncrCounterWithLabels(MetricWriteErrorCount, 1.0, labels)
		if !pp.gracefulTerm.Load() {
			pp.logger.Warn("failed to write parcels",
				"destination", dest,
				LabelBatchSize.L(len(parcels)),
				LabelError.L(err))
		}
		if errors.Is(err, archive.ErrFrameTooLarge) {
			// nothing reached the wire.
			pp.reclaim(conn)
		} else {
			pp.cache.Drop(conn)
		}
	} else {
		pp.msink.IncrCounterWithLabels(MetricParcelOutCount, float32(len(parcels)), labels)
		pp.msink.IncrCounterWithLabels(MetricParcelOutBytes, float32(n), labels)
		pp.msink.AddSampleWithLabels(MetricBatchSize, float32(len(parcels)), labels)
		pp.msink.AddSampleWithLabels(MetricWriteDurationMs, durationMs(elapsed), labels)
		pp.reclaim(conn)
	}

	for _, handler := range handlers {
		handler(err, n)
	}

	pp.scheduleDrain(conn.addr)
}

// reclaim returns `conn` to the cache, unless we are shutting down.
func (pp *Parcelport) reclaim(conn *Connection) {
	if pp.gracefulTerm.Load() {
		pp.cache.Drop(conn)
		return
	}
	pp.cache.Add(conn.dest, conn)
	pp.msink.SetGaugeWithLabels(MetricCacheIdleCount, float32(pp.cache.IdleCount()), pp.metricLabels)
	if pp.gracefulTerm.Load() {
		// raced with `Stop`.
		pp.cache.Clear()
	}
}

// scheduleDrain registers the trampoline flushing the parcels queued for
// `addr` while the previous batch was being written.
func (pp *Parcelport) scheduleDrain(addr Address) {
	if pp.gracefulTerm.Load() {
		return
	}
	work := coroutine.Work(func(*coroutine.Self) error {
		pp.drainPending(addr)
		return nil
	})
	if _, err := pp.scheduler.Register(work, DrainWorkName); err != nil {
		pp.logger.Debug("could not schedule drain", "destination", addr.Locality, LabelError.L(err))
	}
}

// drainPending flushes the parcels queued for `addr`. When the connection
// of the previous batch is gone, either dropped or evicted, a new one is
// established if the cache allows it.
func (pp *Parcelport) drainPending(addr Address) {
	dest := addr.Locality
	if pp.gracefulTerm.Load() || pp.pending.len(dest) == 0 {
		return
	}
	conn, reserved := pp.cache.acquire(dest)
	if conn == nil {
		if !reserved {
			// every connection is busy, their own drain will pick the parcels.
			return
		}
		var err error
		conn, err = pp.connect(pp.executor.Context(), addr)
		if err != nil {
			pp.cache.release(dest)
			pp.logger.Warn("failed to reconnect, parcels stay queued",
				"destination", dest,
				"pending", pp.pending.len(dest),
				LabelError.L(err))
			return
		}
	}
	pp.flush(conn)
}

// failPending calls the handler of every parcel queued for `dest` with
// `err`.
func (pp *Parcelport) failPending(dest LocalityID, err error) {
	_, handlers := pp.pending.drain(dest)
	for _, handler := range handlers {
		handler(err, 0)
	}
}

func (pp *Parcelport) acceptLoop(ln net.Listener) {
	var backoff time.Duration
	endpoint := ln.Addr().String()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if pp.gracefulTerm.Load() || errors.Is(err, net.ErrClosed) {
				pp.logger.Debug("stop accepting", LabelEndpoint.L(endpoint))
				return
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, time.Second)
			}
			pp.msink.IncrCounterWithLabels(
				MetricConnAcceptErrorCount,
				1.0,
				withLabels(pp.metricLabels, LabelEndpoint.M(endpoint), LabelError.M("accept")),
			)
			pp.logger.Warn("failed to accept connection",
				LabelEndpoint.L(endpoint),
				LabelError.L(err),
				"retry_in", backoff)

			select {
			case <-time.After(backoff):
			case <-pp.executor.Context().Done():
				return
			}
			continue
		}
		backoff = 0

		if !pp.trackInbound(nc) {
			nc.Close()
			return
		}
		pp.msink.IncrCounterWithLabels(
			MetricConnAcceptCount,
			1.0,
			withLabels(pp.metricLabels, LabelEndpoint.M(endpoint)),
		)
		pp.executor.Go(func() { pp.readLoop(nc) })
	}
}

func (pp *Parcelport) trackInbound(nc net.Conn) bool {
	pp.lk.Lock()
	defer pp.lk.Unlock()
	if pp.gracefulTerm.Load() {
		return false
	}
	pp.inbound[nc] = struct{}{}
	return true
}

func (pp *Parcelport) untrackInbound(nc net.Conn) {
	pp.lk.Lock()
	delete(pp.inbound, nc)
	pp.lk.Unlock()
	nc.Close()
}

// readLoop decodes batches from `nc` until it is closed. Any error only
// drops this connection.
func (pp *Parcelport) readLoop(nc net.Conn) {
	defer pp.untrackInbound(nc)

	peer := nc.RemoteAddr().String()
	logger := pp.logger.With(LabelPeerAddr.L(peer))
	labels := withLabels(pp.metricLabels, LabelPeerAddr.M(peer))
	br := newBatchReader(nc, pp.cfg.MaxFrameSize)

	logger.Debug("accepted inbound connection")
	for {
		frame, elapsed, err := br.next()
		if err != nil {
			if pp.expectedReadError(err) {
				logger.Debug("inbound connection closed")
				return
			}
			pp.msink.IncrCounterWithLabels(MetricReadErrorCount, 1.0, labels)
			logger.Warn("failed to read parcels, dropping connection",
				LabelError.L(&NetworkError{Phase: PhaseRead, Destination: pp.cfg.Locality, Endpoint: peer, Cause: err}))
			return
		}
		pp.msink.AddSampleWithLabels(MetricReadDurationMs, durationMs(elapsed), labels)

		parcels, skipped, err := decodeBatch(frame, pp.registry)
		if err != nil {
			pp.msink.IncrCounterWithLabels(
				MetricParcelInErrorCount, 1.0, withLabels(labels, LabelError.M("malformed")))
			logger.Warn("received a malformed batch, dropping connection", LabelError.L(err))
			return
		}
		for _, serr := range skipped {
			pp.msink.IncrCounterWithLabels(
				MetricParcelInErrorCount, 1.0, withLabels(labels, LabelError.M("unknown_action")))
			logger.Warn("dropped a parcel with an unknown action", LabelError.L(serr))
		}

		pp.msink.IncrCounterWithLabels(MetricParcelInBytes, float32(len(frame)), labels)
		for _, p := range parcels {
			pp.dispatch(logger, p)
		}
	}
}

func (pp *Parcelport) expectedReadError(err error) bool {
	return pp.gracefulTerm.Load() ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed)
}

// dispatch hands the action of `p` to the scheduler.
func (pp *Parcelport) dispatch(logger *slog.Logger, p *Parcel) {
	pp.msink.IncrCounterWithLabels(
		MetricParcelInCount,
		1.0,
		withLabels(pp.metricLabels, LabelAction.M(p.Action.Name())),
	)

	work := coroutine.Work(func(self *coroutine.Self) error {
		res, err := p.Action.Invoke(&ActionContext{
			Context: pp.executor.Context(),
			Parcel:  p,
			Self:    self,
			Port:    pp,
		})
		if err != nil {
			return err
		}
		return res
	})

	if _, err := pp.scheduler.Register(work, ParcelWorkPrefix+p.Action.Name()); err != nil {
		logger.Warn("failed to schedule parcel", LabelParcelID.L(p.ID.String()), LabelError.L(err))
	}
}

func durationMs(d time.Duration) float32 {
	return float32(d) / float32(time.Millisecond)
}
