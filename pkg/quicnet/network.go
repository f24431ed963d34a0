// Package quicnet runs parcel connections over QUIC.
//
// Every parcel connection is a bidirectional QUIC stream. Streams to the
// same peer are multiplexed on a single QUIC connection, which is
// authenticated with mutual TLS.
package quicnet

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// ALPN is negotiated on every QUIC connection.
const ALPN = "parcelport/1"

const defaultUDPBufferSize int = 1 << 21

// Config of a QUIC `Network`.
type Config struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `Config.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// HintMaxStreams gives an indication of how many parcel connections a
	// peer may open concurrently.
	HintMaxStreams int64

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// MaxIdleTimeout of QUIC connections, they are kept alive in between.
	MaxIdleTimeout time.Duration

	// HandshakeTimeout bounds how long we wait for the preface of a stream.
	HandshakeTimeout time.Duration

	// GracePeriod is waited on Close for streams to flush their buffers.
	GracePeriod time.Duration

	// MetricsLabels to add to every metrics emitted.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Network is a `parcelport.Network` over QUIC.
type Network struct {
	cfg      Config
	tlsConf  *tls.Config
	quicConf *quic.Config
	logger   *slog.Logger
	msink    metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	lk        sync.Mutex
	listeners []*listener
	// dialer is only used when we do not listen.
	dialer   *endpoint
	hostsCxs map[string][]hostCx
}

type hostCx struct {
	// closeCh is closed to wake-up stream garbage collectors.
	closeCh chan struct{}
	name    Hostname
	// ln receives the streams opened by the peer, nil if we do not accept
	// any on this connection.
	ln *listener
	quic.Connection
}

type endpoint struct {
	udp *net.UDPConn
	tr  *quic.Transport
}

func (ep *endpoint) close() {
	ep.tr.Close()
	ep.udp.Close()
}

func New(cfg Config) (*Network, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	n := &Network{
		cfg:      cfg,
		tlsConf:  cfg.TlsConfig.Clone(),
		hostsCxs: make(map[string][]hostCx),
	}
	if len(n.tlsConf.NextProtos) == 0 {
		n.tlsConf.NextProtos = []string{ALPN}
	}

	if cfg.LogHandler == nil {
		n.logger = slog.Default()
	} else {
		n.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		n.msink = metrics.Default()
	} else {
		n.msink = cfg.MetricSink
	}

	if n.cfg.HintMaxStreams == 0 {
		n.cfg.HintMaxStreams = 10000
	}
	if n.cfg.MaxIdleTimeout == 0 {
		n.cfg.MaxIdleTimeout = time.Minute
	}
	if n.cfg.HandshakeTimeout == 0 {
		n.cfg.HandshakeTimeout = 10 * time.Second
	}

	n.quicConf = &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:             false,
		MaxIncomingStreams:    n.cfg.HintMaxStreams,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        n.cfg.MaxIdleTimeout,
		// idle parcel connections sit in the cache.
		KeepAlivePeriod: n.cfg.MaxIdleTimeout / 3,
	}
	return n, nil
}

// Listen binds a UDP socket on `addr` and accepts the parcel streams of
// peers on it. Outbound connections are dialed from the first socket we
// listen on, so that peers can reuse them.
func (n *Network) Listen(_ context.Context, addr string) (net.Listener, error) {
	if n.gracefulTerm.Load() {
		return nil, ErrShutdown
	}

	ep, err := n.bind(addr)
	if err != nil {
		return nil, err
	}

	ql, err := ep.tr.Listen(n.tlsConf, n.quicConf)
	if err != nil {
		ep.close()
		return nil, fmt.Errorf("quicnet: failed to allocate QUIC listener: %w", err)
	}

	ln := newListener(n, ep, ql)
	n.lk.Lock()
	n.listeners = append(n.listeners, ln)
	n.lk.Unlock()

	go ln.acceptCx()
	return ln, nil
}

// Dial opens a parcel stream to `addr`, reusing the QUIC connection we may
// already have with it.
func (n *Network) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if n.gracefulTerm.Load() {
		return nil, ErrShutdown
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	mLabels := withLabels(n.cfg.MetricLabels, metrics.Label{Name: MLabelPeerAddr, Value: udpAddr.String()})

	hcx, err := n.getActiveCx(ctx, udpAddr)
	if err != nil {
		n.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			withLabels(mLabels, errorLabel("no_conn_to_host")),
		)
		return nil, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		n.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			withLabels(mLabels, errorLabel("cannot_open_stream")),
		)
		return nil, err
	}

	sc := newStreamConn(hcx, stream)
	if _, err = stream.Write([]byte{byte(modeParcels)}); err != nil {
		sc.Close()
		n.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			withLabels(mLabels, errorLabel("cannot_send_preface")),
		)
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	n.msink.IncrCounterWithLabels(MetricStreamEstOutCount, 1.0, mLabels)
	return sc, nil
}

// Conns returns the number of live QUIC connections.
func (n *Network) Conns() int {
	n.lk.Lock()
	defer n.lk.Unlock()
	count := 0
	for _, cxs := range n.hostsCxs {
		for _, cx := range cxs {
			if cx.Context().Err() == nil {
				count++
			}
		}
	}
	return count
}

// Close every listener and connection. Streams are given
// `Config.GracePeriod` to flush their buffers.
func (n *Network) Close() error {
	if !n.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already closed
		return nil
	}

	n.lk.Lock()
	listeners := n.listeners
	n.listeners = nil
	var cxs []hostCx
	for _, hcxs := range n.hostsCxs {
		cxs = append(cxs, hcxs...)
	}
	clear(n.hostsCxs)
	dialer := n.dialer
	n.dialer = nil
	n.lk.Unlock()

	for _, cx := range cxs {
		close(cx.closeCh)
	}

	// dumb SO_LINGER like behaviour until it is implemented
	// in go-quic
	if n.cfg.GracePeriod > 0 {
		time.Sleep(n.cfg.GracePeriod)
	}

	for _, cx := range cxs {
		QErrShutdown.Close(cx.Connection, "we are shutting down! bye!")
	}
	for _, ln := range listeners {
		ln.Close()
	}
	if dialer != nil {
		dialer.close()
	}
	return nil
}

func (n *Network) bind(addr string) (*endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("quicnet: failed to allocate UDP listener: %w", err)
	}

	requested := n.cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := n.negotiateBufferSize(udp, requested); err != nil {
		udp.Close()
		return nil, err
	}

	return &endpoint{
		udp: udp,
		tr:  &quic.Transport{Conn: udp},
	}, nil
}

func (n *Network) negotiateBufferSize(udp *net.UDPConn, requested int) error {
	size := requested
	for size > 0 {
		if err := udp.SetReadBuffer(size); err != nil {
			if n.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			n.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		n.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			n.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (n *Network) getActiveCx(ctx context.Context, addr *net.UDPAddr) (hostCx, error) {
	peer := addr.String()

	n.lk.Lock()
	if cx, ok := n.firstActiveCx(peer); ok {
		n.lk.Unlock()
		return cx, nil
	}
	ep, ln, err := n.dialEndpoint()
	n.lk.Unlock()
	if err != nil {
		return hostCx{}, err
	}

	conn, err := ep.tr.Dial(ctx, addr, n.tlsConf, n.quicConf)
	if n.gracefulTerm.Load() {
		if conn != nil {
			QErrShutdown.Close(conn, "we are shutting down! bye!")
		}
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		n.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabels(n.cfg.MetricLabels,
				metrics.Label{Name: MLabelPeerAddr, Value: peer},
				errorLabel("dial")),
		)
		return hostCx{}, err
	}

	return n.handleConn(conn, ln)
}

// not thread safe!
// must be called by an holder of the lock
func (n *Network) dialEndpoint() (*endpoint, *listener, error) {
	if len(n.listeners) > 0 {
		ln := n.listeners[0]
		return ln.ep, ln, nil
	}
	if n.dialer == nil {
		ep, err := n.bind(":0")
		if err != nil {
			return nil, nil, err
		}
		n.dialer = ep
	}
	return n.dialer, nil, nil
}

// not thread safe!
// must be called by an holder of the lock
func (n *Network) firstActiveCx(peer string) (hostCx, bool) {
	for _, cx := range n.hostsCxs[peer] {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}
	return hostCx{}, false
}

// not thread safe!
// must be called by an holder of the lock
func (n *Network) garbageCollectCxs(peer string) []hostCx {
	cxs, hasCxs := n.hostsCxs[peer]
	if !hasCxs {
		return nil
	}

	cleanedUpList := make([]hostCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, cx)
		}
	}

	if len(cleanedUpList) == 0 {
		delete(n.hostsCxs, peer)
		return nil
	}
	n.hostsCxs[peer] = cleanedUpList
	return cleanedUpList
}

func (n *Network) forgetListener(ln *listener) {
	n.lk.Lock()
	defer n.lk.Unlock()
	for i, candidate := range n.listeners {
		if candidate == ln {
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			break
		}
	}
	for peer, cxs := range n.hostsCxs {
		kept := cxs[:0]
		for _, cx := range cxs {
			if cx.ln == ln {
				close(cx.closeCh)
				QErrShutdown.Close(cx.Connection, "listener closed")
				continue
			}
			kept = append(kept, cx)
		}
		if len(kept) == 0 {
			delete(n.hostsCxs, peer)
		} else {
			n.hostsCxs[peer] = kept
		}
	}
}

func (n *Network) handleConn(conn quic.Connection, ln *listener) (hostCx, error) {
	peer := conn.RemoteAddr().String()
	logger := n.logger.With(MLabelPeerAddr, peer)
	mLabels := withLabels(n.cfg.MetricLabels, metrics.Label{Name: MLabelPeerAddr, Value: peer})

	resolver := n.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	hostname, err, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", "error", err)
		n.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabels(mLabels, errorLabel("name_resolution")),
		)
		if uerr == "" {
			QErrHostname.Close(conn, "unexpected error during hostname resolution")
		} else {
			QErrHostname.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return hostCx{}, ErrHostnameResolve
	}

	hcx := hostCx{
		closeCh:    make(chan struct{}),
		name:       hostname,
		ln:         ln,
		Connection: conn,
	}

	n.lk.Lock()
	if n.gracefulTerm.Load() {
		n.lk.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return hostCx{}, ErrShutdown
	}
	cxs := n.garbageCollectCxs(peer)
	n.hostsCxs[peer] = append(cxs, hcx)
	n.lk.Unlock()

	logger.Debug("connection established", "hostname", hostname)
	n.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		withLabels(mLabels, metrics.Label{Name: MLabelPeerName, Value: string(hostname)}),
	)

	// NB: it's ok to pass by value, the struct is just a few cheap pointers.
	go n.handleStreams(hcx)
	return hcx, nil
}

func (n *Network) handleStreams(hcx hostCx) {
	ctx := hcx.Context()
	peer := hcx.RemoteAddr().String()
	logger := n.logger.With(MLabelPeerAddr, peer)

	for {
		stream, err := hcx.AcceptStream(ctx)
		if err != nil {
			if !n.gracefulTerm.Load() {
				logger.Debug("connection closed", "error", err)
			}
			return
		}

		if hcx.ln == nil {
			logger.Warn("protocol violation: peer opened a stream on a dial-only connection")
			stream.CancelRead(QErrStreamProtocolViolation)
			stream.CancelWrite(QErrStreamProtocolViolation)
			n.msink.IncrCounterWithLabels(
				MetricStreamEstInErrorCount,
				1.0,
				withLabels(n.cfg.MetricLabels, errorLabel("not_listening")),
			)
			continue
		}

		go hcx.ln.handshake(hcx, stream)
	}
}
