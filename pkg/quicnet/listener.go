package quicnet

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// listener hands out the parcel streams opened by peers, on any of the
// QUIC connections accepted or dialed through its UDP socket.
type listener struct {
	n  *Network
	ep *endpoint
	ql *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc

	streams   chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func newListener(n *Network, ep *endpoint, ql *quic.Listener) *listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &listener{
		n:       n,
		ep:      ep,
		ql:      ql,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(chan net.Conn),
		closed:  make(chan struct{}),
	}
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case sc := <-l.streams:
		return sc, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *listener) Addr() net.Addr {
	return l.ep.udp.LocalAddr()
}

// Close the listener along with every QUIC connection on its socket.
func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		close(l.closed)
		l.n.forgetListener(l)
		l.ql.Close()
		l.ep.close()
	})
	return nil
}

func (l *listener) acceptCx() {
	for {
		conn, err := l.ql.Accept(l.ctx)
		if err != nil {
			if !l.n.gracefulTerm.Load() && l.ctx.Err() == nil {
				// NB(raskyld): atm, the implementation only return errors if
				// Close() has been called, that's why we make assumptions but
				// that's not a good design.
				l.n.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			return
		}

		// errors are already logged and accounted.
		_, _ = l.n.handleConn(conn, l)
	}
}

// handshake waits for the preface of a peer-opened stream before handing
// it out.
func (l *listener) handshake(hcx hostCx, stream quic.Stream) {
	peer := hcx.RemoteAddr().String()
	logger := l.n.logger.With(MLabelPeerAddr, peer, "stream_id", stream.StreamID())
	mLabels := withLabels(l.n.cfg.MetricLabels, peerLabels(peer, hcx.name)...)

	sc := newStreamConn(hcx, stream)
	_ = stream.SetReadDeadline(time.Now().Add(l.n.cfg.HandshakeTimeout))
	var preface [1]byte
	if _, err := io.ReadFull(stream, preface[:]); err != nil {
		if !l.n.gracefulTerm.Load() {
			logger.Warn("error waiting for stream preface", "error", err)
		}
		l.n.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount, 1.0, withLabels(mLabels, errorLabel("no_preface")))
		sc.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	if streamMode(preface[0]) != modeParcels {
		logger.Warn("protocol violation: unknown stream mode", "mode", preface[0])
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		l.n.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount, 1.0, withLabels(mLabels, errorLabel("protocol_violation")))
		return
	}

	logger.Debug("received a stream request")
	l.n.msink.IncrCounterWithLabels(MetricStreamEstInCount, 1.0, mLabels)
	select {
	case l.streams <- sc:
	case <-l.closed:
		sc.Close()
	}
}
