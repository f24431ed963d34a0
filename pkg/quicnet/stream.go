package quicnet

import (
	"net"

	"github.com/quic-go/quic-go"
)

type streamMode uint8

const (
	modeUnspecified streamMode = iota
	// modeParcels streams carry batches of parcels.
	modeParcels
)

// streamConn exposes a bidirectional QUIC stream as a `net.Conn`.
type streamConn struct {
	localAddr  net.Addr
	remoteAddr net.Addr
	peer       Hostname

	// NB(raskyld): It is not clear from the go-quic docs and interface comments
	// whether the stream is thread-safe, it states that Close MUST NOT
	// be called concurrently with write, but looking at the implementation,
	// it does use a mutex to sync Write/Close/Read operations, so I don't
	// think we need to make it thread-safe ourselves.
	quic.Stream
}

func newStreamConn(hcx hostCx, stream quic.Stream) *streamConn {
	sc := &streamConn{
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		peer:       hcx.name,
		Stream:     stream,
	}
	go sc.garbageCollector(hcx.closeCh)
	return sc
}

func (sc *streamConn) LocalAddr() net.Addr {
	return sc.localAddr
}

func (sc *streamConn) RemoteAddr() net.Addr {
	return sc.remoteAddr
}

// Peer is the hostname the remote end authenticated with.
func (sc *streamConn) Peer() Hostname {
	return sc.peer
}

// Close both directions of the stream, `quic.Stream.Close` only closes the
// write side.
func (sc *streamConn) Close() error {
	sc.Stream.CancelRead(QErrStreamClosed)
	return sc.Stream.Close()
}

func (sc *streamConn) garbageCollector(closer <-chan struct{}) {
	select {
	case <-sc.Context().Done():
		// already closed, can't clean-up.
	case <-closer:
		// graceful termination requested.
		// TODO(raskyld): contribute to go-quic to handle gracefully draining
		// the whole structured concurrency tree until a deadline or all connections
		// and streams have transmitted their frames.
		sc.Close()
	}
}
