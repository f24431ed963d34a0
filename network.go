package parcelport

import (
	"context"
	"net"
	"time"
)

// Network establishes the connections parcels travel on.
//
// `TCPNetwork` is the default, `quicnet.Network` runs parcels over QUIC
// streams.
type Network interface {
	Listen(ctx context.Context, addr string) (net.Listener, error)
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TCPNetwork is a `Network` over plain TCP.
type TCPNetwork struct {
	// KeepAlive period of connections, zero means the platform default.
	KeepAlive time.Duration
}

func (tn TCPNetwork) Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: tn.KeepAlive}
	return lc.Listen(ctx, "tcp", addr)
}

func (tn TCPNetwork) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{KeepAlive: tn.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// batches are already coalesced.
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}
