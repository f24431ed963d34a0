package quicnet

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrBufferSize        = errors.New("quicnet: could not allocate udp buffer")
	ErrHostnameResolve   = errors.New("quicnet: could not resolve hostname from certificate")
	ErrInvalidAddr       = errors.New("quicnet: the address you provided is invalid")
	ErrShutdown          = errors.New("quicnet: shutting down")
	ErrStreamWrite       = errors.New("quicnet: error writing to a stream")
	ErrProtocolViolation = errors.New("quicnet: protocol violation")
	ErrNoTLSConfig       = errors.New("quicnet: TlsConfig is required")
)

var (
	QErrStreamClosed            = quic.StreamErrorCode(0x0)
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
