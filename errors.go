package parcelport

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg     = errors.New("parcelport: invalid options")
	ErrShutdown       = errors.New("parcelport: shutting down")
	ErrAlreadyRunning = errors.New("parcelport: already running")
	ErrNoEndpoints    = errors.New("parcelport: destination has no endpoint")
	ErrNoListener     = errors.New("parcelport: no endpoint to listen on")

	ErrMalformedParcel = errors.New("parcel: malformed record")
	ErrEmptyAction     = errors.New("parcel: no action bound")

	ErrUnknownLocality = errors.New("resolver: unknown locality")
	ErrJoinCluster     = errors.New("resolver: could not join cluster")
	ErrInvalidTags     = errors.New("resolver: invalid member tags")
)

// Phase of the parcel transport in which a `NetworkError` happened.
type Phase uint8

const (
	PhaseAccept Phase = iota
	PhaseConnect
	PhaseRead
	PhaseWrite
)

func (p Phase) String() string {
	switch p {
	case PhaseAccept:
		return "accept"
	case PhaseConnect:
		return "connect"
	case PhaseRead:
		return "read"
	case PhaseWrite:
		return "write"
	default:
		return "unknown"
	}
}

// NetworkError is returned, or passed to write handlers, when the network
// failed us.
type NetworkError struct {
	Phase       Phase
	Destination LocalityID
	// Endpoint is the last endpoint tried, if any.
	Endpoint string
	Cause    error
}

func (nerr *NetworkError) Error() string {
	if nerr.Endpoint == "" {
		return fmt.Sprintf("parcelport: %s failed for %s: %v", nerr.Phase, nerr.Destination, nerr.Cause)
	}
	return fmt.Sprintf(
		"parcelport: %s failed for %s (%s): %v",
		nerr.Phase, nerr.Destination, nerr.Endpoint, nerr.Cause,
	)
}

func (nerr *NetworkError) Unwrap() error {
	return nerr.Cause
}

// IsPhase reports whether `err` is a `*NetworkError` which happened during
// `phase`.
func IsPhase(err error, phase Phase) bool {
	var nerr *NetworkError
	return errors.As(err, &nerr) && nerr.Phase == phase
}
