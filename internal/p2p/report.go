package p2p

import (
	"errors"
	"fmt"
	"io"
)

// Reason classifies why a peer went away or failed to come up.
type Reason byte

const (
	ReasonGraceful Reason = iota
	ReasonTransport
	ReasonProtocol
	ReasonLocal
	ReasonBackpressure
)

func (r Reason) String() string {
	switch r {
	case ReasonGraceful:
		return "graceful"
	case ReasonTransport:
		return "transport-failure"
	case ReasonProtocol:
		return "protocol-violation"
	case ReasonLocal:
		return "local-request"
	case ReasonBackpressure:
		return "backpressure-rejected"
	default:
		return "unknown"
	}
}

// Report is the structured explanation attached to Disconnected and
// UpgradeFailed events.
type Report struct {
	Reason Reason
	Err    error
}

func (r Report) String() string {
	if r.Err == nil {
		return r.Reason.String()
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Err)
}

// reportFor classifies a peer-terminating error.
func reportFor(err error) Report {
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, ErrConnectionClosed):
		return Report{Reason: ReasonGraceful, Err: err}
	case errors.Is(err, ErrFrameTooLarge):
		return Report{Reason: ReasonProtocol, Err: err}
	default:
		return Report{Reason: ReasonTransport, Err: err}
	}
}

var (
	ErrPeerConsumed  = errors.New("peer state was already consumed")
	ErrPeerStopping  = errors.New("peer is stopping")
	ErrUnknownStream = errors.New("stream was not opened for this peer")
)

// StreamSetupError reports which stream could not be opened during Run.
type StreamSetupError struct {
	Stream StreamId
	Err    error
}

func (e *StreamSetupError) Error() string {
	return fmt.Sprintf("stream setup failed on %s: %s", e.Stream, e.Err)
}

func (e *StreamSetupError) Unwrap() error { return e.Err }

// SendError means the peer is gone or going; the caller must not retry on
// the same handle.
type SendError struct {
	Stream StreamId
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed on %s: %s", e.Stream, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
