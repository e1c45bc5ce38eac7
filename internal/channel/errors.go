package channel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

var (
	// ErrClosed is the closed signal: the socket was closed locally and the
	// receive loop should end. It is not a failure.
	ErrClosed       = errors.New("channel: closed")
	ErrAlreadyBound = errors.New("channel: already bound")
	ErrNotBound     = errors.New("channel: not bound")
	ErrShortWrite   = errors.New("channel: short write")
	ErrInvalidPort  = errors.New("channel: invalid port")
	ErrInvalidNet   = errors.New("channel: invalid network")
)

// BindError reports a failed bind syscall. Code carries the OS errno when the
// failure came from the kernel, zero otherwise.
type BindError struct {
	Addr    string
	Message string
	Code    syscall.Errno
	Err     error
}

func (e *BindError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("channel: bind %s: %s (errno %d)", e.Addr, e.Message, int(e.Code))
	}
	return fmt.Sprintf("channel: bind %s: %s", e.Addr, e.Message)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// TransientError wraps any receive failure that is not the closed signal.
// The receive loop reports it and keeps going.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("channel: transient receive error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// SendError reports a failed or partial datagram send.
type SendError struct {
	Addr   netip.AddrPort
	Reason string
	Err    error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel: send to %s: %s: %v", e.Addr, e.Reason, e.Err)
	}
	return fmt.Sprintf("channel: send to %s: %s", e.Addr, e.Reason)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ShutdownError reports a failed close.
type ShutdownError struct {
	Err error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("channel: close: %v", e.Err)
}

func (e *ShutdownError) Unwrap() error {
	return e.Err
}

// Outcome classifies the result of one receive call.
type Outcome int

const (
	OutcomeDatagram Outcome = iota
	OutcomeClosed
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDatagram:
		return "datagram"
	case OutcomeClosed:
		return "closed"
	case OutcomeTransient:
		return "transient"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify maps a receive error onto an outcome. closing is the channel's
// explicit shutdown flag; a connection reset only counts as closed when the
// flag is set, so a peer-induced reset is never mistaken for shutdown.
func Classify(err error, closing bool) Outcome {
	switch {
	case err == nil:
		return OutcomeDatagram
	case closing:
		return OutcomeClosed
	case errors.Is(err, net.ErrClosed):
		return OutcomeClosed
	case isClosedHandle(err):
		return OutcomeClosed
	default:
		return OutcomeTransient
	}
}

// Errno returns the OS error code carried by err, or zero.
func Errno(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
