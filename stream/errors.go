package stream

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrDisconnected is returned once the peer has closed the connection, or
	// the connection was closed locally while a read was blocked on it.
	ErrDisconnected = errors.New("lightcache: disconnected")

	// ErrTimedOut is returned when a read deadline passed before enough bytes
	// arrived. Bytes read before the deadline are dropped.
	ErrTimedOut = errors.New("lightcache: timed out")
)

// IOError wraps any read or write failure that is neither a disconnect nor a
// timeout.
type IOError struct {
	Cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("lightcache: i/o error: %v", e.Cause)
}

func (e *IOError) Unwrap() error {
	return e.Cause
}

// Classify maps an error from a connection Read or Write onto ErrDisconnected,
// ErrTimedOut or *IOError. The underlying error stays reachable through
// errors.Is and errors.As.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrTimedOut):
		return err

	case isDisconnect(err):
		return fmt.Errorf("%w: %w", ErrDisconnected, err)

	case isTimeout(err):
		return fmt.Errorf("%w: %w", ErrTimedOut, err)

	default:
		var ioErr *IOError
		if errors.As(err, &ioErr) {
			return err
		}

		return &IOError{Cause: err}
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
