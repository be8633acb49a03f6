package stream

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// maxEmptyReads bounds how many (0, nil) reads in a row ReadExact tolerates.
const maxEmptyReads = 100

// Conn is the part of a connection the Reader needs. net.Conn satisfies it.
type Conn interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

type ProbeResult int

const (
	// StillConnected means data arrived during the probe. The byte is kept
	// and handed out by the next ReadExact.
	StillConnected ProbeResult = iota

	// Disconnected means the peer closed the connection.
	Disconnected

	// TimedOutNoSignal means the probe's deadline passed with nothing read.
	// The connection is not known to be closed yet.
	TimedOutNoSignal
)

func (p ProbeResult) String() string {
	switch p {
	case StillConnected:
		return "StillConnected"
	case Disconnected:
		return "Disconnected"
	case TimedOutNoSignal:
		return "TimedOutNoSignal"
	default:
		return fmt.Sprintf("ProbeResult(%d)", int(p))
	}
}

// Reader reads exact byte counts off a connection. It never reads ahead, so
// the connection is positioned right after the last frame it returned.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	conn Conn

	// pending holds a byte picked up by Probe
	pending []byte
}

func NewReader(conn Conn) *Reader {
	return &Reader{conn: conn}
}

// ReadExact blocks until exactly n bytes have been read. Short reads are
// accumulated. The deadline is whatever was last set on the connection.
//
// Failures are ErrDisconnected, ErrTimedOut or *IOError (see Classify). The
// bytes read before a failure are discarded, so the connection should not
// be read from again after one.
func (r *Reader) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)

	got := copy(buf, r.pending)
	r.pending = r.pending[got:]

	empty := 0
	for got < n {
		m, err := r.conn.Read(buf[got:])
		got += m

		if got == n {
			// Any error with the final bytes shows up again on the next read.
			break
		}

		if err != nil {
			return nil, Classify(err)
		}

		if m > 0 {
			empty = 0
			continue
		}

		empty++
		if empty >= maxEmptyReads {
			return nil, &IOError{Cause: io.ErrNoProgress}
		}
	}

	return buf, nil
}

// Probe checks whether the peer has closed the connection by trying to read
// a single byte within timeout. A zero timeout blocks until something
// happens.
//
// Probe cannot tell a close from a reply it was not expecting, so only use
// it when no traffic is due, e.g. while waiting for the peer to drop an idle
// connection. The read deadline is cleared afterwards.
func (r *Reader) Probe(timeout time.Duration) (ProbeResult, error) {
	if len(r.pending) > 0 {
		return StillConnected, nil
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if err := r.conn.SetReadDeadline(deadline); err != nil {
		return TimedOutNoSignal, Classify(err)
	}
	defer r.conn.SetReadDeadline(time.Time{}) // nolint: errcheck

	one := make([]byte, 1)
	n, err := r.conn.Read(one)
	if n == 1 {
		r.pending = append(r.pending, one[0])
		return StillConnected, nil
	}

	if err == nil {
		return TimedOutNoSignal, nil
	}

	switch err := Classify(err); {
	case errors.Is(err, ErrDisconnected):
		return Disconnected, nil
	case errors.Is(err, ErrTimedOut):
		return TimedOutNoSignal, nil
	default:
		return TimedOutNoSignal, err
	}
}

// Drain discards whatever arrives until nothing has been received for quiet.
// It returns the number of bytes dropped. The read deadline is cleared
// afterwards.
func (r *Reader) Drain(quiet time.Duration) (int, error) {
	dropped := len(r.pending)
	r.pending = nil

	defer r.conn.SetReadDeadline(time.Time{}) // nolint: errcheck

	buf := make([]byte, 512)
	for {
		if err := r.conn.SetReadDeadline(time.Now().Add(quiet)); err != nil {
			return dropped, Classify(err)
		}

		n, err := r.conn.Read(buf)
		dropped += n

		if err != nil {
			if err := Classify(err); !errors.Is(err, ErrTimedOut) {
				return dropped, err
			}

			return dropped, nil
		}
	}
}
