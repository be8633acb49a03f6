package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luma/lightcache/protocol"
	"github.com/luma/lightcache/stream"
)

const (
	// DefaultTTL is used by Set when no ttl is given.
	DefaultTTL = time.Hour

	// DefaultMaxPayload bounds the response payloads a Conn accepts. Values
	// are at most protocol.MaxDataSize bytes, this leaves room for stats.
	DefaultMaxPayload = 1 << 20
)

var (
	ErrClosed          = errors.New("lightcache: session closed")
	ErrNothingPending  = errors.New("lightcache: no request awaiting a response")
	ErrPending         = errors.New("lightcache: responses to sent requests not received yet")
	ErrPayloadTooLarge = errors.New("lightcache: response payload too large")
)

// aLongTimeAgo is a deadline in the past, used to interrupt blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Stream is the connection a Conn owns. net.Conn satisfies it, over TCP or a
// unix socket.
type Stream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
}

type Option func(*Conn)

func WithLogger(log *zap.Logger) Option {
	return func(c *Conn) {
		c.log = log
	}
}

// WithTimeout sets the initial per-call I/O timeout, see SetTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.timeout = d
	}
}

func WithMaxPayload(n uint32) Option {
	return func(c *Conn) {
		c.maxPayload = n
	}
}

// Conn is a session with a LightCache server over a single connection.
//
// Requests are answered in order and a Conn keeps at most one exchange in
// flight from its typed methods. Calls are serialised, but the Conn is meant
// to be owned by one goroutine; use one Conn per goroutine for parallelism.
//
// Error codes reported by the server are returned as protocol.ErrorCode and
// leave the session usable. Transport failures (stream.ErrDisconnected,
// stream.ErrTimedOut, *stream.IOError) close it.
//
// Close may be called from any goroutine, a call blocked on the connection
// then fails with stream.ErrDisconnected.
type Conn struct {
	mu sync.Mutex

	// closed is set once the stream is closed, it is read without mu
	closed atomic.Bool

	stream Stream
	reader *stream.Reader

	state   State
	pending int

	timeout    time.Duration
	maxPayload uint32

	last    protocol.Response
	hasLast bool

	log *zap.Logger
}

// New creates a session over an established connection. The Conn takes
// ownership of s and closes it when the session ends.
func New(s Stream, opts ...Option) *Conn {
	c := &Conn{
		stream:     s,
		reader:     stream.NewReader(s),
		maxPayload: DefaultMaxPayload,
		log:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Dial connects to a server and starts a session. network is "tcp" or
// "unix".
func Dial(ctx context.Context, network, address string, opts ...Option) (*Conn, error) {
	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s %s: %w", network, address, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	c := New(conn, opts...)
	c.log = c.log.With(zap.String("network", network), zap.String("address", address))

	return c, nil
}

// Close ends the session. Closing twice is harmless.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	if err := c.stream.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

func (c *Conn) State() State {
	if c.closed.Load() {
		return Closed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// SetTimeout bounds each call's I/O. Zero, the default, blocks for as long
// as the server takes. A context deadline that is sooner wins.
func (c *Conn) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timeout = d
}

func (c *Conn) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.timeout
}

// LastResponse returns a copy of the last response this session received.
// The boolean is false until a response has been received.
func (c *Conn) LastResponse() (protocol.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last.Clone(), c.hasLast
}

// Do sends a request and waits for its response. The response is returned
// whatever its error code; only transport and local failures are errors.
// It fails with ErrPending while responses to Send are still due.
func (c *Conn) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed.Load() && c.pending > 0 {
		return protocol.Response{}, ErrPending
	}

	done, err := c.begin(ctx)
	if err != nil {
		return protocol.Response{}, err
	}
	defer done()

	if err := c.send(req); err != nil {
		return protocol.Response{}, c.withContext(ctx, err)
	}

	resp, err := c.receive()
	if err != nil {
		return protocol.Response{}, c.withContext(ctx, err)
	}

	return resp, nil
}

// Send writes a request without waiting for the response. Pair each Send
// with a Receive; responses come back in request order.
func (c *Conn) Send(ctx context.Context, req protocol.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	return c.withContext(ctx, c.send(req))
}

// Receive reads the response to the oldest request sent with Send.
func (c *Conn) Receive(ctx context.Context) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed.Load() && c.pending == 0 {
		return protocol.Response{}, ErrNothingPending
	}

	done, err := c.begin(ctx)
	if err != nil {
		return protocol.Response{}, err
	}
	defer done()

	resp, err := c.receive()
	if err != nil {
		return protocol.Response{}, c.withContext(ctx, err)
	}

	return resp, nil
}

// Probe reports whether the server has closed the connection, waiting at
// most timeout (zero waits indefinitely). Only call it while no response is
// due: a reply arriving during the probe is reported as StillConnected.
// Seeing Disconnected closes the session.
func (c *Conn) Probe(timeout time.Duration) (stream.ProbeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return stream.Disconnected, ErrClosed
	}

	result, err := c.reader.Probe(timeout)
	if err != nil {
		return result, c.fail(err)
	}

	if result == stream.Disconnected {
		c.log.Info("Server closed the connection")
		c.state = Closed
		c.pending = 0
		_ = c.Close()
	}

	return result, nil
}

// begin checks the session can do I/O and applies the call's deadline. The
// returned func must be called once the I/O is over.
func (c *Conn) begin(ctx context.Context) (func(), error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	if err := c.stream.SetDeadline(deadline); err != nil {
		return nil, c.fail(stream.Classify(err))
	}

	if ctx.Done() == nil {
		return func() {}, nil
	}

	// Cancelling ctx pushes the deadline into the past, which unblocks any
	// read or write in progress.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = c.stream.SetDeadline(aLongTimeAgo)
	})

	return func() {
		if !stop() {
			<-fired
		}
	}, nil
}

func (c *Conn) send(req protocol.Request) error {
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}

	c.state = Sending

	if _, err := c.stream.Write(frame); err != nil {
		return c.fail(stream.Classify(err))
	}

	c.pending++
	c.state = AwaitingHeader

	c.log.Debug("Sent request",
		zap.Stringer("command", req.Command),
		zap.Int("bytes", len(frame)))

	return nil
}

func (c *Conn) receive() (protocol.Response, error) {
	if c.pending == 0 {
		return protocol.Response{}, ErrNothingPending
	}

	c.state = AwaitingHeader

	raw, err := c.reader.ReadExact(protocol.ResponseHeaderSize)
	if err != nil {
		return protocol.Response{}, c.fail(err)
	}

	header, err := protocol.DecodeResponseHeader(raw)
	if err != nil {
		return protocol.Response{}, c.fail(err)
	}

	resp := protocol.Response{ResponseHeader: header}

	if header.PayloadLength > c.maxPayload {
		return protocol.Response{}, c.fail(fmt.Errorf("%d bytes for %s, limit %d: %w",
			header.PayloadLength, header.Opcode, c.maxPayload, ErrPayloadTooLarge))
	}

	if header.PayloadLength > 0 {
		c.state = AwaitingPayload

		resp.Payload, err = c.reader.ReadExact(int(header.PayloadLength))
		if err != nil {
			return protocol.Response{}, c.fail(err)
		}
	}

	c.pending--
	if c.pending == 0 {
		c.state = Idle
	} else {
		c.state = AwaitingHeader
	}

	c.last = resp.Clone()
	c.hasLast = true

	c.log.Debug("Received response",
		zap.Stringer("opcode", header.Opcode),
		zap.Stringer("code", header.Code),
		zap.Uint32("payloadLength", header.PayloadLength))

	return resp, nil
}

// fail closes the session after a failure that leaves the stream unusable.
func (c *Conn) fail(err error) error {
	state := c.state

	c.state = Closed
	c.pending = 0

	if c.closed.Swap(true) {
		// Close got there first
		return err
	}

	c.log.Warn("Closing session",
		zap.Stringer("state", state),
		zap.Error(err))

	if cerr := c.stream.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		c.log.Debug("Failed to close connection cleanly", zap.Error(cerr))
	}

	return err
}

// withContext attaches ctx's error when ctx is why the I/O failed.
func (c *Conn) withContext(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", err, ctxErr)
	}

	return err
}
