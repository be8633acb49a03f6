package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/lightcache/protocol"
	"github.com/luma/lightcache/storage"
	"github.com/luma/lightcache/stream"
)

const (
	// drainQuiet is how long an oversized frame's trailing bytes must stop
	// arriving before the rejection is sent
	drainQuiet = 50 * time.Millisecond

	writeTimeout = 5 * time.Second

	sweepInterval = time.Second
)

type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	network string
	addr    string

	reuseport    bool
	numListeners int
	listeners    []*TCPListener

	store    storage.Store
	settings *Settings
	counters *counters

	mu       sync.Mutex
	doneChan chan struct{}

	log   *zap.Logger
	trace bool
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	network, addr := "tcp", net.JoinHostPort(options.Host, strconv.Itoa(options.Port))
	if options.SocketPath != "" {
		network, addr = "unix", options.SocketPath
	}

	// Only SO_REUSEPORT lets several listeners share an address
	if network == "unix" || !options.Reuseport {
		numListeners = 1
	}

	idle := options.IdleConnTimeout
	if idle == 0 {
		idle = DefaultIdleConnTimeout
	}

	memAvail := options.MemAvail
	if memAvail == 0 {
		memAvail = DefaultMemAvail
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &TCP{
		network:      network,
		addr:         addr,
		reuseport:    options.Reuseport,
		numListeners: numListeners,
		listeners:    make([]*TCPListener, 0, numListeners),
		store:        options.Store,
		settings:     NewSettings(idle, memAvail, options.Store),
		counters:     &counters{started: time.Now()},
		doneChan:     make(chan struct{}),
		trace:        options.Trace,
		log:          log,
	}
}

// Start binds every listener before returning, so clients can connect as
// soon as it does. Connections are served until Close or parentCtx ends.
func (w *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting listeners",
		zap.String("network", w.network),
		zap.String("address", w.addr),
		zap.Int("count", w.numListeners))

	addr := w.addr
	for i := 0; i < w.numListeners; i++ {
		listener, err := w.listen(addr)
		if err != nil {
			cancel()
			return multierr.Append(fmt.Errorf("failed to listen on %s %s: %w", w.network, addr, err), w.closeListeners())
		}

		// The rest share the first listener's address, which matters when
		// the port was picked by the kernel
		addr = listener.Addr().String()

		w.startListener(ctx, listener)
	}

	w.stopWaiter.Add(1)
	go func() {
		defer w.stopWaiter.Done()
		w.sweep(ctx)
	}()

	return nil
}

// Addr is the address the first listener is bound to, nil before Start.
func (w *TCP) Addr() net.Addr {
	if len(w.listeners) == 0 {
		return nil
	}

	return w.listeners[0].Addr()
}

func (w *TCP) Store() storage.Store {
	return w.store
}

func (w *TCP) Settings() *Settings {
	return w.settings
}

// Stats is what GET_STATS reports.
func (w *TCP) Stats() *protocol.Stats {
	return w.handler(w.log).stats()
}

func (w *TCP) listen(addr string) (net.Listener, error) {
	if w.network == "tcp" && w.reuseport {
		return reuseport.Listen(w.network, addr)
	}

	return net.Listen(w.network, addr)
}

func (w *TCP) handler(log *zap.Logger) *handler {
	return &handler{
		store:    w.store,
		settings: w.settings,
		counters: w.counters,
		log:      log,
	}
}

func (w *TCP) startListener(ctx context.Context, l net.Listener) {
	log := w.log.Named("listener").With(zap.Int("listener", len(w.listeners)))

	listener := NewTCPListener(ctx, l, w.handler(log.Named("handler")), w.settings, log, w.trace)
	w.listeners = append(w.listeners, listener)

	w.stopWaiter.Add(1)
	go func() {
		defer w.stopWaiter.Done()

		if err := listener.Listen(); err != nil {
			// TODO(rolly) as any of the listeners can fail, but we don't treat this as fatal,
			//             you can end up with less than the required amount of listeners running
			log.Error("Listener failed", zap.Error(err))
		}
	}()
}

func (w *TCP) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case now := <-ticker.C:
			if n := w.store.Sweep(now); n > 0 {
				w.log.Debug("Swept expired items", zap.Int("count", n))
			}
		}
	}
}

// Close immediately closes all listeners and connections.
//
// For a graceful shutdown, use Shutdown()
func (w *TCP) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.doneChan:
		// Already closed.
		return nil
	default:
		close(w.doneChan)
	}

	w.log.Info("Stopping server")
	if w.cancel != nil {
		w.cancel()
	}

	err := w.closeListeners()

	w.stopWaiter.Wait()
	w.log.Info("Listeners stopped")

	return err
}

// Shutdown stops accepting connections and waits for the open ones to be
// closed by their clients or go idle, then closes everything that is left
// once ctx ends.
func (w *TCP) Shutdown(ctx context.Context) error {
	var err error
	for _, listener := range w.listeners {
		err = multierr.Append(err, listener.StopAccepting())
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for w.counters.currConnections.Load() > 0 {
		select {
		case <-ctx.Done():
			return multierr.Combine(err, ctx.Err(), w.Close())
		case <-ticker.C:
		}
	}

	return multierr.Append(err, w.Close())
}

func (w *TCP) closeListeners() (err error) {
	for _, listener := range w.listeners {
		err = multierr.Append(err, listener.Close())
	}

	return err
}

type TCPListener struct {
	ctx context.Context

	listener net.Listener
	handler  *handler
	settings *Settings

	log   *zap.Logger
	trace bool

	mu          sync.Mutex
	activeConns map[*TCPConn]struct{}
	loopWaiter  sync.WaitGroup

	// closing is set by Close, no connection is added after that
	closing bool
}

func NewTCPListener(
	ctx context.Context,
	listener net.Listener,
	handler *handler,
	settings *Settings,
	log *zap.Logger,
	trace bool,
) *TCPListener {
	return &TCPListener{
		ctx:         ctx,
		listener:    listener,
		handler:     handler,
		settings:    settings,
		activeConns: make(map[*TCPConn]struct{}),
		log:         log,
		trace:       trace,
	}
}

func (t *TCPListener) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *TCPListener) StopAccepting() error {
	if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

// Close stops accepting and closes every connection, waiting for their
// loops to exit.
func (t *TCPListener) Close() error {
	err := t.StopAccepting()

	t.mu.Lock()
	t.closing = true
	for conn := range t.activeConns {
		err = multierr.Append(err, conn.Close())
	}
	t.mu.Unlock()

	t.loopWaiter.Wait()

	return err
}

func (t *TCPListener) Listen() error {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				t.log.Info("Stopped accepting new connections")
				return nil
			}

			// TODO(rolly) can we recover from some classes of err?
			return err
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		c := NewTCPConn(t.ctx, conn, t.handler, t.settings, t.log.Named("conn"), t.trace)
		if !t.addConn(c) {
			t.log.Debug("Refused connection accepted while closing")
			c.Close() // nolint: errcheck
			return nil
		}

		go func() {
			defer t.loopWaiter.Done()
			defer t.removeConn(c)

			c.Start()
		}()
	}
}

// addConn registers a connection with loopWaiter, false once Close has
// started.
func (t *TCPListener) addConn(conn *TCPConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing {
		return false
	}

	t.loopWaiter.Add(1)
	t.activeConns[conn] = struct{}{}
	t.handler.counters.currConnections.Add(1)
	t.handler.counters.totalConnections.Add(1)

	return true
}

func (t *TCPListener) removeConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
	t.handler.counters.currConnections.Add(-1)
}

// TCPConn serves one client. Requests are handled one at a time, in the order
// they arrive.
type TCPConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn     net.Conn
	reader   *stream.Reader
	handler  *handler
	settings *Settings

	log   *zap.Logger
	trace bool
}

func NewTCPConn(
	parentCtx context.Context,
	conn net.Conn,
	handler *handler,
	settings *Settings,
	log *zap.Logger,
	trace bool,
) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)

	return &TCPConn{
		ctx:      ctx,
		cancel:   cancel,
		conn:     conn,
		reader:   stream.NewReader(conn),
		handler:  handler,
		settings: settings,
		log:      log.With(zap.String("remote", conn.RemoteAddr().String())),
		trace:    trace,
	}
}

func (t *TCPConn) Close() error {
	if !t.isRunning() {
		// already stopped
		return nil
	}

	t.cancel()

	if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

// Start serves requests until the client leaves, goes idle or the
// connection is closed.
func (t *TCPConn) Start() {
	defer t.Close() // nolint: errcheck

	// Cancelling the context has to unblock a pending read
	stop := context.AfterFunc(t.ctx, func() {
		t.conn.Close() // nolint: errcheck
	})
	defer stop()

	t.log.Debug("Client connected")

	for t.isRunning() {
		if err := t.serveOne(); err != nil {
			switch {
			case errors.Is(err, stream.ErrDisconnected):
				t.log.Debug("Client disconnected")
			case errors.Is(err, stream.ErrTimedOut):
				t.log.Info("Closing idle connection",
					zap.Duration("idleConnTimeout", t.settings.IdleTimeout()))
			case !t.isRunning():
			default:
				t.log.Warn("Closing connection", zap.Error(err))
			}

			return
		}
	}
}

func (t *TCPConn) serveOne() error {
	var deadline time.Time
	if idle := t.settings.IdleTimeout(); idle > 0 {
		deadline = time.Now().Add(idle)
	}

	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return stream.Classify(err)
	}

	raw, err := t.reader.ReadExact(protocol.RequestHeaderSize)
	if err != nil {
		return err
	}

	header, err := protocol.DecodeRequestHeader(raw)
	if err != nil {
		return err
	}

	if header.Oversized() {
		dropped, err := t.reader.Drain(drainQuiet)
		if err != nil {
			return err
		}

		t.log.Debug("Rejected oversized request",
			zap.Stringer("command", header.Opcode),
			zap.Uint8("keyLength", header.KeyLength),
			zap.Uint64("bodyLength", header.BodyLength()),
			zap.Int("dropped", dropped))

		return t.reply(header.Opcode, protocol.InvalidParamSize, nil)
	}

	body, err := t.reader.ReadExact(int(header.BodyLength()))
	if err != nil {
		return err
	}

	if t.trace {
		t.log.Debug("Request",
			zap.String("header", hex.EncodeToString(raw)),
			zap.String("body", hex.EncodeToString(body)))
	}

	key, data, extra, err := protocol.SplitBody(header, body)
	if err != nil {
		return err
	}

	code, payload := t.handler.handle(t.ctx, header.Opcode, key, data, extra)

	return t.reply(header.Opcode, code, payload)
}

func (t *TCPConn) reply(opcode protocol.Command, code protocol.ErrorCode, payload []byte) error {
	frame, err := protocol.EncodeResponse(opcode, code, payload)
	if err != nil {
		return err
	}

	if t.trace {
		t.log.Debug("Response", zap.String("frame", hex.EncodeToString(frame)))
	}

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return stream.Classify(err)
	}

	if _, err := t.conn.Write(frame); err != nil {
		return stream.Classify(err)
	}

	return nil
}

// isRunning returns true if Close has not been called
func (t *TCPConn) isRunning() bool {
	select {
	case <-t.ctx.Done():
		// if we can read on this channel then it's been closed
		return false

	default:
		return true
	}
}
