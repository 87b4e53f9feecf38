// Package broker owns the listening socket and multiplexes every broker
// event through one goroutine: classified connections, control channel
// reads and disconnects, and the end of the streaming worker.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/ratelimit"

	"audio-relay/work/audio"
	"audio-relay/work/buffer"
	"audio-relay/work/classify"
	"audio-relay/work/command"
	"audio-relay/work/config"
	"audio-relay/work/events"
	"audio-relay/work/history"
	"audio-relay/work/logger"
	"audio-relay/work/metrics"
	"audio-relay/work/registry"
	"audio-relay/work/types"
	"audio-relay/work/worker"
)

// ErrBind is returned by Listen when the address cannot be bound. It is the
// only error that should terminate the process.
var ErrBind = errors.New("cannot bind listen address")

const (
	controlReadSize = 256
	eventQueueSize  = 64
	acceptBackoff   = 50 * time.Millisecond
	handshakeDrain  = 3 * time.Second
)

// Options carries the collaborators a broker is built with. Nil fields get
// the production defaults derived from the configuration.
type Options struct {
	NewDecoder audio.DecoderFactory
	NewSink    audio.SinkFactory
	Hub        *events.Hub
	History    *history.History
}

// Status is a point-in-time view of the broker for the admin API.
type Status struct {
	registry.Status
	ListenAddress     string `json:"listenAddress"`
	WorkerState       string `json:"workerState,omitempty"`
	PendingHandshakes int    `json:"pendingHandshakes"`
	ShuttingDown      bool   `json:"shuttingDown"`
}

// loop events posted by helper goroutines
type (
	classifiedEvent struct {
		conn types.Connection
	}
	controlDataEvent struct {
		conn net.Conn
		buf  *bytebufferpool.ByteBuffer
	}
	controlClosedEvent struct {
		conn net.Conn
		err  error
	}
)

// Broker is the session broker. Create it with New, bind with Listen and
// drive it with Run.
type Broker struct {
	cfg         *config.Config
	opts        Options
	registry    *registry.Registry
	classifier  *classify.Classifier
	interpreter *command.Interpreter
	readPool    *buffer.BufferPool

	listener   net.Listener
	limiter    ratelimit.Limiter
	handshakes *ants.Pool
	workers    *ants.Pool
	pending    *xsync.MapOf[string, net.Conn]

	events  chan any
	quit    chan struct{}
	handle  atomic.Pointer[worker.Handle]
	connSeq atomic.Uint64

	running      atomic.Bool
	shuttingDown atomic.Bool
}

// New builds a broker from cfg. The handshake pool is non-blocking so a
// flood of silent connections is dropped instead of queued; the worker pool
// has a single slot, matching the single active session.
func New(cfg *config.Config, opts Options) (*Broker, error) {
	if opts.NewDecoder == nil {
		opts.NewDecoder = audio.NewDecoderFactory(cfg.Codec, cfg.DecodeBlockSamples)
	}
	if opts.NewSink == nil {
		opts.NewSink = audio.NewSpeakerSinkFactory(cfg.SinkBufferDuration, cfg.SinkQueueBlocks)
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub()
	}
	if opts.History == nil {
		opts.History = history.New(cfg.HistorySize, cfg.HistoryTTL)
	}

	handshakes, err := ants.NewPool(cfg.HandshakeWorkers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("handshake pool: %w", err)
	}
	workers, err := ants.NewPool(1)
	if err != nil {
		handshakes.Release()
		return nil, fmt.Errorf("worker pool: %w", err)
	}

	// acceptRate 0 turns throttling off
	limiter := ratelimit.NewUnlimited()
	if cfg.AcceptRate > 0 {
		limiter = ratelimit.New(cfg.AcceptRate)
	}

	reg := registry.New(cfg.NotifyTimeout)
	return &Broker{
		cfg:         cfg,
		opts:        opts,
		registry:    reg,
		classifier:  classify.New(cfg.ClassifyTimeout),
		interpreter: command.New(reg),
		readPool:    buffer.NewBufferPool(controlReadSize),
		limiter:     limiter,
		handshakes:  handshakes,
		workers:     workers,
		pending:     xsync.NewMapOf[string, net.Conn](),
		events:      make(chan any, eventQueueSize),
		quit:        make(chan struct{}),
	}, nil
}

// Listen binds the TCP listener. An empty addr uses the configured one.
func (b *Broker) Listen(addr string) error {
	if addr == "" {
		addr = b.cfg.ListenAddress
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}
	b.listener = ln
	logger.Info("[LISTEN] accepting stream and control connections on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (b *Broker) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Hub returns the lifecycle event hub.
func (b *Broker) Hub() *events.Hub { return b.opts.Hub }

// Sessions returns finished sessions, most recent first.
func (b *Broker) Sessions() []worker.Result { return b.opts.History.List() }

// Session returns one finished session.
func (b *Broker) Session(id string) (worker.Result, bool) { return b.opts.History.Get(id) }

// RequestStop asks the active session to stop, exactly like a STOP command
// on the control connection.
func (b *Broker) RequestStop() bool {
	ok := b.registry.RequestStop()
	if ok {
		b.publish(events.Event{Type: events.TypeCommand, Detail: types.StopCommand, Peer: "admin"})
	}
	return ok
}

// Status reports the current broker state.
func (b *Broker) Status() Status {
	s := Status{
		Status:            b.registry.Snapshot(),
		PendingHandshakes: b.pending.Size(),
		ShuttingDown:      b.shuttingDown.Load(),
	}
	if addr := b.Addr(); addr != nil {
		s.ListenAddress = addr.String()
	}
	if h := b.handle.Load(); h != nil {
		s.WorkerState = h.State().String()
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down in order: the active
// session is awaited first, then the listener, pending handshakes and the
// control connection are closed.
func (b *Broker) Run(ctx context.Context) error {
	if b.listener == nil {
		return errors.New("broker: Run called before Listen")
	}
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("broker: already running")
	}

	go b.acceptLoop()
	defer b.shutdown()

	for {
		var workerDone <-chan struct{}
		if h := b.handle.Load(); h != nil {
			workerDone = h.Done()
		}

		select {
		case <-ctx.Done():
			logger.Info("[SHUTDOWN] shutdown requested")
			return nil

		case <-workerDone:
			b.reap()

		case ev := <-b.events:
			switch ev := ev.(type) {
			case classifiedEvent:
				b.onClassified(ctx, ev.conn)
			case controlDataEvent:
				b.onControlData(ev.conn, ev.buf)
			case controlClosedEvent:
				b.onControlClosed(ev.conn, ev.err)
			}
		}
	}
}

// post hands an event to the loop. It fails once the loop has shut down and
// the caller then owns whatever the event carried.
func (b *Broker) post(ev any) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.quit:
		return false
	}
}

// publish forwards a lifecycle event to the hub. The hub drops events for
// slow subscribers, so this never blocks the loop.
func (b *Broker) publish(ev events.Event) {
	b.opts.Hub.Publish(ev)
}

// acceptLoop runs on its own goroutine and accepts connections at the
// configured rate. Each connection is parked in pending and handed to the
// handshake pool, which is non-blocking: when every handshake worker is busy
// the connection is closed and counted as dropped instead of queued.
//
// The loop exits when the listener is closed. Transient accept errors are
// logged and retried after a short backoff.
func (b *Broker) acceptLoop() {
	for {
		// blocks until the rate limiter grants the next accept
		b.limiter.Take()

		conn, err := b.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || b.shuttingDown.Load() {
				return
			}
			logger.Warn("[ACCEPT_ERROR] %v", err)
			time.Sleep(acceptBackoff)
			continue
		}

		// accepted in the window between shutdown starting and the listener closing
		if b.shuttingDown.Load() {
			conn.Close()
			return
		}

		// pending lets shutdown close connections still waiting for a token
		id := fmt.Sprintf("c%d", b.connSeq.Add(1))
		b.pending.Store(id, conn)
		logger.Debug("{broker - acceptLoop} %s accepted from %s", id, conn.RemoteAddr())

		if err := b.handshakes.Submit(func() { b.handshake(id, conn) }); err != nil {
			b.pending.Delete(id)
			conn.Close()
			metrics.HandshakesDropped.Inc()
			logger.Warn("[HANDSHAKE_DROP] %s from %s: %v", id, conn.RemoteAddr(), err)
		}
	}
}

// handshake classifies one connection on the handshake pool. It owns conn
// until it either closes it or posts it to the loop. If shutdown has already
// removed the connection from pending, shutdown owns it and the classifier
// result is discarded.
func (b *Broker) handshake(id string, conn net.Conn) {
	c, err := b.classifier.Classify(id, conn)

	// shutdown already closed it
	if _, ok := b.pending.LoadAndDelete(id); !ok {
		conn.Close()
		return
	}

	if err != nil {
		metrics.ConnectionsClassified.WithLabelValues("unrecognized").Inc()
		logger.Debug("[CLASSIFY_FAIL] %s from %s: %v", id, conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	metrics.ConnectionsClassified.WithLabelValues(c.Role.String()).Inc()
	if !b.post(classifiedEvent{conn: c}) {
		conn.Close()
	}
}

// onClassified routes a classified connection on the loop goroutine. A
// stream goes to admission. A control connection replaces any registered one
// and gets a reader goroutine that posts its data back to the loop.
func (b *Broker) onClassified(ctx context.Context, c types.Connection) {
	b.publish(events.Event{Type: events.TypeClassified, Peer: c.RemoteAddr(), Role: c.Role.String()})

	switch c.Role {
	case types.RoleStream:
		b.admit(ctx, c)
	case types.RoleControl:
		b.registry.RegisterControl(c.Conn)
		logger.Info("[CONTROL_ATTACH] %s control connection from %s", c.ID, c.RemoteAddr())
		b.publish(events.Event{Type: events.TypeControlAttached, Peer: c.RemoteAddr()})
		go b.readControl(c.Conn)
	default:
		c.Conn.Close()
	}
}

// admit starts a session for the stream connection c, or closes it at once
// when a session is already active. Connections are never queued.
//
// The registry clears busy inside EndSession, slightly before the previous
// worker returns, so admit reaps that worker before spawning. The worker
// pool has a single slot and Spawn waits for it to free.
func (b *Broker) admit(ctx context.Context, c types.Connection) {
	sessionID := uuid.NewString()

	if !b.registry.TryStartSession(sessionID) {
		metrics.Admissions.WithLabelValues("rejected").Inc()
		logger.Warn("[ADMISSION_REJECT] %s stream from %s: %v", c.ID, c.RemoteAddr(), registry.ErrBusy)
		b.publish(events.Event{Type: events.TypeRejected, Peer: c.RemoteAddr(), Role: c.Role.String(), Detail: registry.ErrBusy.Error()})
		c.Conn.Close()
		return
	}
	metrics.Admissions.WithLabelValues("admitted").Inc()

	// the previous worker already released the slot; collect its result
	b.reap()

	h, err := worker.Spawn(ctx, b.workers, worker.Job{
		ID:         sessionID,
		Conn:       c.Conn,
		Slot:       b.registry,
		NewDecoder: b.opts.NewDecoder,
		NewSink:    b.opts.NewSink,
	})
	if err != nil {
		// Spawn already ran the cleanup path, which ended the session
		return
	}
	b.handle.Store(h)
	b.publish(events.Event{Type: events.TypeSessionStarted, SessionID: sessionID, Peer: c.RemoteAddr()})
}

// reap waits for the current worker, if any, and records its result.
func (b *Broker) reap() {
	h := b.handle.Swap(nil)
	if h == nil {
		return
	}
	res := h.Wait()
	b.opts.History.Record(res)
	b.publish(events.Event{
		Type:      events.TypeSessionEnded,
		SessionID: res.SessionID,
		Peer:      res.RemoteAddr,
		Outcome:   string(res.Outcome),
		Detail:    res.Error,
	})
}

// readControl feeds control connection reads to the loop until the peer
// goes away or the connection is closed underneath it.
func (b *Broker) readControl(conn net.Conn) {
	for {
		buf := b.readPool.Get()
		n, err := conn.Read(buf.B)
		if n > 0 {
			buf.B = buf.B[:n]
			if !b.post(controlDataEvent{conn: conn, buf: buf}) {
				b.readPool.Put(buf)
				return
			}
		} else {
			b.readPool.Put(buf)
		}

		if err != nil {
			b.post(controlClosedEvent{conn: conn, err: err})
			return
		}
	}
}

// onControlData interprets one read from a control connection. Reads from a
// connection that was replaced in the meantime are dropped. Each read is
// matched on its own, so a client must send a command in a single write.
// The interpreter applies the command to the registry; this only logs and
// publishes it.
func (b *Broker) onControlData(conn net.Conn, buf *bytebufferpool.ByteBuffer) {
	defer b.readPool.Put(buf)

	if !b.registry.IsControl(conn) {
		logger.Debug("{broker - onControlData} ignoring read from replaced control connection %s", conn.RemoteAddr())
		return
	}

	token := b.interpreter.Interpret(buf.B)
	if token == "" {
		logger.Debug("{broker - onControlData} ignored %d bytes from %s", len(buf.B), conn.RemoteAddr())
		return
	}
	logger.Info("[CONTROL_COMMAND] %s from %s", token, conn.RemoteAddr())
	b.publish(events.Event{Type: events.TypeCommand, Peer: conn.RemoteAddr().String(), Detail: token})
}

// onControlClosed deregisters a disconnected control peer. Playback is not
// stopped.
func (b *Broker) onControlClosed(conn net.Conn, err error) {
	if !b.registry.DropControl(conn) {
		conn.Close()
		return
	}
	logger.Info("[CONTROL_DETACH] control connection %s closed: %v", conn.RemoteAddr(), err)
	b.publish(events.Event{Type: events.TypeControlDetached, Peer: conn.RemoteAddr().String()})
}

// shutdown runs on the loop goroutine after ctx is cancelled. The active
// worker sees the same cancelled context and ends as stopped; it is awaited
// first so its completion notice still reaches the control peer. Only then
// are the listener and the connections still in handshake closed.
//
// Closing quit makes every later post fail, so handshake and reader
// goroutines close what they hold instead of blocking on the loop. drain
// picks up anything posted before that.
func (b *Broker) shutdown() {
	b.shuttingDown.Store(true)
	b.publish(events.Event{Type: events.TypeShutdown})

	// the worker saw the cancelled context; wait for it to release the slot
	b.reap()

	b.listener.Close()
	close(b.quit)

	// handshakes still reading a token
	b.pending.Range(func(id string, conn net.Conn) bool {
		conn.Close()
		b.pending.Delete(id)
		return true
	})
	b.registry.Close()

	// bounded: a handshake is itself bounded by the classify timeout
	if err := b.handshakes.ReleaseTimeout(handshakeDrain); err != nil {
		logger.Warn("{broker - shutdown} handshake pool: %v", err)
	}
	b.workers.Release()

	b.drain()
	logger.Info("[SHUTDOWN] broker stopped")
}

// drain closes whatever was posted after the loop stopped reading.
func (b *Broker) drain() {
	for {
		select {
		case ev := <-b.events:
			switch ev := ev.(type) {
			case classifiedEvent:
				ev.conn.Conn.Close()
			case controlDataEvent:
				b.readPool.Put(ev.buf)
			case controlClosedEvent:
				ev.conn.Close()
			}
		default:
			return
		}
	}
}
