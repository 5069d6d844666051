// Package relay implements a TCP message-relay core. It recovers
// length-prefixed binary frames from arbitrarily fragmented byte streams,
// drives each connection through an explicit lifecycle state machine that
// reacts to transport backpressure, and routes validated messages to named
// broadcast rooms with dynamic membership.
package relay

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Default configuration values.
const (
	// defaultBufferSize is the default size of the send channel buffer.
	defaultBufferSize = 16
	// defaultHeartbeat is the default heartbeat interval; read and write
	// deadlines are twice this value.
	defaultHeartbeat = 30 * time.Second
	// readChunkSize is the size of the inbound read buffer. Frames larger
	// than one chunk are reassembled by the extractor.
	readChunkSize = 4096
)

// Stats holds a connection's cumulative transfer counters. A copy is
// delivered with the close event.
type Stats struct {
	BytesIn       uint64
	BytesOut      uint64
	LastHeartbeat time.Time
}

// Conn represents one client connection. It owns the underlying TCP socket,
// the frame accumulation buffer, and the lifecycle state, and runs
// concurrent read/write loops for asynchronous communication.
type Conn struct {
	id      string
	rawConn *net.TCPConn
	logger  Logger

	opts options

	fsm       stateMachine
	extractor *Extractor

	sendMsg chan []byte
	writeMu sync.Mutex // serializes writes to the raw socket

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
	lastHeartbeat atomic.Int64 // unix nanoseconds, zero until first HEARTBEAT
}

// NewConn creates a connection wrapper around the given TCP connection.
// The id must be unique for the process lifetime and is never reused;
// ConnectionRegistry.Register assigns one. Returns an error if the required
// frame handler option is missing.
func NewConn(id string, conn *net.TCPConn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	return &Conn{
		id:        id,
		rawConn:   conn,
		logger:    opts.logger,
		opts:      opts,
		extractor: NewExtractor(),
		sendMsg:   make(chan []byte, opts.bufferSize),
		done:      make(chan struct{}),
	}, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.onFrame == nil {
		return ErrInvalidOnFrame
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// ID returns the connection's process-unique identity.
func (c *Conn) ID() string {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return c.fsm.Current()
}

// IsClosed returns true if the connection has reached the terminal state.
func (c *Conn) IsClosed() bool {
	return c.fsm.Current() == StateClosed
}

// Stats returns the connection's cumulative transfer counters.
func (c *Conn) Stats() Stats {
	var hb time.Time
	if ns := c.lastHeartbeat.Load(); ns != 0 {
		hb = time.Unix(0, ns)
	}
	return Stats{
		BytesIn:       c.bytesIn.Load(),
		BytesOut:      c.bytesOut.Load(),
		LastHeartbeat: hb,
	}
}

// Run starts the connection's read and write loops. It transitions the
// connection to OPEN, creates two goroutines for concurrent reading and
// writing, and blocks until an error occurs or the context is canceled.
// The connection is terminated (state CLOSED) when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	if err := c.setState(StateOpen); err != nil {
		return err
	}

	c.logger.Info("connection established", "id", c.id, "addr", c.Addr())
	c.logger.Debug("connection options", "id", c.id,
		"buffer_size", c.opts.bufferSize,
		"heartbeat", c.opts.heartbeat)

	ctx, c.cancel = context.WithCancel(ctx)
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	c.terminate()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		c.logger.Info("connection closed with error", "id", c.id, "error", err)
	} else {
		c.logger.Info("connection closed", "id", c.id)
	}

	return err
}

// Close requests a graceful shutdown. The connection transitions to CLOSING,
// remaining inbound data is discarded, and the underlying socket is closed.
// Safe to call multiple times and from any goroutine.
func (c *Conn) Close() error {
	if !c.setStateFrom(StateOpen, StateClosing) {
		c.setStateFrom(StateDraining, StateClosing)
	}

	if c.cancel != nil {
		c.cancel()
	}
	return c.rawConn.Close()
}

// Send encodes a frame of the given type and queues it for delivery.
// Payload encoding follows EncodeFrame. Sends are accepted only while the
// connection is OPEN or DRAINING; otherwise ErrNotWritable is returned with
// no side effect.
func (c *Conn) Send(typ uint8, payload interface{}) error {
	data, err := EncodeFrame(typ, payload)
	if err != nil {
		return err
	}
	return c.SendFrame(data)
}

// SendFrame queues pre-encoded wire bytes for delivery. Broadcast paths use
// it to encode once and fan out to many members.
//
// When the send buffer is full the connection transitions OPEN -> DRAINING
// and the call blocks until the write loop frees space or the connection
// closes. The outbound backlog is therefore bounded by the configured
// buffer size plus the kernel socket buffer; no unbounded application-level
// queue forms under sustained backpressure.
func (c *Conn) SendFrame(data []byte) error {
	if !c.fsm.writable() {
		return ErrNotWritable
	}

	select {
	case c.sendMsg <- data:
		return nil
	default:
	}

	// Buffer full: surface the backpressure, then wait for space.
	c.setStateFrom(StateOpen, StateDraining)

	select {
	case c.sendMsg <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	}
}

// readLoop continuously reads raw chunks from the socket and feeds them to
// the extractor. Returns when the context is canceled or an unrecoverable
// error occurs.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, readChunkSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))

			n, err := c.rawConn.Read(buf)
			if n > 0 {
				c.bytesIn.Add(uint64(n))
				if perr := c.processInbound(buf[:n]); perr != nil {
					return perr
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					c.logger.Debug("peer disconnected", "id", c.id)
					return err
				}
				terr := &TransportError{Op: "read", Err: err}
				c.notifyError(terr)
				return terr
			}
		}
	}
}

// processInbound appends a chunk to the accumulation buffer and drains every
// complete frame from it, preserving arrival order. Frames arriving while
// the connection is CLOSING or CLOSED are silently discarded.
func (c *Conn) processInbound(chunk []byte) error {
	switch c.fsm.Current() {
	case StateClosing, StateClosed:
		return nil
	}

	c.extractor.Append(chunk)

	for {
		msg, err := c.extractor.Next()
		if err != nil {
			return c.fail(err)
		}
		if msg == nil {
			return nil
		}

		if msg.Type == TypeHeartbeat {
			c.lastHeartbeat.Store(time.Now().UnixNano())
		}

		if err := c.opts.onFrame(c, msg); err != nil {
			return c.fail(err)
		}
	}
}

// fail records an inbound processing error. A ProtocolError is reported to
// the peer with an ERROR frame before the connection comes down.
func (c *Conn) fail(err error) error {
	c.notifyError(err)
	if pe, ok := asProtocolError(err); ok {
		if werr := c.write(encodeErrorFrame(pe.Code, pe.Message)); werr != nil {
			c.logger.Debug("error frame not delivered", "id", c.id, "error", werr)
		}
	}
	return err
}

// writeLoop continuously sends queued frames to the socket. After each write
// that leaves the send buffer empty, a DRAINING connection returns to OPEN.
// Returns when the context is canceled or an unrecoverable error occurs.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				c.notifyError(err)
				return err
			}
			if len(c.sendMsg) == 0 {
				// Flushed: backpressure has cleared.
				c.setStateFrom(StateDraining, StateOpen)
			}
		}
	}
}

// write sends data to the socket with a deadline. Writes are serialized so
// an ERROR frame emitted from the read loop cannot interleave with a frame
// from the write loop.
func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))

	n, err := c.rawConn.Write(data)
	c.bytesOut.Add(uint64(n))
	if err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// terminate closes the socket and moves the connection to CLOSED from
// whichever non-terminal state it is in.
func (c *Conn) terminate() {
	_ = c.rawConn.Close()

	for _, from := range []State{StateOpen, StateDraining, StateClosing} {
		if c.setStateFrom(from, StateClosed) {
			return
		}
	}
}

// setState performs a lifecycle transition, failing on any transition
// outside the table.
func (c *Conn) setState(to State) error {
	from, err := c.fsm.transition(to)
	if err != nil {
		return err
	}
	c.notifyState(from, to)
	return nil
}

// setStateFrom performs a transition only if the connection is currently in
// from, reporting whether it happened. Used on paths where a concurrent
// event may already have moved the state on.
func (c *Conn) setStateFrom(from, to State) bool {
	if !c.fsm.transitionFrom(from, to) {
		return false
	}
	c.notifyState(from, to)
	return true
}

// notifyState logs and publishes a state change. The terminal transition
// additionally releases blocked senders and fires the close event; a latch
// guarantees single delivery no matter how termination was triggered.
func (c *Conn) notifyState(from, to State) {
	c.logger.Debug("state changed", "id", c.id, "from", from, "to", to)

	if c.opts.onStateChange != nil {
		c.opts.onStateChange(c, from, to)
	}

	if to == StateClosed {
		c.closeOnce.Do(func() {
			close(c.done)
			if c.opts.onClose != nil {
				c.opts.onClose(c, c.Stats())
			}
		})
	}
}

// notifyError logs an error and publishes it to the error observer.
func (c *Conn) notifyError(err error) {
	c.logger.Debug("connection error", "id", c.id, "error", err)
	if c.opts.onError != nil {
		c.opts.onError(c, err)
	}
}
