package relay

import (
	"time"
)

// options holds the configuration for a connection.
type options struct {
	logger Logger

	// onFrame is invoked for each decoded inbound frame. Returning an
	// error closes the connection; a returned ProtocolError additionally
	// sends an ERROR frame to the peer first.
	onFrame func(*Conn, *ParsedMessage) error
	// onStateChange observes lifecycle transitions.
	onStateChange func(*Conn, State, State)
	// onClose observes the terminal transition. Fired exactly once.
	onClose func(*Conn, Stats)
	// onError observes errors. Purely observational, no return value.
	onError func(*Conn, error)

	bufferSize int           // size of the buffered send channel
	heartbeat  time.Duration // heartbeat interval for read/write deadlines
}

// Option is a function that configures connection options.
type Option func(*options)

// BufferSizeOption returns an Option that sets the size of the send channel
// buffer. When the buffer is full the connection enters DRAINING and
// further sends block until space frees, so this bounds the per-connection
// outbound backlog.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// This determines the read/write deadline timeout (heartbeat * 2).
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// OnFrameOption returns an Option that sets the frame handler callback.
// This callback is required and is invoked for each received frame.
func OnFrameOption(cb func(*Conn, *ParsedMessage) error) Option {
	return func(o *options) {
		o.onFrame = cb
	}
}

// OnStateChangeOption returns an Option that sets the lifecycle observer.
// The callback is invoked after every successful state transition.
func OnStateChangeOption(cb func(c *Conn, from, to State)) Option {
	return func(o *options) {
		o.onStateChange = cb
	}
}

// OnCloseOption returns an Option that sets the close observer. The
// callback fires exactly once, regardless of how termination was triggered,
// carrying the connection's final transfer statistics.
func OnCloseOption(cb func(*Conn, Stats)) Option {
	return func(o *options) {
		o.onClose = cb
	}
}

// OnErrorOption returns an Option that sets the error observer. The
// callback is invoked when a read/write or protocol error occurs; it cannot
// influence error handling.
func OnErrorOption(cb func(*Conn, error)) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
