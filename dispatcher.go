package relay

import (
	"github.com/pkg/errors"
)

// HandlerFunc processes one decoded message on behalf of a connection.
type HandlerFunc func(*Conn, *ParsedMessage) error

// Dispatcher routes a decoded, validated frame to the handler registered
// for its type code and centralizes protocol-violation responses. It owns
// no state beyond the handler table: it is a routing and validation gate
// between the connection's frame events and business-logic handlers.
type Dispatcher struct {
	logger   Logger
	handlers map[uint8]HandlerFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger Logger) *Dispatcher {
	if logger == nil {
		logger = defaultLogger()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[uint8]HandlerFunc),
	}
}

// Handle registers the handler for a message type code. Registration must
// complete before the dispatcher starts receiving frames; the table is not
// mutated afterwards.
func (d *Dispatcher) Handle(typ uint8, fn HandlerFunc) {
	d.handlers[typ] = fn
}

// Dispatch validates a frame and routes it to its handler. It is shaped to
// plug straight into OnFrameOption.
//
// Version mismatches and unknown type codes are protocol violations: the
// returned ProtocolError makes the connection send an ERROR frame and close.
// An ApplicationError from a handler is answered with an ERROR frame while
// the connection stays open, so the peer may retry.
func (d *Dispatcher) Dispatch(c *Conn, msg *ParsedMessage) error {
	if msg.Version != ProtocolVersion {
		return newProtocolError(CodeUnsupportedVersion,
			"unsupported protocol version %d, expected %d", msg.Version, ProtocolVersion)
	}

	fn, ok := d.handlers[msg.Type]
	if !ok {
		return newProtocolError(CodeUnknownType, "unknown message type 0x%02x", msg.Type)
	}

	err := fn(c, msg)
	if err == nil {
		return nil
	}

	if ae, ok := asApplicationError(err); ok {
		d.logger.Debug("request rejected", "id", c.ID(), "type", msg.Type, "code", ae.Code)
		if serr := c.SendFrame(encodeErrorFrame(ae.Code, ae.Message)); serr != nil {
			d.logger.Warn("error frame not delivered", "id", c.ID(), "error", serr)
		}
		return nil
	}

	if _, ok := asProtocolError(err); ok {
		return err
	}

	return errors.Wrapf(err, "handler for type 0x%02x", msg.Type)
}
