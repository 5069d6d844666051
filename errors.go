package relay

import (
	"fmt"

	"github.com/pkg/errors"
)

// Machine-readable error codes carried in ERROR frame payloads.
// Protocol codes precede a connection close; application codes do not.
const (
	// Protocol violations (connection is closed after the ERROR frame).
	CodeInvalidLength      = "INVALID_LENGTH"
	CodeFrameTooLarge      = "FRAME_TOO_LARGE"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodeUnknownType        = "UNKNOWN_TYPE"
	CodeMalformedPayload   = "MALFORMED_PAYLOAD"

	// Application errors (connection stays open).
	CodeInvalidPayload  = "INVALID_PAYLOAD"
	CodeInvalidRoomName = "INVALID_ROOM_NAME"
	CodeNotInRoom       = "NOT_IN_ROOM"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnFrame is returned when no frame handler is provided.
	ErrInvalidOnFrame = errors.New("invalid on frame callback")
	// ErrNotWritable is returned when sending on a connection that is not
	// in the OPEN or DRAINING state.
	ErrNotWritable = errors.New("connection not writable")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// ProtocolError describes an unrecoverable wire-level violation. Once the
// stream is desynchronized the peer receives an ERROR frame with the code
// and message, and the connection is closed.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

// newProtocolError creates a ProtocolError with a formatted message.
func newProtocolError(code, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ApplicationError describes a recoverable request-level failure. The peer
// receives an ERROR frame but the connection remains open and the caller
// may retry.
type ApplicationError struct {
	Code    string
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error %s: %s", e.Code, e.Message)
}

// newApplicationError creates an ApplicationError with a formatted message.
func newApplicationError(code, format string, args ...interface{}) *ApplicationError {
	return &ApplicationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// TransportError wraps a socket-level failure. It is logged and the
// connection is closed; the core never retries.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// InvalidTransitionError reports an attempted state transition outside the
// lifecycle table. It indicates a broken internal invariant, not a peer
// failure, and is never sent on the wire.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// asProtocolError reports whether err is (or wraps) a ProtocolError.
func asProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// asApplicationError reports whether err is (or wraps) an ApplicationError.
func asApplicationError(err error) (*ApplicationError, bool) {
	var ae *ApplicationError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
