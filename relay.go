package relay

import (
	"context"
	"encoding/json"
	"net"

	validator "gopkg.in/go-playground/validator.v9"
)

// helloPayload is the optional JSON body of a HELLO frame.
type helloPayload struct {
	Name string `json:"name,omitempty" validate:"omitempty,max=128"`
}

// helloReply is the server's answer to HELLO, carrying the identity the
// registry assigned to the connection.
type helloReply struct {
	ClientID string `json:"clientId"`
	Version  uint8  `json:"version"`
}

// roomRequest is the JSON body of JOIN_ROOM and LEAVE_ROOM frames.
type roomRequest struct {
	Room string `json:"room" validate:"required,min=1,max=64"`
}

// chatMessage is the JSON body of MESSAGE frames. The server attaches the
// sender's id before relaying it to the room.
type chatMessage struct {
	Room     string          `json:"room" validate:"required,min=1,max=64"`
	Content  json.RawMessage `json:"content,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
}

// Relay binds the standard handler set (HELLO, JOIN_ROOM, LEAVE_ROOM,
// MESSAGE, HEARTBEAT) to the connection and room registries. It implements
// Handler, so the server accept loop hands accepted sockets straight to it.
type Relay struct {
	logger     Logger
	conns      *ConnectionRegistry
	rooms      *RoomRegistry
	dispatcher *Dispatcher
	validate   *validator.Validate

	connOpts []Option
}

// NewRelay creates a relay service with its own registries. The given
// connection options are applied to every accepted connection, on top of
// the relay's frame and close wiring.
func NewRelay(logger Logger, connOpts ...Option) *Relay {
	if logger == nil {
		logger = defaultLogger()
	}

	r := &Relay{
		logger:     logger,
		conns:      NewConnectionRegistry(logger),
		rooms:      NewRoomRegistry(logger),
		dispatcher: NewDispatcher(logger),
		validate:   validator.New(),
		connOpts:   connOpts,
	}

	r.dispatcher.Handle(TypeHello, r.handleHello)
	r.dispatcher.Handle(TypeJoinRoom, r.handleJoin)
	r.dispatcher.Handle(TypeLeaveRoom, r.handleLeave)
	r.dispatcher.Handle(TypeMessage, r.handleMessage)
	r.dispatcher.Handle(TypeHeartbeat, r.handleHeartbeat)

	return r
}

// Connections returns the relay's connection registry.
func (r *Relay) Connections() *ConnectionRegistry {
	return r.conns
}

// Rooms returns the relay's room registry.
func (r *Relay) Rooms() *RoomRegistry {
	return r.rooms
}

// Stats returns the number of active connections and live rooms.
func (r *Relay) Stats() (conns, rooms int) {
	return r.conns.Len(), r.rooms.Len()
}

// Shutdown gracefully closes every active connection.
func (r *Relay) Shutdown() {
	r.conns.CloseAll()
}

// Handle implements Handler. It registers the accepted socket, wires frame
// dispatch and disconnect cleanup, and blocks until the connection ends.
func (r *Relay) Handle(raw *net.TCPConn) {
	// The relay's own wiring is applied last so it cannot be displaced by
	// caller-supplied options.
	opts := append(append([]Option{LoggerOption(r.logger)}, r.connOpts...),
		OnFrameOption(r.dispatcher.Dispatch),
		OnCloseOption(func(c *Conn, stats Stats) {
			r.rooms.LeaveAll(c.ID())
			r.conns.Remove(c.ID())
			r.logger.Info("client disconnected", "id", c.ID(),
				"bytes_in", stats.BytesIn, "bytes_out", stats.BytesOut)
		}),
	)

	conn, err := r.conns.Register(raw, opts...)
	if err != nil {
		r.logger.Error("connection setup failed", "addr", raw.RemoteAddr(), "error", err)
		_ = raw.Close()
		return
	}

	_ = conn.Run(context.Background())
}

func (r *Relay) handleHello(c *Conn, msg *ParsedMessage) error {
	var hello helloPayload
	if msg.Payload.IsJSON() {
		if err := r.decodePayload(msg, &hello); err != nil {
			return err
		}
	}

	r.logger.Info("client hello", "id", c.ID(), "name", hello.Name)
	return c.Send(TypeHello, helloReply{ClientID: c.ID(), Version: ProtocolVersion})
}

func (r *Relay) handleJoin(c *Conn, msg *ParsedMessage) error {
	var req roomRequest
	if err := r.decodePayload(msg, &req); err != nil {
		return err
	}
	return r.rooms.Join(c, req.Room)
}

func (r *Relay) handleLeave(c *Conn, msg *ParsedMessage) error {
	var req roomRequest
	if err := r.decodePayload(msg, &req); err != nil {
		return err
	}
	return r.rooms.Leave(c.ID(), req.Room)
}

// handleMessage relays a chat message to every other member of the target
// room. The sender does not receive its own message back.
func (r *Relay) handleMessage(c *Conn, msg *ParsedMessage) error {
	var m chatMessage
	if err := r.decodePayload(msg, &m); err != nil {
		return err
	}

	if !r.rooms.IsMember(c.ID(), m.Room) {
		return newApplicationError(CodeNotInRoom, "not a member of room %q", m.Room)
	}

	room, ok := r.rooms.GetRoom(m.Room)
	if !ok {
		return newApplicationError(CodeNotInRoom, "not a member of room %q", m.Room)
	}

	m.ClientID = c.ID()
	return room.Broadcast(TypeMessage, m, c.ID())
}

func (r *Relay) handleHeartbeat(c *Conn, msg *ParsedMessage) error {
	return c.Send(TypeHeartbeat, nil)
}

// decodePayload unmarshals and validates a JSON request payload. Failures
// are application errors: the peer gets an ERROR frame but stays connected.
func (r *Relay) decodePayload(msg *ParsedMessage, v interface{}) error {
	if !msg.Payload.IsJSON() {
		return newApplicationError(CodeInvalidPayload, "a JSON payload is required")
	}
	if err := json.Unmarshal(msg.Payload.JSON, v); err != nil {
		return newApplicationError(CodeInvalidPayload, "malformed payload: %v", err)
	}
	if err := r.validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 && verrs[0].Field() == "Room" {
			return newApplicationError(CodeInvalidRoomName,
				"room name must be between %d and %d bytes", roomNameMinLen, roomNameMaxLen)
		}
		return newApplicationError(CodeInvalidPayload, "invalid payload: %v", err)
	}
	return nil
}
