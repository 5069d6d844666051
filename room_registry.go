package relay

import (
	"sync"
)

// Room name length bounds in bytes.
const (
	roomNameMinLen = 1
	roomNameMaxLen = 64
)

// Membership change events broadcast to remaining members. They ride the
// ordinary MESSAGE broadcast path.
const (
	eventJoined = "joined"
	eventLeft   = "left"
)

// roomEvent is the JSON payload of a membership notification.
type roomEvent struct {
	Event    string `json:"event"`
	Room     string `json:"room"`
	ClientID string `json:"clientId"`
}

// RoomRegistry creates rooms on first join, destroys them on last leave,
// and maps each connection identity to its room memberships so a disconnect
// cleans up in O(memberships) rather than O(rooms).
type RoomRegistry struct {
	logger Logger

	mu          sync.Mutex
	rooms       map[string]*Room
	memberships map[string]map[string]struct{} // connection id -> set of room names
}

// NewRoomRegistry creates an empty registry.
func NewRoomRegistry(logger Logger) *RoomRegistry {
	if logger == nil {
		logger = defaultLogger()
	}
	return &RoomRegistry{
		logger:      logger,
		rooms:       make(map[string]*Room),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join adds a member to the named room, creating the room if absent.
// Idempotent: rejoining a room the member already belongs to is a no-op.
// On a successful join all other current members are notified.
func (rr *RoomRegistry) Join(m Member, name string) error {
	if err := validRoomName(name); err != nil {
		return err
	}

	rr.mu.Lock()
	room, ok := rr.rooms[name]
	if !ok {
		room = newRoom(name, rr.logger)
		rr.rooms[name] = room
		rr.logger.Info("room created", "room", name)
	}

	joined := room.add(m)
	if joined {
		set, ok := rr.memberships[m.ID()]
		if !ok {
			set = make(map[string]struct{})
			rr.memberships[m.ID()] = set
		}
		set[name] = struct{}{}
	}
	rr.mu.Unlock()

	if !joined {
		return nil
	}

	rr.logger.Info("member joined", "room", name, "id", m.ID(), "members", room.Len())
	return room.Broadcast(TypeMessage, roomEvent{Event: eventJoined, Room: name, ClientID: m.ID()}, m.ID())
}

// Leave removes a member from the named room. Idempotent: leaving a room
// the connection is not in, or a room that does not exist, is a no-op.
// Remaining members are notified; a room whose membership reaches zero is
// deleted synchronously, before Leave returns.
func (rr *RoomRegistry) Leave(connID, name string) error {
	rr.mu.Lock()
	room, ok := rr.rooms[name]
	if !ok {
		rr.mu.Unlock()
		return nil
	}

	removed, remaining := room.remove(connID)
	if removed {
		if set, ok := rr.memberships[connID]; ok {
			delete(set, name)
			if len(set) == 0 {
				delete(rr.memberships, connID)
			}
		}
		if remaining == 0 {
			delete(rr.rooms, name)
			rr.logger.Info("room removed", "room", name)
		}
	}
	rr.mu.Unlock()

	if !removed {
		return nil
	}

	rr.logger.Info("member left", "room", name, "id", connID, "members", remaining)
	if remaining == 0 {
		return nil
	}
	return room.Broadcast(TypeMessage, roomEvent{Event: eventLeft, Room: name, ClientID: connID}, connID)
}

// LeaveAll removes the connection from every room it belongs to. Called
// exactly once at disconnect; relies on the reverse index so churn cost is
// proportional to the connection's memberships.
func (rr *RoomRegistry) LeaveAll(connID string) {
	rr.mu.Lock()
	set := rr.memberships[connID]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	rr.mu.Unlock()

	for _, name := range names {
		if err := rr.Leave(connID, name); err != nil {
			rr.logger.Warn("leave failed during disconnect cleanup",
				"room", name, "id", connID, "error", err)
		}
	}
}

// GetRoom returns the named room if it currently exists.
func (rr *RoomRegistry) GetRoom(name string) (*Room, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	room, ok := rr.rooms[name]
	return room, ok
}

// IsMember reports whether the connection currently belongs to the room.
func (rr *RoomRegistry) IsMember(connID, name string) bool {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	set, ok := rr.memberships[connID]
	if !ok {
		return false
	}
	_, ok = set[name]
	return ok
}

// Len returns the number of live rooms.
func (rr *RoomRegistry) Len() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.rooms)
}

// validRoomName enforces the 1-64 byte room name bound.
func validRoomName(name string) error {
	if len(name) < roomNameMinLen || len(name) > roomNameMaxLen {
		return newApplicationError(CodeInvalidRoomName,
			"room name must be between %d and %d bytes, got %d", roomNameMinLen, roomNameMaxLen, len(name))
	}
	return nil
}
