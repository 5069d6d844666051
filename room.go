package relay

import (
	"sort"
	"sync"
)

// Member is a room participant able to receive broadcast frames. *Conn
// implements it; tests substitute their own.
type Member interface {
	// ID returns the member's process-unique connection identity.
	ID() string
	// SendFrame queues pre-encoded wire bytes for delivery.
	SendFrame(data []byte) error
}

// Room is a named broadcast group of connections. Rooms are created lazily
// on first join and deleted by the registry the instant membership reaches
// zero; use RoomRegistry to obtain one.
type Room struct {
	name   string
	logger Logger

	mu      sync.RWMutex
	members map[string]Member
}

func newRoom(name string, logger Logger) *Room {
	return &Room{
		name:    name,
		logger:  logger,
		members: make(map[string]Member),
	}
}

// Name returns the room's unique name.
func (r *Room) Name() string {
	return r.name
}

// Len returns the current membership count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Contains reports whether the given connection is a member.
func (r *Room) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

// add inserts a member, reporting whether it was newly added.
func (r *Room) add(m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[m.ID()]; ok {
		return false
	}
	r.members[m.ID()] = m
	return true
}

// remove deletes a member, reporting whether it was present and the
// membership count left behind.
func (r *Room) remove(id string) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; !ok {
		return false, len(r.members)
	}
	delete(r.members, id)
	return true, len(r.members)
}

// snapshot returns the current members minus the excluded id, ordered by
// identity so delivery order is deterministic per call.
//
// The snapshot is taken under the lock and delivered outside it: members
// joining during the delivery loop are not included, members leaving during
// the loop but already snapshotted still receive the frame.
func (r *Room) snapshot(excludeID string) []Member {
	r.mu.RLock()
	members := make([]Member, 0, len(r.members))
	for id, m := range r.members {
		if id == excludeID {
			continue
		}
		members = append(members, m)
	}
	r.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i].ID() < members[j].ID() })
	return members
}

// Broadcast encodes one frame and delivers it to every current member
// except the excluded one (pass "" to include everyone). Each member's send
// is isolated: a failing member is logged and skipped, never aborting the
// loop or affecting delivery to the others.
func (r *Room) Broadcast(typ uint8, payload interface{}, excludeID string) error {
	data, err := EncodeFrame(typ, payload)
	if err != nil {
		return err
	}

	for _, m := range r.snapshot(excludeID) {
		if err := m.SendFrame(data); err != nil {
			r.logger.Warn("broadcast delivery failed",
				"room", r.name, "member", m.ID(), "error", err)
		}
	}
	return nil
}
