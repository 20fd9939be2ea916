package rooms

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRoomNotFound is returned when an operation references an unknown room.
var ErrRoomNotFound = errors.New("room not found")

// Participant is a live room member. SocketID is connection-scoped and
// transient; UserID is the stable (or synthetic guest) identity.
type Participant struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsGuest  bool   `json:"isGuest"`
}

// room holds the mutable state of one room. Fields are guarded by the
// registry mutex; participants keep join order.
type room struct {
	participants []Participant
	createdAt    time.Time
	createdBy    string
}

// Registry is the in-memory directory of rooms and their participants.
// It is the single source of truth for "who is in this room": every
// mutation is visible to the next read from any caller.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	logger *zap.Logger
}

// NewRegistry creates an empty room registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:  make(map[string]*room),
		logger: logger,
	}
}

// Join admits a participant into a room, creating the room on first join.
// Join is idempotent by user identity: any existing entry with the same
// UserID (a stale reconnect) or the same SocketID is replaced, never
// duplicated. Returns the pre-join membership (the peers the joiner must
// initiate toward, excluding any stale entry for itself) and the post-join
// snapshot. Both views come from one critical section, so concurrent joins
// serialize and the later one always sees the earlier.
func (r *Registry) Join(roomID string, p Participant) (others, all []Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			createdAt: time.Now(),
			createdBy: p.UserID,
		}
		r.rooms[roomID] = rm
	}

	kept := rm.participants[:0]
	for _, existing := range rm.participants {
		if existing.SocketID == p.SocketID || existing.UserID == p.UserID {
			continue
		}
		others = append(others, existing)
		kept = append(kept, existing)
	}
	rm.participants = append(kept, p)

	r.logger.Debug("participant joined",
		zap.String("room_id", roomID),
		zap.String("socket_id", p.SocketID),
		zap.String("user_id", p.UserID),
		zap.Int("participants", len(rm.participants)))
	return others, snapshot(rm.participants)
}

// Leave removes the entry matching socketID. When the room becomes empty it
// is deleted. An unknown room returns ErrRoomNotFound; callers treat it as a
// no-op. Returns the removed participant and the remaining snapshot.
func (r *Registry) Leave(roomID, socketID string) (Participant, []Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Participant{}, nil, ErrRoomNotFound
	}

	var removed Participant
	kept := rm.participants[:0]
	for _, p := range rm.participants {
		if p.SocketID == socketID {
			removed = p
			continue
		}
		kept = append(kept, p)
	}
	rm.participants = kept

	if len(rm.participants) == 0 {
		delete(r.rooms, roomID)
		r.logger.Debug("room deleted", zap.String("room_id", roomID))
		return removed, nil, nil
	}
	return removed, snapshot(rm.participants), nil
}

// ListOthers returns the room's participants excluding the given socket.
func (r *Registry) ListOthers(roomID, excludingSocketID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	var others []Participant
	for _, p := range rm.participants {
		if p.SocketID != excludingSocketID {
			others = append(others, p)
		}
	}
	return others
}

// Snapshot returns the room's current participant list, or nil if the room
// does not exist.
func (r *Registry) Snapshot(roomID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return snapshot(rm.participants)
}

// Count returns the number of live participants in a room.
func (r *Registry) Count(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rm.participants)
}

func snapshot(ps []Participant) []Participant {
	out := make([]Participant, len(ps))
	copy(out, ps)
	return out
}
