package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/duetcast/backend/internal/auth"
	"github.com/duetcast/backend/internal/models"
	"github.com/duetcast/backend/internal/rooms"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// RecordingControl is the recording lifecycle entry point driven by socket
// events. Implemented by coordinator.Coordinator.
type RecordingControl interface {
	Start(ctx context.Context, roomID string, id auth.Identity) (time.Time, error)
	Stop(ctx context.Context, roomID string, id auth.Identity) (*models.Recording, error)
}

// RedisPublisher publishes room events for cross-instance broadcast.
type RedisPublisher interface {
	PublishRoomEvent(roomID, event string, payload []byte) error
}

// RedisSubscriber subscribes to a room channel and invokes handler for
// incoming events.
type RedisSubscriber interface {
	SubscribeRoom(roomID string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains room_id -> set of connections, relays signaling between
// peers, and fans out recording lifecycle events. Room-wide events go
// through Redis pub/sub when a bridge is configured so every instance
// delivers them once; per-recipient messages (signal relay, participant
// lists) are always local.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client
	subs  map[string]func() // cancel Redis subscription per room

	registry   *rooms.Registry
	control    RecordingControl
	iceServers []webrtc.ICEServer
	redisPub   RedisPublisher
	redisSub   RedisSubscriber
	logger     *zap.Logger
}

// NewHub creates a WebSocket hub.
func NewHub(registry *rooms.Registry, iceServers []webrtc.ICEServer, redisPub RedisPublisher, redisSub RedisSubscriber, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:      make(map[string]map[string]*Client),
		subs:       make(map[string]func()),
		registry:   registry,
		iceServers: iceServers,
		redisPub:   redisPub,
		redisSub:   redisSub,
		logger:     logger,
	}
}

// SetRecordingControl wires the recording lifecycle; set once at startup.
func (h *Hub) SetRecordingControl(rc RecordingControl) { h.control = rc }

// ICEServers returns the STUN/TURN list advertised to joining clients.
func (h *Hub) ICEServers() []webrtc.ICEServer { return h.iceServers }

// Join admits a connection into a room: first connection subscribes the
// room's Redis channel, the registry records the participant, and the
// pre-join membership is returned so the joiner can initiate toward each
// existing peer.
func (h *Hub) Join(c *Client, roomID string) (others []rooms.Participant) {
	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*Client)
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeRoom(roomID, func(event string, payload []byte) {
				h.broadcastLocal(roomID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[roomID] = cancel
			} else {
				h.logger.Warn("room subscribe failed", zap.Error(err), zap.String("room_id", roomID))
			}
		}
	}
	h.rooms[roomID][c.SocketID] = c
	h.mu.Unlock()

	// One atomic registry operation yields both the insert and the pre-join
	// membership: concurrent joins serialize, so for any two joiners exactly
	// one sees the other and that side initiates the peer connection.
	others, _ = h.registry.Join(roomID, rooms.Participant{
		SocketID: c.SocketID,
		UserID:   c.Identity.ID,
		UserName: c.Identity.Username,
		IsGuest:  c.Identity.IsGuest,
	})
	c.RoomID = roomID

	h.logger.Info("participant joined",
		zap.String("room_id", roomID),
		zap.String("socket_id", c.SocketID),
		zap.String("user_id", c.Identity.ID))
	return others
}

// Leave removes a connection from its room, tells the remaining peers, and
// tears down the room (and its Redis subscription) when it empties.
func (h *Hub) Leave(c *Client) {
	roomID := c.RoomID
	if roomID == "" {
		return
	}
	c.RoomID = ""

	h.mu.Lock()
	if m, ok := h.rooms[roomID]; ok {
		delete(m, c.SocketID)
		if len(m) == 0 {
			delete(h.rooms, roomID)
			if cancel, ok := h.subs[roomID]; ok {
				cancel()
				delete(h.subs, roomID)
			}
		}
	}
	h.mu.Unlock()

	removed, _, err := h.registry.Leave(roomID, c.SocketID)
	if err != nil {
		// Unknown room: someone else already tore it down.
		return
	}

	h.broadcastLocal(roomID, "user-left", map[string]any{
		"socketId": removed.SocketID,
		"userId":   removed.UserID,
	})
	h.SendParticipants(roomID)
	h.logger.Info("participant left",
		zap.String("room_id", roomID),
		zap.String("socket_id", c.SocketID))
}

// BroadcastEvent fans an event out to every connection in a room across all
// instances. With a Redis bridge the event is published only; the channel
// subscriber performs the one local delivery, so clients never see
// duplicates. Without a bridge it is delivered directly.
func (h *Hub) BroadcastEvent(roomID, event string, data any) {
	if h.redisPub != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			h.logger.Warn("broadcast marshal failed", zap.Error(err), zap.String("event", event))
			return
		}
		if err := h.redisPub.PublishRoomEvent(roomID, event, payload); err == nil {
			return
		}
		h.logger.Warn("redis publish failed, delivering locally", zap.String("event", event))
	}
	h.broadcastLocal(roomID, event, data)
}

// broadcastLocal delivers an event to this instance's connections only.
func (h *Hub) broadcastLocal(roomID, event string, payload any) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.rooms[roomID]
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// SendToClient delivers an event to a single socket. Reports whether the
// target exists; an unknown target is the caller's problem to log, not a
// reason to disconnect anyone.
func (h *Hub) SendToClient(roomID, socketID, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	h.mu.RLock()
	c, ok := h.rooms[roomID][socketID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return false
	}
	select {
	case c.send <- msg(event, data):
	default:
	}
	return true
}

// SendParticipants refreshes every member's view of the room. Each
// recipient gets the list minus itself.
func (h *Hub) SendParticipants(roomID string) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		others := h.registry.ListOthers(roomID, c.SocketID)
		if others == nil {
			others = []rooms.Participant{}
		}
		h.SendToClient(roomID, c.SocketID, "room-participants", map[string]any{
			"participants": others,
		})
	}
}

func msg(event string, data []byte) WSMessage {
	return WSMessage{Event: event, Data: data}
}
