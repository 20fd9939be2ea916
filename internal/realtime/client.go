package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duetcast/backend/internal/auth"
	"github.com/duetcast/backend/internal/rooms"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents a single WebSocket connection.
type Client struct {
	SocketID string
	RoomID   string
	Identity auth.Identity

	hub    *Hub
	conn   *websocket.Conn
	send   chan WSMessage
	logger *zap.Logger
}

// ServeWS handles the WebSocket upgrade and runs the client loop. The
// connection is never refused over identity: a missing or invalid token
// downgrades to a guest identity.
func ServeWS(hub *Hub, resolver *auth.Resolver, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		guestName := c.Query("guestName")

		socketID := uuid.New().String()
		identity := resolver.Resolve(c.Request.Context(), token, guestName, socketID)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			SocketID: socketID,
			Identity: identity,
			hub:      hub,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			logger:   logger,
		}
		client.enqueue("user-id", map[string]any{
			"socketId": socketID,
			"userId":   identity.ID,
			"userName": identity.Username,
			"isGuest":  identity.IsGuest,
		})
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Leave(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "join-room":
			var payload struct {
				RoomID string `json:"roomId"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.RoomID == "" {
				c.enqueue("error", map[string]string{"message": "roomId required"})
				continue
			}
			c.handleJoin(payload.RoomID)

		case "webrtc-signal":
			// Opaque relay: the payload is an SDP offer/answer plus its full
			// ICE bundle, never parsed here.
			var payload struct {
				To     string          `json:"to"`
				Signal json.RawMessage `json:"signal"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.To == "" {
				continue
			}
			delivered := c.hub.SendToClient(c.RoomID, payload.To, "webrtc-signal", map[string]any{
				"signal": payload.Signal,
				"from":   c.SocketID,
			})
			if !delivered {
				c.logger.Debug("signal target gone",
					zap.String("room_id", c.RoomID),
					zap.String("from", c.SocketID),
					zap.String("to", payload.To))
			}

		case "start-recording":
			if c.hub.control == nil || c.RoomID == "" {
				continue
			}
			if _, err := c.hub.control.Start(context.Background(), c.RoomID, c.Identity); err != nil {
				c.enqueue("error", map[string]string{"message": err.Error()})
			}

		case "stop-recording":
			if c.hub.control == nil || c.RoomID == "" {
				continue
			}
			if _, err := c.hub.control.Stop(context.Background(), c.RoomID, c.Identity); err != nil {
				c.enqueue("error", map[string]string{"message": err.Error()})
			}

		case "leave-room":
			c.hub.Leave(c)

		default:
			// ignore
		}
	}
}

// handleJoin admits the client and runs the join choreography: the joiner
// learns who is already present (it initiates a peer connection toward each
// of them) and gets the ICE server list; everyone else learns about the
// joiner and gets a refreshed participant list.
func (c *Client) handleJoin(roomID string) {
	if c.RoomID != "" {
		c.hub.Leave(c)
	}
	others := c.hub.Join(c, roomID)
	if others == nil {
		others = []rooms.Participant{}
	}

	c.enqueue("existing-users", map[string]any{"users": others})
	c.enqueue("ice-servers", map[string]any{"iceServers": c.hub.ICEServers()})

	for _, p := range others {
		c.hub.SendToClient(roomID, p.SocketID, "user-joined-webrtc", map[string]any{
			"socketId": c.SocketID,
			"userId":   c.Identity.ID,
			"userName": c.Identity.Username,
			"isGuest":  c.Identity.IsGuest,
		})
	}
	c.hub.SendParticipants(roomID)
}

// enqueue queues an event directly to this connection.
func (c *Client) enqueue(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
