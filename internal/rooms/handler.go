package rooms

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/duetcast/backend/internal/middleware"
	"github.com/duetcast/backend/pkg/response"
)

// Handler handles room HTTP endpoints.
type Handler struct {
	registry *Registry
}

// NewHandler creates a rooms handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// Create handles POST /api/rooms. Returns a short shareable room id; the
// room itself materializes in the registry on first websocket join.
func (h *Handler) Create(c *gin.Context) {
	username, _ := c.Get(middleware.ContextUsername)
	roomID := uuid.New().String()[:8]
	response.OK(c, gin.H{
		"roomId":    roomID,
		"createdBy": username,
		"createdAt": time.Now(),
	})
}

// Get handles GET /api/rooms/:id.
func (h *Handler) Get(c *gin.Context) {
	roomID := c.Param("id")
	response.OK(c, gin.H{
		"roomId":       roomID,
		"status":       "active",
		"participants": h.registry.Count(roomID),
	})
}
