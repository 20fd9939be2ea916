package upload

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duetcast/backend/internal/auth"
	"github.com/duetcast/backend/internal/middleware"
	"github.com/duetcast/backend/pkg/response"
)

// FinalizeNotifier is told when a participant's capture has landed, so the
// settling room can begin processing as soon as everyone has finalized.
type FinalizeNotifier interface {
	NotifyFinalized(roomID, userID string)
}

// Handler handles upload HTTP endpoints.
type Handler struct {
	mgr           *Manager
	notifier      FinalizeNotifier
	maxChunkBytes int64
	logger        *zap.Logger
}

// NewHandler creates an upload handler.
func NewHandler(mgr *Manager, notifier FinalizeNotifier, maxChunkBytes int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{mgr: mgr, notifier: notifier, maxChunkBytes: maxChunkBytes, logger: logger}
}

type initSessionRequest struct {
	RoomID      string `json:"roomId" binding:"required"`
	UserID      string `json:"userId" binding:"required"`
	TotalSize   int64  `json:"totalSize"`
	TotalChunks int    `json:"totalChunks"`
}

// InitSession handles POST /api/upload/init-session.
func (h *Handler) InitSession(c *gin.Context) {
	var req initSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid session payload")
		return
	}
	if !h.authorizeUser(c, req.UserID) {
		return
	}
	sessionID, err := h.mgr.InitSession(req.RoomID, req.UserID, req.TotalSize, req.TotalChunks)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			response.BadRequest(c, "totalSize and totalChunks must be positive")
			return
		}
		h.logger.Error("init session failed", zap.Error(err), zap.String("room_id", req.RoomID))
		response.Internal(c, "failed to initialize session")
		return
	}
	response.OK(c, gin.H{"sessionId": sessionID})
}

// PutChunk handles POST /api/upload/chunk?sessionId=&chunkIndex=&totalChunks=
// with the chunk bytes in the multipart field "chunk".
func (h *Handler) PutChunk(c *gin.Context) {
	sessionID := c.Query("sessionId")
	chunkIndex, err := strconv.Atoi(c.Query("chunkIndex"))
	if sessionID == "" || err != nil || chunkIndex < 0 {
		response.BadRequest(c, "sessionId and chunkIndex required")
		return
	}

	_, userID, err := h.mgr.Owner(sessionID)
	if err != nil {
		response.NotFound(c, "invalid session")
		return
	}
	if !h.authorizeUser(c, userID) {
		return
	}

	file, err := c.FormFile("chunk")
	if err != nil {
		response.BadRequest(c, "chunk file required")
		return
	}
	if h.maxChunkBytes > 0 && file.Size > h.maxChunkBytes {
		response.BadRequest(c, "chunk exceeds size limit")
		return
	}
	src, err := file.Open()
	if err != nil {
		response.Internal(c, "failed to read chunk")
		return
	}
	defer src.Close()

	received, total, err := h.mgr.PutChunk(sessionID, chunkIndex, src)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			response.NotFound(c, "invalid session")
		case errors.Is(err, ErrChunkOutOfRange):
			response.BadRequest(c, "chunk index out of range")
		default:
			h.logger.Error("chunk upload failed", zap.Error(err), zap.String("session_id", sessionID))
			response.Internal(c, "chunk upload failed")
		}
		return
	}
	response.OK(c, gin.H{"chunkIndex": chunkIndex, "received": received, "total": total})
}

type finalizeRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
}

// FinalizeSession handles POST /api/upload/finalize-session.
func (h *Handler) FinalizeSession(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid finalize payload")
		return
	}

	_, userID, err := h.mgr.Owner(req.SessionID)
	if err != nil {
		response.NotFound(c, "invalid session")
		return
	}
	if !h.authorizeUser(c, userID) {
		return
	}

	res, err := h.mgr.Finalize(req.SessionID)
	if err != nil {
		var missing *MissingChunksError
		switch {
		case errors.As(err, &missing):
			c.JSON(http.StatusBadRequest, gin.H{
				"success":  false,
				"error":    "missing chunks",
				"received": missing.Received,
				"expected": missing.Expected,
			})
		case errors.Is(err, ErrSessionNotFound):
			response.NotFound(c, "invalid session")
		default:
			h.logger.Error("finalize failed", zap.Error(err), zap.String("session_id", req.SessionID))
			response.Internal(c, "failed to finalize upload")
		}
		return
	}

	if h.notifier != nil {
		h.notifier.NotifyFinalized(res.RoomID, res.UserID)
	}
	response.OK(c, gin.H{"fileSize": res.Size})
}

// PutComplete handles POST /api/upload/complete?roomId=&userId= with the
// whole capture in the body (multipart field "video" or raw). Single-shot
// alternative to the chunked path; lands at the same canonical location.
func (h *Handler) PutComplete(c *gin.Context) {
	roomID := c.Query("roomId")
	userID := c.Query("userId")
	if roomID == "" || userID == "" {
		response.BadRequest(c, "roomId and userId required")
		return
	}
	if !h.authorizeUser(c, userID) {
		return
	}

	var res *FinalizeResult
	var err error
	if file, ferr := c.FormFile("video"); ferr == nil {
		src, oerr := file.Open()
		if oerr != nil {
			response.Internal(c, "failed to read upload")
			return
		}
		defer src.Close()
		res, err = h.mgr.PutComplete(roomID, userID, src)
	} else {
		res, err = h.mgr.PutComplete(roomID, userID, c.Request.Body)
	}
	if err != nil {
		h.logger.Error("complete upload failed", zap.Error(err), zap.String("room_id", roomID))
		response.Internal(c, "failed to store upload")
		return
	}

	if h.notifier != nil {
		h.notifier.NotifyFinalized(roomID, userID)
	}
	response.OK(c, gin.H{"fileSize": res.Size})
}

// authorizeUser enforces the upload identity rule: an authenticated caller
// may only upload under its own user id; anonymous callers may only upload
// under synthetic guest ids. Writes the error response on failure.
func (h *Handler) authorizeUser(c *gin.Context, userID string) bool {
	if v, ok := c.Get(middleware.ContextUserID); ok {
		if id, ok := v.(uuid.UUID); ok && id.String() == userID {
			return true
		}
		response.Unauthorized(c, "user id does not match credentials")
		return false
	}
	if strings.HasPrefix(userID, auth.GuestIDPrefix) {
		return true
	}
	response.Unauthorized(c, "authentication required for this user id")
	return false
}
