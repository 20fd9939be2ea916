package recordings

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/duetcast/backend/internal/middleware"
	"github.com/duetcast/backend/internal/models"
	"github.com/duetcast/backend/pkg/response"
)

// Signer produces time-limited download URLs and deletes published
// artifacts. Implemented by storage.S3; may be nil when object storage is
// not configured, in which case stored URLs are returned as-is.
type Signer interface {
	PresignedDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
	DeleteObject(ctx context.Context, key string) error
}

// Handler handles the recording library endpoints.
type Handler struct {
	repo   *Repository
	signer Signer
	logger *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(repo *Repository, signer Signer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, signer: signer, logger: logger}
}

// List handles GET /api/recordings: the caller's recordings, newest first,
// with completed ones carrying fresh signed download URLs.
func (h *Handler) List(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return
	}

	recs, err := h.repo.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to list recordings")
		return
	}
	for _, rec := range recs {
		h.sign(c.Request.Context(), rec)
	}
	response.OK(c, gin.H{"recordings": recs, "count": len(recs)})
}

// Get handles GET /api/recordings/:id.
func (h *Handler) Get(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}

	rec, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "recording not found")
			return
		}
		h.logger.Error("get recording failed", zap.Error(err), zap.String("recording_id", id.String()))
		response.Internal(c, "failed to load recording")
		return
	}
	if rec.UserID != userID {
		response.Forbidden(c, "not your recording")
		return
	}
	h.sign(c.Request.Context(), rec)
	response.OK(c, rec)
}

// Delete handles DELETE /api/recordings/:id. Owner only; the published
// artifact is removed best effort before the row.
func (h *Handler) Delete(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}

	rec, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "recording not found")
			return
		}
		h.logger.Error("get recording failed", zap.Error(err), zap.String("recording_id", id.String()))
		response.Internal(c, "failed to load recording")
		return
	}
	if rec.UserID != userID {
		response.Forbidden(c, "not your recording")
		return
	}

	if h.signer != nil && rec.S3Key != "" {
		if err := h.signer.DeleteObject(c.Request.Context(), rec.S3Key); err != nil {
			h.logger.Warn("artifact delete failed",
				zap.Error(err), zap.String("s3_key", rec.S3Key))
		}
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		h.logger.Error("delete recording failed", zap.Error(err), zap.String("recording_id", id.String()))
		response.Internal(c, "failed to delete recording")
		return
	}
	response.OK(c, gin.H{"deleted": id.String()})
}

// sign refreshes a completed recording's download URL. Signed URLs expire,
// so the stored permanent URL is replaced per request.
func (h *Handler) sign(ctx context.Context, rec *models.Recording) {
	if h.signer == nil || rec.Status != models.RecordingStatusCompleted || rec.S3Key == "" {
		return
	}
	url, err := h.signer.PresignedDownloadURL(ctx, rec.S3Key, h.signer.PresignExpire())
	if err != nil {
		h.logger.Warn("presign failed", zap.Error(err), zap.String("s3_key", rec.S3Key))
		return
	}
	rec.VideoURL = url
}

func callerID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(middleware.ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
