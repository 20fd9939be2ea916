package auth

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/duetcast/backend/pkg/response"
	"github.com/duetcast/backend/pkg/utils"
)

// Handler handles auth HTTP endpoints.
type Handler struct {
	repo   *Repository
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(repo *Repository, jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, jwt: jwt, logger: logger}
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Username string `json:"username" binding:"required,min=2"`
	Password string `json:"password" binding:"required,min=8"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid registration payload")
		return
	}

	existing, err := h.repo.GetByEmail(c.Request.Context(), req.Email)
	if err != nil && err != pgx.ErrNoRows {
		h.logger.Error("lookup user failed", zap.Error(err))
		response.Internal(c, "registration failed")
		return
	}
	if existing != nil {
		response.Conflict(c, "email already registered")
		return
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("hash password failed", zap.Error(err))
		response.Internal(c, "registration failed")
		return
	}

	user, err := h.repo.Create(c.Request.Context(), req.Email, req.Username, hash)
	if err != nil {
		h.logger.Error("create user failed", zap.Error(err))
		response.Internal(c, "registration failed")
		return
	}

	token, err := h.jwt.Generate(user.ID, user.Email, user.Username)
	if err != nil {
		h.logger.Error("generate token failed", zap.Error(err))
		response.Internal(c, "registration failed")
		return
	}
	response.Created(c, gin.H{"token": token, "user": user.ToPublic()})
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid login payload")
		return
	}

	user, err := h.repo.GetByEmail(c.Request.Context(), req.Email)
	if err != nil || user == nil {
		response.Unauthorized(c, "invalid credentials")
		return
	}
	if !utils.CheckPassword(req.Password, user.Password) {
		response.Unauthorized(c, "invalid credentials")
		return
	}

	token, err := h.jwt.Generate(user.ID, user.Email, user.Username)
	if err != nil {
		h.logger.Error("generate token failed", zap.Error(err))
		response.Internal(c, "login failed")
		return
	}
	response.OK(c, gin.H{"token": token, "user": user.ToPublic()})
}
