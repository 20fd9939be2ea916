package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/duetcast/backend/internal/auth"
	"github.com/duetcast/backend/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUsername is the key for username in gin context.
	ContextUsername = "username"
)

// JWT returns a middleware that validates JWT and sets user claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c, jwtService)
		if !ok {
			response.Unauthorized(c, "missing or invalid authorization header")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUsername, claims.Username)
		c.Next()
	}
}

// OptionalJWT sets user claims in context when a valid bearer token is present
// and passes the request through otherwise. Used by upload endpoints, which
// accept guest uploads under synthetic guest ids.
func OptionalJWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims, ok := bearerClaims(c, jwtService); ok {
			c.Set(ContextUserID, claims.UserID)
			c.Set(ContextUsername, claims.Username)
		}
		c.Next()
	}
}

func bearerClaims(c *gin.Context, jwtService *auth.JWTService) (*auth.Claims, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return nil, false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, false
	}
	claims, err := jwtService.Validate(parts[1])
	if err != nil {
		return nil, false
	}
	return claims, true
}
