package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/duetcast/backend/internal/models"
)

// GuestIDPrefix marks synthetic guest identities. Guest IDs are derived from
// the socket id, so they are unique per connection and never collide with
// registered user UUIDs.
const GuestIDPrefix = "guest-"

// Identity is the resolved caller of a websocket connection: either a
// registered user (stable UUID) or a guest (ephemeral, connection-scoped id).
type Identity struct {
	ID       string
	Username string
	IsGuest  bool
}

// UserLookup fetches a registered user by raw id string.
type UserLookup interface {
	GetByIDString(ctx context.Context, id string) (*models.User, error)
}

// Resolver turns a connection's credentials into an Identity. Resolution
// never fails the connection: a missing or invalid token, or a token for a
// user that no longer exists, all degrade to a guest identity.
type Resolver struct {
	jwt    *JWTService
	users  UserLookup
	logger *zap.Logger
}

// NewResolver creates an identity resolver.
func NewResolver(jwt *JWTService, users UserLookup, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{jwt: jwt, users: users, logger: logger}
}

// Resolve maps (token, guestName) to an identity for the given socket.
func (r *Resolver) Resolve(ctx context.Context, token, guestName, socketID string) Identity {
	guest := Identity{
		ID:       GuestIDPrefix + socketID,
		Username: guestName,
		IsGuest:  true,
	}
	if guest.Username == "" {
		guest.Username = "Guest"
	}
	if token == "" {
		return guest
	}
	claims, err := r.jwt.Validate(token)
	if err != nil {
		r.logger.Debug("invalid token, connecting as guest", zap.String("socket_id", socketID))
		return guest
	}
	user, err := r.users.GetByIDString(ctx, claims.UserID.String())
	if err != nil || user == nil {
		r.logger.Debug("token user not found, connecting as guest",
			zap.String("socket_id", socketID), zap.String("user_id", claims.UserID.String()))
		return guest
	}
	return Identity{
		ID:       user.ID.String(),
		Username: user.Username,
		IsGuest:  false,
	}
}
