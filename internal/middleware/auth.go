package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/taskboard/internal/authz"
	"github.com/huangang/taskboard/internal/utils"
	"github.com/huangang/taskboard/pkg/response"
)

const ContextIdentity = "identity"

// IdentityResolver loads the current identity of a token's user.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, userID uint) (authz.Identity, error)
}

// AuthRequired checks the bearer token and stores the caller's identity,
// rebuilt from the user row, in the context. Banned users keep a valid
// identity here; the services reject them.
func AuthRequired(resolver IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "authorization header required")
			c.Abort()
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := utils.ParseToken(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}

		id, err := resolver.ResolveIdentity(c.Request.Context(), claims.UserID)
		if err != nil {
			response.Unauthorized(c, "user no longer exists")
			c.Abort()
			return
		}

		c.Set(ContextIdentity, id)
		c.Next()
	}
}

// GetIdentity returns the identity set by AuthRequired, or the zero
// identity (inactive, so every action is denied).
func GetIdentity(c *gin.Context) authz.Identity {
	if v, exists := c.Get(ContextIdentity); exists {
		if id, ok := v.(authz.Identity); ok {
			return id
		}
	}
	return authz.Identity{}
}

// GetUserID gets the current user ID from context
func GetUserID(c *gin.Context) uint {
	return GetIdentity(c).UserID
}
