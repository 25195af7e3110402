// README: Firebase ID token authentication; resolves the caller's uid and role.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"market/internal/infra"
	"market/internal/logger"
	"market/internal/modules/lifecycle"
	"market/internal/modules/profile"
	"market/internal/types"
)

const (
	ctxUID  = "auth.uid"
	ctxRole = "auth.role"
)

// RoleSource supplies the stored role of a user.
type RoleSource interface {
	RoleOf(ctx context.Context, id types.ID) (lifecycle.Role, error)
}

// Auth verifies the bearer token. The caller's role comes from their profile;
// the token's "role" claim is used when no profile exists yet. roles may be nil.
func Auth(verifier infra.TokenVerifier, roles RoleSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		role := claimRole(token.Claims)
		if roles != nil {
			stored, err := roles.RoleOf(c.Request.Context(), types.ID(token.UID))
			switch {
			case err == nil:
				role = stored
			case errors.Is(err, profile.ErrNotFound):
			default:
				logger.Error("role lookup", zap.String("uid", token.UID), zap.Error(err))
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "profile lookup failed", "reason": "store-unavailable"})
				return
			}
		}

		c.Set(ctxUID, token.UID)
		c.Set(ctxRole, string(role))
		c.Next()
	}
}

func claimRole(claims map[string]interface{}) lifecycle.Role {
	if v, ok := claims["role"].(string); ok {
		if r := lifecycle.Role(v); r.Valid() {
			return r
		}
	}
	return ""
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}

// Actor is the authenticated caller as a lifecycle actor.
func Actor(c *gin.Context) lifecycle.Actor {
	return lifecycle.Actor{ID: types.ID(CallerUID(c)), Role: lifecycle.Role(CallerRole(c))}
}
