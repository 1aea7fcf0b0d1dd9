package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-group-change/internal/models"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
	"github.com/noah-isme/sma-group-change/pkg/response"
)

// RequireRoles lets the request through only when the caller holds one of roles.
// SUPERADMIN is always allowed.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles)+1)
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	allowed[models.RoleSuperAdmin] = struct{}{}

	return func(c *gin.Context) {
		value, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims, ok := value.(*models.JWTClaims)
		if !ok || claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}
