package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-group-change/internal/middleware"
	"github.com/noah-isme/sma-group-change/internal/models"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

func actorFromContext(c *gin.Context) (models.Actor, bool) {
	claims := claimsFromContext(c)
	if claims == nil || claims.UserID == "" {
		return models.Actor{}, false
	}
	return models.ActorFromClaims(claims), true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
