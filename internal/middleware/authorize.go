package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/navi-crwn/pixelhop-sub000/internal/security"
)

func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		val, exists := c.Get(adminClaimsKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, ok := val.(security.AdminClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_claims"})
			return
		}

		if !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		c.Next()
	}
}
