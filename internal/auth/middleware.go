package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextClaims is the gin context key the verified token claims are stored
// under.
const ContextClaims = "auth.claims"

// RoleTracker is the role issued at tracker registration; it gates the
// meeting intake and reporting endpoints.
const RoleTracker = "tracker"

// Bearer validates the Authorization header (HS256 bearer token) and stores
// the claims on the request context for downstream guards.
func Bearer(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := Parse(strings.TrimSpace(parts[1]), signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

// RequireRole rejects authenticated requests whose token carries a different
// role. Must run after Bearer.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(ContextClaims)
		claims, cast := v.(Claims)
		if !ok || !cast || claims.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}
