package middleware

import (
	"net/http"
	"strings"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/services"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// AuthMiddleware accepts a bearer token, or a "token" query parameter for websocket
// upgrades where browsers cannot set headers.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(claimsKey, claims)
		c.Set("exam_id", string(claims.ExamID))
		c.Set("participant_id", string(claims.ParticipantID))
		c.Request = c.Request.WithContext(services.ContextWithIdentity(c.Request.Context(), claims.Identity()))
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by AuthMiddleware.
func ClaimsFrom(c *gin.Context) (*services.Claims, bool) {
	value, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*services.Claims)
	return claims, ok
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

// ExamScopeMiddleware rejects tokens issued for another exam. It must run after AuthMiddleware.
func ExamScopeMiddleware(exam domain.ExamID) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		if claims.ExamID != exam {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token issued for another exam"})
			return
		}
		c.Next()
	}
}
