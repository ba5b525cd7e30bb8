package httpserver

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"escrowengine/internal/handler"
	"escrowengine/internal/model"
)

// AuthMiddleware resolves the acting party from the bearer token and stores
// it on the request context. The engine below this point only ever sees an
// explicit model.Actor, never the session.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := extractToken(c)
		if tokenStr == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			c.Abort()
			return
		}

		actor, err := parseActor(tokenStr, secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(handler.ActorKey, actor)
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func parseActor(tokenStr, secret string) (model.Actor, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return model.Actor{}, err
	}
	if !token.Valid {
		return model.Actor{}, jwt.ErrTokenInvalidClaims
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return model.Actor{}, jwt.ErrTokenMalformed
	}

	userIDFloat, ok := claims["user_id"].(float64)
	if !ok {
		return model.Actor{}, jwt.ErrTokenMalformed
	}
	role, ok := claims["role"].(string)
	if !ok {
		return model.Actor{}, jwt.ErrTokenMalformed
	}

	switch model.ActorRole(role) {
	case model.RoleClient, model.RoleProfessional:
	default:
		return model.Actor{}, jwt.ErrTokenInvalidClaims
	}

	return model.Actor{
		ID:   int64(userIDFloat),
		Role: model.ActorRole(role),
	}, nil
}
