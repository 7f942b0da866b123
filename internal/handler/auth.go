package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	senderIDKey    = "senderID"
	senderIDHeader = "X-Sender-ID"
)

// AuthMiddleware resolves the calling sender. With a secret it requires an
// HS256 bearer token whose subject is the sender id; without one it trusts
// the X-Sender-ID header, which is only meant for local development.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var senderID string
		if secret == "" {
			senderID = strings.TrimSpace(c.GetHeader(senderIDHeader))
		} else {
			sub, err := parseBearer(c.GetHeader("Authorization"), secret)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "unauthorized",
					Message: err.Error(),
					Code:    http.StatusUnauthorized,
				})
				return
			}
			senderID = sub
		}

		if senderID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "Missing sender identity",
				Code:    http.StatusUnauthorized,
			})
			return
		}

		c.Set(senderIDKey, senderID)
		c.Next()
	}
}

func parseBearer(header, secret string) (string, error) {
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return "", errors.New("missing bearer token")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errors.New("invalid bearer token")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func senderID(c *gin.Context) string {
	return c.GetString(senderIDKey)
}
