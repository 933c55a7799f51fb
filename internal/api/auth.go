package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ctxOwnerKey holds the authenticated owner id. Empty when auth is disabled.
const ctxOwnerKey = "owner_id"

// authenticate validates HS256 bearer tokens when a secret is configured and
// stores the subject claim as the owner. Browsers cannot set headers on a
// websocket upgrade, so the token query parameter is accepted as well.
func (s *Server) authenticate() gin.HandlerFunc {
	if s.opts.JWTSecret == "" {
		return func(c *gin.Context) { c.Next() }
	}
	secret := []byte(s.opts.JWTSecret)

	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			abortWithMessage(c, http.StatusUnauthorized, "No token, authorization denied")
			return
		}

		owner, err := parseSubject(raw, secret)
		if err != nil {
			s.logger.Debug().Err(err).Msg("rejected token")
			abortWithMessage(c, http.StatusUnauthorized, "Token is not valid")
			return
		}
		c.Set(ctxOwnerKey, owner)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return c.Query("token")
}

func parseSubject(raw string, secret []byte) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("token invalid")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// ownerFor returns the authenticated owner, falling back to the caller
// supplied id when auth is disabled.
func ownerFor(c *gin.Context, supplied string) string {
	if owner := c.GetString(ctxOwnerKey); owner != "" {
		return owner
	}
	return strings.TrimSpace(supplied)
}
