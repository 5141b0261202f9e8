package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/keyvault-sh/keyvault/internal/credential"
	"github.com/keyvault-sh/keyvault/internal/server/handler"
)

// CORS returns a Gin middleware that handles Cross-Origin Resource Sharing.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[strings.TrimRight(origin, "/")] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")
			c.Header("Access-Control-Max-Age", "86400")

			if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
		}

		c.Next()
	}
}

// RequestAuth returns a Gin middleware that authenticates API requests.
// Credential sources are tried in a fixed order: the X-API-Key header
// (project API key), then a Bearer token with the CLI prefix, then a
// Bearer personal access token. The first present source decides; a
// credential that is present but invalid fails the request rather than
// falling through to the next source.
func RequestAuth(creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			rec *credential.Record
			err error
		)

		switch {
		case c.GetHeader("X-API-Key") != "":
			rec, err = creds.Verify(credential.KindAPIKey, c.GetHeader("X-API-Key"))
		case c.GetHeader("Authorization") != "":
			auth := c.GetHeader("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must use Bearer scheme"})
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")
			if strings.HasPrefix(token, credential.CLITokenPrefix) {
				rec, err = creds.Verify(credential.KindCLI, token)
			} else {
				rec, err = creds.Verify(credential.KindPAT, token)
			}
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}
		if err != nil {
			// Invalid and expired deliberately share one message.
			if errors.Is(err, credential.ErrInvalidToken) || errors.Is(err, credential.ErrExpiredToken) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}

		if !rec.Scope.AllowsIP(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied from this IP address"})
			return
		}

		ac := &handler.AuthContext{Kind: rec.Kind, Credential: rec}
		if rec.Kind == credential.KindAPIKey {
			ac.ProjectID = rec.OwnerID
		} else {
			ac.UserID = rec.OwnerID
		}
		handler.SetAuth(c, ac)
		c.Next()
	}
}
