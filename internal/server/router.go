package server

import (
	"github.com/gin-gonic/gin"

	"github.com/keyvault-sh/keyvault/internal/access"
	"github.com/keyvault-sh/keyvault/internal/credential"
	"github.com/keyvault-sh/keyvault/internal/crypto"
	"github.com/keyvault-sh/keyvault/internal/deviceauth"
	"github.com/keyvault-sh/keyvault/internal/server/db"
	"github.com/keyvault-sh/keyvault/internal/server/handler"
)

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(store *db.Store, cipher *crypto.Cipher, cfg *Config) *gin.Engine {
	r := gin.Default()

	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins))
	}

	creds := credential.NewStore(store)
	acl := access.NewService(store)
	devices := deviceauth.NewService(store, creds, deviceauth.NewMemoryTokenCache(), cfg.BaseURL)

	r.GET("/", func(c *gin.Context) {
		c.String(200, "ok")
	})

	auth := RequestAuth(creds)

	api := r.Group("/api")
	{
		// Device login. Starting and polling are unauthenticated; the
		// device code itself is the bearer of the attempt.
		api.POST("/cli/device-code", handler.HandleCreateDeviceCode(devices))
		api.GET("/cli/device-code/:deviceCode", handler.HandlePollDeviceCode(devices))
		api.POST("/cli/device-code/:userCode/authorize", auth, handler.HandleAuthorizeDeviceCode(devices))

		api.GET("/cli/profile", auth, handler.HandleProfile())
		api.GET("/cli/secrets/download", auth, handler.HandleDownloadSecrets(store, cipher, acl, creds))

		// CLI session tokens
		api.GET("/cli/tokens", auth, handler.HandleListCLITokens(creds))
		api.DELETE("/cli/tokens/:id", auth, handler.HandleDeleteCLIToken(creds))

		// Personal access tokens
		api.POST("/tokens", auth, handler.HandleCreatePAT(creds))
		api.GET("/tokens", auth, handler.HandleListPATs(creds))
		api.POST("/tokens/:id/rotate", auth, handler.HandleRotatePAT(creds))
		api.DELETE("/tokens/:id", auth, handler.HandleRevokePAT(creds))

		// Organizations and projects
		api.POST("/organizations", auth, handler.HandleCreateOrg(store))
		api.POST("/projects", auth, handler.HandleCreateProject(store))
		api.GET("/projects", auth, handler.HandleListProjects(acl))
		api.GET("/projects/:id/access", auth, handler.HandleCheckAccess(acl))
		api.PUT("/projects/:id/members/:userId", auth, handler.HandleUpsertProjectMember(store, acl, creds))
		api.DELETE("/projects/:id/members/:userId", auth, handler.HandleDeleteProjectMember(store, acl, creds))

		// Project API keys
		api.POST("/projects/:id/api-keys", auth, handler.HandleCreateAPIKey(acl, creds))
		api.GET("/projects/:id/api-keys", auth, handler.HandleListAPIKeys(acl, creds))
		api.POST("/api-keys/:id/rotate", auth, handler.HandleRotateAPIKey(acl, creds))
		api.DELETE("/api-keys/:id", auth, handler.HandleRevokeAPIKey(acl, creds))

		// Secrets
		api.POST("/projects/:id/secrets", auth, handler.HandleCreateSecret(store, cipher, acl, creds))
		api.GET("/projects/:id/secrets", auth, handler.HandleListSecrets(store, cipher, acl, creds))
		api.GET("/secrets/:id/reveal", auth, handler.HandleRevealSecret(store, cipher, acl, creds))
		api.PUT("/secrets/:id", auth, handler.HandleUpdateSecret(store, cipher, acl, creds))
		api.DELETE("/secrets/:id", auth, handler.HandleDeleteSecret(store, acl, creds))
	}

	return r
}
