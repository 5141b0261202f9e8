package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/keyvault-sh/keyvault/internal/access"
	"github.com/keyvault-sh/keyvault/internal/credential"
	"github.com/keyvault-sh/keyvault/internal/logx"
)

const authContextKey = "keyvault.auth"

// AuthContext describes the credential a request authenticated with. Exactly
// one credential backs a request; its kind decides which checks apply (API
// keys are project-bound, CLI tokens and PATs are user-bound and go through
// role resolution).
type AuthContext struct {
	Kind       credential.Kind
	Credential *credential.Record

	// UserID is set for user-bound credentials (CLI tokens, PATs).
	UserID string
	// ProjectID is set for project API keys.
	ProjectID string
}

// SetAuth attaches the auth context to the request. Called by the
// authentication middleware.
func SetAuth(c *gin.Context, ac *AuthContext) {
	c.Set(authContextKey, ac)
}

// Auth returns the request's auth context, or nil on public routes.
func Auth(c *gin.Context) *AuthContext {
	v, ok := c.Get(authContextKey)
	if !ok {
		return nil
	}
	return v.(*AuthContext)
}

// apiKeyPermissions is what a project API key may do inside its own
// project. Keys exist for machine consumers fetching configuration; they
// never write or manage.
var apiKeyPermissions = access.Permissions{CanRead: true}

// resolvePermissions decides what the request may do in a project, applying
// credential scope restrictions first and role resolution second. On
// failure it writes the error response and returns ok=false.
func resolvePermissions(c *gin.Context, acl *access.Service, creds *credential.Store, projectID, environment, folder string) (access.Permissions, bool) {
	ac := Auth(c)
	if ac == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
		return access.Permissions{}, false
	}

	scopeReq := credential.ScopeRequest{
		ProjectID:   projectID,
		Environment: environment,
		Folder:      folder,
		IP:          c.ClientIP(),
	}

	if ac.Kind == credential.KindAPIKey {
		if ac.ProjectID != projectID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Project not allowed"})
			return access.Permissions{}, false
		}
		if err := creds.CheckScope(ac.Credential, scopeReq); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": scopeMessage(err)})
			return access.Permissions{}, false
		}
		return apiKeyPermissions, true
	}

	// PATs carry optional scopes on top of the owner's roles.
	if err := creds.CheckScope(ac.Credential, scopeReq); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": scopeMessage(err)})
		return access.Permissions{}, false
	}

	a, err := acl.CheckAccess(ac.UserID, projectID)
	if err != nil {
		logx.Errorf("CheckAccess(%q, %q): %v", ac.UserID, projectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve access"})
		return access.Permissions{}, false
	}
	if !a.HasAccess {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return access.Permissions{}, false
	}
	return a.Permissions, true
}

func scopeMessage(err error) string {
	switch {
	case errors.Is(err, credential.ErrProjectNotAllowed):
		return "Project not allowed"
	case errors.Is(err, credential.ErrEnvironmentNotAllowed):
		return "Environment not allowed"
	case errors.Is(err, credential.ErrFolderNotAllowed):
		return "Folder not allowed"
	case errors.Is(err, credential.ErrIPNotAllowed):
		return "IP not allowed"
	default:
		return "Access denied"
	}
}

// requireUser rejects project API keys. Returns nil after writing the
// response when the credential is not user-bound.
func requireUser(c *gin.Context) *AuthContext {
	ac := Auth(c)
	if ac == nil || ac.UserID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "this endpoint requires a user credential"})
		return nil
	}
	return ac
}
