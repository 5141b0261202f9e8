package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/keyvault-sh/keyvault/internal/access"
	"github.com/keyvault-sh/keyvault/internal/credential"
	"github.com/keyvault-sh/keyvault/internal/logx"
)

type createAPIKeyRequest struct {
	Name         string     `json:"name" binding:"required"`
	Environments []string   `json:"environments"`
	Folders      []string   `json:"folders"`
	IPAllowlist  []string   `json:"ipAllowlist"`
	ExpiresAt    *time.Time `json:"expiresAt"`
}

// requireManageProject resolves the caller's permissions on a project and
// rejects anything short of canManageProject. API key management is its own
// privilege tier; WRITE members cannot mint keys.
func requireManageProject(c *gin.Context, acl *access.Service, creds *credential.Store, projectID string) bool {
	perms, ok := resolvePermissions(c, acl, creds, projectID, "", "")
	if !ok {
		return false
	}
	if !perms.CanManageProject {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return false
	}
	return true
}

// HandleCreateAPIKey handles POST /api/projects/:id/api-keys.
func HandleCreateAPIKey(acl *access.Service, creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("id")

		var req createAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expiresAt must be in the future"})
			return
		}

		if !requireManageProject(c, acl, creds, projectID) {
			return
		}

		key, rec, err := creds.Issue(credential.KindAPIKey, projectID, credential.IssueOptions{
			Name: req.Name,
			Scope: credential.Scope{
				Environments: req.Environments,
				Folders:      req.Folders,
				IPAllowlist:  req.IPAllowlist,
			},
			ExpiresAt: req.ExpiresAt,
		})
		if err != nil {
			logx.Errorf("Issue api key(%q): %v", projectID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create API key"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{"key": key, "credential": viewOf(*rec)})
	}
}

// HandleListAPIKeys handles GET /api/projects/:id/api-keys.
func HandleListAPIKeys(acl *access.Service, creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("id")
		if !requireManageProject(c, acl, creds, projectID) {
			return
		}

		records, err := creds.List(credential.KindAPIKey, projectID)
		if err != nil {
			logx.Errorf("List api keys(%q): %v", projectID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list API keys"})
			return
		}
		out := make([]credentialView, 0, len(records))
		for _, r := range records {
			out = append(out, viewOf(r))
		}
		c.JSON(http.StatusOK, out)
	}
}

// loadAPIKey fetches an API key by id and checks the caller may manage its
// project. The project binding comes from the record itself, not the URL.
func loadAPIKey(c *gin.Context, acl *access.Service, creds *credential.Store) *credential.Record {
	rec, err := creds.Get(credential.KindAPIKey, c.Param("id"))
	if err != nil {
		logx.Errorf("Get api key %q: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve API key"})
		return nil
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
		return nil
	}
	if !requireManageProject(c, acl, creds, rec.OwnerID) {
		return nil
	}
	return rec
}

// HandleRotateAPIKey handles POST /api/api-keys/:id/rotate.
func HandleRotateAPIKey(acl *access.Service, creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec := loadAPIKey(c, acl, creds)
		if rec == nil {
			return
		}

		key, err := creds.Rotate(credential.KindAPIKey, rec.ID)
		if err != nil {
			if errors.Is(err, credential.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
				return
			}
			logx.Errorf("Rotate api key %q: %v", rec.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate API key"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key})
	}
}

// HandleRevokeAPIKey handles DELETE /api/api-keys/:id.
func HandleRevokeAPIKey(acl *access.Service, creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec := loadAPIKey(c, acl, creds)
		if rec == nil {
			return
		}

		if err := creds.Revoke(credential.KindAPIKey, rec.ID); err != nil {
			logx.Errorf("Revoke api key %q: %v", rec.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke API key"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	}
}
