package handler

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/keyvault-sh/keyvault/internal/access"
	"github.com/keyvault-sh/keyvault/internal/credential"
	"github.com/keyvault-sh/keyvault/internal/crypto"
	"github.com/keyvault-sh/keyvault/internal/logx"
	"github.com/keyvault-sh/keyvault/internal/server/db"
)

const maskVisibleChars = 4

type createSecretRequest struct {
	Name        string `json:"name" binding:"required"`
	Environment string `json:"environment" binding:"required"`
	Folder      string `json:"folder"`
	Value       string `json:"value" binding:"required"`
	Type        string `json:"type"`
}

type secretResponse struct {
	db.Secret
	MaskedValue string `json:"maskedValue,omitempty"`
	Value       string `json:"value,omitempty"`
}

// HandleCreateSecret handles POST /api/projects/:id/secrets. The value is
// encrypted before it touches the database.
func HandleCreateSecret(store *db.Store, cipher *crypto.Cipher, acl *access.Service, creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("id")

		var req createSecretRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		perms, ok := resolvePermissions(c, acl, creds, projectID, req.Environment, req.Folder)
		if !ok {
			return
		}
		if !perms.CanWrite {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
			return
		}

		encrypted, err := cipher.EncryptSecret(req.Value)
		if err != nil {
			logx.Errorf("EncryptSecret: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encrypt secret"})
			return
		}

		now := time.Now().UTC()
		sec := &db.Secret{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			Name:        req.Name,
			Environment: req.Environment,
			Folder:      req.Folder,
			Value:       encrypted,
			Type:        req.Type,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := store.CreateSecret(sec); err != nil {
			if errors.Is(err, db.ErrSecretDuplicate) {
				c.JSON(http.StatusConflict, gin.H{"error": "secret already exists for this environment and folder"})
				return
			}
			logx.Errorf("CreateSecret: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create secret"})
			return
		}

		c.JSON(http.StatusCreated, secretResponse{Secret: *sec, MaskedValue: crypto.MaskSecret(req.Value, maskVisibleChars)})
	}
}

// HandleListSecrets handles GET /api/projects/:id/secrets. Values come back
// masked; use the reveal endpoint for plaintext.
func HandleListSecrets(store *db.Store, cipher *crypto.Cipher, acl *access.Service, creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("id")
		environment := c.Query("environment")
		folder := c.Query("folder")

		perms, ok := resolvePermissions(c, acl, creds, projectID, environment, folder)
		if !ok {
			return
		}
		if !perms.CanRead {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
			return
		}

		secrets, err := store.ListSecrets(projectID, environment, folder)
		if err != nil {
			logx.Errorf("ListSecrets(%q): %v", projectID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list secrets"})
			return
		}

		out := make([]secretResponse, 0, len(secrets))
		for _, sec := range secrets {
			plaintext, err := cipher.DecryptSecret(sec.Value)
			if err != nil {
				logx.Errorf("DecryptSecret(%q): %v", sec.ID, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to decrypt secret"})
				return
			}
			out = append(out, secretResponse{Secret: sec, MaskedValue: crypto.MaskSecret(plaintext, maskVisibleChars)})
		}
		c.JSON(http.StatusOK, out)
	}
}

// loadSecret fetches a secret and checks the given permission bit against
// the caller. Writes the error response and returns nil on failure.
func loadSecret(c *gin.Context, store *db.Store, acl *access.Service, creds *credential.Store, allow func(access.Permissions) bool) *db.Secret {
	sec, err := store.GetSecret(c.Param("id"))
	if err != nil {
		logx.Errorf("GetSecret(%q): %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve secret"})
		return nil
	}
	if sec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "secret not found"})
		return nil
	}

	perms, ok := resolvePermissions(c, acl, creds, sec.ProjectID, sec.Environment, sec.Folder)
	if !ok {
		return nil
	}
	if !allow(perms) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return nil
	}
	return sec
}

// HandleRevealSecret handles GET /api/secrets/:id/reveal: the decrypted
// value, gated by scope and role checks.
func HandleRevealSecret(store *db.Store, cipher *crypto.Cipher, acl *access.Service, creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sec := loadSecret(c, store, acl, creds, func(p access.Permissions) bool { return p.CanRead })
		if sec == nil {
			return
		}

		plaintext, err := cipher.DecryptSecret(sec.Value)
		if err != nil {
			logx.Errorf("DecryptSecret(%q): %v", sec.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to decrypt secret"})
			return
		}
		c.JSON(http.StatusOK, secretResponse{Secret: *sec, Value: plaintext})
	}
}

type updateSecretRequest struct {
	Value string `json:"value" binding:"required"`
	Type  string `json:"type"`
}

// HandleUpdateSecret handles PUT /api/secrets/:id.
func HandleUpdateSecret(store *db.Store, cipher *crypto.Cipher, acl *access.Service, creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateSecretRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sec := loadSecret(c, store, acl, creds, func(p access.Permissions) bool { return p.CanWrite })
		if sec == nil {
			return
		}

		encrypted, err := cipher.EncryptSecret(req.Value)
		if err != nil {
			logx.Errorf("EncryptSecret: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encrypt secret"})
			return
		}
		sec.Value = encrypted
		if req.Type != "" {
			sec.Type = req.Type
		}
		sec.UpdatedAt = time.Now().UTC()

		updated, err := store.UpdateSecret(sec)
		if err != nil {
			logx.Errorf("UpdateSecret(%q): %v", sec.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update secret"})
			return
		}
		if !updated {
			c.JSON(http.StatusNotFound, gin.H{"error": "secret not found"})
			return
		}
		c.JSON(http.StatusOK, secretResponse{Secret: *sec, MaskedValue: crypto.MaskSecret(req.Value, maskVisibleChars)})
	}
}

// HandleDeleteSecret handles DELETE /api/secrets/:id.
func HandleDeleteSecret(store *db.Store, acl *access.Service, creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sec := loadSecret(c, store, acl, creds, func(p access.Permissions) bool { return p.CanDelete })
		if sec == nil {
			return
		}

		deleted, err := store.DeleteSecret(sec.ID)
		if err != nil {
			logx.Errorf("DeleteSecret(%q): %v", sec.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete secret"})
			return
		}
		if !deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": "secret not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

// HandleDownloadSecrets handles GET /api/cli/secrets/download: decrypted
// secrets for one project/environment in dotenv form, for `run` and
// `export`.
func HandleDownloadSecrets(store *db.Store, cipher *crypto.Cipher, acl *access.Service, creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Query("projectId")
		environment := c.Query("environment")
		folder := c.Query("folder")
		if projectID == "" || environment == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "projectId and environment are required"})
			return
		}

		perms, ok := resolvePermissions(c, acl, creds, projectID, environment, folder)
		if !ok {
			return
		}
		if !perms.CanRead {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
			return
		}

		secrets, err := store.ListSecrets(projectID, environment, folder)
		if err != nil {
			logx.Errorf("ListSecrets(%q): %v", projectID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list secrets"})
			return
		}

		values := make(map[string]string, len(secrets))
		for _, sec := range secrets {
			plaintext, err := cipher.DecryptSecret(sec.Value)
			if err != nil {
				logx.Errorf("DecryptSecret(%q): %v", sec.ID, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to decrypt secret"})
				return
			}
			values[sec.Name] = plaintext
		}

		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.String(http.StatusOK, renderDotenv(values))
	}
}

// renderDotenv formats secrets as KEY="value" lines with stable ordering.
func renderDotenv(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%q\n", k, values[k])
	}
	return b.String()
}
