package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/keyvault-sh/keyvault/internal/credential"
	"github.com/keyvault-sh/keyvault/internal/logx"
)

// credentialView is the listing shape for stored credentials. The token
// itself is never part of it; only last4 survives for display.
type credentialView struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Last4      string           `json:"last4"`
	Scope      credential.Scope `json:"scope"`
	ExpiresAt  *time.Time       `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time       `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

func viewOf(r credential.Record) credentialView {
	return credentialView{
		ID:         r.ID,
		Name:       r.Name,
		Last4:      r.Last4,
		Scope:      r.Scope,
		ExpiresAt:  r.ExpiresAt,
		LastUsedAt: r.LastUsedAt,
		CreatedAt:  r.CreatedAt,
	}
}

// ownedCredential fetches a credential and checks it belongs to the calling
// user. Missing and foreign records are indistinguishable to the caller.
func ownedCredential(c *gin.Context, creds *credential.Store, kind credential.Kind, userID string) *credential.Record {
	rec, err := creds.Get(kind, c.Param("id"))
	if err != nil {
		logx.Errorf("Get credential %q: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve token"})
		return nil
	}
	if rec == nil || rec.OwnerID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
		return nil
	}
	return rec
}

// HandleListCLITokens handles GET /api/cli/tokens.
func HandleListCLITokens(creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := requireUser(c)
		if ac == nil {
			return
		}

		records, err := creds.List(credential.KindCLI, ac.UserID)
		if err != nil {
			logx.Errorf("List cli tokens(%q): %v", ac.UserID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tokens"})
			return
		}
		out := make([]credentialView, 0, len(records))
		for _, r := range records {
			out = append(out, viewOf(r))
		}
		c.JSON(http.StatusOK, out)
	}
}

// HandleDeleteCLIToken handles DELETE /api/cli/tokens/:id. Revoking the
// token a session is currently using logs that session out.
func HandleDeleteCLIToken(creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := requireUser(c)
		if ac == nil {
			return
		}
		rec := ownedCredential(c, creds, credential.KindCLI, ac.UserID)
		if rec == nil {
			return
		}

		if err := creds.Revoke(credential.KindCLI, rec.ID); err != nil {
			logx.Errorf("Revoke cli token %q: %v", rec.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	}
}

type createPATRequest struct {
	Name      string           `json:"name" binding:"required"`
	Scope     credential.Scope `json:"scope"`
	ExpiresAt *time.Time       `json:"expiresAt"`
}

// HandleCreatePAT handles POST /api/tokens. The response carries the token
// plaintext exactly once.
func HandleCreatePAT(creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := requireUser(c)
		if ac == nil {
			return
		}

		var req createPATRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expiresAt must be in the future"})
			return
		}

		token, rec, err := creds.Issue(credential.KindPAT, ac.UserID, credential.IssueOptions{
			Name:      req.Name,
			Scope:     req.Scope,
			ExpiresAt: req.ExpiresAt,
		})
		if err != nil {
			logx.Errorf("Issue pat(%q): %v", ac.UserID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{"token": token, "credential": viewOf(*rec)})
	}
}

// HandleListPATs handles GET /api/tokens.
func HandleListPATs(creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := requireUser(c)
		if ac == nil {
			return
		}

		records, err := creds.List(credential.KindPAT, ac.UserID)
		if err != nil {
			logx.Errorf("List pats(%q): %v", ac.UserID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tokens"})
			return
		}
		out := make([]credentialView, 0, len(records))
		for _, r := range records {
			out = append(out, viewOf(r))
		}
		c.JSON(http.StatusOK, out)
	}
}

// HandleRotatePAT handles POST /api/tokens/:id/rotate. The old token stops
// verifying the moment the new one is minted.
func HandleRotatePAT(creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := requireUser(c)
		if ac == nil {
			return
		}
		rec := ownedCredential(c, creds, credential.KindPAT, ac.UserID)
		if rec == nil {
			return
		}

		token, err := creds.Rotate(credential.KindPAT, rec.ID)
		if err != nil {
			if errors.Is(err, credential.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
				return
			}
			logx.Errorf("Rotate pat %q: %v", rec.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

// HandleRevokePAT handles DELETE /api/tokens/:id.
func HandleRevokePAT(creds *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := requireUser(c)
		if ac == nil {
			return
		}
		rec := ownedCredential(c, creds, credential.KindPAT, ac.UserID)
		if rec == nil {
			return
		}

		if err := creds.Revoke(credential.KindPAT, rec.ID); err != nil {
			logx.Errorf("Revoke pat %q: %v", rec.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	}
}
