package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/keyvault-sh/keyvault/internal/credential"
	"github.com/keyvault-sh/keyvault/internal/deviceauth"
	"github.com/keyvault-sh/keyvault/internal/logx"
)

// HandleCreateDeviceCode handles POST /api/cli/device-code. Unauthenticated:
// this is the first step of a CLI login.
func HandleCreateDeviceCode(devices *deviceauth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := devices.GenerateDeviceCode()
		if err != nil {
			logx.Errorf("GenerateDeviceCode: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start device login"})
			return
		}
		c.JSON(http.StatusCreated, info)
	}
}

// HandlePollDeviceCode handles GET /api/cli/device-code/:deviceCode.
// Unauthenticated; knowledge of the device code is the credential here. The
// poll that first sees "approved" receives the token; it is gone afterwards.
func HandlePollDeviceCode(devices *deviceauth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := devices.PollStatus(c.Param("deviceCode"))
		if err != nil {
			logx.Errorf("PollStatus: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to poll device code"})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

type authorizeDeviceCodeRequest struct {
	TokenName string `json:"tokenName"`
}

// HandleAuthorizeDeviceCode handles POST /api/cli/device-code/:userCode/authorize.
// The approving browser session must itself be authenticated as a user.
func HandleAuthorizeDeviceCode(devices *deviceauth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := requireUser(c)
		if ac == nil {
			return
		}

		var req authorizeDeviceCodeRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		err := devices.Authorize(c.Param("userCode"), ac.UserID, req.TokenName)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "authorized"})
		case errors.Is(err, deviceauth.ErrInvalidCode):
			c.JSON(http.StatusNotFound, gin.H{"error": "device code not found"})
		case errors.Is(err, deviceauth.ErrCodeExpired):
			c.JSON(http.StatusBadRequest, gin.H{"error": "device code expired"})
		case errors.Is(err, deviceauth.ErrAlreadyUsed):
			c.JSON(http.StatusConflict, gin.H{"error": "device code already used"})
		default:
			logx.Errorf("Authorize(%q): %v", c.Param("userCode"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to authorize device code"})
		}
	}
}

// HandleProfile handles GET /api/cli/profile: who the calling credential is.
func HandleProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := Auth(c)
		if ac == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}

		resp := gin.H{"kind": ac.Kind, "last4": ac.Credential.Last4}
		if ac.Kind == credential.KindAPIKey {
			resp["projectId"] = ac.ProjectID
		} else {
			resp["userId"] = ac.UserID
		}
		if ac.Credential.Name != "" {
			resp["name"] = ac.Credential.Name
		}
		c.JSON(http.StatusOK, resp)
	}
}
