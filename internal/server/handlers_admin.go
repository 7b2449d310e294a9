package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"turbotaai/apps/backend/internal/access"
	"turbotaai/apps/backend/internal/identity"
)

const adminTokenHeader = "X-Admin-Token"

// adminResetGrant hard-deletes one grant. The route does not exist unless an
// admin token is configured.
func (a *App) adminResetGrant(c *gin.Context) {
	expected := strings.TrimSpace(a.cfg.AdminToken)
	if expected == "" {
		writeError(c, http.StatusNotFound, "Not found")
		return
	}
	provided := strings.TrimSpace(c.GetHeader(adminTokenHeader))
	if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		writeError(c, http.StatusUnauthorized, "Invalid admin token")
		return
	}

	var payload resetGrantRequest
	if !mustJSON(c, &payload) {
		return
	}
	key := resetKey(payload)
	if key == "" {
		writeError(c, http.StatusBadRequest, "identity_key, device_id or user_id is required")
		return
	}

	deleted, err := access.ResetGrant(c.Request.Context(), a.grants, key)
	if err != nil {
		writeAccessError(c, "admin reset grant", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identity_key": key,
		"deleted":      deleted,
	})
}

func resetKey(payload resetGrantRequest) string {
	switch {
	case strings.TrimSpace(payload.IdentityKey) != "":
		return strings.TrimSpace(payload.IdentityKey)
	case strings.TrimSpace(payload.DeviceID) != "":
		return identity.HashDeviceID(strings.TrimSpace(payload.DeviceID))
	case strings.TrimSpace(payload.UserID) != "":
		return access.AccountKey(payload.UserID)
	}
	return ""
}
