// Package http wires the gin routes and authentication middleware for the
// reporting and admin surface.
package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/chatforge/creditledger/internal/models"
	"github.com/chatforge/creditledger/internal/security"
	"github.com/chatforge/creditledger/internal/util"
)

// workspaceIDKey is the gin context key carrying the authenticated workspace.
const workspaceIDKey = "workspaceID"

// APIKeyAuth authenticates workspace callers by bearer API key and binds the
// authenticated workspace into the request context.
func APIKeyAuth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}

		var key models.APIKey
		errFind := db.WithContext(c.Request.Context()).
			Where("prefix = ? AND is_enabled = ?", security.APIKeyPrefix(token), true).
			Take(&key).Error
		if errFind != nil || !security.CheckAPIKey(key.SecretHash, token) {
			log.WithField("key", util.HideAPIKey(token)).Debug("api key rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}

		now := time.Now().UTC()
		_ = db.WithContext(c.Request.Context()).
			Model(&models.APIKey{}).
			Where("id = ?", key.ID).
			Update("last_used_at", now).Error

		c.Set(workspaceIDKey, key.WorkspaceID)
		c.Next()
	}
}

// RequireWorkspace rejects requests whose authenticated workspace does not
// match the :id path parameter.
func RequireWorkspace() gin.HandlerFunc {
	return func(c *gin.Context) {
		authed, _ := c.Get(workspaceIDKey)
		if authed != c.Param("id") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "workspace mismatch"})
			return
		}
		c.Next()
	}
}

// AdminJWTAuth authenticates platform operators by bearer JWT.
func AdminJWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		if _, errParse := security.ParseAdminToken(secret, token); errParse != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// bearerToken extracts a bearer credential from the Authorization header.
func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
