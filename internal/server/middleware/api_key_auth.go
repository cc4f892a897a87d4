package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/agentgate/agentgate/internal/pkg/ctxkey"
	"github.com/agentgate/agentgate/internal/pkg/logger"
	"github.com/agentgate/agentgate/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IdentityKey is the gin context key holding the authenticated identity.
const IdentityKey = "auth_identity"

// touchFlushDelay coalesces credential last-used flushes behind the timing
// wheel so the auth hot path never waits on the write.
const touchFlushDelay = 2 * time.Second

// APIKeyAuthMiddleware authenticates data- and management-plane requests.
type APIKeyAuthMiddleware gin.HandlerFunc

func NewAPIKeyAuthMiddleware(credentialService *service.CredentialService, timer *service.TimerService) APIKeyAuthMiddleware {
	return APIKeyAuthMiddleware(APIKeyAuth(credentialService, timer))
}

// APIKeyAuth resolves the API key to a tenant identity and stores it in the
// request context. Every authentication failure maps to the same 401 so the
// response does not reveal whether a key exists.
func APIKeyAuth(credentialService *service.CredentialService, timer *service.TimerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := extractAPIKey(c)
		if apiKey == "" {
			abortWithAuthError(c, service.ErrInvalidAPIKey)
			return
		}

		identity, err := credentialService.Authenticate(c.Request.Context(), apiKey)
		if err != nil {
			if !errors.Is(err, service.ErrInvalidAPIKey) {
				logger.FromContext(c.Request.Context()).Error("credential auth failed", zap.Error(err))
			}
			abortWithAuthError(c, err)
			return
		}

		scheduleLastUsedTouch(credentialService, timer, identity.CredentialID)

		ctx := context.WithValue(c.Request.Context(), ctxkey.TenantID, identity.TenantID)
		ctx = context.WithValue(ctx, ctxkey.CredentialID, identity.CredentialID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// IdentityFromGin returns the identity stored by APIKeyAuth, or nil when the
// request did not pass through it.
func IdentityFromGin(c *gin.Context) *service.Identity {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return nil
	}
	identity, _ := v.(*service.Identity)
	return identity
}

// extractAPIKey reads the key from Authorization: Bearer or X-API-Key.
func extractAPIKey(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if k := strings.TrimSpace(parts[1]); k != "" {
				return k
			}
		}
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}

// scheduleLastUsedTouch records credential activity off the request path.
// The touch is best-effort: losing one under a crash only skews a timestamp.
func scheduleLastUsedTouch(credentialService *service.CredentialService, timer *service.TimerService, credentialID string) {
	if credentialID == "" {
		return
	}
	flush := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := credentialService.TouchLastUsed(ctx, credentialID); err != nil {
			logger.L().Warn("credential last-used touch failed",
				zap.String("credential_id", credentialID), zap.Error(err))
		}
	}
	if timer != nil {
		timer.Schedule("credential_touch:"+credentialID, touchFlushDelay, flush)
		return
	}
	go flush()
}

func abortWithAuthError(c *gin.Context, err error) {
	status := http.StatusUnauthorized
	code := "INVALID_API_KEY"
	message := "invalid api key"
	if err != nil && !errors.Is(err, service.ErrInvalidAPIKey) {
		status = http.StatusInternalServerError
		code = "INTERNAL_ERROR"
		message = "failed to validate api key"
	}
	c.AbortWithStatusJSON(status, gin.H{
		"code":      code,
		"message":   message,
		"requestId": RequestIDFromContext(c.Request.Context()),
	})
}
