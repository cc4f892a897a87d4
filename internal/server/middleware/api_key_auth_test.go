//go:build unit

package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/domain"
	"github.com/agentgate/agentgate/internal/pkg/ctxkey"
	"github.com/agentgate/agentgate/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCredentialRepo struct {
	getByKeyHashForAuth func(ctx context.Context, keyHash string) (*service.Credential, error)
	updates             int32
}

func (f *fakeCredentialRepo) GetByKeyHashForAuth(ctx context.Context, keyHash string) (*service.Credential, error) {
	if f.getByKeyHashForAuth == nil {
		return nil, service.ErrCredentialNotFound
	}
	return f.getByKeyHashForAuth(ctx, keyHash)
}

func (f *fakeCredentialRepo) Create(context.Context, *service.Credential) error { return nil }

func (f *fakeCredentialRepo) UpdateLastUsed(context.Context, string, time.Time) error {
	atomic.AddInt32(&f.updates, 1)
	return nil
}

func authRouter(repo service.CredentialRepository) *gin.Engine {
	credentialSvc := service.NewCredentialService(repo, nil, &config.Config{})
	r := gin.New()
	r.Use(APIKeyAuth(credentialSvc, nil))
	r.GET("/probe", func(c *gin.Context) {
		identity := IdentityFromGin(c)
		if identity == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "identity missing"})
			return
		}
		tenantID, _ := c.Request.Context().Value(ctxkey.TenantID).(string)
		c.JSON(http.StatusOK, gin.H{
			"tenant_id":     tenantID,
			"credential_id": identity.CredentialID,
		})
	})
	return r
}

func validCredential(keyHash string) *service.Credential {
	return &service.Credential{
		ID:       "cred-1",
		TenantID: "t1",
		KeyHash:  keyHash,
		Name:     "prod",
		Status:   domain.StatusActive,
		Tenant:   &service.Tenant{ID: "t1", Name: "acme", Status: domain.StatusActive},
	}
}

func TestAPIKeyAuth_BearerHeader(t *testing.T) {
	const apiKey = "ag-good"
	repo := &fakeCredentialRepo{
		getByKeyHashForAuth: func(_ context.Context, keyHash string) (*service.Credential, error) {
			if keyHash != service.HashKey(apiKey) {
				return nil, service.ErrCredentialNotFound
			}
			return validCredential(keyHash), nil
		},
	}
	r := authRouter(repo)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "t1", body["tenant_id"])
	require.Equal(t, "cred-1", body["credential_id"])
}

func TestAPIKeyAuth_XAPIKeyHeader(t *testing.T) {
	const apiKey = "ag-good"
	repo := &fakeCredentialRepo{
		getByKeyHashForAuth: func(_ context.Context, keyHash string) (*service.Credential, error) {
			return validCredential(keyHash), nil
		},
	}
	r := authRouter(repo)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("X-API-Key", apiKey)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuth_MissingKey(t *testing.T) {
	r := authRouter(&fakeCredentialRepo{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "INVALID_API_KEY", body["code"])
}

func TestAPIKeyAuth_UnknownAndDisabledKeysLookAlike(t *testing.T) {
	disabledHash := service.HashKey("ag-disabled")
	repo := &fakeCredentialRepo{
		getByKeyHashForAuth: func(_ context.Context, keyHash string) (*service.Credential, error) {
			if keyHash == disabledHash {
				cred := validCredential(keyHash)
				cred.Status = domain.StatusDisabled
				return cred, nil
			}
			return nil, service.ErrCredentialNotFound
		},
	}
	r := authRouter(repo)

	for _, key := range []string{"ag-unknown", "ag-disabled"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		req.Header.Set("Authorization", "Bearer "+key)
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusUnauthorized, w.Code, "key %q", key)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Equal(t, "INVALID_API_KEY", body["code"], "key %q", key)
	}
}

func TestAPIKeyAuth_StoreErrorIs500(t *testing.T) {
	repo := &fakeCredentialRepo{
		getByKeyHashForAuth: func(context.Context, string) (*service.Credential, error) {
			return nil, context.DeadlineExceeded
		},
	}
	r := authRouter(repo)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer ag-any")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "INTERNAL_ERROR", body["code"])
}

func TestExtractAPIKey_BearerWinsOverXAPIKey(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set("Authorization", "Bearer from-bearer")
	c.Request.Header.Set("X-API-Key", "from-x-api-key")
	require.Equal(t, "from-bearer", extractAPIKey(c))

	c.Request.Header.Del("Authorization")
	require.Equal(t, "from-x-api-key", extractAPIKey(c))

	c.Request.Header.Set("Authorization", "Basic dXNlcg==")
	require.Equal(t, "from-x-api-key", extractAPIKey(c))
}
