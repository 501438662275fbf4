package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeward/edgeward/internal/models"
)

func TestDNSConfigHandler_RedactsAndPreservesSecrets(t *testing.T) {
	st, _ := setupStore(t)
	r, api := newRouter()
	NewDNSConfigHandler(st).RegisterRoutes(api)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/dns-configs", map[string]interface{}{
		"name":        "cf",
		"provider":    "cloudflare",
		"credentials": map[string]string{"api_token": "super-secret"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "super-secret")
	var created models.DNSConfig
	decode(t, env.Data, &created)
	assert.Equal(t, "********", created.Credentials["api_token"])

	w, _ = doJSON(t, r, http.MethodPut, "/api/v1/dns-configs/"+created.UUID, map[string]interface{}{
		"name":        "cloudflare main",
		"provider":    "cloudflare",
		"credentials": map[string]string{"api_token": "********"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stored, err := st.GetDNSConfig(context.Background(), created.UUID)
	require.NoError(t, err)
	assert.Equal(t, "super-secret", stored.Credentials["api_token"])
	assert.Equal(t, "cloudflare main", stored.Name)

	w, env = doJSON(t, r, http.MethodGet, "/api/v1/dns-configs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, string(env.Data), "super-secret")
}

func TestDNSConfigHandler_DeleteInUse(t *testing.T) {
	st, _ := setupStore(t)
	r, api := newRouter()
	NewDNSConfigHandler(st).RegisterRoutes(api)
	ctx := context.Background()

	cfg := &models.DNSConfig{Name: "manual", Provider: models.DNSProviderManual}
	require.NoError(t, st.PutDNSConfig(ctx, cfg))
	host := &models.ProxyHost{
		Domain: "*.example.com", Target: "http://10.0.0.5", Enabled: true,
		SSLChallengeType: models.ChallengeDNS, DNSConfigID: &cfg.ID,
	}
	require.NoError(t, st.PutHost(ctx, host))

	w, _ := doJSON(t, r, http.MethodDelete, "/api/v1/dns-configs/"+cfg.UUID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	_, err := st.DeleteHost(ctx, host.UUID)
	require.NoError(t, err)
	w, _ = doJSON(t, r, http.MethodDelete, "/api/v1/dns-configs/"+cfg.UUID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = doJSON(t, r, http.MethodDelete, "/api/v1/dns-configs/"+cfg.UUID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/api/v1/dns-configs", map[string]interface{}{"name": "x", "provider": "route66"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
