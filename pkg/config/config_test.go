package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "fs", cfg.StorageBackend)
	assert.Equal(t, "file", cfg.LedgerBackend)
	assert.Equal(t, 10*time.Second, cfg.BridgeTimeout)
	assert.Equal(t, 2, cfg.BridgeRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.BridgeBackoff)
	assert.Equal(t, int64(10<<20), cfg.MaxBodyBytes)
	assert.True(t, cfg.DynamicEnable)
	assert.Equal(t, 30*time.Second, cfg.DynamicTTL)
	assert.Empty(t, cfg.EnforceRoutes)
	assert.Nil(t, cfg.ReceiptRedact)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ODIN_STORAGE_BACKEND", "memory")
	t.Setenv("ODIN_ENFORCE_ROUTES", "/v1/translate, /v1/bridge")
	t.Setenv("ODIN_SIGN_ROUTES", "/v1/translate")
	t.Setenv("ODIN_SIGN_EMBED", "true")
	t.Setenv("ODIN_BRIDGE_TIMEOUT_MS", "2500")
	t.Setenv("ODIN_TENANT_RATE_QPS", "7.5")
	t.Setenv("ODIN_BRIDGE_TARGETS", "beta=http://beta.internal:9000,gamma=http://gamma.internal:9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StorageBackend)
	assert.Equal(t, []string{"/v1/translate", "/v1/bridge"}, cfg.EnforceRoutes)
	assert.True(t, cfg.SignEmbed)
	assert.Equal(t, 2500*time.Millisecond, cfg.BridgeTimeout)
	assert.Equal(t, 7.5, cfg.TenantRateQPS)
	assert.Equal(t, "http://beta.internal:9000", cfg.BridgeTargets["beta"])
}

func TestLoad_MalformedNumberFails(t *testing.T) {
	t.Setenv("ODIN_BRIDGE_RETRIES", "many")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_MalformedBridgeTargetFails(t *testing.T) {
	t.Setenv("ODIN_BRIDGE_TARGETS", "beta")
	_, err := Load()
	require.Error(t, err)
}

func TestParseRedactList(t *testing.T) {
	out, err := ParseRedactList("api_key,ssn")
	require.NoError(t, err)
	assert.Equal(t, []string{"api_key", "ssn"}, out)

	out, err = ParseRedactList("")
	require.NoError(t, err)
	assert.Nil(t, out)

	// Strict parse: empty elements and malformed names fail loud.
	_, err = ParseRedactList("api_key,,ssn")
	require.Error(t, err)
	_, err = ParseRedactList("api key")
	require.Error(t, err)
}
