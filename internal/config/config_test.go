package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, 24*time.Hour, cfg.Consent.DefaultTTL)
	assert.Equal(t, "file", cfg.Vault.DefaultCategory)
	assert.Contains(t, cfg.Vault.Catalog["email"], "email_*")
	assert.Equal(t, "sqlite", cfg.Revocation.Backend)
	assert.Equal(t, 3, cfg.Workflow.Generation.MaxAttempts)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  addr: 0.0.0.0:9000
  execute_wait: 3s
workflow:
  workers: 8
webhooks:
  - url: http://127.0.0.1:9999/hook
    events: ["run.*"]
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.ExecuteWait)
	assert.Equal(t, 8, cfg.Workflow.Workers)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"run.*"}, cfg.Webhooks[0].Events)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"base path":         "server:\n  base_path: api\n",
		"max below default": "consent:\n  default_ttl: 48h\n  max_ttl: 1h\n",
		"unknown category":  "vault:\n  catalog:\n    photos: [\"img_*\"]\n",
		"bad glob":          "vault:\n  catalog:\n    email: [\"[\"]\n",
		"backend":           "revocation:\n  backend: memcached\n",
		"provider":          "llm:\n  provider: other\n",
		"webhook url":       "webhooks:\n  - events: [\"run.*\"]\n",
		"log format":        "logging:\n  format: xml\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)

	_, err = Load(dir)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "hushh config init"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "hushh.yml"), []byte("server:\n  addr: 127.0.0.1:7000\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
}

func TestSecrets(t *testing.T) {
	cfg := Default()
	t.Setenv("HUSHH_SECRET_KEY", "short")
	_, err := cfg.SecretKey()
	require.Error(t, err)
	t.Setenv("HUSHH_SECRET_KEY", strings.Repeat("s", 32))
	key, err := cfg.SecretKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	t.Setenv("HUSHH_VAULT_KEY", "zz")
	_, err = cfg.VaultMasterKey()
	require.Error(t, err)
	t.Setenv("HUSHH_VAULT_KEY", strings.Repeat("ab", 32))
	master, err := cfg.VaultMasterKey()
	require.NoError(t, err)
	assert.Len(t, master, 32)
}
