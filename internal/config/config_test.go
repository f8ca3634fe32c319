package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const siteYAML = `
site: site-a
default_provider: local
providers:
  local:
    provider_class: dfm.FsspecProvider
    cache_fsspec_conf:
      protocol: file
      base_url: /data/site-a
    interface:
      dfm.api.dfm.ListTextureFiles: {"subfolder": "textures"}
`

const secretsYAML = `
local:
  api_key: shh
`

func writeTemp(t *testing.T, dir, name, contents string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o600))
	return p
}

func TestLoadReadsSiteConfigAndSecrets(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTemp(t, dir, "site.yaml", siteYAML)
	secretsPath := writeTemp(t, dir, "secrets.yaml", secretsYAML)

	cfg, err := Load(cfgPath, secretsPath)
	require.NoError(t, err)

	assert.Equal(t, "site-a", cfg.Site.Site)
	assert.Equal(t, "local", cfg.Site.DefaultProvider)
	assert.Contains(t, cfg.Site.Providers, "local")
	assert.Equal(t, "shh", cfg.Secrets["local"]["api_key"])
}

func TestLoadWithoutSecretsIsLegal(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTemp(t, dir, "site.yaml", siteYAML)

	cfg, err := Load(cfgPath, "")
	require.NoError(t, err)
	assert.Nil(t, cfg.Secrets)
}

func TestValidateRejectsMissingSiteName(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownDefaultProvider(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTemp(t, dir, "site.yaml", siteYAML)
	cfg, err := Load(cfgPath, "")
	require.NoError(t, err)

	cfg.Site.DefaultProvider = "missing"
	assert.Error(t, cfg.Validate())
}

func TestLoadFromEnvAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTemp(t, dir, "site.yaml", siteYAML)

	t.Setenv("K8S_EXECUTE_SITE_CONFIG", cfgPath)
	t.Setenv("K8S_EXECUTE_SITE_SECRETS", "")
	t.Setenv("K8S_EXECUTE_REDIS_HOST", "")
	t.Setenv("K8S_EXECUTE_REDIS_PORT", "")
	t.Setenv("SERVICE_LOGGING_LEVEL", "")
	t.Setenv("DFM_AUTH_METHOD", "api_key")
	t.Setenv("DFM_AUTH_API_KEY", "topsecret")

	cfg, err := LoadFromEnv(Execute)
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "info", cfg.LoggingLevel)
	assert.True(t, cfg.LoggingEnableJSON)
	assert.Equal(t, "api_key", cfg.AuthMethod)
	assert.Equal(t, "topsecret", cfg.AuthAPIKey)
}
