package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NODE_ENV", "development")
	t.Setenv("PERPSYNC_CONFIG", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3001, cfg.Port)
	assert.True(t, cfg.Development)
	assert.True(t, cfg.Store.Development)
	assert.True(t, cfg.Governor.DevMode)
	assert.Equal(t, "https://open-api.bingx.com", cfg.Exchange.BaseURL)
}

func TestLoadRequiresDatabaseInProduction(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	t.Setenv("PERPSYNC_CONFIG", "")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	t.Setenv("PERPSYNC_CONFIG", "")
	t.Setenv("DATABASE_URL", "postgres://app:pw@db:5432/perps")
	t.Setenv("DEMO_MODE", "true")
	t.Setenv("BINGX_API_KEY", "key")
	t.Setenv("BINGX_SECRET_KEY", "secret")
	t.Setenv("FRONTEND_URL", "https://app.example.com")
	t.Setenv("PORT", "8080")
	t.Setenv("AUTO_START_BOT", "yes")
	t.Setenv("LOG_DIR", "/var/log/perpsync")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:pw@db:5432/perps", cfg.Store.DSN)
	assert.True(t, cfg.Exchange.Demo)
	assert.True(t, cfg.HasCredentials())
	assert.Equal(t, "https://app.example.com", cfg.FrontendURL)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.AutoStartBot)
	assert.Equal(t, "/var/log/perpsync", cfg.Log.Dir)
	assert.False(t, cfg.Development)
	require.NoError(t, cfg.Validate())
}

func TestYamlOverlayThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perpsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 4000\nfrontend_url: https://yaml.example.com\n"), 0o644))

	t.Setenv("NODE_ENV", "development")
	t.Setenv("PERPSYNC_CONFIG", path)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "5000")
	t.Setenv("FRONTEND_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Port, "env beats yaml")
	assert.Equal(t, "https://yaml.example.com", cfg.FrontendURL)
}

func TestValidateAutoStartNeedsCredentials(t *testing.T) {
	cfg := Default()
	cfg.AutoStartBot = true
	require.Error(t, cfg.Validate())

	cfg.Exchange.APIKey = "k"
	cfg.Exchange.SecretKey = "s"
	require.NoError(t, cfg.Validate())
}
