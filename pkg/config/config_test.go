package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tqbf/deploysync/pkg/manifest"
	"github.com/tqbf/deploysync/pkg/retry"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.Hash.Concurrency)
	assert.Equal(t, 10, cfg.Upload.Concurrency)
	assert.Equal(t, manifest.SHA256, cfg.Algorithm())
	assert.Equal(t, retry.DefaultPolicy(), cfg.RetryPolicy())
	assert.Equal(t, 20*time.Minute, cfg.Deploy.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Upload.AttemptTimeout)
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("SITE_FROM_ENV", "blog")
	p := writeFile(t, "deploysync.yaml", `
site: ${SITE_FROM_ENV}
dir: public
exclude:
  - "*.map"
  - drafts/
hash:
  algorithm: sha1
upload:
  concurrency: 4
  max_attempts: 3
  base_delay: 250ms
  retry_client_errors: true
deploy:
  poll_interval: 2s
  timeout: 5m
`)
	cfg, err := Load(p, false)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "blog", cfg.Site)
	assert.Equal(t, "public", cfg.Dir)
	assert.Equal(t, []string{"*.map", "drafts/"}, cfg.Exclude)
	assert.Equal(t, manifest.SHA1, cfg.Algorithm())
	assert.Equal(t, 4, cfg.Upload.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Upload.BaseDelay)
	assert.Equal(t, 90*time.Second, cfg.Upload.MaxDelay)
	assert.True(t, cfg.Upload.RetryClientErrors)
	assert.Equal(t, 2*time.Second, cfg.Deploy.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Deploy.Timeout)
	assert.Equal(t, 100, cfg.Hash.Concurrency)

	f, err := cfg.Filter()
	require.NoError(t, err)
	assert.True(t, f("index.html"))
	assert.False(t, f("app.js.map"))
	assert.False(t, f("drafts"))
	assert.False(t, f(".git"))
}

func TestLoadOptionalMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), true)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "nope.yaml"), false)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, "deploysync.yaml", "uplaod:\n  concurrency: 3\n")
	_, err := Load(p, false)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	envFile := writeFile(t, ".env", `
DEPLOYSYNC_SITE=from-dotenv
DEPLOYSYNC_UPLOAD_CONCURRENCY=2
UNRELATED=1
`)
	t.Setenv("DEPLOYSYNC_UPLOAD_CONCURRENCY", "7")
	t.Setenv("DEPLOYSYNC_TIMEOUT", "90s")
	t.Setenv("DEPLOYSYNC_UPLOAD_ATTEMPT_TIMEOUT", "45s")
	t.Setenv("DEPLOYSYNC_EXCLUDE", "*.tmp, cache/")

	env, err := Environ(envFile)
	require.NoError(t, err)
	assert.NotContains(t, env, "UNRELATED")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(env))
	assert.Equal(t, "from-dotenv", cfg.Site)
	assert.Equal(t, 7, cfg.Upload.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Deploy.Timeout)
	assert.Equal(t, 45*time.Second, cfg.Upload.AttemptTimeout)
	assert.Equal(t, []string{"*.tmp", "cache/"}, cfg.Exclude)
}

func TestEnvMissingFileIgnored(t *testing.T) {
	_, err := Environ(filepath.Join(t.TempDir(), ".env"))
	assert.NoError(t, err)
}

func TestEnvBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(map[string]string{
		"DEPLOYSYNC_SYNC_LIMIT":    "lots",
		"DEPLOYSYNC_POLL_INTERVAL": "soon",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEPLOYSYNC_SYNC_LIMIT")
	assert.Contains(t, err.Error(), "DEPLOYSYNC_POLL_INTERVAL")
}

func TestValidateRejects(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"hash concurrency":   func(c *Config) { c.Hash.Concurrency = 0 },
		"algorithm":          func(c *Config) { c.Hash.Algorithm = "md5" },
		"upload concurrency": func(c *Config) { c.Upload.Concurrency = -1 },
		"attempts":           func(c *Config) { c.Upload.MaxAttempts = 0 },
		"backoff":            func(c *Config) { c.Upload.Backoff = "random" },
		"poll":               func(c *Config) { c.Deploy.PollInterval = 0 },
		"timeout":            func(c *Config) { c.Deploy.Timeout = 0 },
		"upload timeout":     func(c *Config) { c.Upload.AttemptTimeout = -time.Second },
		"sync limit":         func(c *Config) { c.Deploy.SyncLimit = 0 },
		"exclude":            func(c *Config) { c.Exclude = []string{"a/**/b/**"} },
	} {
		cfg := Default()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestWriteOmitsToken(t *testing.T) {
	cfg := Default()
	cfg.Token = "secret"
	var buf bytes.Buffer
	require.NoError(t, cfg.Write(&buf))
	assert.NotContains(t, buf.String(), "secret")
	assert.Contains(t, buf.String(), "sync_limit: 100")
}
