package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/autostudy/pkg/api"
)

func isolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	for _, k := range []string{EnvToken, EnvCookie, EnvBaseURL, EnvHostToken, EnvRedisAddr} {
		t.Setenv(k, "")
	}
	return filepath.Join(dir, appName)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	isolateConfig(t)
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFileSecretsAndEnv(t *testing.T) {
	dir := isolateConfig(t)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	yml := `
platform:
  base_url: https://example.test
  settle_seconds: 25
run:
  subsection_delay: {min_seconds: 1, max_seconds: 2}
courses:
  - id: c-1
    name: First
  - id: c-2
chapter_range: {start: 2, end: 4}
host:
  addr: ":9000"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"), []byte("# creds\nAUTOSTUDY_TOKEN=file-token\nAUTOSTUDY_COOKIE=\"a=b\"\n"), 0o600))
	t.Setenv(EnvToken, "env-token")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "https://example.test", cfg.Platform.BaseURL)
	assert.Equal(t, 25.0, cfg.Platform.SettleSeconds)
	assert.Equal(t, 100, cfg.Platform.CatalogTimeoutSeconds, "unset fields keep defaults")
	assert.Equal(t, []api.Course{{ID: "c-1", Name: "First"}, {ID: "c-2"}}, cfg.Courses)
	assert.Equal(t, &api.RangeSpec{Start: 2, End: 4}, cfg.ChapterRange)
	assert.Equal(t, ":9000", cfg.Host.Addr)
	assert.Equal(t, "env-token", cfg.Credentials.Token)
	assert.Equal(t, "a=b", cfg.Credentials.Cookie)

	pc := cfg.Platform.Client()
	assert.Equal(t, 25*time.Second, pc.SettleDelay)
	assert.Equal(t, 100*time.Second, pc.CatalogTimeout)
	opts := cfg.Run.Options()
	assert.Equal(t, Delay{Min: time.Second, Max: 2 * time.Second}, opts.SubsectionDelay)
	assert.Equal(t, Delay{Min: 10 * time.Second, Max: 20 * time.Second}, opts.CourseCooldown)
}

func TestLoadConfigBadYAML(t *testing.T) {
	dir := isolateConfig(t)
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(path, []byte("platform: [unclosed"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfigKeepsCredentialsOut(t *testing.T) {
	isolateConfig(t)
	cfg := Defaults()
	cfg.Courses = []api.Course{{ID: "x"}}
	cfg.Credentials = api.Credentials{Token: "never-written", Cookie: "k=v"}
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveConfig(path, cfg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "never-written")

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Courses, loaded.Courses)
	assert.Empty(t, loaded.Credentials.Token)
}

func TestSaveCredentials(t *testing.T) {
	dir := isolateConfig(t)
	require.NoError(t, SaveSecretsEnv("", map[string]string{"OTHER": "keep"}))
	require.NoError(t, SaveCredentials("", api.Credentials{Token: "tok", Cookie: "c=1"}))

	secrets, err := LoadSecretsEnv(filepath.Join(dir, "secrets.env"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"OTHER": "keep", EnvToken: "tok", EnvCookie: "c=1"}, secrets)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, api.Credentials{Token: "tok", Cookie: "c=1"}, cfg.Credentials)
}

func TestValidate(t *testing.T) {
	mutate := []struct {
		name  string
		apply func(c *Config)
		field string
	}{
		{"relative url", func(c *Config) { c.Platform.BaseURL = "/api" }, "platform.base_url"},
		{"negative timeout", func(c *Config) { c.Platform.RecordTimeoutSeconds = -1 }, "platform.record_timeout_seconds"},
		{"negative settle", func(c *Config) { c.Platform.SettleSeconds = -3 }, "platform.settle_seconds"},
		{"inverted delay", func(c *Config) { c.Run.CourseCooldown = DelayConfig{MinSeconds: 5, MaxSeconds: 1} }, "run.course_cooldown"},
		{"blank course", func(c *Config) { c.Courses = []api.Course{{ID: " "}} }, "courses[0].id"},
		{"bad range", func(c *Config) { c.SubsectionRange = &api.RangeSpec{Start: 0} }, "subsection_range"},
		{"half tls", func(c *Config) { c.Host.TLSCert = "cert.pem" }, "host.tls_cert"},
		{"ca without tls", func(c *Config) { c.Host.ClientCA = "ca.pem" }, "host.client_ca"},
	}
	for _, m := range mutate {
		t.Run(m.name, func(t *testing.T) {
			cfg := Defaults()
			m.apply(&cfg)
			var verr ValidationError
			err := cfg.Validate()
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, m.field, verr.Field)
		})
	}
}

func TestMasked(t *testing.T) {
	cfg := Defaults()
	cfg.Credentials = api.Credentials{Token: "abcdefghijkl", Cookie: "short"}
	cfg.Host.Token = ""
	m := cfg.Masked()
	assert.Equal(t, "abcd****", m.Credentials.Token)
	assert.Equal(t, "****", m.Credentials.Cookie)
	assert.Equal(t, "", m.Host.Token)
	assert.Equal(t, "abcdefghijkl", cfg.Credentials.Token, "original untouched")
}

func TestRequestIsSnapshot(t *testing.T) {
	cfg := Defaults()
	cfg.Courses = []api.Course{{ID: "a"}}
	cfg.ChapterRange = &api.RangeSpec{Start: 1, End: 2}
	req := cfg.Request()
	cfg.Courses[0].ID = "changed"
	cfg.ChapterRange.End = 9
	assert.Equal(t, "a", req.Courses[0].ID)
	assert.Equal(t, 2, req.ChapterRange.End)
}
