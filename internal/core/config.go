package core

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/autostudy/internal/platform"
	"github.com/3cpo-dev/autostudy/pkg/api"
)

const appName = "autostudy"

// Config is the on-disk configuration. Credentials never live in the YAML
// file; they come from secrets.env or the environment.
type Config struct {
	Platform        PlatformConfig  `yaml:"platform" json:"platform"`
	Run             RunConfig       `yaml:"run" json:"run"`
	Credentials     api.Credentials `yaml:"-" json:"credentials"`
	Courses         []api.Course    `yaml:"courses,omitempty" json:"courses"`
	ChapterRange    *api.RangeSpec  `yaml:"chapter_range,omitempty" json:"chapter_range,omitempty"`
	SubsectionRange *api.RangeSpec  `yaml:"subsection_range,omitempty" json:"subsection_range,omitempty"`
	Host            HostConfig      `yaml:"host" json:"host"`
	Store           StoreConfig     `yaml:"store" json:"store"`
	Telemetry       TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Redis           RedisConfig     `yaml:"redis" json:"redis"`
}

type PlatformConfig struct {
	BaseURL               string  `yaml:"base_url" json:"base_url"`
	UserAgent             string  `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
	ProbeTimeoutSeconds   int     `yaml:"probe_timeout_seconds" json:"probe_timeout_seconds"`
	CatalogTimeoutSeconds int     `yaml:"catalog_timeout_seconds" json:"catalog_timeout_seconds"`
	RecordTimeoutSeconds  int     `yaml:"record_timeout_seconds" json:"record_timeout_seconds"`
	ConfirmTimeoutSeconds int     `yaml:"confirm_timeout_seconds" json:"confirm_timeout_seconds"`
	SettleSeconds         float64 `yaml:"settle_seconds" json:"settle_seconds"`
	MinIntervalMillis     int     `yaml:"min_interval_ms" json:"min_interval_ms"`
	Proxy                 string  `yaml:"proxy,omitempty" json:"proxy,omitempty"`
}

// DelayConfig is a closed range of seconds.
type DelayConfig struct {
	MinSeconds float64 `yaml:"min_seconds" json:"min_seconds"`
	MaxSeconds float64 `yaml:"max_seconds" json:"max_seconds"`
}

type RunConfig struct {
	SubsectionDelay DelayConfig `yaml:"subsection_delay" json:"subsection_delay"`
	CourseCooldown  DelayConfig `yaml:"course_cooldown" json:"course_cooldown"`
}

type HostConfig struct {
	Addr              string `yaml:"addr" json:"addr"`
	Token             string `yaml:"token,omitempty" json:"token,omitempty"`
	TLSCert           string `yaml:"tls_cert,omitempty" json:"tls_cert,omitempty"`
	TLSKey            string `yaml:"tls_key,omitempty" json:"tls_key,omitempty"`
	ClientCA          string `yaml:"client_ca,omitempty" json:"client_ca,omitempty"`
	SessionTTLSeconds int    `yaml:"session_ttl_seconds" json:"session_ttl_seconds"`
}

type StoreConfig struct {
	// Path of the SQLite run history; empty uses the config directory.
	Path     string `yaml:"path,omitempty" json:"path,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

type TelemetryConfig struct {
	Enabled      bool `yaml:"enabled" json:"enabled"`
	FlushSeconds int  `yaml:"flush_seconds" json:"flush_seconds"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
	Channel  string `yaml:"channel,omitempty" json:"channel,omitempty"`
}

// Defaults returns a configuration that drives the live platform.
func Defaults() Config {
	pc := platform.DefaultConfig()
	opts := DefaultOptions()
	return Config{
		Platform: PlatformConfig{
			BaseURL:               pc.BaseURL,
			ProbeTimeoutSeconds:   int(pc.ProbeTimeout / time.Second),
			CatalogTimeoutSeconds: int(pc.CatalogTimeout / time.Second),
			RecordTimeoutSeconds:  int(pc.RecordTimeout / time.Second),
			ConfirmTimeoutSeconds: int(pc.ConfirmTimeout / time.Second),
			SettleSeconds:         pc.SettleDelay.Seconds(),
		},
		Run: RunConfig{
			SubsectionDelay: DelayConfig{MinSeconds: opts.SubsectionDelay.Min.Seconds(), MaxSeconds: opts.SubsectionDelay.Max.Seconds()},
			CourseCooldown:  DelayConfig{MinSeconds: opts.CourseCooldown.Min.Seconds(), MaxSeconds: opts.CourseCooldown.Max.Seconds()},
		},
		Host:      HostConfig{Addr: "127.0.0.1:5000", SessionTTLSeconds: 30},
		Telemetry: TelemetryConfig{Enabled: true, FlushSeconds: 60},
		Redis:     RedisConfig{Channel: "autostudy:events"},
	}
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	u, err := url.Parse(c.Platform.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ValidationError{Field: "platform.base_url", Value: c.Platform.BaseURL, Message: "must be an absolute URL"}
	}
	for field, v := range map[string]int{
		"platform.probe_timeout_seconds":   c.Platform.ProbeTimeoutSeconds,
		"platform.catalog_timeout_seconds": c.Platform.CatalogTimeoutSeconds,
		"platform.record_timeout_seconds":  c.Platform.RecordTimeoutSeconds,
		"platform.confirm_timeout_seconds": c.Platform.ConfirmTimeoutSeconds,
		"platform.min_interval_ms":         c.Platform.MinIntervalMillis,
		"host.session_ttl_seconds":         c.Host.SessionTTLSeconds,
	} {
		if v < 0 {
			return ValidationError{Field: field, Value: fmt.Sprint(v), Message: "must not be negative"}
		}
	}
	if c.Platform.SettleSeconds < 0 {
		return ValidationError{Field: "platform.settle_seconds", Value: fmt.Sprint(c.Platform.SettleSeconds), Message: "must not be negative"}
	}
	if err := c.Run.SubsectionDelay.validate("run.subsection_delay"); err != nil {
		return err
	}
	if err := c.Run.CourseCooldown.validate("run.course_cooldown"); err != nil {
		return err
	}
	for i, course := range c.Courses {
		if strings.TrimSpace(course.ID) == "" {
			return ValidationError{Field: fmt.Sprintf("courses[%d].id", i), Message: "must not be empty"}
		}
	}
	if _, err := SelectWindows(c.ChapterRange, c.SubsectionRange); err != nil {
		return err
	}
	if (c.Host.TLSCert == "") != (c.Host.TLSKey == "") {
		return ValidationError{Field: "host.tls_cert", Message: "tls_cert and tls_key must be set together"}
	}
	if c.Host.ClientCA != "" && c.Host.TLSCert == "" {
		return ValidationError{Field: "host.client_ca", Value: c.Host.ClientCA, Message: "client verification requires tls_cert"}
	}
	return nil
}

func (d DelayConfig) validate(field string) error {
	if d.MinSeconds < 0 || d.MaxSeconds < d.MinSeconds {
		return ValidationError{Field: field, Value: fmt.Sprintf("%g-%g", d.MinSeconds, d.MaxSeconds), Message: "need 0 <= min <= max"}
	}
	return nil
}

func seconds(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

func (d DelayConfig) delay() Delay {
	return Delay{Min: seconds(d.MinSeconds), Max: seconds(d.MaxSeconds)}
}

// Client translates the platform section into client settings.
func (p PlatformConfig) Client() platform.Config {
	return platform.Config{
		BaseURL:        p.BaseURL,
		UserAgent:      p.UserAgent,
		ProbeTimeout:   time.Duration(p.ProbeTimeoutSeconds) * time.Second,
		CatalogTimeout: time.Duration(p.CatalogTimeoutSeconds) * time.Second,
		RecordTimeout:  time.Duration(p.RecordTimeoutSeconds) * time.Second,
		ConfirmTimeout: time.Duration(p.ConfirmTimeoutSeconds) * time.Second,
		SettleDelay:    seconds(p.SettleSeconds),
		MinInterval:    time.Duration(p.MinIntervalMillis) * time.Millisecond,
	}
}

// Options translates the run section into engine pacing.
func (r RunConfig) Options() Options {
	return Options{
		SubsectionDelay: r.SubsectionDelay.delay(),
		CourseCooldown:  r.CourseCooldown.delay(),
	}
}

// Request snapshots the run-related settings.
func (c Config) Request() RunRequest {
	return RunRequest{
		Credentials:     c.Credentials,
		Courses:         append([]api.Course(nil), c.Courses...),
		ChapterRange:    cloneRange(c.ChapterRange),
		SubsectionRange: cloneRange(c.SubsectionRange),
	}
}

func cloneRange(r *api.RangeSpec) *api.RangeSpec {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Masked returns a copy safe to display: secrets keep only a short prefix.
func (c Config) Masked() Config {
	c.Credentials.Token = MaskSecret(c.Credentials.Token)
	c.Credentials.Cookie = MaskSecret(c.Credentials.Cookie)
	c.Host.Token = MaskSecret(c.Host.Token)
	c.Redis.Password = MaskSecret(c.Redis.Password)
	c.Courses = append([]api.Course(nil), c.Courses...)
	return c
}

func MaskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "****"
	}
}

// ConfigDir resolves $XDG_CONFIG_HOME/autostudy or ~/.config/autostudy.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName)
}

// DefaultConfigPath is where LoadConfig looks when given no path.
func DefaultConfigPath() string { return filepath.Join(ConfigDir(), "config.yaml") }

// StorePath resolves the run history database location.
func (c Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(ConfigDir(), "history.db")
}

// LoadConfig reads YAML configuration from a path, or DefaultConfigPath when
// path is empty. A missing file yields Defaults. Secrets from secrets.env and
// the environment are merged last.
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		path = DefaultConfigPath()
	}
	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, err
	}
	applyOverrides(&cfg, secrets)
	return cfg, nil
}

// SaveConfig writes cfg as YAML, creating the directory when needed.
func SaveConfig(path string, cfg Config) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	content, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Environment variables that override file settings.
const (
	EnvToken     = "AUTOSTUDY_TOKEN"
	EnvCookie    = "AUTOSTUDY_COOKIE"
	EnvBaseURL   = "AUTOSTUDY_BASE_URL"
	EnvHostToken = "AUTOSTUDY_HOST_TOKEN"
	EnvRedisAddr = "AUTOSTUDY_REDIS_ADDR"
)

func applyOverrides(cfg *Config, secrets map[string]string) {
	for _, k := range []string{EnvToken, EnvCookie, EnvBaseURL, EnvHostToken, EnvRedisAddr} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if v := secrets[EnvToken]; v != "" {
		cfg.Credentials.Token = v
	}
	if v := secrets[EnvCookie]; v != "" {
		cfg.Credentials.Cookie = v
	}
	if v := secrets[EnvBaseURL]; v != "" {
		cfg.Platform.BaseURL = v
	}
	if v := secrets[EnvHostToken]; v != "" {
		cfg.Host.Token = v
	}
	if v := secrets[EnvRedisAddr]; v != "" {
		cfg.Redis.Addr = v
	}
}
