// Package config loads and validates the monitord configuration.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (PORTALHEALTH_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	server:
//	  port: 8080
//	  base_path: /api/system-monitoring
//
//	database:
//	  url_secret: op:Portal Health DB/url
//
//	redis:
//	  url: redis://localhost:6379/0
//
//	classes:
//	  - name: live
//	    interval: 5s
//	    deadline: 3s
//	    probes:
//	      - {name: CPU Usage, kind: resource, probe: cpu, unit: "%", warn: 60, crit: 80}
//
// The flat form configures a single class named "default":
//
//	refresh_interval: 10s
//	global_deadline: 3s
//	min_reporting_ratio: 1
//	probes:
//	  - {name: CPU Usage, kind: resource, probe: cpu, unit: "%", warn: 60, crit: 80}
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/portal-health/pkg/types"
)

// Config is the complete monitord configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	GitHub   GitHubConfig   `yaml:"github"`
	HTTP     HTTPConfig     `yaml:"http"`
	Secrets  SecretsConfig  `yaml:"secrets"`

	// UptimeWindow is the number of observations per service in the
	// uptime ratio (0 uses the tracker default).
	UptimeWindow int `yaml:"uptime_window,omitempty"`

	Classes []ClassConfig `yaml:"classes,omitempty"`

	// Flat form, mutually exclusive with Classes.
	Probes            []types.ProbeDescriptor `yaml:"probes,omitempty"`
	RefreshInterval   time.Duration           `yaml:"refresh_interval,omitempty"`
	GlobalDeadline    time.Duration           `yaml:"global_deadline,omitempty"`
	MinReportingRatio float64                 `yaml:"min_reporting_ratio,omitempty"`
}

// ServerConfig defines the HTTP surface.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	BasePath    string   `yaml:"base_path"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`

	// POST /refresh throttle.
	RefreshRate  float64 `yaml:"refresh_rate"`
	RefreshBurst int     `yaml:"refresh_burst"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig enables the refresh journal when a URL is set.
type DatabaseConfig struct {
	URL               string        `yaml:"url,omitempty"`
	URLSecret         string        `yaml:"url_secret,omitempty"`
	RunRetention      time.Duration `yaml:"run_retention"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

// RedisConfig enables the snapshot mirror when a URL is set.
type RedisConfig struct {
	URL       string        `yaml:"url,omitempty"`
	URLSecret string        `yaml:"url_secret,omitempty"`
	TTL       time.Duration `yaml:"ttl"`
}

// GitHubConfig configures the github_actions probe.
type GitHubConfig struct {
	BaseURL     string `yaml:"base_url"`
	Token       string `yaml:"token,omitempty"`
	TokenSecret string `yaml:"token_secret,omitempty"`
	RateLimit   int    `yaml:"rate_limit"` // requests per minute
}

// HTTPConfig configures the http probe.
type HTTPConfig struct {
	RatePerHost float64 `yaml:"rate_per_host,omitempty"`
	UserAgent   string  `yaml:"user_agent,omitempty"`
}

// SecretsConfig selects the secret backends ("auto", "env", "1password").
type SecretsConfig struct {
	Backend string `yaml:"backend,omitempty"`
}

// ClassConfig is one refresh class.
type ClassConfig struct {
	Name              string                  `yaml:"name"`
	Interval          time.Duration           `yaml:"interval"`
	Deadline          time.Duration           `yaml:"deadline"`
	MinReportingRatio float64                 `yaml:"min_reporting_ratio,omitempty"`
	Probes            []types.ProbeDescriptor `yaml:"probes"`
}

// DefaultConfig returns a config with the default probe set.
func DefaultConfig() *Config {
	cfg := baseConfig()
	cfg.Classes = DefaultClasses()
	cfg.applyProbeDefaults()
	return cfg
}

func baseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			BasePath:        DefaultBasePath,
			RefreshRate:     DefaultRefreshRate,
			RefreshBurst:    DefaultRefreshBurst,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Database: DatabaseConfig{
			RunRetention:      DefaultRunRetention,
			RetentionInterval: DefaultRetentionInterval,
		},
		Redis: RedisConfig{
			TTL: DefaultMirrorTTL,
		},
		GitHub: GitHubConfig{
			BaseURL:   DefaultGitHubURL,
			RateLimit: DefaultGitHubRateLimit,
		},
		Secrets: SecretsConfig{Backend: "auto"},
	}
}

// DefaultClasses returns the built-in probe set: resource metrics in the
// live class, service checks in the status class.
func DefaultClasses() []ClassConfig {
	return []ClassConfig{
		{
			Name:              ClassLive,
			Interval:          DefaultLiveInterval,
			Deadline:          DefaultLiveDeadline,
			MinReportingRatio: DefaultMinReportingRatio,
			Probes: []types.ProbeDescriptor{
				{Name: "CPU Usage", Kind: types.KindResource, Probe: "cpu", Unit: "%",
					Warn: types.Threshold(60), Crit: types.Threshold(80)},
				{Name: "Memory Usage", Kind: types.KindResource, Probe: "memory", Unit: "%",
					Warn: types.Threshold(75), Crit: types.Threshold(90)},
				{Name: "Disk Usage", Kind: types.KindResource, Probe: "disk", Unit: "%", Target: "/",
					Warn: types.Threshold(80), Crit: types.Threshold(90)},
				{Name: "Network I/O", Kind: types.KindResource, Probe: "network", Unit: "MB/s"},
			},
		},
		{
			Name:              ClassStatus,
			Interval:          DefaultStatusInterval,
			Deadline:          DefaultStatusDeadline,
			MinReportingRatio: DefaultMinReportingRatio,
			Probes: []types.ProbeDescriptor{
				{Name: "Backstage Backend", Kind: types.KindReachability, Probe: "http",
					Target: "http://localhost:7007/api/catalog/entities", Method: "HEAD", Timeout: 5 * time.Second},
				{Name: "Database", Kind: types.KindSynthetic, Probe: "synthetic",
					Section: types.SectionServices, Unit: "ms", Value: 15},
				{Name: "GitHub API", Kind: types.KindReachability, Probe: "http",
					Target: DefaultGitHubURL, Method: "GET", Timeout: 3 * time.Second},
				{Name: "CI/CD Pipeline", Kind: types.KindSynthetic, Probe: "synthetic",
					Section: types.SectionServices, Unit: "ms", Value: 150},
			},
		},
	}
}

// Load reads a YAML file on top of the defaults. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and settles the class list.
func Parse(data []byte) (*Config, error) {
	cfg := baseConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize maps the flat form to the default class, or falls back to the
// built-in classes when the file configures no probes.
func (c *Config) normalize() error {
	switch {
	case len(c.Probes) > 0 && len(c.Classes) > 0:
		return fmt.Errorf("probes and classes are mutually exclusive")
	case len(c.Probes) > 0:
		interval := c.RefreshInterval
		if interval == 0 {
			interval = DefaultLiveInterval
		}
		deadline := c.GlobalDeadline
		if deadline == 0 {
			deadline = DefaultLiveDeadline
		}
		c.Classes = []ClassConfig{{
			Name:              ClassDefault,
			Interval:          interval,
			Deadline:          deadline,
			MinReportingRatio: c.MinReportingRatio,
			Probes:            c.Probes,
		}}
		c.Probes = nil
	case len(c.Classes) == 0:
		c.Classes = DefaultClasses()
	}

	c.applyProbeDefaults()
	return nil
}

// applyProbeDefaults fills in latency thresholds for services that declare
// none.
func (c *Config) applyProbeDefaults() {
	for i := range c.Classes {
		for j := range c.Classes[i].Probes {
			d := &c.Classes[i].Probes[j]
			if d.Kind != types.KindReachability {
				continue
			}
			if d.Warn == nil && d.Crit == nil {
				d.Warn = types.Threshold(DefaultReachabilityWarnMs)
				d.Crit = types.Threshold(DefaultReachabilityCritMs)
			}
			if d.Unit == "" {
				d.Unit = "ms"
			}
		}
	}
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the PORTALHEALTH_ prefix:
// - PORTALHEALTH_PORT
// - PORTALHEALTH_BASE_PATH
// - PORTALHEALTH_CORS_ORIGINS (comma separated)
// - PORTALHEALTH_DATABASE_URL
// - PORTALHEALTH_REDIS_URL
// - PORTALHEALTH_GITHUB_URL
// - PORTALHEALTH_GITHUB_TOKEN
// - PORTALHEALTH_SECRETS_BACKEND
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("PORTALHEALTH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORTALHEALTH_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("PORTALHEALTH_BASE_PATH"); v != "" {
		c.Server.BasePath = v
	}
	if v := os.Getenv("PORTALHEALTH_CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.Server.CORSOrigins = append(c.Server.CORSOrigins, origin)
			}
		}
	}
	if v := os.Getenv("PORTALHEALTH_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("PORTALHEALTH_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("PORTALHEALTH_GITHUB_URL"); v != "" {
		c.GitHub.BaseURL = v
	}
	if v := os.Getenv("PORTALHEALTH_GITHUB_TOKEN"); v != "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv("PORTALHEALTH_SECRETS_BACKEND"); v != "" {
		c.Secrets.Backend = v
	}
	return nil
}

// Validate checks the configuration's static rules.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /: %q", c.Server.BasePath)
	}
	if c.Server.RefreshRate <= 0 || c.Server.RefreshBurst <= 0 {
		return fmt.Errorf("server.refresh_rate and server.refresh_burst must be positive")
	}
	if c.Database.RunRetention <= 0 || c.Database.RetentionInterval <= 0 {
		return fmt.Errorf("database retention settings must be positive")
	}
	if c.UptimeWindow < 0 {
		return fmt.Errorf("uptime_window must not be negative")
	}
	if len(c.Classes) == 0 {
		return fmt.Errorf("at least one refresh class is required")
	}

	classes := make(map[string]bool, len(c.Classes))
	probes := make(map[string]string)
	for _, class := range c.Classes {
		if class.Name == "" {
			return fmt.Errorf("class name is required")
		}
		if classes[class.Name] {
			return fmt.Errorf("duplicate class: %s", class.Name)
		}
		classes[class.Name] = true

		if class.Interval < 0 {
			return fmt.Errorf("class %s: negative interval", class.Name)
		}
		if class.Deadline <= 0 {
			return fmt.Errorf("class %s: deadline must be positive", class.Name)
		}
		if class.MinReportingRatio < 0 || class.MinReportingRatio > 1 {
			return fmt.Errorf("class %s: min_reporting_ratio must be within [0, 1]", class.Name)
		}
		if len(class.Probes) == 0 {
			return fmt.Errorf("class %s: no probes", class.Name)
		}

		for _, d := range class.Probes {
			if err := d.Validate(); err != nil {
				return fmt.Errorf("class %s: %w", class.Name, err)
			}
			if other, dup := probes[d.Name]; dup {
				return fmt.Errorf("duplicate probe name %q in classes %s and %s", d.Name, other, class.Name)
			}
			probes[d.Name] = class.Name
		}
	}
	return nil
}

// Descriptors returns every probe descriptor in class order.
func (c *Config) Descriptors() []types.ProbeDescriptor {
	var out []types.ProbeDescriptor
	for _, class := range c.Classes {
		out = append(out, class.Probes...)
	}
	return out
}

// SecretResolver resolves secret references.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolveSecrets replaces every *Secret reference with its value.
// Descriptors with a TargetSecret get their Target overwritten.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	fields := []struct {
		name string
		ref  string
		dst  *string
	}{
		{"database.url_secret", c.Database.URLSecret, &c.Database.URL},
		{"redis.url_secret", c.Redis.URLSecret, &c.Redis.URL},
		{"github.token_secret", c.GitHub.TokenSecret, &c.GitHub.Token},
	}
	for _, f := range fields {
		if f.ref == "" {
			continue
		}
		v, err := r.Resolve(ctx, f.ref)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}

	for i := range c.Classes {
		for j := range c.Classes[i].Probes {
			d := &c.Classes[i].Probes[j]
			if d.TargetSecret == "" {
				continue
			}
			v, err := r.Resolve(ctx, d.TargetSecret)
			if err != nil {
				return fmt.Errorf("probe %q: %w", d.Name, err)
			}
			d.Target = v
		}
	}
	return nil
}
