// Package config loads and validates proxy configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/mirrorshield/internal/profile"
	"github.com/JakeFAU/mirrorshield/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server         ServerConfig              `mapstructure:"server"`
	HTTP           HTTPConfig                `mapstructure:"http"`
	Mirror         MirrorConfig              `mapstructure:"mirror"`
	Logging        LoggingConfig             `mapstructure:"logging"`
	Metrics        MetricsConfig             `mapstructure:"metrics"`
	Capture        CaptureConfig             `mapstructure:"capture"`
	Tracing        TracingConfig             `mapstructure:"tracing"`
	DefaultProfile string                    `mapstructure:"default_profile"`
	Profiles       map[string]profile.Config `mapstructure:"profiles"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ProxyPrefix       string        `mapstructure:"proxy_prefix"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// HTTPConfig bounds upstream requests.
type HTTPConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxHTMLBytes        int64         `mapstructure:"max_html_bytes"`
	MaxPassthroughBytes int64         `mapstructure:"max_passthrough_bytes"`
}

// MirrorConfig protects mirrors and the proxy from each other.
type MirrorConfig struct {
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	// Seed fixes mirror and identity selection; zero seeds from the runtime.
	Seed uint64 `mapstructure:"seed"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig controls OpenTelemetry spans.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// CaptureConfig controls sampled storage of raw and rewritten pages.
// MaxInFlight bounds concurrent uploads and captures beyond it are dropped.
// MemoryMaxObjects caps the memory backend, evicting the oldest objects.
type CaptureConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Backend          string        `mapstructure:"backend"`
	Prefix           string        `mapstructure:"prefix"`
	SampleRate       float64       `mapstructure:"sample_rate"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxInFlight      int           `mapstructure:"max_in_flight"`
	Local            local.Config  `mapstructure:"local"`
	GCSBucket        string        `mapstructure:"gcs_bucket"`
	MemoryMaxObjects int           `mapstructure:"memory_max_objects"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MIRRORSHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.proxy_prefix", "/api/proxy/")
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.timeout", 20*time.Second)
	v.SetDefault("http.max_html_bytes", 8<<20)
	v.SetDefault("http.max_passthrough_bytes", 0)
	v.SetDefault("mirror.breaker_failures", 5)
	v.SetDefault("mirror.breaker_timeout", 30*time.Second)
	v.SetDefault("mirror.rate_per_second", 0)
	v.SetDefault("mirror.burst", 10)
	v.SetDefault("mirror.seed", 0)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.backend", "memory")
	v.SetDefault("capture.prefix", "captures")
	v.SetDefault("capture.sample_rate", 1.0)
	v.SetDefault("capture.timeout", 15*time.Second)
	v.SetDefault("capture.max_in_flight", 8)
	v.SetDefault("capture.memory_max_objects", 256)
	v.SetDefault("capture.local.base_dir", "./captures")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "mirrorshield")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if !strings.HasPrefix(c.Server.ProxyPrefix, "/") || !strings.HasSuffix(c.Server.ProxyPrefix, "/") {
		return fmt.Errorf("server.proxy_prefix must start and end with /")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxHTMLBytes <= 0 {
		return fmt.Errorf("http.max_html_bytes must be > 0")
	}
	if c.HTTP.MaxPassthroughBytes < 0 {
		return fmt.Errorf("http.max_passthrough_bytes must be >= 0")
	}
	if c.Mirror.BreakerFailures > 0 && c.Mirror.BreakerTimeout <= 0 {
		return fmt.Errorf("mirror.breaker_timeout must be > 0 when breaker_failures is set")
	}
	if c.Mirror.RatePerSecond < 0 {
		return fmt.Errorf("mirror.rate_per_second must be >= 0")
	}
	if c.Capture.Enabled {
		if c.Capture.SampleRate <= 0 || c.Capture.SampleRate > 1 {
			return fmt.Errorf("capture.sample_rate must be in (0, 1]")
		}
		if c.Capture.MaxInFlight <= 0 {
			return fmt.Errorf("capture.max_in_flight must be > 0")
		}
		switch c.Capture.Backend {
		case "memory":
			if c.Capture.MemoryMaxObjects <= 0 {
				return fmt.Errorf("capture.memory_max_objects must be > 0 for the memory backend")
			}
		case "local":
		case "gcs":
			if c.Capture.GCSBucket == "" {
				return fmt.Errorf("capture.gcs_bucket must be set for the gcs backend")
			}
		default:
			return fmt.Errorf("capture.backend must be one of memory, local, gcs")
		}
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing.sample_ratio must be in [0, 1]")
	}
	if _, _, err := c.BuildProfiles(); err != nil {
		return err
	}
	return nil
}

// BuildProfiles validates every configured profile and resolves the default one.
// Without configured profiles the built-in default profile is served.
func (c Config) BuildProfiles() ([]*profile.Profile, string, error) {
	if len(c.Profiles) == 0 {
		if c.DefaultProfile != "" && !strings.EqualFold(c.DefaultProfile, profile.DefaultID) {
			return nil, "", fmt.Errorf("default_profile %q is not configured", c.DefaultProfile)
		}
		return []*profile.Profile{profile.Default()}, profile.DefaultID, nil
	}

	ids := make([]string, 0, len(c.Profiles))
	for id := range c.Profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	profiles := make([]*profile.Profile, 0, len(ids))
	for _, id := range ids {
		p, err := profile.Build(id, c.Profiles[id])
		if err != nil {
			return nil, "", err
		}
		profiles = append(profiles, p)
	}

	def := strings.ToLower(strings.TrimSpace(c.DefaultProfile))
	switch {
	case def != "":
	case len(profiles) == 1:
		def = profiles[0].ID
	default:
		def = profile.DefaultID
	}
	for _, p := range profiles {
		if p.ID == def {
			return profiles, def, nil
		}
	}
	return nil, "", fmt.Errorf("default_profile %q is not configured", def)
}
