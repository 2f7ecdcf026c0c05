package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mirrorshield/internal/profile"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/api/proxy/", cfg.Server.ProxyPrefix)
	assert.Equal(t, 20*time.Second, cfg.HTTP.Timeout)
	assert.EqualValues(t, 8<<20, cfg.HTTP.MaxHTMLBytes)
	assert.EqualValues(t, 5, cfg.Mirror.BreakerFailures)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Capture.Enabled)
	assert.Equal(t, "mirrorshield", cfg.Tracing.ServiceName)
	assert.Equal(t, 8, cfg.Capture.MaxInFlight)
	assert.Equal(t, 256, cfg.Capture.MemoryMaxObjects)

	profiles, def, err := cfg.BuildProfiles()
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, profile.DefaultID, def)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  proxy_prefix: /watch/
http:
  timeout: 5s
  max_html_bytes: 1048576
mirror:
  breaker_failures: 3
  breaker_timeout: 1m
  rate_per_second: 2.5
  burst: 4
capture:
  enabled: true
  backend: local
  sample_rate: 0.25
  local:
    base_dir: /tmp/captures
default_profile: movies
profiles:
  movies:
    mirrors:
      - https://mirror-a.test/
      - https://mirror-b.test
    frame_only: true
    analytics_exemption: false
    ad_keywords: [promo, sponsor]
  music:
    mirrors: [https://tunes.test]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/watch/", cfg.Server.ProxyPrefix)
	assert.Equal(t, 5*time.Second, cfg.HTTP.Timeout)
	assert.EqualValues(t, 1048576, cfg.HTTP.MaxHTMLBytes)
	assert.Equal(t, time.Minute, cfg.Mirror.BreakerTimeout)
	assert.InDelta(t, 2.5, cfg.Mirror.RatePerSecond, 1e-9)
	assert.Equal(t, 4, cfg.Mirror.Burst)
	assert.Equal(t, "local", cfg.Capture.Backend)
	assert.Equal(t, "/tmp/captures", cfg.Capture.Local.BaseDir)

	profiles, def, err := cfg.BuildProfiles()
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "movies", def)
	assert.Equal(t, "movies", profiles[0].ID)
	assert.True(t, profiles[0].FrameOnly)
	assert.False(t, profiles[0].AnalyticsExemption)
	assert.Equal(t, []string{"promo", "sponsor"}, profiles[0].AdKeywords)
	assert.Equal(t, "music", profiles[1].ID)
	assert.True(t, profiles[1].AnalyticsExemption)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MIRRORSHIELD_SERVER_PORT", "7070")
	t.Setenv("MIRRORSHIELD_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestBuildProfiles(t *testing.T) {
	t.Parallel()

	mirrors := []string{"https://mirror.test"}

	t.Run("single profile becomes default", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Profiles: map[string]profile.Config{"Site": {Mirrors: mirrors}}}
		_, def, err := cfg.BuildProfiles()
		require.NoError(t, err)
		assert.Equal(t, "site", def)
	})

	t.Run("several profiles need an explicit default", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Profiles: map[string]profile.Config{
			"a": {Mirrors: mirrors},
			"b": {Mirrors: mirrors},
		}}
		_, _, err := cfg.BuildProfiles()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "default_profile")
	})

	t.Run("unknown default without profiles", func(t *testing.T) {
		t.Parallel()
		cfg := Config{DefaultProfile: "movies"}
		_, _, err := cfg.BuildProfiles()
		require.Error(t, err)
	})

	t.Run("invalid profile", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Profiles: map[string]profile.Config{"broken": {}}}
		_, _, err := cfg.BuildProfiles()
		require.Error(t, err)
	})
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080, ProxyPrefix: "/api/proxy/"},
		HTTP:   HTTPConfig{Timeout: time.Second, MaxHTMLBytes: 1024},
		Mirror: MirrorConfig{BreakerFailures: 1, BreakerTimeout: time.Second},
		Capture: CaptureConfig{
			Backend:          "memory",
			SampleRate:       1,
			MaxInFlight:      4,
			MemoryMaxObjects: 16,
		},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "prefix without trailing slash",
			cfg: func() Config {
				c := base
				c.Server.ProxyPrefix = "/api/proxy"
				return c
			}(),
			want: "server.proxy_prefix",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.HTTP.Timeout = 0
				return c
			}(),
			want: "http.timeout",
		},
		{
			name: "invalid html cap",
			cfg: func() Config {
				c := base
				c.HTTP.MaxHTMLBytes = 0
				return c
			}(),
			want: "http.max_html_bytes",
		},
		{
			name: "breaker without timeout",
			cfg: func() Config {
				c := base
				c.Mirror.BreakerTimeout = 0
				return c
			}(),
			want: "mirror.breaker_timeout",
		},
		{
			name: "negative rate",
			cfg: func() Config {
				c := base
				c.Mirror.RatePerSecond = -1
				return c
			}(),
			want: "mirror.rate_per_second",
		},
		{
			name: "capture sample rate",
			cfg: func() Config {
				c := base
				c.Capture.Enabled = true
				c.Capture.SampleRate = 1.5
				return c
			}(),
			want: "capture.sample_rate",
		},
		{
			name: "capture gcs without bucket",
			cfg: func() Config {
				c := base
				c.Capture.Enabled = true
				c.Capture.Backend = "gcs"
				return c
			}(),
			want: "capture.gcs_bucket",
		},
		{
			name: "tracing sample ratio",
			cfg: func() Config {
				c := base
				c.Tracing.Enabled = true
				c.Tracing.SampleRatio = 2
				return c
			}(),
			want: "tracing.sample_ratio",
		},
		{
			name: "capture unbounded uploads",
			cfg: func() Config {
				c := base
				c.Capture.Enabled = true
				c.Capture.MaxInFlight = 0
				return c
			}(),
			want: "capture.max_in_flight",
		},
		{
			name: "capture memory backend without cap",
			cfg: func() Config {
				c := base
				c.Capture.Enabled = true
				c.Capture.MemoryMaxObjects = 0
				return c
			}(),
			want: "capture.memory_max_objects",
		},
		{
			name: "capture unknown backend",
			cfg: func() Config {
				c := base
				c.Capture.Enabled = true
				c.Capture.Backend = "s3"
				return c
			}(),
			want: "capture.backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
