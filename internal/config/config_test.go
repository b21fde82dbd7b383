package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "tally.yml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TALLY_ROLE", "TALLY_LISTEN", "TALLY_DB_PATH", "TALLY_LOG_LEVEL", "TALLY_LOG_FORMAT",
		"TALLY_TIMEZONE", "TALLY_BOX_ID", "TALLY_SERVER_URL", "TALLY_UPLOAD_TOKEN",
		"TALLY_SENSOR_TYPE", "TALLY_SENSOR_FILE_PREFIX", "TALLY_UPLOAD_EVENTS",
		"TALLY_UPLOAD_MAX_BATCH", "TALLY_HASH_OBSERVABLE_IDS", "TALLY_HASH_SECRET",
		"TALLY_NTFY_URL", "TALLY_NTFY_TOPIC",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

const minimalBoxYAML = `
box:
  server_url: "http://tally.example.org"
  upload_token: "s3cret"
`

const fullBoxYAML = `
role: box
listen: ":9090"
db_path: "/tmp/test.db"
log_level: "debug"
log_format: "json"
timezone: "Europe/Berlin"
status_retention: "720h"

box:
  box_id: "library-1"
  server_url: "https://tally.example.org"
  upload_token: "s3cret"
  sensor:
    type: file
    scratch_dir: "/var/lib/tally/scratch"
    file_prefix: "export"
    min_power: -80
  ingest:
    interval: "10s"
  aggregation:
    interval: "2m"
    lookback: "48h"
  upload:
    events: false
    max_batch: 100
    events_interval: "30s"
    aggregation_interval: "5m"
    status_interval: "1m"
    timeout: "15s"
  status:
    interval: "30s"
  privacy:
    hash_observable_ids: true
    hash_iterations: 1000
    secret: "pepper"

notifications:
  - type: ntfy
    url: "http://10.100.1.104:8080"
    topic: "tally-alerts"
  - type: webhook
    url: "https://hooks.example.com/tally"
    method: "POST"
    headers:
      Authorization: "Bearer xxx"

alerts:
  sensor_down:
    grace_period: "5m"
    severity: "critical"
  upload_stalled:
    max_lag: "2h"
    severity: "warning"
    cooldown: "12h"
`

const serverYAML = `
role: server
server:
  boxes:
    - box_id: "library-1"
      name: "Library"
      description: "2nd floor"
      upload_token: "s3cret"
    - box_id: "station-1"
      name: "Station"
      upload_token: "other"
`

func TestLoad_FullBox(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeYAML(t, fullBoxYAML))
	require.NoError(t, err)

	assert.Equal(t, RoleBox, cfg.Role)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 720*time.Hour, cfg.StatusRetention.Duration)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())

	b := cfg.Box
	assert.Equal(t, "library-1", b.BoxID)
	assert.Equal(t, "file", b.Sensor.Type)
	assert.Equal(t, "export", b.Sensor.FilePrefix)
	require.NotNil(t, b.Sensor.MinPower)
	assert.InDelta(t, -80, *b.Sensor.MinPower, 0)
	assert.Equal(t, 10*time.Second, b.Ingest.Interval.Duration)
	assert.Equal(t, 2*time.Minute, b.Aggregation.Interval.Duration)
	assert.Equal(t, 48*time.Hour, b.Aggregation.Lookback.Duration)
	assert.False(t, b.Upload.Events)
	assert.Equal(t, 100, b.Upload.MaxBatch)
	assert.Equal(t, 15*time.Second, b.Upload.Timeout.Duration)
	assert.Equal(t, 30*time.Second, b.Status.Interval.Duration)
	assert.True(t, b.Privacy.HashObservableIDs)
	assert.Equal(t, 1000, b.Privacy.HashIterations)

	require.Len(t, cfg.Notifications, 2)
	assert.Equal(t, "ntfy", cfg.Notifications[0].Type)
	assert.Equal(t, "tally-alerts", cfg.Notifications[0].Topic)
	assert.Equal(t, "Bearer xxx", cfg.Notifications[1].Headers["Authorization"])

	require.NotNil(t, cfg.Alerts.SensorDown)
	assert.Equal(t, 5*time.Minute, cfg.Alerts.SensorDown.GracePeriod.Duration)
	require.NotNil(t, cfg.Alerts.UploadStalled)
	assert.Equal(t, 2*time.Hour, cfg.Alerts.UploadStalled.MaxLag.Duration)
	assert.Equal(t, 12*time.Hour, cfg.Alerts.UploadStalled.Cooldown.Duration)
}

func TestLoad_MinimalBoxDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeYAML(t, minimalBoxYAML))
	require.NoError(t, err)

	assert.Equal(t, RoleBox, cfg.Role)
	assert.Equal(t, ":3800", cfg.Listen)
	assert.Equal(t, "/data/tally.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, 30*24*time.Hour, cfg.StatusRetention.Duration)

	b := cfg.Box
	assert.Empty(t, b.BoxID, "generated on first start")
	assert.Equal(t, "airodump", b.Sensor.Type)
	assert.Equal(t, "/tmp/tally_sensing", b.Sensor.ScratchDir)
	assert.Equal(t, "full_airodump_file", b.Sensor.FilePrefix)
	assert.Nil(t, b.Sensor.MinPower)
	assert.Equal(t, 5*time.Second, b.Ingest.Interval.Duration)
	assert.Equal(t, 60*time.Second, b.Aggregation.Interval.Duration)
	assert.Equal(t, 7*24*time.Hour, b.Aggregation.Lookback.Duration)
	assert.True(t, b.Upload.Events)
	assert.Equal(t, 500, b.Upload.MaxBatch)
	assert.Equal(t, 30*time.Second, b.Upload.Timeout.Duration)
	assert.False(t, b.Privacy.HashObservableIDs)
	assert.Equal(t, 500_000, b.Privacy.HashIterations)

	assert.Empty(t, cfg.Notifications)
	assert.Nil(t, cfg.Alerts.SensorDown)
	assert.Nil(t, cfg.Alerts.UploadStalled)
}

func TestLoad_Server(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeYAML(t, serverYAML))
	require.NoError(t, err)

	assert.Equal(t, RoleServer, cfg.Role)
	require.Len(t, cfg.Server.Boxes, 2)
	assert.Equal(t, "library-1", cfg.Server.Boxes[0].BoxID)
	assert.Equal(t, "2nd floor", cfg.Server.Boxes[0].Description)
	assert.Equal(t, "other", cfg.Server.Boxes[1].UploadToken)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/tally.yml")
	assert.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeYAML(t, "box: [unclosed"))
	assert.ErrorContains(t, err, "parsing config")
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeYAML(t, minimalBoxYAML+"  ingest:\n    interval: \"soon\"\n"))
	assert.ErrorContains(t, err, `invalid duration "soon"`)
}

func TestLoad_EmptyFileBoxNeedsServer(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeYAML(t, ""))
	assert.ErrorContains(t, err, "box.server_url is required")
}

func TestLoad_NoPathUsesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("TALLY_ROLE", "server")
	t.Setenv("TALLY_LISTEN", ":8080")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, RoleServer, cfg.Role)
	assert.Equal(t, ":8080", cfg.Listen)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("UPLOAD_TOKEN_FROM_VAULT", "expanded-secret")

	cfg, err := Load(writeYAML(t, `
box:
  server_url: "http://tally.example.org"
  upload_token: "${UPLOAD_TOKEN_FROM_VAULT}"
`))
	require.NoError(t, err)
	assert.Equal(t, "expanded-secret", cfg.Box.UploadToken)
}

func TestLoad_EnvVarExpansion_Unset(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("TALLY_TEST_UNSET_TOKEN")

	_, err := Load(writeYAML(t, `
box:
  server_url: "http://tally.example.org"
  upload_token: "${TALLY_TEST_UNSET_TOKEN}"
`))
	assert.ErrorContains(t, err, "box.upload_token is required")
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TALLY_DB_PATH", "/env/tally.db")
	t.Setenv("TALLY_LOG_LEVEL", "warn")
	t.Setenv("TALLY_LOG_FORMAT", "json")
	t.Setenv("TALLY_TIMEZONE", "America/New_York")
	t.Setenv("TALLY_BOX_ID", "env-box")
	t.Setenv("TALLY_SERVER_URL", "http://env-server:3800")
	t.Setenv("TALLY_UPLOAD_TOKEN", "env-token")
	t.Setenv("TALLY_SENSOR_TYPE", "file")
	t.Setenv("TALLY_SENSOR_FILE_PREFIX", "env-prefix")
	t.Setenv("TALLY_UPLOAD_EVENTS", "false")
	t.Setenv("TALLY_UPLOAD_MAX_BATCH", "42")
	t.Setenv("TALLY_HASH_OBSERVABLE_IDS", "1")
	t.Setenv("TALLY_HASH_SECRET", "env-pepper")

	cfg, err := Load(writeYAML(t, minimalBoxYAML))
	require.NoError(t, err)

	assert.Equal(t, "/env/tally.db", cfg.DBPath)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, "env-box", cfg.Box.BoxID)
	assert.Equal(t, "http://env-server:3800", cfg.Box.ServerURL)
	assert.Equal(t, "env-token", cfg.Box.UploadToken)
	assert.Equal(t, "file", cfg.Box.Sensor.Type)
	assert.Equal(t, "env-prefix", cfg.Box.Sensor.FilePrefix)
	assert.False(t, cfg.Box.Upload.Events)
	assert.Equal(t, 42, cfg.Box.Upload.MaxBatch)
	assert.True(t, cfg.Box.Privacy.HashObservableIDs)
	assert.Equal(t, "env-pepper", cfg.Box.Privacy.Secret)
}

func TestEnvOverrides_InvalidMaxBatchIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("TALLY_UPLOAD_MAX_BATCH", "many")

	cfg, err := Load(writeYAML(t, minimalBoxYAML))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Box.Upload.MaxBatch)
}

func TestEnvOverrides_Ntfy(t *testing.T) {
	clearEnv(t)
	t.Setenv("TALLY_NTFY_URL", "http://ntfy.local")

	cfg, err := Load(writeYAML(t, minimalBoxYAML))
	require.NoError(t, err)
	require.Len(t, cfg.Notifications, 1)
	assert.Equal(t, "ntfy", cfg.Notifications[0].Type)
	// No TALLY_NTFY_TOPIC set -> should default to "tally-alerts".
	assert.Equal(t, "tally-alerts", cfg.Notifications[0].Topic)
}

func TestEnvOverrides_NtfyIgnoredWithYAMLTargets(t *testing.T) {
	clearEnv(t)
	t.Setenv("TALLY_NTFY_URL", "http://ntfy.local")

	cfg, err := Load(writeYAML(t, fullBoxYAML))
	require.NoError(t, err)
	assert.Len(t, cfg.Notifications, 2)
}

func validBox() *Config {
	cfg := defaults()
	cfg.Box.ServerURL = "http://tally.example.org"
	cfg.Box.UploadToken = "s3cret"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid box", func(c *Config) {}, ""},
		{"unknown role", func(c *Config) { c.Role = "relay" }, "role must be one of"},
		{"missing server url", func(c *Config) { c.Box.ServerURL = "" }, "box.server_url is required"},
		{"relative server url", func(c *Config) { c.Box.ServerURL = "tally.local" }, "invalid URL"},
		{"missing token", func(c *Config) { c.Box.UploadToken = "" }, "box.upload_token is required"},
		{"unknown sensor", func(c *Config) { c.Box.Sensor.Type = "bluetooth" }, "box.sensor.type"},
		{"no scratch dir", func(c *Config) { c.Box.Sensor.ScratchDir = "" }, "scratch_dir is required"},
		{"no prefix", func(c *Config) { c.Box.Sensor.FilePrefix = "" }, "file_prefix is required"},
		{"zero interval", func(c *Config) { c.Box.Ingest.Interval = Duration{} }, "box.ingest.interval must be > 0"},
		{"short lookback", func(c *Config) { c.Box.Aggregation.Lookback = Duration{time.Hour} }, "lookback must be >= 24h"},
		{"zero batch", func(c *Config) { c.Box.Upload.MaxBatch = 0 }, "max_batch must be between 1 and 10000"},
		{"huge batch", func(c *Config) { c.Box.Upload.MaxBatch = MaxUploadBatch + 1 }, "max_batch must be between 1 and 10000"},
		{"largest batch", func(c *Config) { c.Box.Upload.MaxBatch = MaxUploadBatch }, ""},
		{"hash without secret", func(c *Config) { c.Box.Privacy.HashObservableIDs = true }, "secret is required"},
		{"hash without iterations", func(c *Config) {
			c.Box.Privacy.HashObservableIDs = true
			c.Box.Privacy.Secret = "x"
			c.Box.Privacy.HashIterations = 0
		}, "hash_iterations must be >= 1"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"zero retention", func(c *Config) { c.StatusRetention = Duration{} }, "status_retention must be > 0"},
		{"retention below lookback", func(c *Config) { c.StatusRetention = Duration{24 * time.Hour} }, "status_retention must be >= box.aggregation.lookback"},
		{"ntfy without topic", func(c *Config) {
			c.Notifications = []NotificationConfig{{Type: "ntfy", URL: "http://n"}}
		}, "topic is required"},
		{"ntfy without url", func(c *Config) {
			c.Notifications = []NotificationConfig{{Type: "ntfy", Topic: "t"}}
		}, "url is required for ntfy"},
		{"webhook without url", func(c *Config) {
			c.Notifications = []NotificationConfig{{Type: "webhook"}}
		}, "url is required for webhook"},
		{"unknown notification", func(c *Config) {
			c.Notifications = []NotificationConfig{{Type: "smtp"}}
		}, `unknown type "smtp"`},
		{"sensor_down without grace", func(c *Config) {
			c.Alerts.SensorDown = &AlertSensorDown{}
		}, "grace_period must be > 0"},
		{"upload_stalled without lag", func(c *Config) {
			c.Alerts.UploadStalled = &AlertUploadStalled{}
		}, "max_lag must be > 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBox()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate_Server(t *testing.T) {
	tests := []struct {
		name    string
		boxes   []BoxRegistration
		wantErr string
	}{
		{"no boxes", nil, ""},
		{"valid", []BoxRegistration{{BoxID: "a", UploadToken: "x"}, {BoxID: "b", UploadToken: "y"}}, ""},
		{"missing id", []BoxRegistration{{UploadToken: "x"}}, "box_id is required"},
		{"missing token", []BoxRegistration{{BoxID: "a"}}, "upload_token is required"},
		{"duplicate", []BoxRegistration{{BoxID: "a", UploadToken: "x"}, {BoxID: "a", UploadToken: "y"}}, `duplicate box_id "a"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			cfg.Role = RoleServer
			cfg.Server.Boxes = tt.boxes
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{D: Duration{90 * time.Second}})
	require.NoError(t, err)
	assert.Equal(t, "d: 1m30s\n", string(out))
}

func TestDuration_UnmarshalNonString(t *testing.T) {
	var v struct {
		D Duration `yaml:"d"`
	}
	err := yaml.Unmarshal([]byte("d: [1, 2]"), &v)
	assert.Error(t, err)
}

func FuzzExpandEnvVars(f *testing.F) {
	f.Add("upload_token: ${TOKEN}")
	f.Add("${")
	f.Add("${}")
	f.Add("plain: value")
	f.Fuzz(func(t *testing.T, data string) {
		out := expandEnvVars([]byte(data))
		if !envVarPattern.MatchString(data) {
			assert.Equal(t, data, string(out))
		}
	})
}
