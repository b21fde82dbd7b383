// Package config handles loading and validating Tally configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} placeholders in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ErrConfigFileNotFound is returned by Load when the specified config file does not exist.
var ErrConfigFileNotFound = errors.New("config file not found")

// MaxUploadBatch bounds upload.max_batch so one request body stays well
// under the receiver's size limit.
const MaxUploadBatch = 10_000

// Roles a process can run as.
const (
	RoleBox    = "box"
	RoleServer = "server"
)

// Config is the top-level Tally configuration.
type Config struct {
	Role      string `yaml:"role"`
	Listen    string `yaml:"listen"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// Timezone used to floor hour and day windows.
	Timezone string `yaml:"timezone"`

	// StatusRetention bounds how long process status records are kept.
	StatusRetention Duration `yaml:"status_retention"`

	Box    BoxConfig    `yaml:"box"`
	Server ServerConfig `yaml:"server"`

	Notifications []NotificationConfig `yaml:"notifications"`
	Alerts        AlertsConfig         `yaml:"alerts"`
}

// BoxConfig describes the edge node.
type BoxConfig struct {
	// BoxID is generated on first start when empty.
	BoxID       string        `yaml:"box_id"`
	ServerURL   string        `yaml:"server_url"`
	UploadToken string        `yaml:"upload_token"`
	Sensor      SensorConfig  `yaml:"sensor"`
	Aggregation AggConfig     `yaml:"aggregation"`
	Upload      UploadConfig  `yaml:"upload"`
	Status      StatusConfig  `yaml:"status"`
	Ingest      IngestConfig  `yaml:"ingest"`
	Privacy     PrivacyConfig `yaml:"privacy"`
}

// SensorConfig selects and configures the sensing backend.
type SensorConfig struct {
	Type       string   `yaml:"type"` // "airodump" or "file"
	ScratchDir string   `yaml:"scratch_dir"`
	FilePrefix string   `yaml:"file_prefix"`
	Command    []string `yaml:"command,omitempty"` // airodump only
	MinPower   *float64 `yaml:"min_power,omitempty"`
}

// IngestConfig controls the reconcile loop.
type IngestConfig struct {
	Interval Duration `yaml:"interval"`
}

// AggConfig controls the aggregation loop.
type AggConfig struct {
	Interval Duration `yaml:"interval"`
	Lookback Duration `yaml:"lookback"`
}

// UploadConfig controls the three uploaders.
type UploadConfig struct {
	Events              bool     `yaml:"events"`
	MaxBatch            int      `yaml:"max_batch"`
	EventsInterval      Duration `yaml:"events_interval"`
	AggregationInterval Duration `yaml:"aggregation_interval"`
	StatusInterval      Duration `yaml:"status_interval"`
	Timeout             Duration `yaml:"timeout"`
}

// StatusConfig controls the sensing process health check.
type StatusConfig struct {
	Interval Duration `yaml:"interval"`
}

// PrivacyConfig controls hashing of observable ids.
type PrivacyConfig struct {
	HashObservableIDs bool   `yaml:"hash_observable_ids"`
	HashIterations    int    `yaml:"hash_iterations"`
	Secret            string `yaml:"secret"`
}

// ServerConfig describes the central server.
type ServerConfig struct {
	Boxes []BoxRegistration `yaml:"boxes"`
}

// BoxRegistration is a box the server accepts uploads from.
type BoxRegistration struct {
	BoxID       string `yaml:"box_id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	UploadToken string `yaml:"upload_token"`
}

// NotificationConfig describes a notification target.
type NotificationConfig struct {
	Type    string            `yaml:"type"` // "ntfy" or "webhook"
	URL     string            `yaml:"url"`
	Topic   string            `yaml:"topic,omitempty"`   // ntfy only
	Method  string            `yaml:"method,omitempty"`  // webhook only
	Headers map[string]string `yaml:"headers,omitempty"` // webhook only
}

// AlertsConfig holds thresholds for each alert type.
type AlertsConfig struct {
	SensorDown    *AlertSensorDown    `yaml:"sensor_down,omitempty"`
	UploadStalled *AlertUploadStalled `yaml:"upload_stalled,omitempty"`
}

// AlertSensorDown fires when the sensing process has been inactive, or has
// not reported, for longer than GracePeriod.
type AlertSensorDown struct {
	GracePeriod Duration `yaml:"grace_period"`
	Severity    string   `yaml:"severity"`
	Cooldown    Duration `yaml:"cooldown"`
}

// AlertUploadStalled fires when the oldest event not yet uploaded is older
// than MaxLag.
type AlertUploadStalled struct {
	MaxLag   Duration `yaml:"max_lag"`
	Severity string   `yaml:"severity"`
	Cooldown Duration `yaml:"cooldown"`
}

// Duration wraps time.Duration with YAML string parsing support.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Load reads configuration from a YAML file, applies TALLY_* environment
// overrides and validates the result. If a path is given and the file does
// not exist, ErrConfigFileNotFound is returned.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleBox:
		if err := c.Box.validate(); err != nil {
			return err
		}
	case RoleServer:
		if err := c.Server.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("role must be one of: box, server")
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	for i, n := range c.Notifications {
		switch n.Type {
		case "ntfy":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for ntfy", i)
			}
			if n.Topic == "" {
				return fmt.Errorf("notifications[%d]: topic is required for ntfy", i)
			}
		case "webhook":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for webhook", i)
			}
		default:
			return fmt.Errorf("notifications[%d]: unknown type %q (expected ntfy or webhook)", i, n.Type)
		}
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log_format must be one of: text, json")
	}

	if c.StatusRetention.Duration <= 0 {
		return fmt.Errorf("status_retention must be > 0")
	}
	if c.Role == RoleBox && c.StatusRetention.Duration < c.Box.Aggregation.Lookback.Duration {
		return fmt.Errorf("status_retention must be >= box.aggregation.lookback")
	}

	if a := c.Alerts.SensorDown; a != nil {
		if a.GracePeriod.Duration <= 0 {
			return fmt.Errorf("alerts.sensor_down: grace_period must be > 0")
		}
	}
	if a := c.Alerts.UploadStalled; a != nil {
		if a.MaxLag.Duration <= 0 {
			return fmt.Errorf("alerts.upload_stalled: max_lag must be > 0")
		}
	}

	return nil
}

func (b *BoxConfig) validate() error {
	if b.ServerURL == "" {
		return fmt.Errorf("box.server_url is required")
	}
	u, err := url.Parse(b.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("box.server_url: invalid URL %q", b.ServerURL)
	}
	if b.UploadToken == "" {
		return fmt.Errorf("box.upload_token is required")
	}
	switch b.Sensor.Type {
	case "airodump", "file":
	default:
		return fmt.Errorf("box.sensor.type must be one of: airodump, file")
	}
	if b.Sensor.ScratchDir == "" {
		return fmt.Errorf("box.sensor.scratch_dir is required")
	}
	if b.Sensor.FilePrefix == "" {
		return fmt.Errorf("box.sensor.file_prefix is required")
	}
	for name, d := range map[string]Duration{
		"box.ingest.interval":             b.Ingest.Interval,
		"box.aggregation.interval":        b.Aggregation.Interval,
		"box.aggregation.lookback":        b.Aggregation.Lookback,
		"box.upload.events_interval":      b.Upload.EventsInterval,
		"box.upload.aggregation_interval": b.Upload.AggregationInterval,
		"box.upload.status_interval":      b.Upload.StatusInterval,
		"box.upload.timeout":              b.Upload.Timeout,
		"box.status.interval":             b.Status.Interval,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if b.Aggregation.Lookback.Duration < 24*time.Hour {
		return fmt.Errorf("box.aggregation.lookback must be >= 24h")
	}
	if b.Upload.MaxBatch < 1 || b.Upload.MaxBatch > MaxUploadBatch {
		return fmt.Errorf("box.upload.max_batch must be between 1 and %d", MaxUploadBatch)
	}
	if b.Privacy.HashObservableIDs {
		if b.Privacy.Secret == "" {
			return fmt.Errorf("box.privacy.secret is required when hashing observable ids")
		}
		if b.Privacy.HashIterations < 1 {
			return fmt.Errorf("box.privacy.hash_iterations must be >= 1")
		}
	}
	return nil
}

func (s *ServerConfig) validate() error {
	seen := make(map[string]bool, len(s.Boxes))
	for i, b := range s.Boxes {
		if b.BoxID == "" {
			return fmt.Errorf("server.boxes[%d]: box_id is required", i)
		}
		if b.UploadToken == "" {
			return fmt.Errorf("server.boxes[%d]: upload_token is required", i)
		}
		if seen[b.BoxID] {
			return fmt.Errorf("server.boxes[%d]: duplicate box_id %q", i, b.BoxID)
		}
		seen[b.BoxID] = true
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Role:      RoleBox,
		Listen:    ":3800",
		DBPath:    "/data/tally.db",
		LogLevel:  "info",
		LogFormat: "text",
		Timezone:  "UTC",

		StatusRetention: Duration{30 * 24 * time.Hour},

		Box: BoxConfig{
			Sensor: SensorConfig{
				Type:       "airodump",
				ScratchDir: "/tmp/tally_sensing",
				FilePrefix: "full_airodump_file",
			},
			Ingest:      IngestConfig{Interval: Duration{5 * time.Second}},
			Aggregation: AggConfig{Interval: Duration{60 * time.Second}, Lookback: Duration{7 * 24 * time.Hour}},
			Upload: UploadConfig{
				Events:              true,
				MaxBatch:            500,
				EventsInterval:      Duration{60 * time.Second},
				AggregationInterval: Duration{60 * time.Second},
				StatusInterval:      Duration{60 * time.Second},
				Timeout:             Duration{30 * time.Second},
			},
			Status:  StatusConfig{Interval: Duration{60 * time.Second}},
			Privacy: PrivacyConfig{HashIterations: 500_000},
		},
	}
}

// expandEnvVars replaces ${VAR_NAME} placeholders in raw YAML with the
// corresponding environment variable values. Unset variables are replaced
// with an empty string, which will then fail validation with a clear error.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		key := string(match[2 : len(match)-1]) // strip ${ and }
		return []byte(os.Getenv(key))
	})
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TALLY_ROLE"); v != "" {
		cfg.Role = v
	}
	if v := os.Getenv("TALLY_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("TALLY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TALLY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TALLY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("TALLY_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}

	if v := os.Getenv("TALLY_BOX_ID"); v != "" {
		cfg.Box.BoxID = v
	}
	if v := os.Getenv("TALLY_SERVER_URL"); v != "" {
		cfg.Box.ServerURL = v
	}
	if v := os.Getenv("TALLY_UPLOAD_TOKEN"); v != "" {
		cfg.Box.UploadToken = v
	}
	if v := os.Getenv("TALLY_SENSOR_TYPE"); v != "" {
		cfg.Box.Sensor.Type = v
	}
	if v := os.Getenv("TALLY_SENSOR_FILE_PREFIX"); v != "" {
		cfg.Box.Sensor.FilePrefix = v
	}
	if v := os.Getenv("TALLY_UPLOAD_EVENTS"); v != "" {
		cfg.Box.Upload.Events = v == "true" || v == "1"
	}
	if v := os.Getenv("TALLY_UPLOAD_MAX_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Box.Upload.MaxBatch = n
		}
	}
	if v := os.Getenv("TALLY_HASH_OBSERVABLE_IDS"); v != "" {
		cfg.Box.Privacy.HashObservableIDs = v == "true" || v == "1"
	}
	if v := os.Getenv("TALLY_HASH_SECRET"); v != "" {
		cfg.Box.Privacy.Secret = v
	}

	// Single ntfy target from env vars (only if no YAML notifications configured).
	if len(cfg.Notifications) == 0 {
		if ntfyURL := os.Getenv("TALLY_NTFY_URL"); ntfyURL != "" {
			topic := os.Getenv("TALLY_NTFY_TOPIC")
			if topic == "" {
				topic = "tally-alerts"
			}
			cfg.Notifications = append(cfg.Notifications, NotificationConfig{
				Type:  "ntfy",
				URL:   ntfyURL,
				Topic: topic,
			})
		}
	}
}
