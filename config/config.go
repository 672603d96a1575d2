package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"boardbridge/buffer"
)

// Config is the top-level service configuration, loaded from a JSON file
// with BRIDGE_* environment overrides applied on top.
type Config struct {
	Buffer   BufferConfig   `json:"buffer"`
	Serial   SerialConfig   `json:"serial"`
	Logging  LoggingConfig  `json:"logging"`
	NATS     NATSConfig     `json:"nats"`
	Mirror   MirrorConfig   `json:"mirror"`
	API      APIConfig      `json:"api"`
	Recovery RecoveryConfig `json:"recovery"`
}

// BufferConfig bounds the shared circular buffer.
type BufferConfig struct {
	Capacity int `json:"capacity"`
}

// SerialConfig holds default line parameters for connects that omit them.
type SerialConfig struct {
	BaudRate int     `json:"baud_rate"`
	DataBits int     `json:"data_bits"`
	Parity   string  `json:"parity"`
	StopBits float64 `json:"stop_bits"`
}

// LoggingConfig controls the process log. An empty FilePath logs text to
// stdout; otherwise JSON goes to a rotating file.
type LoggingConfig struct {
	Level      string `json:"level"`
	FilePath   string `json:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	Compress   bool   `json:"compress"`
}

// NATSConfig controls the optional event/entry publishing connection.
type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"`
	MaxReconnects int    `json:"max_reconnects"`
	EventSubject  string `json:"event_subject"`
}

// MirrorConfig controls per-port traffic mirroring.
type MirrorConfig struct {
	Enabled       bool   `json:"enabled"`
	BasePath      string `json:"base_path"`
	MaxSizeMB     int    `json:"max_size_mb"`
	MaxBackups    int    `json:"max_backups"`
	Compress      bool   `json:"compress"`
	SubjectPrefix string `json:"subject_prefix"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	ReadTimeoutSec  int    `json:"read_timeout_sec"`
	WriteTimeoutSec int    `json:"write_timeout_sec"`
}

// RecoveryConfig controls automatic reconnection of failed ports.
type RecoveryConfig struct {
	AutoReconnect        bool `json:"auto_reconnect"`
	ReconnectDelaySec    int  `json:"reconnect_delay_sec"`
	MaxReconnectDelaySec int  `json:"max_reconnect_delay_sec"`
}

// Load reads configuration from a JSON file, fills defaults, applies
// environment overrides and validates the result. An empty path yields the
// default configuration (still subject to env overrides).
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.setDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Buffer.Capacity == 0 {
		c.Buffer.Capacity = buffer.DefaultCapacity
	}

	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 115200
	}
	if c.Serial.DataBits == 0 {
		c.Serial.DataBits = 8
	}
	if c.Serial.Parity == "" {
		c.Serial.Parity = "none"
	}
	if c.Serial.StopBits == 0 {
		c.Serial.StopBits = 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.EventSubject == "" {
		c.NATS.EventSubject = "boardbridge.events"
	}

	if c.Mirror.MaxSizeMB == 0 {
		c.Mirror.MaxSizeMB = 50
	}
	if c.Mirror.MaxBackups == 0 {
		c.Mirror.MaxBackups = 3
	}
	if c.Mirror.SubjectPrefix == "" {
		c.Mirror.SubjectPrefix = "boardbridge.traffic"
	}

	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8337
	}
	if c.API.ReadTimeoutSec == 0 {
		c.API.ReadTimeoutSec = 30
	}
	if c.API.WriteTimeoutSec == 0 {
		c.API.WriteTimeoutSec = 30
	}

	if c.Recovery.ReconnectDelaySec == 0 {
		c.Recovery.ReconnectDelaySec = 2
	}
	if c.Recovery.MaxReconnectDelaySec == 0 {
		c.Recovery.MaxReconnectDelaySec = 60
	}
}

// applyEnv overlays BRIDGE_* environment variables on the loaded values.
// Unset or unparsable values leave the configuration untouched.
func (c *Config) applyEnv() {
	envInt("BRIDGE_BUFFER_CAPACITY", &c.Buffer.Capacity)
	envInt("BRIDGE_BAUD_RATE", &c.Serial.BaudRate)
	envString("BRIDGE_LOG_LEVEL", &c.Logging.Level)
	envString("BRIDGE_LOG_FILE", &c.Logging.FilePath)
	envInt("BRIDGE_API_PORT", &c.API.Port)
	envString("BRIDGE_API_HOST", &c.API.Host)
	envBool("BRIDGE_AUTO_RECONNECT", &c.Recovery.AutoReconnect)

	if url := os.Getenv("BRIDGE_NATS_URL"); url != "" {
		c.NATS.Enabled = true
		c.NATS.URL = url
	}
	if path := os.Getenv("BRIDGE_MIRROR_PATH"); path != "" {
		c.Mirror.Enabled = true
		c.Mirror.BasePath = path
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Buffer.Capacity < buffer.MinCapacity || c.Buffer.Capacity > buffer.MaxCapacity {
		return fmt.Errorf("buffer capacity must be between %d and %d, got %d",
			buffer.MinCapacity, buffer.MaxCapacity, c.Buffer.Capacity)
	}

	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("baud rate must be positive, got %d", c.Serial.BaudRate)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("API port must be between 1 and 65535, got %d", c.API.Port)
	}

	if c.Mirror.Enabled && c.Mirror.BasePath == "" {
		return fmt.Errorf("mirror enabled but base_path is empty")
	}

	if c.Recovery.ReconnectDelaySec < 0 {
		return fmt.Errorf("reconnect delay must not be negative, got %d", c.Recovery.ReconnectDelaySec)
	}
	if c.Recovery.MaxReconnectDelaySec < c.Recovery.ReconnectDelaySec {
		return fmt.Errorf("max reconnect delay %d is below initial delay %d",
			c.Recovery.MaxReconnectDelaySec, c.Recovery.ReconnectDelaySec)
	}

	return nil
}
