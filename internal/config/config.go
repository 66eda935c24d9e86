package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Session  SessionConfig  `yaml:"session"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ServerConfig represents server identity configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents REST API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents the device-facing MQTT broker configuration
type MQTTConfig struct {
	URL            string        `yaml:"url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TLSInsecure    bool          `yaml:"tls_insecure"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	QoS            byte          `yaml:"qos"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IngestConfig represents wake/image ingestion configuration
type IngestConfig struct {
	// ChunkStaleness is how long a transfer may sit with no progress
	// before the retry coordinator steps in.
	ChunkStaleness time.Duration `yaml:"chunk_staleness"`
	// SweepInterval is the cadence of the retry/GC sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// MaxRetries bounds automatic resend attempts per image.
	MaxRetries int `yaml:"max_retries"`
	// OverageTolerance is how far a wake may land from a scheduled
	// occurrence and still count as expected.
	OverageTolerance time.Duration `yaml:"overage_tolerance"`
}

// SessionConfig represents daily session lifecycle configuration
type SessionConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SnapshotConfig represents snapshot generation configuration
type SnapshotConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StorageConfig represents assembled image storage configuration
type StorageConfig struct {
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if mqttURL := os.Getenv("MQTT_URL"); mqttURL != "" {
		c.MQTT.URL = mqttURL
	}

	if mqttUser := os.Getenv("MQTT_USERNAME"); mqttUser != "" {
		c.MQTT.Username = mqttUser
	}

	if mqttPass := os.Getenv("MQTT_PASSWORD"); mqttPass != "" {
		c.MQTT.Password = mqttPass
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// setDefaults fills in defaults for unset values
func (c *Config) setDefaults() {
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.MQTT.QoS == 0 {
		c.MQTT.QoS = 1
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "brainlytree-server"
	}

	if c.Ingest.ChunkStaleness == 0 {
		c.Ingest.ChunkStaleness = 2 * time.Minute
	}
	if c.Ingest.SweepInterval == 0 {
		c.Ingest.SweepInterval = 30 * time.Second
	}
	if c.Ingest.MaxRetries == 0 {
		c.Ingest.MaxRetries = 3
	}
	if c.Ingest.OverageTolerance == 0 {
		c.Ingest.OverageTolerance = 15 * time.Minute
	}

	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = time.Minute
	}
	if c.Snapshot.SweepInterval == 0 {
		c.Snapshot.SweepInterval = time.Minute
	}

	if c.Storage.Dir == "" {
		c.Storage.Dir = "images"
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
}
