package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "energymeter/backend/libs/config"
)

// Sources and sinks.
const (
	SourceSimulated = "simulated"
	SourceCSV       = "csv"

	SinkHTTP = "http"
	SinkSQL  = "sql"
	SinkMQTT = "mqtt"
)

// Config defines meter agent configuration.
type Config struct {
	DeviceID  string          `yaml:"deviceId" env:"METER_DEVICE_ID"`
	HTTP      HTTPConfig      `yaml:"http"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Upload    UploadConfig    `yaml:"upload"`
	Database  DatabaseConfig  `yaml:"database"`
	Ingest    IngestConfig    `yaml:"ingest"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Redis     RedisConfig     `yaml:"redis"`
	Admin     AdminConfig     `yaml:"admin"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

type HTTPConfig struct {
	Port string `yaml:"port" env:"METER_HTTP_PORT"`
}

type SamplingConfig struct {
	IntervalMs int     `yaml:"samplingIntervalMs" env:"METER_SAMPLING_INTERVAL_MS"`
	Phases     []int   `yaml:"phases" env:"METER_PHASES"`
	Source     string  `yaml:"source" env:"METER_SOURCE"`
	CSVPath    string  `yaml:"csvPath" env:"METER_CSV_PATH"`
	FaultRate  float64 `yaml:"faultRate" env:"METER_FAULT_RATE"`
	ResetAfter int     `yaml:"resetAfter" env:"METER_RESET_AFTER"`
	Seed       int64   `yaml:"seed" env:"METER_SEED"`
}

type BufferConfig struct {
	Capacity int `yaml:"capacity" env:"METER_BUFFER_CAPACITY"`
}

type UploadConfig struct {
	IntervalMs   int    `yaml:"uploadIntervalMs" env:"METER_UPLOAD_INTERVAL_MS"`
	BatchSize    int    `yaml:"batchSize" env:"METER_BATCH_SIZE"`
	MaxBackoffMs int    `yaml:"maxBackoffMs" env:"METER_MAX_BACKOFF_MS"`
	TimeoutMs    int    `yaml:"timeoutMs" env:"METER_UPLOAD_TIMEOUT_MS"`
	Sink         string `yaml:"sink" env:"METER_SINK"`
}

type DatabaseConfig struct {
	Driver     string `yaml:"driver" env:"METER_DB_DRIVER"`
	DSN        string `yaml:"dsn" env:"METER_POSTGRES_DSN"`
	SQLitePath string `yaml:"sqlitePath" env:"METER_SQLITE_PATH"`
}

type IngestConfig struct {
	URL         string `yaml:"url" env:"METER_INGEST_URL"`
	TokenSecret string `yaml:"tokenSecret" env:"METER_INGEST_TOKEN_SECRET"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker" env:"METER_MQTT_BROKER"`
	Port        int    `yaml:"port" env:"METER_MQTT_PORT"`
	ClientID    string `yaml:"clientId" env:"METER_MQTT_CLIENT_ID"`
	TopicPrefix string `yaml:"topicPrefix" env:"METER_MQTT_TOPIC_PREFIX"`
}

type RedisConfig struct {
	Addr               string `yaml:"addr" env:"METER_REDIS_ADDR"`
	Password           string `yaml:"password" env:"METER_REDIS_PASSWORD"`
	DB                 int    `yaml:"db" env:"METER_REDIS_DB"`
	QuarantineTTLHours int    `yaml:"quarantineTtlHours" env:"METER_QUARANTINE_TTL_HOURS"`
}

type AdminConfig struct {
	User         string `yaml:"user" env:"METER_ADMIN_USER"`
	PasswordHash string `yaml:"passwordHash" env:"METER_ADMIN_PASSWORD_HASH"`
}

type WebSocketConfig struct {
	WriteTimeoutSeconds int `yaml:"writeTimeoutSeconds" env:"METER_WS_WRITE_TIMEOUT"`
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := defaults()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DeviceID: "pzem-01",
		HTTP:     HTTPConfig{Port: "8090"},
		Sampling: SamplingConfig{
			IntervalMs: 1000,
			Phases:     []int{0},
			Source:     SourceSimulated,
		},
		Buffer: BufferConfig{Capacity: 500},
		Upload: UploadConfig{
			IntervalMs:   5000,
			BatchSize:    50,
			MaxBackoffMs: 60000,
			TimeoutMs:    10000,
			Sink:         SinkHTTP,
		},
		Database: DatabaseConfig{
			Driver:     "sqlite3",
			SQLitePath: "data/readings.db",
		},
		Ingest: IngestConfig{URL: "http://localhost:8085"},
		MQTT: MQTTConfig{
			Port:        1883,
			ClientID:    "meter-agent",
			TopicPrefix: "meters",
		},
		Redis:     RedisConfig{QuarantineTTLHours: 168},
		Admin:     AdminConfig{User: "admin"},
		WebSocket: WebSocketConfig{WriteTimeoutSeconds: 10},
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DeviceID) == "" {
		errs = append(errs, errors.New("device id required"))
	}
	if c.Sampling.IntervalMs <= 0 {
		errs = append(errs, errors.New("samplingIntervalMs must be positive"))
	}
	if len(c.Sampling.Phases) == 0 {
		errs = append(errs, errors.New("at least one phase required"))
	}
	for _, p := range c.Sampling.Phases {
		if p < 0 {
			errs = append(errs, fmt.Errorf("invalid phase %d", p))
		}
	}
	if c.Sampling.FaultRate < 0 || c.Sampling.FaultRate > 1 {
		errs = append(errs, errors.New("faultRate must be within [0, 1]"))
	}
	switch c.Sampling.Source {
	case SourceSimulated:
	case SourceCSV:
		if strings.TrimSpace(c.Sampling.CSVPath) == "" {
			errs = append(errs, errors.New("csvPath required for csv source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source %q", c.Sampling.Source))
	}

	if c.Buffer.Capacity <= 0 {
		errs = append(errs, errors.New("buffer capacity must be positive"))
	}
	if c.Upload.IntervalMs <= 0 {
		errs = append(errs, errors.New("uploadIntervalMs must be positive"))
	}
	if c.Upload.BatchSize <= 0 {
		errs = append(errs, errors.New("batchSize must be positive"))
	} else if c.Buffer.Capacity > 0 && c.Upload.BatchSize > c.Buffer.Capacity {
		errs = append(errs, fmt.Errorf("batchSize %d exceeds buffer capacity %d", c.Upload.BatchSize, c.Buffer.Capacity))
	}
	if c.Upload.MaxBackoffMs < c.Upload.IntervalMs {
		errs = append(errs, errors.New("maxBackoffMs must be >= uploadIntervalMs"))
	}

	switch c.Upload.Sink {
	case SinkHTTP:
		if strings.TrimSpace(c.Ingest.URL) == "" {
			errs = append(errs, errors.New("ingest url required for http sink"))
		}
	case SinkSQL:
		switch c.Database.Driver {
		case "pgx":
			if strings.TrimSpace(c.Database.DSN) == "" {
				errs = append(errs, errors.New("database dsn required for pgx driver"))
			}
		case "sqlite3":
			if strings.TrimSpace(c.Database.SQLitePath) == "" {
				errs = append(errs, errors.New("sqlitePath required for sqlite3 driver"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
		}
	case SinkMQTT:
		if strings.TrimSpace(c.MQTT.Broker) == "" {
			errs = append(errs, errors.New("mqtt broker required for mqtt sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink %q", c.Upload.Sink))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8090"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

func (c *Config) SamplingInterval() time.Duration {
	return time.Duration(c.Sampling.IntervalMs) * time.Millisecond
}

func (c *Config) UploadInterval() time.Duration {
	return time.Duration(c.Upload.IntervalMs) * time.Millisecond
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Upload.MaxBackoffMs) * time.Millisecond
}

func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Upload.TimeoutMs) * time.Millisecond
}

// QuarantineTTL returns ttl as duration.
func (c *Config) QuarantineTTL() time.Duration {
	if c.Redis.QuarantineTTLHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.Redis.QuarantineTTLHours) * time.Hour
}

func (c *Config) WriteTimeout() time.Duration {
	if c.WebSocket.WriteTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.WebSocket.WriteTimeoutSeconds) * time.Second
}
