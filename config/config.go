// Package config loads daemon configuration from a YAML file with
// .env / environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transport selects and parameterizes the connection backend.
type Transport struct {
	// Kind is one of serial, tcp, websocket.
	Kind   string `yaml:"kind"`
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
	Addr   string `yaml:"addr"`
	URL    string `yaml:"url"`
}

type Kafka struct {
	Enabled bool   `yaml:"enabled"`
	Broker  string `yaml:"broker"`
	Topic   string `yaml:"topic"`
}

type Config struct {
	Transport Transport `yaml:"transport"`

	StatusIntervalSeconds float64 `yaml:"status_interval_seconds"`
	BufferSize            int     `yaml:"buffer_size"`
	RetentionSeconds      float64 `yaml:"retention_seconds"`
	CommandTimeoutSeconds float64 `yaml:"command_timeout_seconds"`

	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	Kafka Kafka `yaml:"kafka"`
}

func Default() *Config {
	return &Config{
		Transport: Transport{
			Kind:   "serial",
			Device: "/dev/ttyUSB0",
			Baud:   115200,
		},
		StatusIntervalSeconds: 3,
		BufferSize:            128,
		RetentionSeconds:      30,
		CommandTimeoutSeconds: 10,
		HTTPAddr:              ":9091",
		LogLevel:              "info",
		Kafka: Kafka{
			Topic: "grbl-telemetry",
		},
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies GRBLINK_* environment overrides. A .env file in the working
// directory is honored when it exists.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()

	switch cfg.Transport.Kind {
	case "serial", "tcp", "websocket":
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("GRBLINK_TRANSPORT", &c.Transport.Kind)
	setString("GRBLINK_DEVICE", &c.Transport.Device)
	setString("GRBLINK_ADDR", &c.Transport.Addr)
	setString("GRBLINK_URL", &c.Transport.URL)
	setString("GRBLINK_HTTP_ADDR", &c.HTTPAddr)
	setString("GRBLINK_LOG_LEVEL", &c.LogLevel)
	setString("GRBLINK_KAFKA_BROKER", &c.Kafka.Broker)
	setString("GRBLINK_KAFKA_TOPIC", &c.Kafka.Topic)

	if v := os.Getenv("GRBLINK_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transport.Baud = n
		}
	}
	if v := os.Getenv("GRBLINK_KAFKA_ENABLED"); v != "" {
		c.Kafka.Enabled = v == "1" || v == "true"
	}
}

func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSeconds * float64(time.Second))
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds * float64(time.Second))
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds * float64(time.Second))
}
