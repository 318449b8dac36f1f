package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"quizroom/internal/relay"
)

type Config struct {
	Server struct {
		Port            string `yaml:"port"`
		ShutdownTimeout string `yaml:"shutdownTimeout"`
	} `yaml:"server"`
	Relay struct {
		SendBuffer     int    `yaml:"sendBuffer"`
		WriteWait      string `yaml:"writeWait"`
		PongWait       string `yaml:"pongWait"`
		MaxMessageSize int64  `yaml:"maxMessageSize"`
		// RegistryTTL is how long a room stays listed in Redis without a join or leave.
		RegistryTTL string `yaml:"registryTTL"`
	} `yaml:"relay"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl"`
	} `yaml:"quiz"`
	Session struct {
		PresenceTimeout string `yaml:"presenceTimeout"`
		SnapshotTTL     string `yaml:"snapshotTTL"`
	} `yaml:"session"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads YAML config from path and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides connection settings from REDIS_ADDR, REDIS_PASSWORD, REDIS_DB,
// POSTGRES_URL, LOG_LEVEL and LOG_FORMAT when they are set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// RelayOptions merges the relay section into the hub defaults.
func (c Config) RelayOptions() relay.Options {
	opts := relay.DefaultOptions()
	if c.Relay.SendBuffer > 0 {
		opts.SendBuffer = c.Relay.SendBuffer
	}
	if c.Relay.MaxMessageSize > 0 {
		opts.MaxMessageSize = c.Relay.MaxMessageSize
	}
	opts.WriteWait = TTLDuration(c.Relay.WriteWait, opts.WriteWait)
	if pong := TTLDuration(c.Relay.PongWait, 0); pong > 0 {
		opts.PongWait = pong
		opts.PingPeriod = pong * 9 / 10
	}
	return opts
}

// Logger builds a logrus logger from the log section; text output at info level by default.
func (c Config) Logger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(lvl)
	}
	if c.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
