// Package config holds the single configuration value shared by the broker,
// workers and the worker factory. It is built once at process start and
// passed explicitly to every component; nothing reads it from globals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aceteam-ai/meshdispatch/internal/proto"
)

// DefaultHeartbeatInterval is the system-wide heartbeat cadence. Broker and
// workers must agree on it or liveness detection misfires.
const DefaultHeartbeatInterval = 250 * time.Millisecond

// Config is the immutable configuration value.
type Config struct {
	// Host is the interface the broker binds and workers connect to
	Host string `yaml:"host"`

	// ClientPort is where clients submit jobs
	ClientPort int `yaml:"client_port"`

	// WorkerPort is where workers register and heartbeat
	WorkerPort int `yaml:"worker_port"`

	// StatusPort serves health, stats and metrics
	StatusPort int `yaml:"status_port"`

	// HeartbeatInterval bounds each communicator poll and the broker's liveness sweep
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatMisses is how many silent intervals the broker tolerates
	HeartbeatMisses int `yaml:"heartbeat_misses"`

	// SendRetries is how many immediate attempts a channel makes before failing
	SendRetries int `yaml:"send_retries"`

	// SubmitRate and SubmitBurst limit job submissions per client connection
	SubmitRate  float64 `yaml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst"`

	Factory FactoryConfig `yaml:"factory"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
}

// FactoryConfig configures worker discovery and launching.
type FactoryConfig struct {
	// MaxWorkers caps concurrently running worker processes
	MaxWorkers int `yaml:"max_workers"`

	// Extension selects descriptor files, including the leading period
	Extension string `yaml:"extension"`

	// SearchDirs are scanned in order; later descriptors override earlier ones
	SearchDirs []string `yaml:"search_dirs"`

	// Args are appended to every spawned worker's command line
	Args []string `yaml:"args"`

	// InheritOutput connects worker stdout/stderr to the broker's
	InheritOutput bool `yaml:"inherit_output"`
}

// RedisConfig configures the optional job status publisher.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Channel  string `yaml:"channel"`
	Stream   string `yaml:"stream"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string         `yaml:"level"`
	Format      string         `yaml:"format"`
	Outputs     []string       `yaml:"outputs"`
	Development bool           `yaml:"development"`
	Rotation    RotationConfig `yaml:"rotation"`
}

// RotationConfig enables size based rotation for file outputs.
type RotationConfig struct {
	Enable     bool `yaml:"enable"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// Default returns a Config with defaults, overridden by MESHDISPATCH_* environment variables.
func Default() Config {
	return Config{
		Host:              getEnvOrDefault("MESHDISPATCH_HOST", proto.DefaultHost),
		ClientPort:        getEnvInt("MESHDISPATCH_CLIENT_PORT", proto.DefaultClientPort),
		WorkerPort:        getEnvInt("MESHDISPATCH_WORKER_PORT", proto.DefaultWorkerPort),
		StatusPort:        getEnvInt("MESHDISPATCH_STATUS_PORT", proto.DefaultStatusPort),
		HeartbeatInterval: getEnvDuration("MESHDISPATCH_HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		HeartbeatMisses:   getEnvInt("MESHDISPATCH_HEARTBEAT_MISSES", 4),
		SendRetries:       5,
		SubmitRate:        50,
		SubmitBurst:       100,
		Factory: FactoryConfig{
			MaxWorkers: getEnvInt("MESHDISPATCH_MAX_WORKERS", 1),
			Extension:  getEnvOrDefault("MESHDISPATCH_WORKER_EXTENSION", ".rw"),
			SearchDirs: getEnvList("MESHDISPATCH_WORKER_DIRS", []string{"."}),
		},
		Redis: RedisConfig{
			URL:      os.Getenv("REDIS_URL"),
			Password: os.Getenv("REDIS_PASSWORD"),
			Channel:  "meshdispatch:status",
			Stream:   "meshdispatch:status:stream",
		},
		Log: LogConfig{
			Level:   getEnvOrDefault("MESHDISPATCH_LOG_LEVEL", "info"),
			Format:  getEnvOrDefault("MESHDISPATCH_LOG_FORMAT", "console"),
			Outputs: []string{"stderr"},
		},
	}
}

// Load reads a YAML file on top of Default(). An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	for _, p := range []int{c.ClientPort, c.WorkerPort, c.StatusPort} {
		if p < 0 || p > 65535 {
			return ErrInvalidPort
		}
	}
	if c.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeat
	}
	if c.HeartbeatMisses < 2 {
		return ErrInvalidHeartbeatMisses
	}
	if c.SendRetries < 1 {
		return ErrInvalidRetries
	}
	if c.Factory.MaxWorkers < 0 {
		return ErrInvalidMaxWorkers
	}
	if !strings.HasPrefix(c.Factory.Extension, ".") || len(c.Factory.Extension) < 2 {
		return ErrInvalidExtension
	}
	return nil
}

// HeartbeatTimeout is how long the broker waits before declaring a worker dead.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatMisses) * c.HeartbeatInterval
}

// WorkerConnection is the endpoint workers dial.
func (c Config) WorkerConnection() proto.ServerConnection {
	return proto.NewServerConnection(c.Host, c.WorkerPort)
}

// ClientConnection is the endpoint clients dial.
func (c Config) ClientConnection() proto.ServerConnection {
	return proto.NewServerConnection(c.Host, c.ClientPort)
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("500ms") or plain milliseconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

// getEnvList splits a path-list style environment variable
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, string(os.PathListSeparator)) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
