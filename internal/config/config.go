// Package config loads service configuration from a YAML file with
// environment overrides. A .env file, when present, is folded into the
// environment first so local development needs no exported variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for the backend service and
// the terminal agent.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Lock     LockConfig     `yaml:"lock"`
	Payment  PaymentConfig  `yaml:"payment"`
	Sync     SyncConfig     `yaml:"sync"`
	Terminal TerminalConfig `yaml:"terminal"`
	Auth     AuthConfig     `yaml:"auth"`
	Tax      TaxConfig      `yaml:"tax"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RabbitMQConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	Enabled  bool   `yaml:"enabled"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type LockConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type PaymentConfig struct {
	Processor     string            `yaml:"processor"`
	Settings      map[string]string `yaml:"settings"`
	CallTimeout   time.Duration     `yaml:"call_timeout"`
	StatusRetries int               `yaml:"status_retries"`
	StatusDelay   time.Duration     `yaml:"status_delay"`
}

type SyncConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type TerminalConfig struct {
	WorkstationID string `yaml:"workstation_id"`
	RVCID         string `yaml:"rvc_id"`
	ReplicaPath   string `yaml:"replica_path"`
	GrantSize     int64  `yaml:"grant_size"`
	BackendURL    string `yaml:"backend_url"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type TaxConfig struct {
	// RateBasisPoints is the add-on sales tax rate, e.g. 800 for 8%.
	RateBasisPoints int64 `yaml:"rate_basis_points"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		RabbitMQ: RabbitMQConfig{Host: "localhost", Port: 5672, User: "guest", Password: "guest"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Lock:     LockConfig{TTL: 90 * time.Second},
		Payment: PaymentConfig{
			Processor:     "mock",
			CallTimeout:   10 * time.Second,
			StatusRetries: 3,
			StatusDelay:   2 * time.Second,
		},
		Sync: SyncConfig{
			Interval:    5 * time.Second,
			BackoffBase: time.Second,
			BackoffMax:  5 * time.Minute,
			MaxAttempts: 8,
		},
		Terminal: TerminalConfig{GrantSize: 100, ReplicaPath: "terminal.db"},
		Tax:      TaxConfig{RateBasisPoints: 800},
	}
}

// Load reads the YAML file at path (optional), then applies environment
// overrides. Secrets are expected from the environment, never the file.
func Load(path string) (Config, error) {
	// Missing .env is fine; exported variables still apply.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("CAPS_HTTP_ADDR", &cfg.HTTP.Addr)
	envStr("CAPS_DATABASE_URL", &cfg.Database.URL)
	envStr("CAPS_RABBITMQ_HOST", &cfg.RabbitMQ.Host)
	envInt("CAPS_RABBITMQ_PORT", &cfg.RabbitMQ.Port)
	envStr("CAPS_RABBITMQ_USER", &cfg.RabbitMQ.User)
	envStr("CAPS_RABBITMQ_PASSWORD", &cfg.RabbitMQ.Password)
	envStr("CAPS_REDIS_ADDR", &cfg.Redis.Addr)
	envStr("CAPS_REDIS_PASSWORD", &cfg.Redis.Password)
	envStr("CAPS_PAYMENT_PROCESSOR", &cfg.Payment.Processor)
	envStr("CAPS_JWT_SECRET", &cfg.Auth.JWTSecret)
	envStr("CAPS_WORKSTATION_ID", &cfg.Terminal.WorkstationID)
	envStr("CAPS_RVC_ID", &cfg.Terminal.RVCID)
	envStr("CAPS_REPLICA_PATH", &cfg.Terminal.ReplicaPath)
	envStr("CAPS_BACKEND_URL", &cfg.Terminal.BackendURL)
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
