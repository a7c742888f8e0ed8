// Package config загружает конфигурацию causalrepo-server из YAML файла.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iudanet/causalrepo/internal/models"
)

// SecretEnv переопределяет auth.jwt_secret из файла
const SecretEnv = "CAUSALREPO_JWT_SECRET"

// Драйверы хранилища
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverRedis  = "redis"
)

// ErrInvalidConfig возвращается Validate
var ErrInvalidConfig = errors.New("invalid config")

// Duration - time.Duration, записываемая в YAML строкой вида "30s"
type Duration time.Duration

// UnmarshalYAML разбирает строку через time.ParseDuration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("failed to decode duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("failed to parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML записывает длительность строкой
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config - конфигурация сервера
type Config struct {
	Listen           string          `yaml:"listen"`
	Store            StoreConfig     `yaml:"store"`
	Auth             AuthConfig      `yaml:"auth"`
	Server           ServerConfig    `yaml:"server"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	CommandRateLimit RateLimitConfig `yaml:"command_rate_limit"`
	Log              LogConfig       `yaml:"log"`
	Metrics          MetricsConfig   `yaml:"metrics"`
}

// StoreConfig выбирает backend хранилища
type StoreConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig - параметры подключения к redis
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	Namespace string `yaml:"namespace"`
	DB        int    `yaml:"db"`
}

// AuthConfig - параметры JWT токенов устройств
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	TokenTTL  Duration `yaml:"token_ttl"`
	Required  bool     `yaml:"required"`
}

// ServerConfig - параметры causal repo сервера
type ServerConfig struct {
	DefaultDeviceSelector *models.DeviceSelector `yaml:"default_device_selector"`
	AutoSaveInterval      Duration               `yaml:"auto_save_interval"`
	SendQueueSize         int                    `yaml:"send_queue_size"`
}

// RateLimitConfig - requests запросов за window на ключ; 0 выключает лимит
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// LogConfig - уровень и формат логов
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig включает /metrics
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	return Config{
		Listen: ":8080",
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "causalrepo.db",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				Namespace: "causalrepo",
			},
		},
		Auth: AuthConfig{
			TokenTTL: Duration(30 * 24 * time.Hour),
			Required: true,
		},
		Server: ServerConfig{
			AutoSaveInterval: Duration(5 * time.Minute),
			SendQueueSize:    256,
		},
		RateLimit: RateLimitConfig{
			Requests: 60,
			Window:   Duration(time.Minute),
		},
		CommandRateLimit: RateLimitConfig{
			Requests: 100,
			Window:   Duration(time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load читает файл поверх значений по умолчанию и применяет переменные окружения.
// Пустой path означает конфигурацию без файла.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if secret := os.Getenv(SecretEnv); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	return cfg, nil
}

// Validate проверяет согласованность значений
func (c Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverBolt:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for %s", c.Store.Driver))
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("auth.jwt_secret is empty (set it in the file or %s)", SecretEnv))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Server.AutoSaveInterval < 0 {
		errs = append(errs, errors.New("server.auto_save_interval must not be negative"))
	}
	if c.Server.SendQueueSize <= 0 {
		errs = append(errs, errors.New("server.send_queue_size must be positive"))
	}
	if c.RateLimit.Requests < 0 || (c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate_limit needs a positive window"))
	}
	if c.CommandRateLimit.Requests < 0 || (c.CommandRateLimit.Requests > 0 && c.CommandRateLimit.Window <= 0) {
		errs = append(errs, errors.New("command_rate_limit needs a positive window"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// SlogLevel переводит log.level в slog.Level
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", l.Level)
	}
	return level, nil
}

// NewLogger строит logger по log.format и log.level
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
