package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	GRPC      GRPCConfig      `mapstructure:"grpc" yaml:"grpc"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	Push      PushConfig      `mapstructure:"push" yaml:"push"`
	Poll      PollConfig      `mapstructure:"poll" yaml:"poll"`
	Tracking  TrackingConfig  `mapstructure:"tracking" yaml:"tracking"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// APIConfig points at the backend exposing the status and control endpoints.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Timeout string `mapstructure:"timeout" yaml:"timeout"`
	Token   string `mapstructure:"token" yaml:"token"`
}

// PushConfig configures the WebSocket status channel. An empty URL disables
// push and leaves the tracker in polling-only mode.
type PushConfig struct {
	URL          string  `mapstructure:"url" yaml:"url"`
	BaseDelay    string  `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay     string  `mapstructure:"max_delay" yaml:"max_delay"`
	MaxAttempts  int     `mapstructure:"max_attempts" yaml:"max_attempts"`
	Jitter       float64 `mapstructure:"jitter" yaml:"jitter"`
	DialTimeout  string  `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	PingInterval string  `mapstructure:"ping_interval" yaml:"ping_interval"`
	ReadLimit    int64   `mapstructure:"read_limit" yaml:"read_limit"`
}

type PollConfig struct {
	RunningInterval string `mapstructure:"running_interval" yaml:"running_interval"`
	IdleInterval    string `mapstructure:"idle_interval" yaml:"idle_interval"`
	RequestTimeout  string `mapstructure:"request_timeout" yaml:"request_timeout"`
	StaleAfter      int    `mapstructure:"stale_after" yaml:"stale_after"`
}

type TrackingConfig struct {
	LogCap int `mapstructure:"log_cap" yaml:"log_cap"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
	SinkURL     string `mapstructure:"sink_url" yaml:"sink_url"`
	SinkAPIKey  string `mapstructure:"sink_api_key" yaml:"sink_api_key"`
	SinkSource  string `mapstructure:"sink_source" yaml:"sink_source"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8110,
		},
		GRPC: GRPCConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9120,
		},
		API: APIConfig{
			BaseURL: "http://localhost:8000/api",
			Timeout: "10s",
		},
		Push: PushConfig{
			BaseDelay:    "1s",
			MaxDelay:     "30s",
			MaxAttempts:  5,
			DialTimeout:  "10s",
			PingInterval: "25s",
			ReadLimit:    1 << 20,
		},
		Poll: PollConfig{
			RunningInterval: "1s",
			IdleInterval:    "5s",
			RequestTimeout:  "10s",
			StaleAfter:      3,
		},
		Tracking: TrackingConfig{
			LogCap: 100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "otel-collector:4317",
			ServiceName: "workflow-tracker",
		},
	}
}

// Load reads path (YAML) over the defaults and then applies APP_* environment
// overrides, e.g. APP_API_BASE_URL or APP_PUSH_MAX_ATTEMPTS. A missing file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
				return cfg, err
			}
		}
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("server.enabled", cfg.Server.Enabled)
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("grpc.enabled", cfg.GRPC.Enabled)
	v.SetDefault("grpc.host", cfg.GRPC.Host)
	v.SetDefault("grpc.port", cfg.GRPC.Port)
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.timeout", cfg.API.Timeout)
	v.SetDefault("api.token", cfg.API.Token)
	v.SetDefault("push.url", cfg.Push.URL)
	v.SetDefault("push.base_delay", cfg.Push.BaseDelay)
	v.SetDefault("push.max_delay", cfg.Push.MaxDelay)
	v.SetDefault("push.max_attempts", cfg.Push.MaxAttempts)
	v.SetDefault("push.jitter", cfg.Push.Jitter)
	v.SetDefault("push.dial_timeout", cfg.Push.DialTimeout)
	v.SetDefault("push.ping_interval", cfg.Push.PingInterval)
	v.SetDefault("push.read_limit", cfg.Push.ReadLimit)
	v.SetDefault("poll.running_interval", cfg.Poll.RunningInterval)
	v.SetDefault("poll.idle_interval", cfg.Poll.IdleInterval)
	v.SetDefault("poll.request_timeout", cfg.Poll.RequestTimeout)
	v.SetDefault("poll.stale_after", cfg.Poll.StaleAfter)
	v.SetDefault("tracking.log_cap", cfg.Tracking.LogCap)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.development", cfg.Logging.Development)
	v.SetDefault("logging.sink_url", cfg.Logging.SinkURL)
	v.SetDefault("logging.sink_api_key", cfg.Logging.SinkAPIKey)
	v.SetDefault("logging.sink_source", cfg.Logging.SinkSource)
	v.SetDefault("telemetry.enabled", cfg.Telemetry.Enabled)
	v.SetDefault("telemetry.endpoint", cfg.Telemetry.Endpoint)
	v.SetDefault("telemetry.service_name", cfg.Telemetry.ServiceName)
}

func normalize(cfg *Config) {
	def := Default()
	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")
	cfg.Push.URL = strings.TrimSpace(cfg.Push.URL)
	if cfg.Push.MaxAttempts <= 0 {
		cfg.Push.MaxAttempts = def.Push.MaxAttempts
	}
	if cfg.Push.Jitter < 0 || cfg.Push.Jitter >= 1 {
		cfg.Push.Jitter = 0
	}
	if cfg.Poll.StaleAfter <= 0 {
		cfg.Poll.StaleAfter = def.Poll.StaleAfter
	}
	if cfg.Tracking.LogCap <= 0 {
		cfg.Tracking.LogCap = def.Tracking.LogCap
	}
}

// Duration parses raw, returning fallback when it is empty, malformed or not positive.
func Duration(raw string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func Module(path string) fx.Option {
	return fx.Provide(func() (Config, error) {
		return Load(path)
	})
}
