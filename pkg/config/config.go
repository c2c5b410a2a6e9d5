package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"streamcast/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Transport struct {
		Path           string        `yaml:"path"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		ReadBufferSize int           `yaml:"read_buffer_size"`
		// WriteBufferSize is per connection; frames larger than this are
		// fragmented by the websocket layer.
		WriteBufferSize int           `yaml:"write_buffer_size"`
		MaxMessageBytes int64         `yaml:"max_message_bytes"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"transport"`

	Stream struct {
		DefaultWidth  int           `yaml:"default_width"`
		DefaultHeight int           `yaml:"default_height"`
		MaxFPS        int           `yaml:"max_fps"`
		MinFPS        int           `yaml:"min_fps"`
		TargetFPS     int           `yaml:"target_fps"`
		SyncDelay     time.Duration `yaml:"sync_delay"`
		AutoStart     bool          `yaml:"auto_start"`
	} `yaml:"stream"`

	QoS struct {
		MinQuality           int `yaml:"min_quality"`
		MaxQuality           int `yaml:"max_quality"`
		DefaultQuality       int `yaml:"default_quality"`
		MinBandwidthKbps     int `yaml:"min_bandwidth_kbps"`
		MaxBandwidthKbps     int `yaml:"max_bandwidth_kbps"`
		DefaultBandwidthKbps int `yaml:"default_bandwidth_kbps"`
		DegradeStep          int `yaml:"degrade_step"`
		RecoverStep          int `yaml:"recover_step"`
		FPSRecoveryStep      int `yaml:"fps_recovery_step"`
		LagThresholdDivisor  int `yaml:"lag_threshold_divisor"`
		WindowSize           int `yaml:"window_size"`
	} `yaml:"qos"`

	Health struct {
		CheckInterval time.Duration `yaml:"check_interval"`
		AckTimeout    time.Duration `yaml:"ack_timeout"`
		ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	} `yaml:"health"`

	Encoder struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		SuccessThreshold int           `yaml:"success_threshold"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
	} `yaml:"encoder"`

	Producer struct {
		URL              string        `yaml:"url"`
		ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
	} `yaml:"producer"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsPath       string        `yaml:"metrics_path"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if err := validation.ValidateListenAddress(c.Server.Address); err != nil {
		return fmt.Errorf("server.address: %w", err)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Transport
	if err := validation.ValidatePath(c.Transport.Path); err != nil {
		return fmt.Errorf("transport.path: %w", err)
	}
	if c.Transport.WriteTimeout <= 0 {
		return fmt.Errorf("transport.write_timeout must be > 0")
	}
	if c.Transport.MaxMessageBytes <= 0 {
		return fmt.Errorf("transport.max_message_bytes must be > 0")
	}

	// Stream
	if c.Stream.DefaultWidth <= 0 || c.Stream.DefaultHeight <= 0 {
		return fmt.Errorf("stream.default_width and default_height must be > 0")
	}
	if c.Stream.MinFPS <= 0 {
		return fmt.Errorf("stream.min_fps must be > 0")
	}
	if c.Stream.MaxFPS < c.Stream.MinFPS {
		return fmt.Errorf("stream.max_fps must be >= min_fps")
	}
	if c.Stream.MaxFPS > 1000 {
		return fmt.Errorf("stream.max_fps must be <= 1000")
	}
	if err := validation.ValidateRange(c.Stream.TargetFPS, c.Stream.MinFPS, c.Stream.MaxFPS, "stream.target_fps"); err != nil {
		return err
	}
	if c.Stream.SyncDelay < 0 {
		return fmt.Errorf("stream.sync_delay must be >= 0")
	}

	// QoS
	if c.QoS.MinQuality < 1 || c.QoS.MaxQuality > 100 || c.QoS.MinQuality > c.QoS.MaxQuality {
		return fmt.Errorf("qos quality bounds must satisfy 1 <= min_quality <= max_quality <= 100")
	}
	if c.QoS.DefaultQuality < c.QoS.MinQuality || c.QoS.DefaultQuality > c.QoS.MaxQuality {
		return fmt.Errorf("qos.default_quality must be within [min_quality, max_quality]")
	}
	if c.QoS.MinBandwidthKbps <= 0 || c.QoS.MinBandwidthKbps > c.QoS.MaxBandwidthKbps {
		return fmt.Errorf("qos bandwidth bounds must satisfy 0 < min_bandwidth_kbps <= max_bandwidth_kbps")
	}
	if c.QoS.DefaultBandwidthKbps < c.QoS.MinBandwidthKbps || c.QoS.DefaultBandwidthKbps > c.QoS.MaxBandwidthKbps {
		return fmt.Errorf("qos.default_bandwidth_kbps must be within [min_bandwidth_kbps, max_bandwidth_kbps]")
	}
	if c.QoS.DegradeStep <= 0 || c.QoS.RecoverStep <= 0 {
		return fmt.Errorf("qos.degrade_step and recover_step must be > 0")
	}
	if c.QoS.FPSRecoveryStep < 0 {
		return fmt.Errorf("qos.fps_recovery_step must be >= 0")
	}
	if c.QoS.LagThresholdDivisor <= 0 {
		return fmt.Errorf("qos.lag_threshold_divisor must be > 0")
	}
	if c.QoS.WindowSize <= 0 {
		return fmt.Errorf("qos.window_size must be > 0")
	}

	// Health
	if c.Health.CheckInterval <= 0 {
		return fmt.Errorf("health.check_interval must be > 0")
	}
	if c.Health.AckTimeout <= 0 {
		return fmt.Errorf("health.ack_timeout must be > 0")
	}
	if c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("health.probe_timeout must be > 0")
	}

	// Encoder
	if c.Encoder.FailureThreshold <= 0 {
		return fmt.Errorf("encoder.failure_threshold must be > 0")
	}
	if c.Encoder.SuccessThreshold <= 0 {
		return fmt.Errorf("encoder.success_threshold must be > 0")
	}
	if c.Encoder.OpenTimeout <= 0 {
		return fmt.Errorf("encoder.open_timeout must be > 0")
	}

	// Producer
	if err := validation.ValidateWebSocketURL(c.Producer.URL); err != nil {
		return fmt.Errorf("producer.url: %w", err)
	}
	if c.Producer.ReconnectBackoff <= 0 {
		return fmt.Errorf("producer.reconnect_backoff must be > 0")
	}
	if c.Producer.DialTimeout <= 0 {
		return fmt.Errorf("producer.dial_timeout must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled {
		if err := validation.ValidatePath(c.Monitoring.MetricsPath); err != nil {
			return fmt.Errorf("monitoring.metrics_path: %w", err)
		}
	}
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return loadDefaults()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", configPath, err)
	}
	return cfg, nil
}

// LoadFirst loads the first of paths that exists and returns the path it
// used. Only a missing file moves on to the next path; a file that exists but
// fails to read, parse or validate is an error. With no file at all the
// defaults are used and the returned path is empty.
func LoadFirst(paths []string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, path, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
		cfg, err := Load(path)
		return cfg, path, err
	}
	cfg, err := loadDefaults()
	return cfg, "", err
}

func loadDefaults() (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Transport.Path = "/ws"
	cfg.Transport.WriteTimeout = 2 * time.Second
	cfg.Transport.ReadBufferSize = 4096
	cfg.Transport.WriteBufferSize = 64 * 1024
	cfg.Transport.MaxMessageBytes = 8 * 1024 * 1024
	cfg.Transport.ShutdownTimeout = 5 * time.Second

	cfg.Stream.DefaultWidth = 1280
	cfg.Stream.DefaultHeight = 720
	cfg.Stream.MaxFPS = 30
	cfg.Stream.MinFPS = 10
	cfg.Stream.TargetFPS = 30
	cfg.Stream.SyncDelay = 500 * time.Millisecond
	cfg.Stream.AutoStart = false

	cfg.QoS.MinQuality = 30
	cfg.QoS.MaxQuality = 95
	cfg.QoS.DefaultQuality = 80
	cfg.QoS.MinBandwidthKbps = 256
	cfg.QoS.MaxBandwidthKbps = 8000
	cfg.QoS.DefaultBandwidthKbps = 4000
	cfg.QoS.DegradeStep = 10
	cfg.QoS.RecoverStep = 5
	cfg.QoS.FPSRecoveryStep = 5
	cfg.QoS.LagThresholdDivisor = 3
	cfg.QoS.WindowSize = 10

	cfg.Health.CheckInterval = 5 * time.Second
	cfg.Health.AckTimeout = 15 * time.Second
	cfg.Health.ProbeTimeout = 2 * time.Second

	cfg.Encoder.FailureThreshold = 5
	cfg.Encoder.SuccessThreshold = 2
	cfg.Encoder.OpenTimeout = 10 * time.Second

	cfg.Producer.URL = "ws://localhost:8080/ws"
	cfg.Producer.ReconnectBackoff = 2 * time.Second
	cfg.Producer.DialTimeout = 5 * time.Second
	cfg.Producer.WriteTimeout = 2 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"
	cfg.Monitoring.MetricsInterval = 15 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "streamcast:status"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("STREAMCAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if port := os.Getenv("STREAMCAST_PORT"); port != "" {
		host, _, err := net.SplitHostPort(c.Server.Address)
		if err != nil {
			host = ""
		}
		c.Server.Address = net.JoinHostPort(host, port)
	}
	if url := os.Getenv("STREAMCAST_PRODUCER_URL"); url != "" {
		c.Producer.URL = url
	}
	if level := os.Getenv("STREAMCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("STREAMCAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("STREAMCAST_MAX_BANDWIDTH_KBPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.QoS.MaxBandwidthKbps = n
		}
	}
}

// FrameInterval returns the frame period that corresponds to fps.
func FrameInterval(fps int) time.Duration {
	return time.Second / time.Duration(fps)
}
