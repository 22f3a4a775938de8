// Package config loads storefront transport settings from defaults, an optional
// YAML file, optional .env files and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/storefront_transport/pkg/logger"
	"github.com/R3E-Network/storefront_transport/storefront/client"
	"github.com/R3E-Network/storefront_transport/storefront/realtime"
)

// Backoff strategies accepted in RealtimeConfig.Backoff.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// TransportConfig is the complete configuration for the storefront transport.
type TransportConfig struct {
	LogLevel    string            `yaml:"log_level" env:"STOREFRONT_LOG_LEVEL"`
	LogFormat   string            `yaml:"log_format" env:"STOREFRONT_LOG_FORMAT"`
	REST        RESTConfig        `yaml:"rest"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

// RESTConfig configures client.Client.
type RESTConfig struct {
	BaseURL          string        `yaml:"base_url" env:"STOREFRONT_API_URL"`
	Timeout          time.Duration `yaml:"timeout" env:"STOREFRONT_API_TIMEOUT"`
	UserAgent        string        `yaml:"user_agent" env:"STOREFRONT_USER_AGENT"`
	MaxResponseBytes int64         `yaml:"max_response_bytes" env:"STOREFRONT_MAX_RESPONSE_BYTES"`
	RateLimit        float64       `yaml:"rate_limit" env:"STOREFRONT_RATE_LIMIT"`
	RateBurst        int           `yaml:"rate_burst" env:"STOREFRONT_RATE_BURST"`
}

// RealtimeConfig configures realtime.Manager and its websocket transport.
type RealtimeConfig struct {
	URLTemplate string `yaml:"url_template" env:"STOREFRONT_REALTIME_URL"`
	// MaxReconnectAttempts of zero disables reconnection.
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" env:"STOREFRONT_REALTIME_MAX_RECONNECTS"`
	Backoff              string        `yaml:"backoff" env:"STOREFRONT_REALTIME_BACKOFF"`
	InitialDelay         time.Duration `yaml:"initial_delay" env:"STOREFRONT_REALTIME_INITIAL_DELAY"`
	MaxDelay             time.Duration `yaml:"max_delay" env:"STOREFRONT_REALTIME_MAX_DELAY"`
	Multiplier           float64       `yaml:"multiplier" env:"STOREFRONT_REALTIME_MULTIPLIER"`
	Jitter               float64       `yaml:"jitter" env:"STOREFRONT_REALTIME_JITTER"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout" env:"STOREFRONT_REALTIME_CONNECT_TIMEOUT"`
	// StableAfter is how long a reconnected channel must stay up before the
	// reconnect budget is restored. Negative restores it on every connect.
	StableAfter          time.Duration `yaml:"stable_after" env:"STOREFRONT_REALTIME_STABLE_AFTER"`
	PingInterval         time.Duration `yaml:"ping_interval" env:"STOREFRONT_REALTIME_PING_INTERVAL"`
}

// CredentialsConfig selects where the bearer credential comes from. A static token
// wins over Redis.
type CredentialsConfig struct {
	Token         string `yaml:"token" env:"STOREFRONT_TOKEN"`
	RedisAddr     string `yaml:"redis_addr" env:"STOREFRONT_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"STOREFRONT_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"STOREFRONT_REDIS_DB"`
	RedisKey      string `yaml:"redis_key" env:"STOREFRONT_REDIS_KEY"`
}

// Default returns the built-in configuration. BaseURL and URLTemplate have no default.
func Default() *TransportConfig {
	return &TransportConfig{
		LogLevel:  "info",
		LogFormat: "json",
		REST: RESTConfig{
			Timeout:          client.DefaultTimeout,
			MaxResponseBytes: client.DefaultMaxResponseBytes,
			RateBurst:        1,
		},
		Realtime: RealtimeConfig{
			MaxReconnectAttempts: realtime.DefaultMaxReconnectAttempts,
			Backoff:              BackoffFixed,
			InitialDelay:         realtime.DefaultReconnectDelay,
			MaxDelay:             30 * time.Second,
			Multiplier:           2,
			Jitter:               0.2,
			ConnectTimeout:       realtime.DefaultConnectTimeout,
			StableAfter:          realtime.DefaultStableAfter,
			PingInterval:         30 * time.Second,
		},
		Credentials: CredentialsConfig{
			RedisKey: "storefront:session",
		},
	}
}

// LoadOptions controls where Load looks.
type LoadOptions struct {
	// Path is an optional YAML file.
	Path string
	// EnvFiles are loaded into the environment before decoding. Variables already
	// set in the process win. Missing files are an error.
	EnvFiles []string
	// Override runs after the environment is applied and before validation.
	// Command-line flags use it.
	Override func(*TransportConfig)
}

// Load builds a validated configuration.
func Load(opts LoadOptions) (*TransportConfig, error) {
	if len(opts.EnvFiles) > 0 {
		if err := godotenv.Load(opts.EnvFiles...); err != nil {
			return nil, fmt.Errorf("failed to load env files: %w", err)
		}
	}

	cfg := Default()
	if opts.Path != "" {
		if err := cfg.loadFile(opts.Path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *TransportConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *TransportConfig) applyEnv() error {
	if err := envdecode.Decode(c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode environment: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the transport cannot work with.
func (c *TransportConfig) Validate() error {
	var problems []string

	if c.REST.BaseURL == "" {
		problems = append(problems, "rest.base_url is required")
	} else if u, err := url.Parse(c.REST.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, "rest.base_url must be an absolute http(s) URL")
	}
	if c.REST.Timeout <= 0 {
		problems = append(problems, "rest.timeout must be positive")
	}
	if c.REST.RateLimit < 0 {
		problems = append(problems, "rest.rate_limit must not be negative")
	}

	if c.Realtime.URLTemplate != "" {
		u, err := url.Parse(strings.ReplaceAll(c.Realtime.URLTemplate, realtime.IdentityPlaceholder, "x"))
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			problems = append(problems, "realtime.url_template must be an absolute ws(s) URL")
		}
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		problems = append(problems, "realtime.max_reconnect_attempts must not be negative")
	}
	switch c.Realtime.Backoff {
	case BackoffFixed, BackoffExponential:
	default:
		problems = append(problems, fmt.Sprintf("realtime.backoff %q is not one of fixed, exponential", c.Realtime.Backoff))
	}
	if c.Realtime.InitialDelay <= 0 {
		problems = append(problems, "realtime.initial_delay must be positive")
	}
	if c.Realtime.Backoff == BackoffExponential {
		if c.Realtime.MaxDelay < c.Realtime.InitialDelay {
			problems = append(problems, "realtime.max_delay must not be below initial_delay")
		}
		if c.Realtime.Multiplier < 1 {
			problems = append(problems, "realtime.multiplier must be at least 1")
		}
		if c.Realtime.Jitter < 0 || c.Realtime.Jitter > 1 {
			problems = append(problems, "realtime.jitter must be within [0, 1]")
		}
	}
	if c.Realtime.ConnectTimeout <= 0 {
		problems = append(problems, "realtime.connect_timeout must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// NewLogger builds the logger for component at the configured level and format.
func (c *TransportConfig) NewLogger(component string) *logger.Logger {
	return logger.New(component, c.LogLevel, c.LogFormat)
}

// ClientConfig converts the REST section into a client.Config.
func (c *TransportConfig) ClientConfig(creds client.CredentialProvider, log *logger.Logger) client.Config {
	return client.Config{
		BaseURL:          c.REST.BaseURL,
		Credentials:      creds,
		Timeout:          c.REST.Timeout,
		UserAgent:        c.REST.UserAgent,
		MaxResponseBytes: c.REST.MaxResponseBytes,
		RateLimit:        c.REST.RateLimit,
		RateBurst:        c.REST.RateBurst,
		Logger:           log,
	}
}

// BackoffPolicy returns the configured reconnect backoff.
func (r RealtimeConfig) BackoffPolicy() client.BackoffPolicy {
	if r.Backoff == BackoffExponential {
		return client.NewExponentialBackoff(r.InitialDelay, r.Multiplier, r.MaxDelay, r.Jitter)
	}
	return client.FixedBackoff{Delay: r.InitialDelay}
}

// ManagerConfig converts the realtime section into a realtime.Config.
func (c *TransportConfig) ManagerConfig(creds client.CredentialProvider, log *logger.Logger) realtime.Config {
	attempts := c.Realtime.MaxReconnectAttempts
	if attempts == 0 {
		attempts = -1
	}
	return realtime.Config{
		URLTemplate:          c.Realtime.URLTemplate,
		MaxReconnectAttempts: attempts,
		Backoff:              c.Realtime.BackoffPolicy(),
		ConnectTimeout:       c.Realtime.ConnectTimeout,
		StableAfter:          c.Realtime.StableAfter,
		Credentials:          creds,
		Logger:               log,
	}
}

// WebSocketConfig returns the websocket transport settings.
func (c *TransportConfig) WebSocketConfig(log *logger.Logger) realtime.WebSocketConfig {
	ws := realtime.DefaultWebSocketConfig()
	ws.HandshakeTimeout = c.Realtime.ConnectTimeout
	ws.PingInterval = c.Realtime.PingInterval
	ws.Logger = log
	return ws
}
