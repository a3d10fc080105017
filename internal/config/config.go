// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP/WebSocket server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN. When empty the server runs without user and token stores.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTKeyID is the kid published in the JWK set.
	JWTKeyID string `mapstructure:"JWT_KEY_ID"`
	// JWTAudienceWeb and JWTAudienceMobile make up the aud claim of access tokens.
	JWTAudienceWeb    string `mapstructure:"JWT_AUDIENCE_WEB"`
	JWTAudienceMobile string `mapstructure:"JWT_AUDIENCE_MOBILE"`
	// JWTAccessTTLMinutes is the access token lifetime in minutes.
	JWTAccessTTLMinutes int `mapstructure:"JWT_ACCESS_TTL_MINUTES"`
	// JWTRefreshTTLDays is the refresh token lifetime in days.
	JWTRefreshTTLDays int `mapstructure:"JWT_REFRESH_TTL_DAYS"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// TokenStatusCheck enables the stored-token status check on CONNECT and on bearer-protected routes.
	TokenStatusCheck bool `mapstructure:"TOKEN_STATUS_CHECK"`
	// TokenCacheTTL is how long a positive token status result is cached (e.g. "300s").
	TokenCacheTTL string `mapstructure:"TOKEN_CACHE_TTL"`
	// TokenCacheSize bounds the token status cache.
	TokenCacheSize int `mapstructure:"TOKEN_CACHE_SIZE"`
	// RedisURL is the Redis URL (redis://...) or host:port for revocation markers. Empty disables them.
	RedisURL string `mapstructure:"REDIS_URL"`

	// PolicyEngine selects the destination authorizer: "rules" (default) or "opa".
	PolicyEngine string `mapstructure:"POLICY_ENGINE"`
	// SessionIdleTimeout is how long a real-time session may stay silent before the sweeper removes it.
	SessionIdleTimeout string `mapstructure:"SESSION_IDLE_TIMEOUT"`
	// SessionSweepInterval is how often the sweeper runs.
	SessionSweepInterval string `mapstructure:"SESSION_SWEEP_INTERVAL"`
	// WSAllowedOrigins is a comma-separated list of allowed WebSocket origins. Empty allows any origin.
	WSAllowedOrigins string `mapstructure:"WS_ALLOWED_ORIGINS"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is "console" (tint) or "json".
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// OTelEndpoint is the OTLP gRPC collector endpoint. Empty disables OpenTelemetry.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTelServiceName is the service.name resource attribute.
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
	// OTelInsecure disables TLS for the OTLP exporters.
	OTelInsecure bool `mapstructure:"OTEL_INSECURE"`

	// Presence events (optional). When Kafka brokers are set, connection lifecycle events are emitted to Kafka.
	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// PresenceKafkaTopic is the Kafka topic for presence events.
	PresenceKafkaTopic string `mapstructure:"PRESENCE_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the presence worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the presence worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("JWT_PRIVATE_KEY", "/etc/citycab/keys/private_key.pem")
	v.SetDefault("JWT_PUBLIC_KEY", "/etc/citycab/keys/public_key.pem")
	v.SetDefault("JWT_ISSUER", "citycab")
	v.SetDefault("JWT_KEY_ID", "citycab-RSA-Key")
	v.SetDefault("JWT_AUDIENCE_WEB", "web")
	v.SetDefault("JWT_AUDIENCE_MOBILE", "mobile")
	v.SetDefault("JWT_ACCESS_TTL_MINUTES", 60)
	v.SetDefault("JWT_REFRESH_TTL_DAYS", 7)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("TOKEN_STATUS_CHECK", true)
	v.SetDefault("TOKEN_CACHE_TTL", "300s")
	v.SetDefault("TOKEN_CACHE_SIZE", 10000)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("POLICY_ENGINE", "rules")
	v.SetDefault("SESSION_IDLE_TIMEOUT", "5m")
	v.SetDefault("SESSION_SWEEP_INTERVAL", "1m")
	v.SetDefault("WS_ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "citycab-realtime")
	v.SetDefault("OTEL_INSECURE", true)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("PRESENCE_KAFKA_TOPIC", "citycab-presence")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "citycab-presence-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.JWTIssuer == "" {
		return nil, errors.New("config: JWT_ISSUER must be set")
	}
	if cfg.JWTAccessTTLMinutes <= 0 {
		return nil, errors.New("config: JWT_ACCESS_TTL_MINUTES must be positive")
	}
	if cfg.JWTRefreshTTLDays <= 0 {
		return nil, errors.New("config: JWT_REFRESH_TTL_DAYS must be positive")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	cfg.PolicyEngine = strings.ToLower(strings.TrimSpace(cfg.PolicyEngine))
	switch cfg.PolicyEngine {
	case "", "rules":
		cfg.PolicyEngine = "rules"
	case "opa":
	default:
		return nil, errors.New("config: POLICY_ENGINE must be rules or opa")
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "console", "json", "":
	default:
		return nil, errors.New("config: LOG_FORMAT must be console or json")
	}

	return &cfg, nil
}

// AccessTTL returns the access token lifetime.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.JWTAccessTTLMinutes) * time.Minute
}

// RefreshTTL returns the refresh token lifetime.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.JWTRefreshTTLDays) * 24 * time.Hour
}

// Audiences returns the aud values stamped on access tokens, skipping blanks.
func (c *Config) Audiences() []string {
	out := make([]string, 0, 2)
	for _, a := range []string{c.JWTAudienceWeb, c.JWTAudienceMobile} {
		if s := strings.TrimSpace(a); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// TokenCacheDuration parses TokenCacheTTL. Returns 300s if unset or invalid.
func (c *Config) TokenCacheDuration() time.Duration {
	return parseDurationOr(c.TokenCacheTTL, 300*time.Second)
}

// IdleTimeout parses SessionIdleTimeout. Returns 5m if unset or invalid.
func (c *Config) IdleTimeout() time.Duration {
	return parseDurationOr(c.SessionIdleTimeout, 5*time.Minute)
}

// SweepInterval parses SessionSweepInterval. Returns 1m if unset or invalid.
func (c *Config) SweepInterval() time.Duration {
	return parseDurationOr(c.SessionSweepInterval, time.Minute)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if presence events are enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitCSV(c.KafkaBrokers)
}

// AllowedOrigins returns the WebSocket origin allow-list. Empty means any origin.
func (c *Config) AllowedOrigins() []string {
	if c == nil {
		return nil
	}
	return splitCSV(c.WSAllowedOrigins)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
