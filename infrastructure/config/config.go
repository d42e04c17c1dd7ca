package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	AuthzModeClaims   = "claims"
	AuthzModePostgres = "postgres"

	EventBusLocal = "local"
	EventBusRedis = "redis"
	EventBusAMQP  = "amqp"
)

type Config struct {
	ServerPort  string
	ServerHost  string
	Environment string

	StoreDriver string
	DatabaseURL string
	AuthzMode   string

	JWTSecret      string
	JWTAlgorithm   string
	JWTIssuer      string
	AccessTokenTTL time.Duration

	EventBus           string
	RedisURL           string
	RedisChannelPrefix string
	AMQPURL            string
	AMQPExchange       string

	ToggleTimeout        time.Duration
	BroadcastQueueSize   int
	SubscriberBufferSize int

	RateLimitEnabled       bool
	RateLimitToggleLimit   int
	RateLimitToggleWindow  time.Duration
	RateLimitBlockDuration time.Duration

	LogLevel            string
	LogFormat           string
	LogEnableRequestLog bool

	// CORS configuration
	CORSEnabled          bool
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	// SSE configuration
	SSEHeartbeatInterval time.Duration
	SSEMaxConnections    int
}

var (
	ErrMissingDatabaseURL  = errors.New("DATABASE_URL is required for the postgres store or authorizer")
	ErrMissingJWTSecret    = errors.New("JWT_SECRET is required")
	ErrInvalidTokenTTL     = errors.New("invalid token TTL format")
	ErrInvalidJWTAlgorithm = errors.New("invalid JWT algorithm")
	ErrInvalidStoreDriver  = errors.New("STORE_DRIVER must be postgres or memory")
	ErrInvalidAuthzMode    = errors.New("AUTHZ_MODE must be claims or postgres")
	ErrInvalidEventBus     = errors.New("EVENT_BUS must be local, redis or amqp")
	ErrMissingAMQPURL      = errors.New("AMQP_URL is required when EVENT_BUS=amqp")
)

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:  getEnvOrDefault("SERVER_PORT", "8080"),
		ServerHost:  getEnvOrDefault("SERVER_HOST", "localhost"),
		Environment: getEnvOrDefault("ENV", "development"),

		StoreDriver: getEnvOrDefault("STORE_DRIVER", StoreDriverPostgres),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		AuthzMode:   getEnvOrDefault("AUTHZ_MODE", AuthzModeClaims),

		JWTSecret:    os.Getenv("JWT_SECRET"),
		JWTAlgorithm: getEnvOrDefault("JWT_ALG", "HS256"),
		JWTIssuer:    getEnvOrDefault("JWT_ISSUER", ""),

		EventBus:           getEnvOrDefault("EVENT_BUS", EventBusLocal),
		RedisURL:           getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		RedisChannelPrefix: getEnvOrDefault("REDIS_CHANNEL_PREFIX", "flagsync"),
		AMQPURL:            os.Getenv("AMQP_URL"),
		AMQPExchange:       getEnvOrDefault("AMQP_EXCHANGE", "flagsync.events"),

		ToggleTimeout:        getEnvOrDefaultDuration("TOGGLE_TIMEOUT", 5*time.Second),
		BroadcastQueueSize:   getEnvOrDefaultInt("BROADCAST_QUEUE_SIZE", 1024),
		SubscriberBufferSize: getEnvOrDefaultInt("SUBSCRIBER_BUFFER_SIZE", 64),

		RateLimitEnabled:     getEnvOrDefaultBool("RATE_LIMIT_ENABLED", true),
		RateLimitToggleLimit: getEnvOrDefaultInt("RATE_LIMIT_TOGGLE_ATTEMPTS", 60),

		LogLevel:               getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:              getEnvOrDefault("LOG_FORMAT", "json"),
		LogEnableRequestLog:    getEnvOrDefaultBool("LOG_ENABLE_REQUEST_LOG", true),

		CORSEnabled:          getEnvOrDefaultBool("CORS_ENABLED", true),
		CORSAllowCredentials: getEnvOrDefaultBool("CORS_ALLOW_CREDENTIALS", true),
		CORSAllowedOrigins:   parseAllowedOrigins(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "")),

		// SSE configuration
		SSEHeartbeatInterval: getEnvOrDefaultDuration("SSE_HEARTBEAT_INTERVAL", 15*time.Second),
		SSEMaxConnections:    getEnvOrDefaultInt("SSE_MAX_CONNECTIONS", 1000),
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return nil, ErrInvalidStoreDriver
	}
	switch cfg.AuthzMode {
	case AuthzModeClaims, AuthzModePostgres:
	default:
		return nil, ErrInvalidAuthzMode
	}
	switch cfg.EventBus {
	case EventBusLocal, EventBusRedis:
	case EventBusAMQP:
		if cfg.AMQPURL == "" {
			return nil, ErrMissingAMQPURL
		}
	default:
		return nil, ErrInvalidEventBus
	}

	if cfg.DatabaseURL == "" && (cfg.StoreDriver == StoreDriverPostgres || cfg.AuthzMode == AuthzModePostgres) {
		return nil, ErrMissingDatabaseURL
	}

	// Validate JWT configuration
	if cfg.JWTAlgorithm != "HS256" {
		return nil, ErrInvalidJWTAlgorithm
	}
	if cfg.JWTSecret == "" {
		return nil, ErrMissingJWTSecret
	}

	accessTokenTTL, err := parseTokenTTL(getEnvOrDefault("JWT_ACCESS_TOKEN_TTL", "900"))
	if err != nil {
		return nil, ErrInvalidTokenTTL
	}
	cfg.AccessTokenTTL = accessTokenTTL

	toggleWindow, err := parseTokenTTL(getEnvOrDefault("RATE_LIMIT_TOGGLE_WINDOW", "60"))
	if err != nil {
		return nil, ErrInvalidTokenTTL
	}
	cfg.RateLimitToggleWindow = toggleWindow

	blockDuration, err := parseTokenTTL(getEnvOrDefault("RATE_LIMIT_BLOCK_DURATION", "300"))
	if err != nil {
		return nil, ErrInvalidTokenTTL
	}
	cfg.RateLimitBlockDuration = blockDuration

	return cfg, nil
}

// Address is the listen address for the HTTP server
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// interpret as seconds if numeric, else parse like Go duration
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Second
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return defaultValue
		}
		return d
	}
	return defaultValue
}

func parseTokenTTL(value string) (time.Duration, error) {
	seconds, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

func parseAllowedOrigins(value string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			res = append(res, trimmed)
		}
	}
	return res
}
