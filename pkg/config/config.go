package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"callcore-backend/pkg/env"
)

// Config holds all configuration for the call service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	JWT       JWTConfig
	Log       LogConfig
	Call      CallConfig
	Quality   QualityConfig
	Push      PushConfig
	Tracing   TracingConfig
	RateLimit RateLimitConfig
	WebSocket WebSocketConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int
	Environment     string // development, staging, production
	ServiceName     string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	MaxConns   int
	MinConns   int
	MaxRetries int
	Migrate    bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host                string
	Port                int
	Password            string
	DB                  int
	PoolSize            int
	Timeout             time.Duration
	HealthCheckInterval time.Duration
}

// CassandraConfig holds Cassandra configuration. The call timeline is optional;
// an empty host list disables it.
type CassandraConfig struct {
	Hosts    []string
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	Audience          string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// CallConfig holds call lifecycle settings
type CallConfig struct {
	RingTimeout   time.Duration // pending calls nobody answered become missed
	SweepInterval time.Duration
}

// QualityConfig holds connection-quality sampling settings
type QualityConfig struct {
	SampleInterval time.Duration
	StatsTimeout   time.Duration
}

// PushConfig selects the push provider used for incoming and missed call alerts
type PushConfig struct {
	Provider            string // mock, fcm, apns
	FirebaseProjectID   string
	FirebaseCredentials string
	APNsKeyPath         string
	APNsKeyID           string
	APNsTeamID          string
	APNsBundleID        string
	APNsProduction      bool
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled    bool
	JaegerURL  string
	SampleRate float64
}

// RateLimitConfig holds per-user request limits for mutating endpoints
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Burst    int
}

// WebSocketConfig holds event hub settings
type WebSocketConfig struct {
	MaxConnections int
	AllowedOrigins []string
}

// Load loads configuration from a .env file (if present) and the environment
func Load() (*Config, error) {
	// Missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            env.GetInt("PORT", 8083),
			Environment:     env.GetString("ENV", "development"),
			ServiceName:     env.GetString("SERVICE_NAME", "call-service"),
			ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:       env.GetString("DB_HOST", "localhost"),
			Port:       env.GetInt("DB_PORT", 26257),
			User:       env.GetString("DB_USER", "root"),
			Password:   env.GetStringFromFile("DB_PASSWORD", ""),
			Database:   env.GetString("DB_NAME", "callcore"),
			SSLMode:    env.GetString("DB_SSL_MODE", "disable"),
			MaxConns:   env.GetInt("DB_MAX_CONNS", 25),
			MinConns:   env.GetInt("DB_MIN_CONNS", 5),
			MaxRetries: env.GetInt("DB_MAX_RETRIES", 5),
			Migrate:    env.GetBool("DB_MIGRATE", true),
		},
		Redis: RedisConfig{
			Host:                env.GetString("REDIS_HOST", "localhost"),
			Port:                env.GetInt("REDIS_PORT", 6379),
			Password:            env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:                  env.GetInt("REDIS_DB", 0),
			PoolSize:            env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:             env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
			HealthCheckInterval: env.GetDuration("REDIS_HEALTH_INTERVAL", 10*time.Second),
		},
		Cassandra: CassandraConfig{
			Hosts:    env.GetSlice("CASSANDRA_HOSTS", nil),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "callcore"),
			Username: env.GetString("CASSANDRA_USERNAME", ""),
			Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  env.GetDuration("CASSANDRA_TIMEOUT", 600*time.Millisecond),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			Audience:          env.GetString("JWT_AUDIENCE", "callcore-api"),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/call-service.log"),
		},
		Call: CallConfig{
			RingTimeout:   env.GetDuration("CALL_RING_TIMEOUT", 60*time.Second),
			SweepInterval: env.GetDuration("CALL_SWEEP_INTERVAL", 10*time.Second),
		},
		Quality: QualityConfig{
			SampleInterval: env.GetDuration("QUALITY_SAMPLE_INTERVAL", time.Second),
			StatsTimeout:   env.GetDuration("QUALITY_STATS_TIMEOUT", 500*time.Millisecond),
		},
		Push: PushConfig{
			Provider:            env.GetString("PUSH_PROVIDER", "mock"),
			FirebaseProjectID:   env.GetStringFromFile("FIREBASE_PROJECT_ID", ""),
			FirebaseCredentials: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
			APNsKeyPath:         env.GetString("APNS_KEY_PATH", ""),
			APNsKeyID:           env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:          env.GetString("APNS_TEAM_ID", ""),
			APNsBundleID:        env.GetString("APNS_BUNDLE_ID", ""),
			APNsProduction:      env.GetBool("APNS_PRODUCTION", false),
		},
		Tracing: TracingConfig{
			Enabled:    env.GetBool("TRACING_ENABLED", false),
			JaegerURL:  env.GetString("JAEGER_URL", "http://localhost:14268/api/traces"),
			SampleRate: env.GetFloat("TRACING_SAMPLE_RATE", 1.0),
		},
		RateLimit: RateLimitConfig{
			Requests: env.GetInt("RATE_LIMIT_REQUESTS", 60),
			Window:   env.GetDuration("RATE_LIMIT_WINDOW", time.Minute),
			Burst:    env.GetInt("RATE_LIMIT_BURST", 10),
		},
		WebSocket: WebSocketConfig{
			MaxConnections: env.GetInt("WS_MAX_CONNECTIONS", 1000),
			AllowedOrigins: env.GetSlice("WS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production safeguards
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Push.Provider == "mock" {
			return fmt.Errorf("PUSH_PROVIDER=mock is not allowed in production")
		}
	}

	if c.Quality.SampleInterval <= 0 {
		return fmt.Errorf("QUALITY_SAMPLE_INTERVAL must be positive")
	}
	if c.Call.RingTimeout <= 0 || c.Call.SweepInterval <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT and CALL_SWEEP_INTERVAL must be positive")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}

	return nil
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
