package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"factoryos-sync/internal/domain"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	CORS      CORSConfig
	Logging   LoggingConfig
	Sync      SyncConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	Env             string
	ShutdownTimeout time.Duration
}

const (
	DriverSQLite  = "sqlite"
	DriverCouchDB = "couchdb"
)

type DatabaseConfig struct {
	Driver     string
	SQLitePath string
	Host       string
	Port       string
	User       string
	Password   string
	Name       string
}

// CouchURL is the kivik DSN for the CouchDB driver.
func (d DatabaseConfig) CouchURL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", d.User, d.Password, d.Host, d.Port)
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type WebSocketConfig struct {
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	MaxConnPerTenant int
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level string
}

type SyncConfig struct {
	DefaultStrategy  domain.Strategy
	VersionPolicy    domain.VersionPolicy
	PullDefaultLimit int
	PullMaxLimit     int
	CASRetries       int
}

func Load() (*Config, error) {
	godotenv.Load()

	jwtExp, err := time.ParseDuration(getEnv("JWT_EXPIRATION", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_EXPIRATION: %w", err)
	}

	shutdown, err := time.ParseDuration(getEnv("SHUTDOWN_TIMEOUT", "15s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	strategy, ok := domain.ParseStrategy(getEnv("SYNC_DEFAULT_STRATEGY", string(domain.StrategyLastWriteWins)))
	if !ok {
		return nil, fmt.Errorf("invalid SYNC_DEFAULT_STRATEGY: %q", os.Getenv("SYNC_DEFAULT_STRATEGY"))
	}

	policy := domain.VersionPolicy(getEnv("VERSION_POLICY", string(domain.VersionPolicyClient)))
	if !policy.Valid() {
		return nil, fmt.Errorf("invalid VERSION_POLICY: %q", policy)
	}

	driver := getEnv("DB_DRIVER", DriverSQLite)
	if driver != DriverSQLite && driver != DriverCouchDB {
		return nil, fmt.Errorf("invalid DB_DRIVER: %q", driver)
	}

	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Host:            getEnv("HOST", "0.0.0.0"),
			Env:             getEnv("ENV", "development"),
			ShutdownTimeout: shutdown,
		},
		Database: DatabaseConfig{
			Driver:     driver,
			SQLitePath: getEnv("SQLITE_PATH", "file:factoryos-sync.db"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5984"),
			User:       getEnv("DB_USER", "admin"),
			Password:   getEnv("DB_PASSWORD", "password"),
			Name:       getEnv("DB_NAME", "factoryos_sync"),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "dev-secret-change-in-production"),
			Expiration: jwtExp,
		},
		WebSocket: WebSocketConfig{
			WriteWait:        10 * time.Second,
			PongWait:         60 * time.Second,
			PingPeriod:       54 * time.Second,
			MaxConnPerTenant: getEnvAsInt("WS_MAX_CONN_PER_TENANT", 500),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS",
				"Content-Type,Authorization,X-Idempotency-Key,X-Offline-Mutation,X-Offline-Created-At"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Sync: SyncConfig{
			DefaultStrategy:  strategy,
			VersionPolicy:    policy,
			PullDefaultLimit: getEnvAsInt("SYNC_PULL_DEFAULT_LIMIT", 100),
			PullMaxLimit:     getEnvAsInt("SYNC_PULL_MAX_LIMIT", 1000),
			CASRetries:       getEnvAsInt("SYNC_CAS_RETRIES", 5),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
