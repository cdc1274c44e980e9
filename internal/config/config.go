package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	MongoDB   MongoDBConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Booking   BookingConfig
	Keycloak  KeycloakConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	LogLevel  string
}

type ServerConfig struct {
	Port            string
	Host            string
	Environment     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// DatabaseConfig selects the appointment record store.
type DatabaseConfig struct {
	Driver          string
	URL             string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	AutoMigrate     bool
}

// MongoDBConfig is optional; without a URI user accounts are kept in memory.
type MongoDBConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type RedisConfig struct {
	Host      string
	Port      string
	Password  string
	DB        int
	KeyPrefix string
}

func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

const (
	CacheRedis = "redis"
	CacheLocal = "local"
)

type CacheConfig struct {
	Backend   string
	TTL       time.Duration
	OpTimeout time.Duration
	// LoadTimeout bounds a store load shared by collapsed readers.
	LoadTimeout time.Duration
	Capacity    int
	Shards      int
}

type BookingConfig struct {
	DefaultDurationMinutes int
	MaxNotesLength         int
	ReadRetryBackoff       time.Duration
}

type KeycloakConfig struct {
	URL      string
	Realm    string
	ClientID string
	// AllowInsecure accepts unsigned tokens; integration environments only.
	AllowInsecure bool
}

// Issuer derives the OIDC issuer from the Keycloak URL and realm.
func (k KeycloakConfig) Issuer() string {
	if k.Realm == "" {
		return k.URL
	}
	return strings.TrimRight(k.URL, "/") + "/realms/" + k.Realm
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type RateLimitConfig struct {
	Enabled  bool
	RPS      float64
	Burst    int
	UseRedis bool
	Window   time.Duration
}

// LoadConfig loads configuration from environment variables and .env file
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_ENVIRONMENT", "development")
	viper.SetDefault("SERVER_SHUTDOWN_TIMEOUT", 15)
	viper.SetDefault("DATABASE_DRIVER", DriverMemory)
	viper.SetDefault("SQLITE_PATH", "booking.db")
	viper.SetDefault("DATABASE_MAX_OPEN_CONNS", 20)
	viper.SetDefault("DATABASE_MAX_IDLE_CONNS", 5)
	viper.SetDefault("DATABASE_CONN_MAX_LIFETIME", 30)
	viper.SetDefault("DATABASE_CONNECT_TIMEOUT", 10)
	viper.SetDefault("DATABASE_AUTO_MIGRATE", true)
	viper.SetDefault("MONGODB_DATABASE", "booking")
	viper.SetDefault("MONGODB_TIMEOUT", 10)
	viper.SetDefault("REDIS_PORT", "6379")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_KEY_PREFIX", "booking:")
	viper.SetDefault("CACHE_BACKEND", CacheRedis)
	viper.SetDefault("CACHE_TTL_SECONDS", 60)
	viper.SetDefault("CACHE_OP_TIMEOUT_MS", 250)
	viper.SetDefault("CACHE_LOAD_TIMEOUT_SECONDS", 10)
	viper.SetDefault("CACHE_CAPACITY", 10000)
	viper.SetDefault("CACHE_SHARDS", 16)
	viper.SetDefault("BOOKING_DEFAULT_DURATION_MINUTES", 30)
	viper.SetDefault("BOOKING_MAX_NOTES_LENGTH", 2000)
	viper.SetDefault("BOOKING_READ_RETRY_BACKOFF_MS", 100)
	viper.SetDefault("JWT_ISSUER", "booking-service")
	viper.SetDefault("RATE_LIMIT_ENABLED", false)
	viper.SetDefault("RATE_LIMIT_RPS", 10)
	viper.SetDefault("RATE_LIMIT_BURST", 20)
	viper.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 1)
	viper.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		Server: ServerConfig{
			Port:            viper.GetString("SERVER_PORT"),
			Host:            viper.GetString("SERVER_HOST"),
			Environment:     viper.GetString("SERVER_ENVIRONMENT"),
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: time.Duration(viper.GetInt("SERVER_SHUTDOWN_TIMEOUT")) * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(viper.GetString("DATABASE_DRIVER")),
			URL:             viper.GetString("DATABASE_URL"),
			SQLitePath:      viper.GetString("SQLITE_PATH"),
			MaxOpenConns:    viper.GetInt("DATABASE_MAX_OPEN_CONNS"),
			MaxIdleConns:    viper.GetInt("DATABASE_MAX_IDLE_CONNS"),
			ConnMaxLifetime: time.Duration(viper.GetInt("DATABASE_CONN_MAX_LIFETIME")) * time.Minute,
			ConnectTimeout:  time.Duration(viper.GetInt("DATABASE_CONNECT_TIMEOUT")) * time.Second,
			AutoMigrate:     viper.GetBool("DATABASE_AUTO_MIGRATE"),
		},
		MongoDB: MongoDBConfig{
			URI:      viper.GetString("MONGODB_URI"),
			Database: viper.GetString("MONGODB_DATABASE"),
			Timeout:  time.Duration(viper.GetInt("MONGODB_TIMEOUT")) * time.Second,
		},
		Redis: RedisConfig{
			Host:      viper.GetString("REDIS_HOST"),
			Port:      viper.GetString("REDIS_PORT"),
			Password:  viper.GetString("REDIS_PASSWORD"),
			DB:        viper.GetInt("REDIS_DB"),
			KeyPrefix: viper.GetString("REDIS_KEY_PREFIX"),
		},
		Cache: CacheConfig{
			Backend:     strings.ToLower(viper.GetString("CACHE_BACKEND")),
			TTL:         time.Duration(viper.GetInt("CACHE_TTL_SECONDS")) * time.Second,
			OpTimeout:   time.Duration(viper.GetInt("CACHE_OP_TIMEOUT_MS")) * time.Millisecond,
			LoadTimeout: time.Duration(viper.GetInt("CACHE_LOAD_TIMEOUT_SECONDS")) * time.Second,
			Capacity:    viper.GetInt("CACHE_CAPACITY"),
			Shards:      viper.GetInt("CACHE_SHARDS"),
		},
		Booking: BookingConfig{
			DefaultDurationMinutes: viper.GetInt("BOOKING_DEFAULT_DURATION_MINUTES"),
			MaxNotesLength:         viper.GetInt("BOOKING_MAX_NOTES_LENGTH"),
			ReadRetryBackoff:       time.Duration(viper.GetInt("BOOKING_READ_RETRY_BACKOFF_MS")) * time.Millisecond,
		},
		Keycloak: KeycloakConfig{
			URL:           viper.GetString("KEYCLOAK_URL"),
			Realm:         viper.GetString("KEYCLOAK_REALM"),
			ClientID:      viper.GetString("KEYCLOAK_CLIENT_ID"),
			AllowInsecure: viper.GetBool("ALLOW_INSECURE_TOKEN"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("JWT_SECRET"),
			Issuer: viper.GetString("JWT_ISSUER"),
		},
		RateLimit: RateLimitConfig{
			Enabled:  viper.GetBool("RATE_LIMIT_ENABLED"),
			RPS:      viper.GetFloat64("RATE_LIMIT_RPS"),
			Burst:    viper.GetInt("RATE_LIMIT_BURST"),
			UseRedis: viper.GetBool("RATE_LIMIT_USE_REDIS"),
			Window:   time.Duration(viper.GetInt("RATE_LIMIT_WINDOW_SECONDS")) * time.Second,
		},
		LogLevel: viper.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Database,
		validation.Field(&c.Database.Driver, validation.Required, validation.In(DriverPostgres, DriverSQLite, DriverMemory)),
		validation.Field(&c.Database.URL, validation.When(c.Database.Driver == DriverPostgres, validation.Required)),
		validation.Field(&c.Database.SQLitePath, validation.When(c.Database.Driver == DriverSQLite, validation.Required)),
	); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := validation.ValidateStruct(&c.Cache,
		validation.Field(&c.Cache.Backend, validation.Required, validation.In(CacheRedis, CacheLocal)),
		validation.Field(&c.Cache.TTL, validation.Required, validation.Min(time.Second)),
	); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := validation.ValidateStruct(&c.Booking,
		validation.Field(&c.Booking.DefaultDurationMinutes, validation.Required, validation.Min(5), validation.Max(480)),
		validation.Field(&c.Booking.MaxNotesLength, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("booking: %w", err)
	}
	if err := validation.ValidateStruct(&c.RateLimit,
		validation.Field(&c.RateLimit.RPS, validation.When(c.RateLimit.Enabled, validation.Required, validation.Min(0.01))),
		validation.Field(&c.RateLimit.Burst, validation.When(c.RateLimit.Enabled, validation.Required, validation.Min(1))),
	); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if c.JWT.Secret != "" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("jwt: secret must be at least 32 bytes")
	}
	if c.Keycloak.URL == "" && c.JWT.Secret == "" && !c.Keycloak.AllowInsecure {
		return fmt.Errorf("auth: configure KEYCLOAK_URL, JWT_SECRET or ALLOW_INSECURE_TOKEN")
	}
	return nil
}
