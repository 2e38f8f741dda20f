package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Idempotency backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

type Config struct {
	Log         Log
	HTTP        HTTP
	Schedule    Schedule
	Guardrail   Guardrail
	Publish     Publish
	Fetch       Fetch
	Idempotency Idempotency
	Worker      Worker
	Redis       Redis
	SQLite      SQLite
	Postgres    Postgres
	Dynamo      Dynamo
	Kafka       Kafka
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTP struct {
	Port           int      `env:"HTTP_PORT" envDefault:"8080"`
	AllowedOrigins []string `env:"HTTP_ALLOWED_ORIGINS" envDefault:"*"`
}

type Schedule struct {
	ActiveHoursStart int `env:"ACTIVE_HOURS_START" envDefault:"8"`
	ActiveHoursEnd   int `env:"ACTIVE_HOURS_END" envDefault:"20"`
	MaxPerHour       int `env:"MAX_PUBLICATIONS_PER_HOUR" envDefault:"10"`
	// CooldownSeconds is the minimum gap between two publications to a store.
	CooldownSeconds int            `env:"COOLDOWN_BETWEEN_PUBLICATIONS" envDefault:"300"`
	StoreRateLimits map[string]int `env:"STORE_RATE_LIMITS"`
	TypeRateLimits  map[string]int `env:"STORE_TYPE_RATE_LIMITS"`
	Timezone        string         `env:"TIMEZONE" envDefault:"Local"`
}

func (s Schedule) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

// Location resolves Timezone, falling back to the process zone.
func (s Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

type Guardrail struct {
	PriceVarianceThreshold float64 `env:"PRICE_VARIANCE_THRESHOLD" envDefault:"0.2"`
	MinConfidenceScore     float64 `env:"MIN_CONFIDENCE_SCORE" envDefault:"0.6"`
	// SimulateMarket enables synthesized comparables when no real prices exist.
	SimulateMarket bool `env:"GUARDRAIL_SIMULATE_MARKET" envDefault:"false"`
}

type Publish struct {
	MaxRetries      int               `env:"MAX_RETRIES" envDefault:"3"`
	StoreMaxRetries map[string]int    `env:"STORE_MAX_RETRIES"`
	Stores          map[string]string `env:"STORES" envDefault:"shopify:shopify,woocommerce:woocommerce,prestashop:prestashop,amazon:amazon"`
	ProfilesFile    string            `env:"STORE_PROFILES_FILE"`
	HistoryLimit    int               `env:"HISTORY_LIMIT" envDefault:"1000"`
}

type Fetch struct {
	// RetryDelay is the base retry delay in seconds; FETCH_BASE_DELAY wins when set.
	RetryDelay    float64       `env:"RETRY_DELAY" envDefault:"1"`
	BaseDelay     time.Duration `env:"FETCH_BASE_DELAY"`
	MaxRetries    int           `env:"FETCH_MAX_RETRIES" envDefault:"3"`
	MaxPerHost    int           `env:"FETCH_MAX_PER_HOST" envDefault:"3"`
	Timeout       time.Duration `env:"FETCH_TIMEOUT" envDefault:"10s"`
	BackoffFactor float64       `env:"FETCH_BACKOFF_FACTOR" envDefault:"2"`
	MaxDelay      time.Duration `env:"FETCH_MAX_DELAY" envDefault:"30s"`
	CacheTTL      time.Duration `env:"FETCH_CACHE_TTL" envDefault:"180s"`
	RPSPerHost    float64       `env:"FETCH_RPS_PER_HOST" envDefault:"0"`
	Proxies       []string      `env:"FETCH_PROXIES"`
	UserAgent     string        `env:"FETCH_USER_AGENT" envDefault:"ecomsimply-fetch/1.0"`
}

// EffectiveBaseDelay resolves the first retry delay.
func (f Fetch) EffectiveBaseDelay() time.Duration {
	if f.BaseDelay > 0 {
		return f.BaseDelay
	}
	return time.Duration(f.RetryDelay * float64(time.Second))
}

type Idempotency struct {
	Backend         string        `env:"IDEMPOTENCY_BACKEND" envDefault:"memory"`
	TTL             time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	LocalCacheTTL   time.Duration `env:"IDEMPOTENCY_LOCAL_CACHE_TTL" envDefault:"5m"`
	CleanupInterval time.Duration `env:"IDEMPOTENCY_CLEANUP_INTERVAL" envDefault:"10m"`
}

type Worker struct {
	Count        int           `env:"WORKER_COUNT" envDefault:"3"`
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`
	ErrorBackoff time.Duration `env:"WORKER_ERROR_BACKOFF" envDefault:"10s"`
	StopTimeout  time.Duration `env:"WORKER_STOP_TIMEOUT" envDefault:"30s"`
	SweepEvery   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

type Redis struct {
	Addr           string `env:"REDIS_ADDRESS" envDefault:"localhost:6379"`
	Password       string `env:"REDIS_PASSWORD"`
	DB             int    `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix      string `env:"REDIS_KEY_PREFIX" envDefault:"ecomsimply:idem:"`
	EventStreamKey string `env:"REDIS_EVENT_STREAM" envDefault:"ecomsimply:events"`
	DLQStreamKey   string `env:"REDIS_DLQ_STREAM" envDefault:"ecomsimply:dlq"`
	StreamMaxLen   int64  `env:"REDIS_STREAM_MAXLEN" envDefault:"10000"`
	// Events publishes outcomes to the Redis streams.
	Events bool `env:"REDIS_EVENTS" envDefault:"false"`
}

type SQLite struct {
	Path string `env:"SQLITE_PATH" envDefault:"ecomsimply.db"`
}

type Postgres struct {
	DSN string `env:"POSTGRES_DSN"`
}

type Dynamo struct {
	Table    string `env:"DYNAMODB_TABLE" envDefault:"ecomsimply-idempotency"`
	Region   string `env:"AWS_REGION" envDefault:"eu-west-3"`
	Endpoint string `env:"DYNAMODB_ENDPOINT"`
}

type Kafka struct {
	Brokers []string `env:"KAFKA_BROKERS"`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"ecomsimply.publications"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the configuration from the environment only.
func Parse() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	s := c.Schedule
	check(s.ActiveHoursStart >= 0 && s.ActiveHoursStart <= 23, "ACTIVE_HOURS_START must be within 0-23, got %d", s.ActiveHoursStart)
	check(s.ActiveHoursEnd >= 0 && s.ActiveHoursEnd <= 23, "ACTIVE_HOURS_END must be within 0-23, got %d", s.ActiveHoursEnd)
	check(s.MaxPerHour >= 1, "MAX_PUBLICATIONS_PER_HOUR must be >= 1, got %d", s.MaxPerHour)
	check(s.CooldownSeconds >= 60, "COOLDOWN_BETWEEN_PUBLICATIONS must be >= 60, got %d", s.CooldownSeconds)
	for id, n := range s.StoreRateLimits {
		check(n >= 1, "STORE_RATE_LIMITS[%s] must be >= 1, got %d", id, n)
	}
	if _, err := s.Location(); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
	}

	g := c.Guardrail
	check(g.PriceVarianceThreshold >= 0.1 && g.PriceVarianceThreshold <= 0.5, "PRICE_VARIANCE_THRESHOLD must be within 0.1-0.5, got %g", g.PriceVarianceThreshold)
	check(g.MinConfidenceScore >= 0.1 && g.MinConfidenceScore <= 1.0, "MIN_CONFIDENCE_SCORE must be within 0.1-1.0, got %g", g.MinConfidenceScore)

	check(c.Publish.MaxRetries >= 0, "MAX_RETRIES must be >= 0, got %d", c.Publish.MaxRetries)
	check(len(c.Publish.Stores) > 0, "STORES must name at least one store")
	check(c.Fetch.MaxPerHost >= 1, "FETCH_MAX_PER_HOST must be >= 1, got %d", c.Fetch.MaxPerHost)
	check(c.Fetch.EffectiveBaseDelay() > 0, "RETRY_DELAY must be positive")
	check(c.Worker.Count >= 1, "WORKER_COUNT must be >= 1, got %d", c.Worker.Count)

	switch c.Idempotency.Backend {
	case BackendMemory, BackendRedis, BackendSQLite, BackendDynamoDB:
	case BackendPostgres:
		check(c.Postgres.DSN != "", "POSTGRES_DSN is required for the postgres backend")
	default:
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_BACKEND %q is not supported", c.Idempotency.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
