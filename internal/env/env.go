package env

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

func Must(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("missing required env %s", k)
	}
	return v
}

func Get(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func GetInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func GetDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func GetBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Config is the process configuration. Empty backend addresses select the
// in-process implementation.
type Config struct {
	Port int

	DatabaseURL    string
	CredentialsKey string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	SearchMaxWorkers int
	SearchBudget     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	RabbitMQURL  string
	OTLPEndpoint string

	LogLevel  string
	LogFormat string

	RateLimitPerMinute int
}

// Load reads the first of paths that exists (default ".env") into the environment
// without overriding variables already set, then builds a Config.
func Load(paths ...string) (Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", p, err)
		}
		break
	}

	cfg := Config{
		Port:               GetInt("PORT", 4002),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		CredentialsKey:     os.Getenv("CREDENTIALS_KEY"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            GetInt("REDIS_DB", 0),
		CacheTTL:           GetDuration("CACHE_TTL", 60*time.Second),
		SearchMaxWorkers:   GetInt("SEARCH_MAX_WORKERS", 8),
		SearchBudget:       GetDuration("SEARCH_BUDGET", 30*time.Second),
		BreakerThreshold:   GetInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:    GetDuration("BREAKER_COOLDOWN", 30*time.Second),
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:           Get("LOG_LEVEL", "info"),
		LogFormat:          Get("LOG_FORMAT", "json"),
		RateLimitPerMinute: GetInt("RATE_LIMIT_PER_MINUTE", 100),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL != "" && len(c.CredentialsKey) < 16 {
		errs = append(errs, errors.New("CREDENTIALS_KEY of at least 16 bytes is required with DATABASE_URL"))
	}
	if c.SearchMaxWorkers < 1 {
		errs = append(errs, errors.New("SEARCH_MAX_WORKERS must be positive"))
	}
	if c.SearchBudget <= 0 {
		errs = append(errs, errors.New("SEARCH_BUDGET must be positive"))
	}
	if c.BreakerThreshold < 1 {
		errs = append(errs, errors.New("BREAKER_THRESHOLD must be positive"))
	}
	return errors.Join(errs...)
}
