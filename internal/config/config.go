package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	Logger LoggerConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBLogLevel        string
	DBSlowQuery       time.Duration

	MPesa     MPesaConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig
	Email     EmailConfig
}

type LoggerConfig struct {
	Level string
}

// MPesaConfig carries Daraja credentials and endpoints.
type MPesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	TimeoutURL     string
	RequestTimeout time.Duration
	// PollMinInterval throttles provider status queries per checkout request.
	PollMinInterval time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis address was configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// RateLimitConfig bounds STK push prompts per phone number. Only enforced
// when Redis is configured.
type RateLimitConfig struct {
	InitiationPerMinute float64
	InitiationBurst     int
	InFlightTTL         time.Duration
}

type SchedulerConfig struct {
	RunInterval         time.Duration
	ConfirmationTimeout time.Duration
	ReconcileAfter      time.Duration
	BatchSize           int

	// EnabledJobs limits which jobs run; empty means all.
	EnabledJobs []string
}

type EmailConfig struct {
	SMTPHost  string
	SMTPPort  int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "hungerpay"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "hungerpay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBLogLevel:        getenv("DATABASE_LOG_LEVEL", "warn"),
		DBSlowQuery:       getenvDuration("DATABASE_SLOW_QUERY", 200*time.Millisecond),
		MPesa: MPesaConfig{
			BaseURL:         strings.TrimRight(getenv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"), "/"),
			ConsumerKey:     strings.TrimSpace(getenv("MPESA_CONSUMER_KEY", "")),
			ConsumerSecret:  strings.TrimSpace(getenv("MPESA_CONSUMER_SECRET", "")),
			ShortCode:       strings.TrimSpace(getenv("MPESA_SHORTCODE", "174379")),
			Passkey:         strings.TrimSpace(getenv("MPESA_PASSKEY", "")),
			CallbackURL:     strings.TrimSpace(getenv("MPESA_CALLBACK_URL", "")),
			TimeoutURL:      strings.TrimSpace(getenv("MPESA_TIMEOUT_URL", "")),
			RequestTimeout:  getenvDuration("MPESA_REQUEST_TIMEOUT", 15*time.Second),
			PollMinInterval: getenvDuration("MPESA_POLL_MIN_INTERVAL", 3*time.Second),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			InitiationPerMinute: getenvFloat("RATE_LIMIT_INITIATION_PER_MINUTE", 2),
			InitiationBurst:     getenvInt("RATE_LIMIT_INITIATION_BURST", 3),
			InFlightTTL:         getenvDuration("RATE_LIMIT_INFLIGHT_TTL", 0),
		},
		Scheduler: SchedulerConfig{
			RunInterval:         getenvDuration("SCHEDULER_RUN_INTERVAL", 30*time.Second),
			ConfirmationTimeout: getenvDuration("PAYMENT_CONFIRMATION_TIMEOUT", 10*time.Minute),
			ReconcileAfter:      getenvDuration("PAYMENT_RECONCILE_AFTER", 2*time.Minute),
			BatchSize:           getenvInt("SCHEDULER_BATCH_SIZE", 100),
			EnabledJobs:         getenvList("SCHEDULER_ENABLED_JOBS"),
		},
		Email: EmailConfig{
			SMTPHost:  strings.TrimSpace(getenv("SMTP_HOST", "")),
			SMTPPort:  getenvInt("SMTP_PORT", 587),
			Username:  getenv("SMTP_USERNAME", ""),
			Password:  getenv("SMTP_PASSWORD", ""),
			FromEmail: getenv("EMAIL_FROM", "donations@hungerinkenya.org"),
			FromName:  getenv("EMAIL_FROM_NAME", "Hunger in Kenya"),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getenvDuration accepts Go durations ("15s") or a bare number of seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}
