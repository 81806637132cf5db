package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Mpesa    MpesaConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Payout   PayoutConfig
	Webhook  WebhookConfig
	Status   StatusConfig
	Live     LiveConfig
	Tenant   TenantConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MetricsPort  string
	// AllowedOrigins restricts CORS. Empty reflects any origin.
	AllowedOrigins []string
	// RateLimit caps API calls per client per RateWindow. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

// MpesaConfig holds provider credentials and endpoints.
type MpesaConfig struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	PassKey            string
	InitiatorName      string
	InitiatorPassword  string
	CertificatePath    string
	SecurityCredential string
	CallbackBaseURL    string
	Timeout            time.Duration
}

// QueueConfig selects the task queue backend: "redis" or "sqs".
type QueueConfig struct {
	Backend      string
	RedisKey     string
	SQSQueueURL  string
	SQSWaitTime  time.Duration
	PollInterval time.Duration
}

type WorkerConfig struct {
	Concurrency int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type PayoutConfig struct {
	Enabled    bool
	Weekday    time.Weekday
	Hour       int
	BatchSize  int
	MinBalance float64
}

type WebhookConfig struct {
	Timeout time.Duration
}

type StatusConfig struct {
	PollWindow time.Duration
}

type LiveConfig struct {
	IdleTimeout time.Duration
}

type TenantConfig struct {
	CacheTTL time.Duration
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			ReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:    getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
			MetricsPort:    getEnv("METRICS_PORT", "9090"),
			AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS"),
			RateLimit:      getIntEnv("API_RATE_LIMIT", 120),
			RateWindow:     getDurationEnv("API_RATE_WINDOW", time.Minute),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-this-secret"),
			Expiry: getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		},
		Mpesa: MpesaConfig{
			BaseURL:            getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			ConsumerKey:        getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:     getEnv("MPESA_CONSUMER_SECRET", ""),
			ShortCode:          getEnv("MPESA_SHORTCODE", ""),
			PassKey:            getEnv("MPESA_PASSKEY", ""),
			InitiatorName:      getEnv("MPESA_INITIATOR_NAME", ""),
			InitiatorPassword:  getEnv("MPESA_INITIATOR_PASSWORD", ""),
			CertificatePath:    getEnv("MPESA_CERT_PATH", ""),
			SecurityCredential: getEnv("MPESA_SECURITY_CREDENTIAL", ""),
			CallbackBaseURL:    strings.TrimRight(getEnv("CALLBACK_BASE_URL", ""), "/"),
			Timeout:            getDurationEnv("MPESA_TIMEOUT", 30*time.Second),
		},
		Queue: QueueConfig{
			Backend:      strings.ToLower(getEnv("QUEUE_BACKEND", "redis")),
			RedisKey:     getEnv("QUEUE_REDIS_KEY", "paygate:tasks"),
			SQSQueueURL:  getEnv("SQS_QUEUE_URL", ""),
			SQSWaitTime:  getDurationEnv("SQS_WAIT_TIME", 20*time.Second),
			PollInterval: getDurationEnv("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
		},
		Worker: WorkerConfig{
			Concurrency: getIntEnv("WORKER_CONCURRENCY", 4),
			MaxAttempts: getIntEnv("WORKER_MAX_ATTEMPTS", 3),
			BaseDelay:   getDurationEnv("WORKER_RETRY_BASE_DELAY", 30*time.Second),
			MaxDelay:    getDurationEnv("WORKER_RETRY_MAX_DELAY", 10*time.Minute),
		},
		Payout: PayoutConfig{
			Enabled:    getBoolEnv("PAYOUT_ENABLED", true),
			Weekday:    getWeekdayEnv("PAYOUT_WEEKDAY", time.Monday),
			Hour:       getIntEnv("PAYOUT_HOUR", 0),
			BatchSize:  getIntEnv("PAYOUT_BATCH_SIZE", 50),
			MinBalance: getFloatEnv("PAYOUT_MIN_BALANCE", 0),
		},
		Webhook: WebhookConfig{
			Timeout: getDurationEnv("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Status: StatusConfig{
			PollWindow: getDurationEnv("STATUS_POLL_WINDOW", 10*time.Second),
		},
		Live: LiveConfig{
			IdleTimeout: getDurationEnv("LIVE_IDLE_TIMEOUT", 5*time.Minute),
		},
		Tenant: TenantConfig{
			CacheTTL: getDurationEnv("TENANT_CACHE_TTL", time.Hour),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func getWeekdayEnv(key string, defaultValue time.Weekday) time.Weekday {
	if value := os.Getenv(key); value != "" {
		if d, ok := weekdays[strings.ToLower(strings.TrimSpace(value))]; ok {
			return d
		}
	}
	return defaultValue
}
