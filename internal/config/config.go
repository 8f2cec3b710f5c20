package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the lifecycle API
// process. Values are primarily loaded from environment variables with sane
// defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	MigrationsDir string

	KafkaBrokers []string
	KafkaTopic   string

	OutboxInterval time.Duration
	OutboxBatch    int

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MigrationsDir:   "migrations",
		KafkaTopic:      "ride-events",
		OutboxInterval:  time.Second,
		OutboxBatch:     100,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setDurationFromEnv(&cfg.OutboxInterval, "OUTBOX_INTERVAL", &errs)
	setIntFromEnv(&cfg.OutboxBatch, "OUTBOX_BATCH", &errs)
	if cfg.OutboxBatch <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_BATCH must be > 0"))
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	return cfg, errors.Join(errs...)
}

// RelayConfig configures the broadcast relay. Origins, both bind addresses
// and the shared secret are hard requirements: the relay refuses to start
// without them, and even if an empty secret slipped through, the hook
// handler rejects all callers rather than authenticating anyone.
type RelayConfig struct {
	PublicAddr     string
	PrivateAddr    string
	AllowedOrigins []string
	Secret         string

	WriteTimeout time.Duration
	SendBuffer   int
}

func LoadRelayConfig() (RelayConfig, error) {
	cfg := RelayConfig{
		PublicAddr:   ":8090",
		PrivateAddr:  ":8091",
		WriteTimeout: 5 * time.Second,
		SendBuffer:   16,
	}
	var errs []error

	setStringFromEnv(&cfg.PublicAddr, "RELAY_PUBLIC_ADDR")
	setStringFromEnv(&cfg.PrivateAddr, "RELAY_PRIVATE_ADDR")
	setDurationFromEnv(&cfg.WriteTimeout, "RELAY_WRITE_TIMEOUT", &errs)
	setIntFromEnv(&cfg.SendBuffer, "RELAY_SEND_BUFFER", &errs)

	if origins := os.Getenv("RELAY_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}
	if len(cfg.AllowedOrigins) == 0 {
		errs = append(errs, fmt.Errorf("RELAY_ALLOWED_ORIGINS is required"))
	}

	cfg.Secret = os.Getenv("RELAY_SECRET")
	if cfg.Secret == "" {
		errs = append(errs, fmt.Errorf("RELAY_SECRET is required"))
	}

	return cfg, errors.Join(errs...)
}

// NotifierConfig configures the kafka consumer that turns lifecycle events
// into notifications, push requests and relay broadcasts.
type NotifierConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string

	PGDSN string

	RelayHookURL string
	RelaySecret  string

	PushEndpoint string
	PushKey      string

	StripeKey string

	MetricsAddr string
	LogLevel    string
}

func LoadNotifierConfig() (NotifierConfig, error) {
	cfg := NotifierConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "ride-events",
		KafkaGroup:   "rideboard-notifier",
		RedisAddr:    "localhost:6379",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.PGDSN = os.Getenv("PG_DSN")
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}

	cfg.RelayHookURL = os.Getenv("RELAY_HOOK_URL")
	cfg.RelaySecret = os.Getenv("RELAY_SECRET")

	cfg.PushEndpoint = os.Getenv("PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	cfg.StripeKey = os.Getenv("STRIPE_API_KEY")

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
