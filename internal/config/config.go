package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port            string
	DatabaseURL     string
	StoreDriver     string
	ServiceTimezone string

	TicketPrefix          string
	TicketPad             int
	TicketTTL             time.Duration
	AllocationMaxAttempts int
	DispatchMaxAttempts   int
	DispatchBatchSize     int
	LockTimeout           time.Duration
	AvgServiceMinutes     int
	SnapshotLimit         int

	ExpirySweepInterval  time.Duration
	ExpirySweepBatchSize int
	OutboxRelayInterval  time.Duration
	OutboxBatchSize      int
	RabbitMQURL          string
	RabbitMQExchange     string

	Redis              RedisConfig
	RateLimitPerMinute int
	RateLimitBurst     int

	LogLevel     string
	LogFormat    string
	OTelEndpoint string
	OTelInsecure bool

	// Counters seeds the counter registry at startup, e.g. "A1:Front desk,A2:Billing".
	Counters string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                  port,
		DatabaseURL:           os.Getenv("DB_DSN"),
		StoreDriver:           strings.ToLower(readString("STORE_DRIVER", DriverPostgres)),
		ServiceTimezone:       readString("SERVICE_TIMEZONE", "Asia/Kolkata"),
		TicketPrefix:          readString("TICKET_PREFIX", "A"),
		TicketPad:             readInt("TICKET_PAD", 3),
		TicketTTL:             readDurationSeconds("TICKET_TTL_SECONDS", 600),
		AllocationMaxAttempts: readInt("ALLOCATION_MAX_ATTEMPTS", 10),
		DispatchMaxAttempts:   readInt("DISPATCH_MAX_ATTEMPTS", 3),
		DispatchBatchSize:     readInt("DISPATCH_BATCH_SIZE", 20),
		LockTimeout:           readDurationMillis("LOCK_TIMEOUT_MS", 2000),
		AvgServiceMinutes:     readInt("AVG_SERVICE_MINUTES", 5),
		SnapshotLimit:         readInt("SNAPSHOT_LIMIT", 50),
		ExpirySweepInterval:   readDurationSeconds("EXPIRY_SWEEP_INTERVAL_SECONDS", 60),
		ExpirySweepBatchSize:  readInt("EXPIRY_SWEEP_BATCH_SIZE", 100),
		OutboxRelayInterval:   readDurationSeconds("OUTBOX_RELAY_INTERVAL_SECONDS", 5),
		OutboxBatchSize:       readInt("OUTBOX_BATCH_SIZE", 100),
		RabbitMQURL:           os.Getenv("RABBITMQ_URL"),
		RabbitMQExchange:      readString("RABBITMQ_EXCHANGE", "qms.tickets"),
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       readInt("REDIS_DB", 0),
		},
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		LogLevel:           readString("LOG_LEVEL", "info"),
		LogFormat:          readString("LOG_FORMAT", "json"),
		OTelEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelInsecure:       readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		Counters:           os.Getenv("COUNTERS"),
	}
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DB_DSN is required for the %s store", DriverPostgres)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.TicketPrefix == "" || c.TicketPad <= 0 {
		return fmt.Errorf("TICKET_PREFIX and TICKET_PAD must be set")
	}
	if c.TicketTTL <= 0 {
		return fmt.Errorf("TICKET_TTL_SECONDS must be positive")
	}
	return nil
}

func readString(key, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	return raw
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
