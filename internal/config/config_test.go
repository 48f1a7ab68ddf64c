package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORE_DRIVER", "TICKET_TTL_SECONDS", "LOCK_TIMEOUT_MS", "SERVICE_TIMEZONE", "TICKET_PREFIX"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %q", cfg.Port)
	}
	if cfg.StoreDriver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %q", cfg.StoreDriver)
	}
	if cfg.TicketTTL != 10*time.Minute {
		t.Fatalf("expected 10m ttl, got %v", cfg.TicketTTL)
	}
	if cfg.LockTimeout != 2*time.Second {
		t.Fatalf("expected 2s lock timeout, got %v", cfg.LockTimeout)
	}
	if cfg.ServiceTimezone != "Asia/Kolkata" || cfg.TicketPrefix != "A" || cfg.TicketPad != 3 {
		t.Fatalf("unexpected numbering defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("TICKET_TTL_SECONDS", "90")
	t.Setenv("DISPATCH_BATCH_SIZE", "not-a-number")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("REDIS_DB", "2")

	cfg := Load()
	if cfg.StoreDriver != DriverMemory {
		t.Fatalf("expected memory driver, got %q", cfg.StoreDriver)
	}
	if cfg.TicketTTL != 90*time.Second {
		t.Fatalf("expected 90s ttl, got %v", cfg.TicketTTL)
	}
	if cfg.DispatchBatchSize != 20 {
		t.Fatalf("expected fallback batch size, got %d", cfg.DispatchBatchSize)
	}
	if !cfg.OTelInsecure || cfg.Redis.DB != 2 {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{StoreDriver: DriverPostgres, TicketPrefix: "A", TicketPad: 3, TicketTTL: time.Minute}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing DB_DSN error")
	}
	cfg.DatabaseURL = "postgres://localhost/qms"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.StoreDriver = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	cfg.StoreDriver = DriverMemory
	cfg.TicketTTL = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected ttl error")
	}
}

func TestParseCounters(t *testing.T) {
	counters, err := ParseCounters(" A1:Front desk, A2 ,B1:Billing,")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(counters) != 3 {
		t.Fatalf("expected 3 counters, got %d", len(counters))
	}
	if counters[0].Name != "Front desk" || counters[1].Name != "A2" || !counters[2].IsActive {
		t.Fatalf("unexpected counters: %+v", counters)
	}
	if _, err := ParseCounters("A1,A1"); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if _, err := ParseCounters(":Nameless"); err == nil {
		t.Fatalf("expected missing code error")
	}
}
