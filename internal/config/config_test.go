package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.Engine.MaxConcurrent != 32 {
		t.Fatalf("engine.max_concurrent = %d", cfg.Engine.MaxConcurrent)
	}
	if cfg.Engine.HistoryWindow != 6 {
		t.Fatalf("engine.history_window = %d", cfg.Engine.HistoryWindow)
	}
	if cfg.Retention.MaxAge != 90*24*time.Hour {
		t.Fatalf("retention.max_age = %v", cfg.Retention.MaxAge)
	}
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Engine.PlanningTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero planning timeout must not validate")
	}
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Engine.MaxConcurrent = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero concurrency must not validate")
	}
}

func TestPostgresDSNFromParts(t *testing.T) {
	p := PostgresConfig{Host: "db", User: "hourglass", Password: "secret", DBName: "hourglass"}
	dsn, err := p.DSN()
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	want := "postgres://hourglass:secret@db:5432/hourglass?sslmode=disable"
	if dsn != want {
		t.Fatalf("dsn = %q", dsn)
	}
}

func TestPostgresDSNRequiresHost(t *testing.T) {
	p := PostgresConfig{DBName: "hourglass"}
	if _, err := p.DSN(); err == nil {
		t.Fatal("missing host must error")
	}
}
