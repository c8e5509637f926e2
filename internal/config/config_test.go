package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ARW_ENV", "ARW_ADMIN_TOKEN", "ARW_STATE_DIR", "ARW_STATE_DRIVER",
		"ARW_POSTGRES_DSN", "ARW_ACTIONS_QUEUE_MAX", "ARW_WORKERS",
		"ARW_TOOLS_CACHE_CAP", "ARW_TOOLS_CACHE_TTL_SECS", "ARW_TOOLS_CACHE_ALLOW",
		"ARW_TOOLS_CACHE_DENY", "ARW_TOOLS_CACHE_SALT", "ARW_EGRESS_PROXY_ENABLE",
		"ARW_EGRESS_PROXY_PORT", "ARW_NET_ALLOWLIST", "ARW_DNS_GUARD_ENABLE",
		"ARW_EGRESS_BLOCK_IP_LITERALS", "ARW_EGRESS_LEDGER_ENABLE", "ARW_HTTP_TIMEOUT_SECS",
		"ARW_HTTP_BODY_HEAD_KB", "ARW_REHYDRATE_FILE_HEAD_KB", "ARW_MEMORY_SHORT_TTL_SECS",
		"ARW_MEMORY_GC_INTERVAL_SECS", "ARW_CONTEXT_CASCADE_INTERVAL_SECS",
		"ARW_DAILY_BRIEF_INTERVAL_SECS", "ARW_NET_POSTURE", "ARW_DEBUG",
		"ARW_HTTP_ADDR", "ARW_GRPC_ADDR", "ARW_LOG_LEVEL", "ARW_LOG_FORMAT",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Env != Development {
		t.Fatalf("expected default env development, got %s", cfg.Env)
	}
	if cfg.StateDriver != StateDriverMemory {
		t.Fatalf("expected default state driver memory, got %s", cfg.StateDriver)
	}
	if cfg.Workers != 4 {
		t.Fatalf("expected default workers 4, got %d", cfg.Workers)
	}
	if cfg.ActionsQueueMax != 1024 {
		t.Fatalf("expected default queue max 1024, got %d", cfg.ActionsQueueMax)
	}
	if cfg.ToolsCacheTTL != 15*time.Minute {
		t.Fatalf("expected default tools cache ttl 15m, got %s", cfg.ToolsCacheTTL)
	}
	if cfg.MemoryGCInterval != 60*time.Second {
		t.Fatalf("expected default memory gc interval 60s, got %s", cfg.MemoryGCInterval)
	}
	if cfg.ContextCascadeInterval != 300*time.Second {
		t.Fatalf("expected default context cascade interval 300s, got %s", cfg.ContextCascadeInterval)
	}
	if cfg.DailyBriefInterval != 24*time.Hour {
		t.Fatalf("expected default daily brief interval 24h, got %s", cfg.DailyBriefInterval)
	}
	if cfg.HTTPAddr != ":8077" {
		t.Fatalf("expected default http addr :8077, got %s", cfg.HTTPAddr)
	}
	if cfg.DNSGuardEnable != true {
		t.Fatalf("expected dns guard enabled by default")
	}
	if cfg.EgressLedgerEnable != true {
		t.Fatalf("expected egress ledger enabled by default")
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("ARW_ENV", "testing")
	os.Setenv("ARW_WORKERS", "8")
	os.Setenv("ARW_TOOLS_CACHE_ALLOW", "example.com, api.example.com ,")
	os.Setenv("ARW_EGRESS_PROXY_ENABLE", "true")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != Testing {
		t.Fatalf("expected env testing, got %s", cfg.Env)
	}
	if cfg.Workers != 8 {
		t.Fatalf("expected workers 8, got %d", cfg.Workers)
	}
	if got := cfg.ToolsCacheAllow; len(got) != 2 || got[0] != "example.com" || got[1] != "api.example.com" {
		t.Fatalf("expected parsed allowlist, got %v", got)
	}
	if !cfg.EgressProxyEnable {
		t.Fatal("expected egress proxy enabled")
	}
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("ARW_ENV", "nonsense")
	defer clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid ARW_ENV")
	}
}

func TestLoadRequiresPostgresDSNForPostgresDriver(t *testing.T) {
	clearEnv(t)
	os.Setenv("ARW_STATE_DRIVER", "postgres")
	defer clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("expected error when postgres driver is selected without a DSN")
	}
}

func TestValidateProductionRequiresAdminToken(t *testing.T) {
	cfg := &Config{Env: Production, Workers: 1, ActionsQueueMax: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing admin token in production")
	}

	cfg.AdminToken = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error once admin token is set: %v", err)
	}
}

func TestValidateRejectsNonPositiveWorkersAndQueue(t *testing.T) {
	cfg := &Config{Env: Development, Workers: 0, ActionsQueueMax: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero workers")
	}

	cfg = &Config{Env: Development, Workers: 1, ActionsQueueMax: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero queue max")
	}
}
