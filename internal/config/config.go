// Package config loads the runtime's process-scoped configuration from
// environment variables (with an optional per-environment .env overlay),
// the same os.Getenv-plus-godotenv idiom the teacher's internal/config uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment is the deployment environment, kept from the teacher's
// three-way split (selects the config/<env>.env overlay and the production
// Validate checks below; this system has no environment-gated feature set).
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// StateDriver selects the Kernel Store backend.
type StateDriver string

const (
	StateDriverMemory   StateDriver = "memory"
	StateDriverPostgres StateDriver = "postgres"
)

// Config holds every ARW_* environment variable §6 names, defaulted so the
// module runs with zero external dependencies out of the box.
type Config struct {
	Env Environment

	AdminToken string

	StateDir    string
	StateDriver StateDriver
	PostgresDSN string

	ActionsQueueMax int
	Workers         int

	ToolsCacheCap             int
	ToolsCacheTTL             time.Duration
	ToolsCacheAllow           []string
	ToolsCacheDeny            []string
	ToolsCacheSalt            string
	ToolsCacheMaxPayloadBytes int

	EgressProxyEnable      bool
	EgressProxyPort        int
	NetAllowlist           []string
	DNSGuardEnable         bool
	EgressBlockIPLiterals  bool
	EgressLedgerEnable     bool
	HTTPTimeout            time.Duration
	HTTPBodyHeadKB         int
	RehydrateFileHeadKB    int
	NetPosture             string

	MemoryShortTTL            time.Duration
	MemoryGCInterval          time.Duration
	ContextCascadeInterval    time.Duration
	DailyBriefInterval        time.Duration

	Debug     bool
	HTTPAddr  string
	GRPCAddr  string
	LogLevel  string
	LogFormat string
}

// Load reads Config from the environment, first loading an optional
// config/<env>.env overlay the way the teacher's Load does (missing file is
// not an error; parse errors are).
func Load() (*Config, error) {
	envStr := getEnv("ARW_ENV", string(Development))
	env := Environment(envStr)
	switch env {
	case Development, Testing, Production:
	default:
		return nil, fmt.Errorf("invalid ARW_ENV: %s (must be development, testing, or production)", envStr)
	}

	overlay := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(overlay); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: could not load %s: %v\n", overlay, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.AdminToken = getEnv("ARW_ADMIN_TOKEN", "")

	c.StateDir = getEnv("ARW_STATE_DIR", defaultStateDir())
	c.StateDriver = StateDriver(getEnv("ARW_STATE_DRIVER", string(StateDriverMemory)))
	if c.StateDriver != StateDriverMemory && c.StateDriver != StateDriverPostgres {
		return fmt.Errorf("invalid ARW_STATE_DRIVER: %s (must be memory or postgres)", c.StateDriver)
	}
	c.PostgresDSN = getEnv("ARW_POSTGRES_DSN", "")
	if c.StateDriver == StateDriverPostgres && c.PostgresDSN == "" {
		return fmt.Errorf("ARW_POSTGRES_DSN is required when ARW_STATE_DRIVER=postgres")
	}

	c.ActionsQueueMax = getIntEnv("ARW_ACTIONS_QUEUE_MAX", 1024)
	c.Workers = getIntEnv("ARW_WORKERS", 4)

	c.ToolsCacheCap = getIntEnv("ARW_TOOLS_CACHE_CAP", 2048)
	ttl, err := getDurationEnv("ARW_TOOLS_CACHE_TTL_SECS", 15*time.Minute)
	if err != nil {
		return err
	}
	c.ToolsCacheTTL = ttl
	c.ToolsCacheAllow = getListEnv("ARW_TOOLS_CACHE_ALLOW", nil)
	c.ToolsCacheDeny = getListEnv("ARW_TOOLS_CACHE_DENY", nil)
	c.ToolsCacheSalt = getEnv("ARW_TOOLS_CACHE_SALT", "")
	c.ToolsCacheMaxPayloadBytes = getIntEnv("ARW_TOOLS_CACHE_MAX_PAYLOAD_BYTES", 1<<20)

	c.EgressProxyEnable = getBoolEnv("ARW_EGRESS_PROXY_ENABLE", false)
	c.EgressProxyPort = getIntEnv("ARW_EGRESS_PROXY_PORT", 9118)
	c.NetAllowlist = getListEnv("ARW_NET_ALLOWLIST", nil)
	c.DNSGuardEnable = getBoolEnv("ARW_DNS_GUARD_ENABLE", true)
	c.EgressBlockIPLiterals = getBoolEnv("ARW_EGRESS_BLOCK_IP_LITERALS", false)
	c.EgressLedgerEnable = getBoolEnv("ARW_EGRESS_LEDGER_ENABLE", true)
	httpTimeout, err := getDurationEnv("ARW_HTTP_TIMEOUT_SECS", 20*time.Second)
	if err != nil {
		return err
	}
	c.HTTPTimeout = httpTimeout
	c.HTTPBodyHeadKB = getIntEnv("ARW_HTTP_BODY_HEAD_KB", 64)
	c.RehydrateFileHeadKB = getIntEnv("ARW_REHYDRATE_FILE_HEAD_KB", 64)
	c.NetPosture = getEnv("ARW_NET_POSTURE", "standard")

	memoryShortTTL, err := getDurationEnv("ARW_MEMORY_SHORT_TTL_SECS", 24*time.Hour)
	if err != nil {
		return err
	}
	c.MemoryShortTTL = memoryShortTTL
	memoryGC, err := getDurationEnv("ARW_MEMORY_GC_INTERVAL_SECS", 60*time.Second)
	if err != nil {
		return err
	}
	c.MemoryGCInterval = memoryGC
	cascade, err := getDurationEnv("ARW_CONTEXT_CASCADE_INTERVAL_SECS", 300*time.Second)
	if err != nil {
		return err
	}
	c.ContextCascadeInterval = cascade
	brief, err := getDurationEnv("ARW_DAILY_BRIEF_INTERVAL_SECS", 24*time.Hour)
	if err != nil {
		return err
	}
	c.DailyBriefInterval = brief

	c.Debug = getBoolEnv("ARW_DEBUG", false)
	c.HTTPAddr = getEnv("ARW_HTTP_ADDR", ":8077")
	c.GRPCAddr = getEnv("ARW_GRPC_ADDR", ":8078")
	c.LogLevel = getEnv("ARW_LOG_LEVEL", "info")
	c.LogFormat = getEnv("ARW_LOG_FORMAT", "json")

	return nil
}

// Validate applies the production-only checks the teacher's Config.Validate
// runs, narrowed to this system's settings, and in every environment
// requires a positive worker count and queue cap.
func (c *Config) Validate() error {
	if c.Env == Production {
		if c.AdminToken == "" {
			return fmt.Errorf("ARW_ADMIN_TOKEN must be set in production")
		}
		if c.Debug {
			return fmt.Errorf("ARW_DEBUG must be false in production")
		}
	}
	if c.Workers <= 0 {
		return fmt.Errorf("ARW_WORKERS must be positive, got %d", c.Workers)
	}
	if c.ActionsQueueMax <= 0 {
		return fmt.Errorf("ARW_ACTIONS_QUEUE_MAX must be positive, got %d", c.ActionsQueueMax)
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == Development }
func (c *Config) IsTesting() bool     { return c.Env == Testing }
func (c *Config) IsProduction() bool  { return c.Env == Production }

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arw/state"
	}
	return filepath.Join(home, ".arw", "state")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getDurationEnv reads key as a count of seconds (matching the *_SECS env
// var naming SPEC_FULL.md §6 uses throughout).
func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	secs, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(secs) * time.Second, nil
}
