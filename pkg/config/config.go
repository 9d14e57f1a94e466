// Package config loads gateway configuration from ODIN_* environment
// variables, once at process start.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the gateway configuration. Every tunable has a default;
// only malformed values fail the load.
type Config struct {
	Port     string
	LogLevel string

	DataDir        string
	StorageBackend string
	KeystorePath   string
	SFTMapsDir     string
	PolicySource   string

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string
	GCSBucket  string
	GCSPrefix  string

	LedgerBackend string
	LedgerDSN     string

	EnforceRoutes   []string
	SignRoutes      []string
	SignRequire     bool
	SignEmbed       bool
	HTTPSignRequire bool

	BridgeTargets map[string]string
	BridgeTimeout time.Duration
	BridgeRetries int
	BridgeBackoff time.Duration

	TenantQuotaMonthly int64
	TenantRateQPS      float64

	DynamicEnable bool
	DynamicTTL    time.Duration

	PublicBaseURL string
	MaxBodyBytes  int64
	ReceiptRedact []string
	OTELEndpoint  string
}

// Load reads the environment. Malformed numeric values, bridge target
// entries, or redaction lists abort startup rather than degrade silently.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           envDefault("PORT", "8080"),
		LogLevel:       envDefault("LOG_LEVEL", "INFO"),
		DataDir:        envDefault("ODIN_DATA_DIR", "./data"),
		StorageBackend: envDefault("ODIN_STORAGE_BACKEND", "fs"),
		PolicySource:   os.Getenv("ODIN_POLICY_SOURCE"),
		S3Bucket:       os.Getenv("ODIN_S3_BUCKET"),
		S3Region:       os.Getenv("ODIN_S3_REGION"),
		S3Endpoint:     os.Getenv("ODIN_S3_ENDPOINT"),
		S3Prefix:       os.Getenv("ODIN_S3_PREFIX"),
		GCSBucket:      os.Getenv("ODIN_GCS_BUCKET"),
		GCSPrefix:      os.Getenv("ODIN_GCS_PREFIX"),
		LedgerBackend:  envDefault("ODIN_LEDGER_BACKEND", "file"),
		LedgerDSN:      os.Getenv("ODIN_LEDGER_DSN"),
		PublicBaseURL:  os.Getenv("ODIN_PUBLIC_BASE_URL"),
		OTELEndpoint:   os.Getenv("ODIN_OTEL_ENDPOINT"),

		SignRequire:     envBool("ODIN_SIGN_REQUIRE"),
		SignEmbed:       envBool("ODIN_SIGN_EMBED"),
		HTTPSignRequire: envBool("ODIN_HTTP_SIGN_REQUIRE"),

		EnforceRoutes: splitList(os.Getenv("ODIN_ENFORCE_ROUTES")),
		SignRoutes:    splitList(os.Getenv("ODIN_SIGN_ROUTES")),
	}

	cfg.KeystorePath = envDefault("ODIN_KEYSTORE_PATH", filepath.Join(cfg.DataDir, "keystore.json"))
	cfg.SFTMapsDir = envDefault("ODIN_SFT_MAPS_DIR", filepath.Join(cfg.DataDir, "maps"))

	var err error
	if cfg.BridgeTimeout, err = envDurationMS("ODIN_BRIDGE_TIMEOUT_MS", 10_000); err != nil {
		return nil, err
	}
	if cfg.BridgeRetries, err = envInt("ODIN_BRIDGE_RETRIES", 2); err != nil {
		return nil, err
	}
	if cfg.BridgeBackoff, err = envDurationMS("ODIN_BRIDGE_RETRY_BACKOFF_MS", 250); err != nil {
		return nil, err
	}
	if cfg.TenantQuotaMonthly, err = envInt64("ODIN_TENANT_QUOTA_MONTHLY", 0); err != nil {
		return nil, err
	}
	if cfg.TenantRateQPS, err = envFloat("ODIN_TENANT_RATE_QPS", 0); err != nil {
		return nil, err
	}
	if cfg.MaxBodyBytes, err = envInt64("ODIN_MAX_BODY_BYTES", 10<<20); err != nil {
		return nil, err
	}

	cfg.DynamicEnable = envDefault("ODIN_DYNAMIC_ENABLE", "true") == "true"
	ttlS, err := envInt("ODIN_DYNAMIC_TTL_S", 30)
	if err != nil {
		return nil, err
	}
	cfg.DynamicTTL = time.Duration(ttlS) * time.Second

	if cfg.BridgeTargets, err = parseBridgeTargets(os.Getenv("ODIN_BRIDGE_TARGETS")); err != nil {
		return nil, err
	}
	if cfg.ReceiptRedact, err = ParseRedactList(os.Getenv("ODIN_RECEIPT_REDACT")); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseRedactList parses the comma-separated redaction field list. The
// parse is strict: an empty element or a field name with whitespace is a
// startup error, never a silent passthrough.
func ParseRedactList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name == "" {
			return nil, fmt.Errorf("config: ODIN_RECEIPT_REDACT: empty field in %q", raw)
		}
		if strings.ContainsAny(name, " \t/") {
			return nil, fmt.Errorf("config: ODIN_RECEIPT_REDACT: invalid field name %q", name)
		}
		out = append(out, name)
	}
	return out, nil
}

// parseBridgeTargets parses "name=url,name2=url2".
func parseBridgeTargets(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, url, ok := strings.Cut(entry, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("config: ODIN_BRIDGE_TARGETS: malformed entry %q", entry)
		}
		out[name] = url
	}
	return out, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	return os.Getenv(key) == "true"
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	return f, nil
}

func envDurationMS(key string, defMS int64) (time.Duration, error) {
	ms, err := envInt64(key, defMS)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
