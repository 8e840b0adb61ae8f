package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBDSN    string
	HTTPAddr string
	LogLevel string
	RedisDSN string

	// raw secrets kept in-memory only; never log these
	EncryptionKeysRaw string
	EncryptionKey     []byte // decoded from EncryptionKeysRaw
	AdminSecretKey    string
	CORSOrigins       []string

	// marketplace endpoints
	MarketplaceBaseURL string
	MarketplaceAuthURL string

	// scheduler knobs
	TickInterval        time.Duration
	TickDeadline        time.Duration
	ClaimTTL            time.Duration
	FailureCooldown     time.Duration
	MaxParallelAccounts int

	// call layer knobs
	GlobalMaxCalls     int
	AccountCallsPerMin int
	AccountCallBurst   int
	CallMaxRetries     int

	// ledger export (S3 / R2 compatible)
	ExportEndpoint string
	ExportBucket   string
	ExportKeysRaw  string
	ExportInterval time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		DBDSN:              os.Getenv("DB_DSN"),
		HTTPAddr:           getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:           getenvDefault("LOG_LEVEL", "info"),
		RedisDSN:           getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		AdminSecretKey:     getenvDefault("ADMIN_SECRET_KEY", ""),
		MarketplaceBaseURL: getenvDefault("MARKETPLACE_BASE_URL", "https://api.marketplace.example"),
		MarketplaceAuthURL: getenvDefault("MARKETPLACE_AUTH_URL", "https://auth.marketplace.example/oauth2/token"),

		TickInterval:        getenvDuration("TICK_INTERVAL", time.Hour),
		TickDeadline:        getenvDuration("TICK_DEADLINE", 30*time.Minute),
		ClaimTTL:            getenvDuration("CLAIM_TTL", 5*time.Minute),
		FailureCooldown:     getenvDuration("FAILURE_COOLDOWN", 6*time.Hour),
		MaxParallelAccounts: getenvInt("MAX_PARALLEL_ACCOUNTS", 8),

		GlobalMaxCalls:     getenvInt("GLOBAL_MAX_CALLS", 20),
		AccountCallsPerMin: getenvInt("ACCOUNT_CALLS_PER_MIN", 30),
		AccountCallBurst:   getenvInt("ACCOUNT_CALL_BURST", 5),
		CallMaxRetries:     getenvInt("CALL_MAX_RETRIES", 3),

		ExportEndpoint: getenvDefault("EXPORT_ENDPOINT", ""),
		ExportBucket:   getenvDefault("EXPORT_BUCKET", ""),
		ExportKeysRaw:  os.Getenv("EXPORT_KEYS"),
		ExportInterval: getenvDuration("EXPORT_INTERVAL", 24*time.Hour),
	}

	cfg.EncryptionKeysRaw = os.Getenv("ENCRYPTION_KEY")

	if cfg.DBDSN == "" {
		return Config{}, errors.New("missing DB_DSN")
	}

	// light validation: ensure secrets are valid json if set
	if cfg.ExportKeysRaw != "" {
		var tmp any
		if err := json.Unmarshal([]byte(cfg.ExportKeysRaw), &tmp); err != nil {
			return Config{}, errors.New("EXPORT_KEYS must be valid json")
		}
	}

	// decode encryption key (base64, must be 32 bytes)
	if cfg.EncryptionKeysRaw != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKeysRaw)
		if err != nil {
			return Config{}, errors.New("ENCRYPTION_KEY must be valid base64")
		}
		if len(key) != 32 {
			return Config{}, errors.New("ENCRYPTION_KEY must be 32 bytes (256 bits)")
		}
		cfg.EncryptionKey = key
	}

	// parse CORS origins
	corsOrigins := getenvDefault("CORS_ORIGINS", "")
	if corsOrigins != "" {
		cfg.CORSOrigins = strings.Split(corsOrigins, ",")
		for i := range cfg.CORSOrigins {
			cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
		}
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000"} // default
	}

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
