// Package config loads the gateway's process configuration from the
// environment, failing fast on missing required fields the way
// services/otc-gateway/config/config.go and services/payments-gateway's
// config loader do, with an optional BurntSushi/toml static override file
// layered on top.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	SigningKey string

	CardRailAppID   string
	CardRailSecret  string
	CardRailBaseURL string

	DirectRailTimeout time.Duration
	CardRailTimeout   time.Duration
	DirectMaxAmount   int64

	DatabaseURL    string
	DatabaseDriver string

	AllowedOrigins []string
	LogLevel       string
	Env            string

	WebhookSecrets map[string]string

	AuthMode       string
	JWTIssuer      string
	JWTAudience    string
	JWTHMACSecret  string

	PolicySeedFile    string
	GatewayConfigFile string

	OTELEndpoint string
	OTELHeaders  map[string]string
	OTELInsecure bool

	ReconOutputDir string
	ReconWindow    time.Duration
	ReconRunHour   int

	RateLimitPerSecond float64
	RateLimitBurst     int

	ListenAddr string
}

// tomlOverlay mirrors the subset of Config fields an operator may pin via
// GATEWAY_CONFIG_FILE instead of the environment.
type tomlOverlay struct {
	DatabaseDriver  string `toml:"database_driver"`
	DirectMaxAmount int64  `toml:"direct_max_amount"`
	LogLevel        string `toml:"log_level"`
	ListenAddr      string `toml:"listen_addr"`
}

// Load reads every documented env var, applies defaults, optionally layers
// a TOML override file, and fails fast (log.Fatalf) on a missing required
// field, matching this codebase's boot-time configuration discipline.
func Load() *Config {
	cfg := &Config{
		SigningKey:        requireEnv("SIGNING_KEY"),
		CardRailAppID:     os.Getenv("CARD_RAIL_APP_ID"),
		CardRailSecret:    os.Getenv("CARD_RAIL_SECRET"),
		CardRailBaseURL:   stringDefault("CARD_RAIL_BASE_URL", "https://api.card-rail.example/v1"),
		DirectRailTimeout: durationMillisDefault("DIRECT_RAIL_TIMEOUT_MS", 5000),
		CardRailTimeout:   durationMillisDefault("CARD_RAIL_TIMEOUT_MS", 10000),
		DirectMaxAmount:   int64Default("DIRECT_MAX_AMOUNT", 200),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DatabaseDriver:    stringDefault("DATABASE_DRIVER", "postgres"),
		AllowedOrigins:    splitCSV(os.Getenv("ALLOWED_ORIGINS")),
		LogLevel:          stringDefault("LOG_LEVEL", "INFO"),
		Env:               stringDefault("GATEWAY_ENV", "development"),
		WebhookSecrets:    webhookSecretsFromEnv(),
		AuthMode:          stringDefault("AUTH_MODE", "jwt"),
		JWTIssuer:         os.Getenv("JWT_ISSUER"),
		JWTAudience:       os.Getenv("JWT_AUDIENCE"),
		JWTHMACSecret:     os.Getenv("JWT_HMAC_SECRET"),
		PolicySeedFile:    os.Getenv("POLICY_SEED_FILE"),
		GatewayConfigFile: os.Getenv("GATEWAY_CONFIG_FILE"),
		OTELEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTELHeaders:       parseHeaderList(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		OTELInsecure:      boolDefault("OTEL_EXPORTER_OTLP_INSECURE", false),
		ReconOutputDir:    stringDefault("RECON_OUTPUT_DIR", "./recon-out"),
		ReconWindow:       durationHoursDefault("RECON_WINDOW", 24),
		ReconRunHour:      intDefault("RECON_RUN_HOUR", 2),

		RateLimitPerSecond: float64Default("RATE_LIMIT_PER_SECOND", 10),
		RateLimitBurst:     intDefault("RATE_LIMIT_BURST", 20),

		ListenAddr: stringDefault("LISTEN_ADDR", ":8080"),
	}

	if cfg.DatabaseDriver != "postgres" && cfg.DatabaseDriver != "sqlite" {
		log.Fatalf("config: DATABASE_DRIVER must be postgres or sqlite, got %q", cfg.DatabaseDriver)
	}
	if cfg.DatabaseDriver == "postgres" && cfg.DatabaseURL == "" {
		log.Fatalf("config: DATABASE_URL is required when DATABASE_DRIVER=postgres")
	}
	if cfg.DatabaseDriver == "sqlite" && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "gateway.db"
	}
	if len(cfg.SigningKey) != 64 {
		log.Fatalf("config: SIGNING_KEY must be 64 hex characters (32-byte Ed25519 seed)")
	}

	if cfg.GatewayConfigFile != "" {
		applyTOMLOverlay(cfg, cfg.GatewayConfigFile)
	}

	return cfg
}

func applyTOMLOverlay(cfg *Config, path string) {
	var overlay tomlOverlay
	if _, err := toml.DecodeFile(path, &overlay); err != nil {
		log.Fatalf("config: read GATEWAY_CONFIG_FILE %s: %v", path, err)
	}
	if overlay.DatabaseDriver != "" {
		cfg.DatabaseDriver = overlay.DatabaseDriver
	}
	if overlay.DirectMaxAmount != 0 {
		cfg.DirectMaxAmount = overlay.DirectMaxAmount
	}
	if overlay.LogLevel != "" {
		cfg.LogLevel = overlay.LogLevel
	}
	if overlay.ListenAddr != "" {
		cfg.ListenAddr = overlay.ListenAddr
	}
}

func requireEnv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		log.Fatalf("config: required environment variable %s is not set", key)
	}
	return v
}

func stringDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("config: %s must be an integer: %v", key, err)
	}
	return n
}

func int64Default(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("config: %s must be an integer: %v", key, err)
	}
	return n
}

func float64Default(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("config: %s must be a number: %v", key, err)
	}
	return f
}

func boolDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("config: %s must be a boolean: %v", key, err)
	}
	return b
}

func durationMillisDefault(key string, defMillis int) time.Duration {
	return time.Duration(intDefault(key, defMillis)) * time.Millisecond
}

func durationHoursDefault(key string, defHours int) time.Duration {
	return time.Duration(intDefault(key, defHours)) * time.Hour
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// webhookSecretsFromEnv collects every WEBHOOK_SECRET_<RAIL> variable into
// a rail(lowercase) -> secret map.
func webhookSecretsFromEnv() map[string]string {
	const prefix = "WEBHOOK_SECRET_"
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		rail := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
		out[rail] = parts[1]
	}
	return out
}

// parseHeaderList parses a "k1=v1,k2=v2" OTEL header list.
func parseHeaderList(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitCSV(raw) {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

// Describe returns a human-readable one-liner for boot logs, never
// including secrets.
func (c *Config) Describe() string {
	return fmt.Sprintf("env=%s driver=%s listen=%s direct_max_amount=%d", c.Env, c.DatabaseDriver, c.ListenAddr, c.DirectMaxAmount)
}
