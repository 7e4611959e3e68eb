package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the engine configuration, loaded once from the environment.
type Config struct {
	HTTPAddr string
	NATSURL  string
	NodeID   string
	RulesDir string

	CorrelationWindow      time.Duration
	SweepInterval          time.Duration
	MaxBufferSize          int
	MinConfidenceThreshold float64
	MaxStoredCorrelations  int
	SeenCacheSize          int

	ConnectionRateThreshold float64
	DataExfilThresholdBytes int64
	GeoAnomalyThreshold     float64
	GeoIPDBPath             string

	DatabaseURL string

	FederationEnabled    bool
	FederationEndpoints  []string
	FederationPrivateKey string
	FederationPublicKeys map[string]string
	FederationSharedKey  string
	FederationCompress   bool
	FederationTimeout    time.Duration
}

// Load reads configuration from the environment with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		NATSURL:  getEnv("NATS_URL", "nats://localhost:4222"),
		NodeID:   getEnv("NODE_ID", "netsentry-local"),
		RulesDir: getEnv("RULES_DIR", ""),

		CorrelationWindow:      time.Duration(getEnvInt("CORRELATION_WINDOW_MS", 300000)) * time.Millisecond,
		SweepInterval:          time.Duration(getEnvInt("SWEEP_INTERVAL_MS", 60000)) * time.Millisecond,
		MaxBufferSize:          getEnvInt("MAX_BUFFER_SIZE", 10000),
		MinConfidenceThreshold: getEnvFloat("MIN_CONFIDENCE_THRESHOLD", 0.7),
		MaxStoredCorrelations:  getEnvInt("MAX_STORED_CORRELATIONS", 10000),
		SeenCacheSize:          getEnvInt("SEEN_CACHE_SIZE", 100000),

		ConnectionRateThreshold: getEnvFloat("CONNECTION_RATE_THRESHOLD", 100),
		DataExfilThresholdBytes: int64(getEnvInt("DATA_EXFIL_THRESHOLD_BYTES", 100*1024*1024)),
		GeoAnomalyThreshold:     getEnvFloat("GEO_ANOMALY_THRESHOLD", 0.1),
		GeoIPDBPath:             getEnv("GEOIP_DB_PATH", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		FederationEnabled:    getEnvBool("FEDERATION_ENABLED", false),
		FederationEndpoints:  splitList(getEnv("FEDERATION_ENDPOINTS", "")),
		FederationPrivateKey: getEnv("FEDERATION_PRIVATE_KEY", ""),
		FederationPublicKeys: parseKeyMap(getEnv("FEDERATION_PUBLIC_KEY", "")),
		FederationSharedKey:  getEnv("FEDERATION_SHARED_KEY", ""),
		FederationCompress:   getEnvBool("FEDERATION_COMPRESS", false),
		FederationTimeout:    time.Duration(getEnvInt("FEDERATION_TIMEOUT_MS", 5000)) * time.Millisecond,
	}

	if cfg.MaxBufferSize <= 0 {
		return nil, fmt.Errorf("MAX_BUFFER_SIZE must be positive, got %d", cfg.MaxBufferSize)
	}
	if cfg.CorrelationWindow <= 0 {
		return nil, fmt.Errorf("CORRELATION_WINDOW_MS must be positive")
	}
	if cfg.MaxStoredCorrelations <= 0 || cfg.SeenCacheSize <= 0 {
		return nil, fmt.Errorf("MAX_STORED_CORRELATIONS and SEEN_CACHE_SIZE must be positive")
	}
	if cfg.FederationEnabled && len(cfg.FederationEndpoints) == 0 {
		return nil, fmt.Errorf("FEDERATION_ENABLED is set but FEDERATION_ENDPOINTS is empty")
	}

	return cfg, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets an environment variable as a float with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean with a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseKeyMap parses peer public keys. Accepts either a single bare key
// (applied to every peer) or "nodeID=key" pairs separated by commas.
func parseKeyMap(value string) map[string]string {
	keys := make(map[string]string)
	for _, part := range splitList(value) {
		if idx := strings.Index(part, "="); idx > 0 {
			keys[part[:idx]] = part[idx+1:]
		} else {
			keys["*"] = part
		}
	}
	return keys
}
