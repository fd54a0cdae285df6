package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains runtime configuration values.
type Config struct {
	Environment       string
	HTTPPort          string
	DatabaseURL       string
	ServiceName       string
	IssuerBaseURL     string
	TelemetryEndpoint string
	TelemetryInsecure bool

	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	AuthCodeTTL       time.Duration
	ParRequestTTL     time.Duration
	DeviceCodeTTL     time.Duration
	DPoPProofMaxSkew  time.Duration
	JTIRecordTTL      time.Duration
	KeyRotationAge    time.Duration
	KeyExpiryGrace    time.Duration
	RotationInterval  time.Duration
	ComplianceTimeout time.Duration

	ComplianceCallbackBaseURL string

	// ClientRegistryJSON is the registered confidential clients document,
	// a JSON array of {client_id, tenant_id, name, jwks}.
	ClientRegistryJSON string
}

// DPoPSkewCeiling is the hard upper bound for the configured proof iat window.
const DPoPSkewCeiling = 10 * time.Second

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	cfg := Config{
		Environment:       getEnv("APP_ENV", "development"),
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		ServiceName:       getEnv("SERVICE_NAME", "identity-service"),
		IssuerBaseURL:     getEnv("ISSUER_BASE_URL", "https://auth.smartedify.global"),
		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),

		AccessTokenTTL:    getDuration("ACCESS_TOKEN_TTL", 10*time.Minute),
		RefreshTokenTTL:   getDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		AuthCodeTTL:       getDuration("AUTH_CODE_TTL", 10*time.Minute),
		ParRequestTTL:     getDuration("PAR_REQUEST_TTL", 60*time.Second),
		DeviceCodeTTL:     getDuration("DEVICE_CODE_TTL", 30*time.Minute),
		DPoPProofMaxSkew:  getDuration("DPOP_PROOF_MAX_SKEW", 5*time.Second),
		JTIRecordTTL:      getDuration("DPOP_JTI_TTL", 10*time.Minute),
		KeyRotationAge:    getDuration("KEY_ROTATION_AGE", 90*24*time.Hour),
		KeyExpiryGrace:    getDuration("KEY_EXPIRY_GRACE", 7*24*time.Hour),
		RotationInterval:  getDuration("KEY_ROTATION_INTERVAL", 24*time.Hour),
		ComplianceTimeout: getDuration("COMPLIANCE_JOB_TIMEOUT", 72*time.Hour),

		ComplianceCallbackBaseURL: getEnv("COMPLIANCE_JOB_CALLBACK_BASE_URL", "http://identity-service:8080/privacy/jobs"),
		ClientRegistryJSON:        os.Getenv("OAUTH_CLIENTS"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.DPoPProofMaxSkew > DPoPSkewCeiling {
		cfg.DPoPProofMaxSkew = DPoPSkewCeiling
	}
	cfg.ComplianceCallbackBaseURL = strings.TrimRight(cfg.ComplianceCallbackBaseURL, "/")

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
