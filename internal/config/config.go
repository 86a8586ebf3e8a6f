package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Config holds the service configuration.
type Config struct {
	Environment     string
	DatabaseURL     string
	DatabaseDialect string
	APIAddr         string
	GRPCHealthAddr  string
	RedisAddr       string
	LogLevel        string

	JWTIssuer        string
	JWTPublicKeyFile string
	JWTJWKSFile      string
	JWTAudience      string

	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
	IPAllowlist string

	AuditLogFile string

	PaymentPolicy     string
	AllocationEpsilon decimal.Decimal
	AmountPrecision   int32

	MaxBodyBytes          int64
	RateLimitCapacity     int
	RateLimitRefillPerSec int
	MigrateOnStart        bool
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:           os.Getenv("APP_ENV"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DatabaseDialect:       getenv("DATABASE_DIALECT", "postgres"),
		APIAddr:               getenv("API_ADDR", ":8080"),
		GRPCHealthAddr:        getenv("GRPC_HEALTH_ADDR", ":9090"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		JWTIssuer:             os.Getenv("JWT_ISSUER"),
		JWTPublicKeyFile:      os.Getenv("JWT_PUBLIC_KEY_FILE"),
		JWTJWKSFile:           os.Getenv("JWT_JWKS_FILE"),
		JWTAudience:           os.Getenv("JWT_AUDIENCE"),
		TLSCertFile:           os.Getenv("API_TLS_CERT"),
		TLSKeyFile:            os.Getenv("API_TLS_KEY"),
		TLSCAFile:             os.Getenv("API_TLS_CA"),
		IPAllowlist:           os.Getenv("API_IP_ALLOWLIST"),
		AuditLogFile:          os.Getenv("AUDIT_LOG_FILE"),
		PaymentPolicy:         getenv("PAYMENT_POLICY", "additive"),
		MaxBodyBytes:          int64(getenvInt("API_MAX_BODY_BYTES", 1<<20)),
		RateLimitCapacity:     getenvInt("API_RATE_LIMIT_CAPACITY", 20),
		RateLimitRefillPerSec: getenvInt("API_RATE_LIMIT_REFILL_PER_SEC", 10),
		MigrateOnStart:        getenv("MIGRATE_ON_START", "false") == "true",
	}

	var err error
	cfg.AllocationEpsilon, err = decimal.NewFromString(getenv("ALLOCATION_EPSILON", "0.01"))
	if err != nil {
		return nil, fmt.Errorf("invalid ALLOCATION_EPSILON: %w", err)
	}

	precision, err := strconv.Atoi(getenv("AMOUNT_PRECISION", "2"))
	if err != nil {
		return nil, fmt.Errorf("invalid AMOUNT_PRECISION: %w", err)
	}
	cfg.AmountPrecision = int32(precision)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.JWTPublicKeyFile == "" && c.JWTJWKSFile == "" {
		missing = append(missing, "JWT_PUBLIC_KEY_FILE or JWT_JWKS_FILE")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.Environment == "production" || c.Environment == "staging" {
		if c.RedisAddr == "" {
			missing = append(missing, "REDIS_ADDR")
		}
		if c.JWTIssuer == "" {
			missing = append(missing, "JWT_ISSUER")
		}
		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}
		if c.DatabaseDialect != "postgres" {
			return errors.New("DATABASE_DIALECT must be postgres in " + c.Environment)
		}
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("API_TLS_CERT and API_TLS_KEY must be set together")
	}
	if c.TLSCAFile != "" && c.TLSCertFile == "" {
		return errors.New("API_TLS_CA requires API_TLS_CERT and API_TLS_KEY")
	}

	switch c.DatabaseDialect {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported DATABASE_DIALECT %q", c.DatabaseDialect)
	}

	switch c.PaymentPolicy {
	case "additive", "offset":
	default:
		return fmt.Errorf("PAYMENT_POLICY must be additive or offset, got %q", c.PaymentPolicy)
	}

	if c.AllocationEpsilon.IsNegative() {
		return errors.New("ALLOCATION_EPSILON must not be negative")
	}
	if c.AmountPrecision < 0 || c.AmountPrecision > 8 {
		return errors.New("AMOUNT_PRECISION must be between 0 and 8")
	}

	return nil
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
