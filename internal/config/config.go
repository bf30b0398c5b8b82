package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const envPrefix = "WEBSERVICE_"

// Config is built once at startup and never mutated afterwards.
type Config struct {
	ServiceName string `validate:"required"`

	TokenKey            string        `validate:"required"`
	EncryptionAlgorithm string        `validate:"required,oneof=HS256 HS384 HS512"`
	AccessTokenTTL      time.Duration `validate:"gt=0"`
	RefreshTokenTTL     time.Duration `validate:"gtfield=AccessTokenTTL"`

	PostgresDSN     string   `validate:"required"`
	RedisAddr       string   `validate:"required,hostname_port"`
	KafkaBrokers    []string `validate:"required,min=1,dive,hostname_port"`
	KafkaAuditTopic string   `validate:"required"`
	KafkaGroupID    string   `validate:"required"`

	HTTPAddr           string `validate:"required"`
	MetricsAddr        string
	OTLPEndpoint       string
	LogLevel           string `validate:"omitempty,oneof=debug info warn warning error"`
	CORSAllowedOrigins []string

	CleanupSchedule   string `validate:"required"`
	CleanupOnStartup  bool
	PasswordScheme    string `validate:"oneof=bcrypt argon2id"`
	RunMigrations     bool
	ShutdownTimeout   time.Duration `validate:"gt=0"`
	RevocationCaching bool
}

var validate = validator.New()

// Load reads the optional env file, then the process environment, applying defaults.
func Load(envFile string) (*Config, error) {
	if err := godotenv.Load(envFile); err != nil {
		slog.Warn("failed to load .env file, using default values", "path", envFile, "error", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv. Tests pass a map lookup instead of os.Getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	accessMinutes, err := strconv.Atoi(get(envPrefix+"ACCESS_TOKEN_EXPIRE_MINUTES", "15"))
	if err != nil {
		return nil, fmt.Errorf("invalid %sACCESS_TOKEN_EXPIRE_MINUTES: %w", envPrefix, err)
	}
	refreshDays, err := strconv.Atoi(get(envPrefix+"REFRESH_TOKEN_EXPIRE_DAYS", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid %sREFRESH_TOKEN_EXPIRE_DAYS: %w", envPrefix, err)
	}
	shutdownTimeout, err := time.ParseDuration(get("SHUTDOWN_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg := &Config{
		ServiceName: get("SERVICE_NAME", "token-auth-service"),

		TokenKey:            get(envPrefix+"TOKEN_KEY", ""),
		EncryptionAlgorithm: strings.ToUpper(get(envPrefix+"ENCRYPTION_ALGORITHM", "HS256")),
		AccessTokenTTL:      time.Duration(accessMinutes) * time.Minute,
		RefreshTokenTTL:     time.Duration(refreshDays) * 24 * time.Hour,

		PostgresDSN:     get("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=platform sslmode=disable"),
		RedisAddr:       get("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:    splitList(get("KAFKA_BROKER", "localhost:9092")),
		KafkaAuditTopic: get("KAFKA_AUDIT_TOPIC", "auth-events"),
		KafkaGroupID:    get("KAFKA_GROUP_ID", "token-auth-service"),

		HTTPAddr:           get("HTTP_ADDR", ":8000"),
		MetricsAddr:        get("METRICS_ADDR", ""),
		OTLPEndpoint:       get("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogLevel:           strings.ToLower(get("LOG_LEVEL", "info")),
		CORSAllowedOrigins: splitList(get("CORS_ALLOWED_ORIGINS", "")),

		CleanupSchedule:   get("CLEANUP_SCHEDULE", "@every 1h"),
		CleanupOnStartup:  parseBool(get("CLEANUP_ON_STARTUP", "false")),
		PasswordScheme:    strings.ToLower(get("PASSWORD_SCHEME", "argon2id")),
		RunMigrations:     parseBool(get("RUN_MIGRATIONS", "true")),
		ShutdownTimeout:   shutdownTimeout,
		RevocationCaching: parseBool(get("REVOCATION_CACHE", "true")),
	}

	if cfg.TokenKey == "" {
		cfg.TokenKey = "your_secret_key"
		slog.Warn("token signing key not set, using insecure default", "key", envPrefix+"TOKEN_KEY")
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	slog.Info("config loaded",
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"http_addr", cfg.HTTPAddr,
		"algorithm", cfg.EncryptionAlgorithm,
		"access_ttl", cfg.AccessTokenTTL,
		"refresh_ttl", cfg.RefreshTokenTTL,
		"cleanup_schedule", cfg.CleanupSchedule)
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
