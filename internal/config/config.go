package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LemonSqueezy LemonSqueezyConfig

	Logger        LoggerConfig
	Observability ObservabilityConfig

	SlackWebhookURL string
}

// LemonSqueezyConfig carries the provider credentials and identifiers.
type LemonSqueezyConfig struct {
	APIKey        string
	StoreID       string
	WebhookSecret string
}

type LoggerConfig struct {
	Level string
}

type ObservabilityConfig struct {
	MetricsEnabled   bool
	ExporterEndpoint string
	ExporterProtocol string
}

// Load loads configuration from environment variables and .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "billingsync"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
		RedisPassword: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:       getenvInt("REDIS_DB", 0),

		LemonSqueezy: LemonSqueezyConfig{
			APIKey:        strings.TrimSpace(getenv("LEMONSQUEEZY_API_KEY", "")),
			StoreID:       strings.TrimSpace(getenv("LEMONSQUEEZY_STORE_ID", "")),
			WebhookSecret: strings.TrimSpace(getenv("LEMONSQUEEZY_WEBHOOK_SECRET", "")),
		},

		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled:   getenvBool("METRICS_ENABLED", false),
			ExporterEndpoint: strings.TrimSpace(getenv("OTLP_ENDPOINT", "localhost:4317")),
			ExporterProtocol: strings.ToLower(getenv("OTLP_PROTOCOL", "grpc")),
		},

		SlackWebhookURL: strings.TrimSpace(getenv("SLACK_ALERT_WEBHOOK_URL", "")),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would let the service start without the
// credentials it needs to authenticate webhooks or talk to the provider.
// Blank and whitespace-only values count as absent.
func (c Config) Validate() error {
	var missing []string
	if c.LemonSqueezy.WebhookSecret == "" {
		missing = append(missing, "LEMONSQUEEZY_WEBHOOK_SECRET")
	}
	if c.LemonSqueezy.APIKey == "" {
		missing = append(missing, "LEMONSQUEEZY_API_KEY")
	}
	if c.LemonSqueezy.StoreID == "" {
		missing = append(missing, "LEMONSQUEEZY_STORE_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

// Module wires application configuration.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewCostGuardHolder),
)
