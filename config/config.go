/*
config.go - Process configuration

PURPOSE:
  Loads settings from an optional .env file and the environment into one
  explicit Config struct. Nothing here is global: cmd/server and
  cmd/ledgerctl call Load once and pass the pieces to constructors.

PRECEDENCE:
  environment > .env file > defaults

SEE ALSO:
  - cmd/server/main.go: Wiring
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/friendfund/backend/ledger"
)

// Config holds all configuration for the FriendFund backend.
type Config struct {
	Port string `mapstructure:"PORT"`

	StoreDriver   string `mapstructure:"STORE_DRIVER"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`

	JWTSecret string        `mapstructure:"JWT_SECRET"`
	JWTTTL    time.Duration `mapstructure:"JWT_TTL"`

	CountingPolicy string `mapstructure:"COUNTING_POLICY"`
	CASMaxAttempts int    `mapstructure:"CAS_MAX_ATTEMPTS"`
	FrontendURL    string `mapstructure:"FRONTEND_URL"`
	GatewaySecret  string `mapstructure:"GATEWAY_SECRET"`
	OCREnabled     bool   `mapstructure:"OCR_ENABLED"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`

	RedisURL               string        `mapstructure:"REDIS_URL"`
	ContributionRateLimit  int           `mapstructure:"CONTRIBUTION_RATE_LIMIT"`
	ContributionRateWindow time.Duration `mapstructure:"CONTRIBUTION_RATE_WINDOW"`

	FilestoreDriver     string `mapstructure:"FILESTORE_DRIVER"`
	FilestoreDir        string `mapstructure:"FILESTORE_DIR"`
	CloudinaryCloudName string `mapstructure:"CLOUDINARY_CLOUD_NAME"`
	CloudinaryAPIKey    string `mapstructure:"CLOUDINARY_API_KEY"`
	CloudinaryAPISecret string `mapstructure:"CLOUDINARY_API_SECRET"`

	AuditSchedule   string `mapstructure:"AUDIT_SCHEDULE"`
	OverdueSchedule string `mapstructure:"OVERDUE_SCHEDULE"`

	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

var defaults = map[string]any{
	"PORT":                     "8080",
	"STORE_DRIVER":             "sqlite",
	"SQLITE_PATH":              "friendfund.db",
	"DATABASE_URL":             "",
	"MONGO_URI":                "",
	"MONGO_DATABASE":           "friendfund",
	"JWT_SECRET":               "",
	"JWT_TTL":                  "168h",
	"COUNTING_POLICY":          string(ledger.CountImmediately),
	"CAS_MAX_ATTEMPTS":         10,
	"FRONTEND_URL":             "http://localhost:3000",
	"GATEWAY_SECRET":           "",
	"OCR_ENABLED":              false,
	"RABBITMQ_URL":             "",
	"EVENTS_EXCHANGE":          "friendfund.events",
	"REDIS_URL":                "",
	"CONTRIBUTION_RATE_LIMIT":  20,
	"CONTRIBUTION_RATE_WINDOW": "1m",
	"FILESTORE_DRIVER":         "local",
	"FILESTORE_DIR":            "uploads",
	"CLOUDINARY_CLOUD_NAME":    "",
	"CLOUDINARY_API_KEY":       "",
	"CLOUDINARY_API_SECRET":    "",
	"AUDIT_SCHEDULE":           "0 3 * * *",
	"OVERDUE_SCHEDULE":         "0 9 * * *",
	"CORS_ALLOWED_ORIGINS":     "*",
}

// Load reads .env from path (if present) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path == "" {
		path = "."
	}
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "mongo":
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required when STORE_DRIVER=mongo")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if !ledger.CountingPolicy(c.CountingPolicy).Valid() {
		return fmt.Errorf("unknown COUNTING_POLICY %q", c.CountingPolicy)
	}
	switch c.FilestoreDriver {
	case "local":
	case "cloudinary":
		if c.CloudinaryCloudName == "" || c.CloudinaryAPIKey == "" || c.CloudinaryAPISecret == "" {
			return errors.New("CLOUDINARY_CLOUD_NAME, CLOUDINARY_API_KEY and CLOUDINARY_API_SECRET are required when FILESTORE_DRIVER=cloudinary")
		}
	default:
		return fmt.Errorf("unknown FILESTORE_DRIVER %q", c.FilestoreDriver)
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be positive, got %s", c.JWTTTL)
	}
	return nil
}

// LedgerConfig builds the ledger service configuration.
func (c *Config) LedgerConfig() ledger.Config {
	lc := ledger.DefaultConfig()
	lc.CountingPolicy = ledger.CountingPolicy(c.CountingPolicy)
	lc.CASMaxAttempts = c.CASMaxAttempts
	lc.ShareBaseURL = c.FrontendURL
	return lc
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
