// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"dev"`
	Port        int    `env:"PORT" envDefault:"8080"`
	APIPrefix   string `env:"API_PREFIX" envDefault:"/"`
	// APIAuthToken, when set, is required as a bearer token on every
	// mutating endpoint. Empty disables the guard (dev only).
	APIAuthToken string `env:"API_AUTH_TOKEN"`

	// Postgres
	PGHost      string `env:"PG_HOST" envDefault:"localhost"`
	PGPort      int    `env:"PG_PORT" envDefault:"5432"`
	PGUser      string `env:"PG_USER" envDefault:"postgres"`
	PGPassword  string `env:"PG_PASSWORD" envDefault:"postgres"`
	PGDatabaseD string `env:"PG_DATABASE_DEV" envDefault:"amr_dev"`
	PGDatabaseT string `env:"PG_DATABASE_TEST" envDefault:"amr_test"`
	PGDatabaseP string `env:"PG_DATABASE_PROD" envDefault:"amr"`
	DBMinConns  int    `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxConns  int    `env:"DB_MAX_CONNS" envDefault:"10"`
	// DBConnectTimeout bounds establishing a new connection to Postgres.
	// Pool acquisition itself is bounded by the caller's context.
	DBConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT" envDefault:"30s"`

	// Queue
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`

	// Filesystem layout
	ResultsDir string `env:"RESULTS_DIR" envDefault:"data/results"`
	UploadDir  string `env:"UPLOAD_DIR" envDefault:"data/uploads"`

	// Bakta remote API
	BaktaURLProd       string        `env:"BAKTA_API_URL_PROD" envDefault:"https://api.bakta.computational.bio"`
	BaktaURLStaging    string        `env:"BAKTA_API_URL_STAGING"`
	BaktaURLDev        string        `env:"BAKTA_API_URL_DEV"`
	BaktaURLLocal      string        `env:"BAKTA_API_URL_LOCAL" envDefault:"http://localhost:19120"`
	BaktaAPIKey        string        `env:"BAKTA_API_KEY"`
	BaktaTimeout       time.Duration `env:"BAKTA_HTTP_TIMEOUT" envDefault:"30s"`
	BaktaUploadTimeout time.Duration `env:"BAKTA_UPLOAD_TIMEOUT" envDefault:"10m"`
	BaktaPollInterval  time.Duration `env:"BAKTA_POLL_INTERVAL" envDefault:"30s"`
	BaktaPollDeadline  time.Duration `env:"BAKTA_POLL_DEADLINE" envDefault:"24h"`

	// Worker pools
	AMRWorkers       int           `env:"AMR_WORKERS" envDefault:"0"` // 0: min(cores, 4)
	BaktaWorkers     int           `env:"BAKTA_WORKERS" envDefault:"16"`
	MaxProcessingAge time.Duration `env:"MAX_PROCESSING_AGE" envDefault:"6h"`

	// Retention
	ArchiveAfter         time.Duration `env:"ARCHIVE_AFTER" envDefault:"720h"`
	DeleteAfter          time.Duration `env:"DELETE_AFTER" envDefault:"2160h"`
	ArchiveSweepInterval time.Duration `env:"ARCHIVE_SWEEP_INTERVAL" envDefault:"6h"`

	// HTTP server
	MaxUploadMB           int64         `env:"MAX_UPLOAD_MB" envDefault:"100"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"amr-service"`

	// BaktaConfigDefaults collects BAKTA_CONFIG_<KEY> overrides, parsed
	// by LoadBaktaDefaults. Not env-tagged: keys are free-form.
	BaktaConfigDefaults map[string]any `env:"-"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	cfg.BaktaConfigDefaults = LoadBaktaDefaults(os.Environ())
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.Environment) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.Environment) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.Environment) == "test" }

// DBURL assembles the Postgres DSN for the active environment.
func (c Config) DBURL() string {
	db := c.PGDatabaseD
	switch {
	case c.IsProd():
		db = c.PGDatabaseP
	case c.IsTest():
		db = c.PGDatabaseT
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.PGUser, c.PGPassword, c.PGHost, c.PGPort, db)
}

// BaktaBaseURL resolves the remote base URL for the active environment.
func (c Config) BaktaBaseURL() string {
	switch {
	case c.IsProd() && c.BaktaURLProd != "":
		return c.BaktaURLProd
	case c.IsTest() && c.BaktaURLStaging != "":
		return c.BaktaURLStaging
	case c.BaktaURLDev != "":
		return c.BaktaURLDev
	}
	if c.IsProd() {
		return c.BaktaURLProd
	}
	return c.BaktaURLLocal
}

// baktaEnvPrefix marks default-config overrides for Bakta jobs.
const baktaEnvPrefix = "BAKTA_CONFIG_"

// LoadBaktaDefaults interprets BAKTA_CONFIG_<KEY> variables as typed
// config overrides: true/yes/1 and false/no/0 become booleans, integers
// are auto-detected, "none" becomes nil, everything else stays a string.
// Keys are lower-cased.
func LoadBaktaDefaults(environ []string) map[string]any {
	out := map[string]any{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, baktaEnvPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(k, baktaEnvPrefix))
		if key == "" {
			continue
		}
		out[key] = parseOverride(v)
	}
	return out
}

func parseOverride(v string) any {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1":
		return true
	case "false", "no", "0":
		return false
	case "none":
		return nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return n
	}
	return v
}
