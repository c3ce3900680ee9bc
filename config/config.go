package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	DatabaseURL      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Store selects the backend: "postgres" or "memory".
	Store      string
	CleanedCSV string

	LogLevel  string
	LogFormat string

	MaxConcurrency   int
	MaxRetries       int
	RetryBaseDelayMs int
	UnitTimeoutMs    int

	DescriptionLang string
	MetricsAddr     string

	Quality QualityConfig
}

// QualityConfig holds the data-quality gate thresholds.
type QualityConfig struct {
	MinZip5Coverage     float64 `yaml:"min_zip5_coverage"`
	MaxVolumeDrift      float64 `yaml:"max_volume_drift"`
	RequireTerraceArea  bool    `yaml:"require_terrace_area"`
	RequireDescriptions bool    `yaml:"require_descriptions"`
}

// DefaultQuality mirrors the thresholds the checks have always used.
func DefaultQuality() QualityConfig {
	return QualityConfig{
		MinZip5Coverage:     0.95,
		MaxVolumeDrift:      0.50,
		RequireTerraceArea:  true,
		RequireDescriptions: true,
	}
}

// Load reads the .env file and returns a populated Config struct.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	cfg := &Config{
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "loader"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "loader123"),
		PostgresDB:       getEnv("POSTGRES_DB", "listings_db"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		Store:      getEnv("STORE", "postgres"),
		CleanedCSV: getEnv("CLEANED_CSV", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		MaxConcurrency:   getEnvInt("MAX_CONCURRENCY", 8),
		MaxRetries:       getEnvInt("MAX_RETRIES", 3),
		RetryBaseDelayMs: getEnvInt("RETRY_BASE_DELAY_MS", 50),
		UnitTimeoutMs:    getEnvInt("UNIT_TIMEOUT_MS", 10000),

		DescriptionLang: getEnv("DESCRIPTION_LANG", "fr"),
		MetricsAddr:     getEnv("METRICS_ADDR", ""),

		Quality: DefaultQuality(),
	}

	if path := getEnv("DQ_CONFIG", ""); path != "" {
		q, err := LoadQuality(path)
		if err != nil {
			return nil, err
		}
		cfg.Quality = q
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadQuality reads gate thresholds from a YAML file. Keys absent from the
// file keep their defaults.
func LoadQuality(path string) (QualityConfig, error) {
	q := DefaultQuality()
	data, err := os.ReadFile(path)
	if err != nil {
		return q, fmt.Errorf("reading quality config: %w", err)
	}
	if err := yaml.Unmarshal(data, &q); err != nil {
		return q, fmt.Errorf("parsing quality config: %w", err)
	}
	return q, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	if c.CleanedCSV == "" {
		return fmt.Errorf("CLEANED_CSV is required")
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 1
	}
	if c.Quality.MinZip5Coverage < 0 || c.Quality.MinZip5Coverage > 1 {
		return fmt.Errorf("min_zip5_coverage must be within [0,1]")
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// RetryBaseDelay is RetryBaseDelayMs as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// UnitTimeout is UnitTimeoutMs as a duration; zero disables the per-listing deadline.
func (c *Config) UnitTimeout() time.Duration {
	return time.Duration(c.UnitTimeoutMs) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}
