// Package config provides configuration loading and management for the query
// DOI service. It handles environment variable parsing and provides default
// values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// TestPrefix is the retired DataCite-wide test prefix. It must never be used
// for minting; test accounts have their own prefixes.
const TestPrefix = "10.5072"

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// The loading order ensures that system environment variables take precedence over .env files.
func init() {
	// godotenv.Load() does not override already-set environment variables,
	// preserving OS env > .env precedence

	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the query DOI service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL)
	NATSURL     string // NATS server URL

	// DOI registry settings
	DOIPrefix        string // Registrant prefix used for minted DOIs
	DataCiteURL      string // DataCite MDS API base URL (defaults by test mode)
	DataCiteUsername string // DataCite account username
	DataCitePassword string // DataCite account password
	TestMode         bool   // Whether to mint against the DataCite test API

	// Landing page and citation settings
	SiteURL       string // Base URL of this service's landing pages
	Publisher     string // Publisher name for DOI metadata and citations
	DOITitle      string // Title template for DOI metadata, {count} is replaced

	// Minting policy
	AllowMultiResource bool // Whether multi-resource queries may be minted

	// Datastore (version catalog) settings
	DatastoreURL string // Base URL of the versioned datastore API

	// Metadata archive (optional, S3-compatible)
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket for archived DOI metadata
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
}

// Default configuration values used when environment variables are not set
const (
	defaultPort        = "8080"
	defaultEnv         = "dev"
	defaultS3Region    = "us-east-1"
	defaultPublisher   = "Data Portal"
	defaultDOITitle    = "Data Portal query containing {count} records"
	defaultDataCiteURL = "https://mds.datacite.org"
	testDataCiteURL    = "https://mds.test.datacite.org"
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. It handles both required and optional configuration parameters,
// providing defaults where appropriate.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:       getEnv("QDOI_ENV", defaultEnv),
		Port:      getEnv("QDOI_PORT", defaultPort),
		Publisher: getEnv("QDOI_PUBLISHER", defaultPublisher),
		DOITitle:  getEnv("QDOI_DOI_TITLE", defaultDOITitle),
		S3Region:  getEnv("QDOI_S3_REGION", defaultS3Region),
	}

	// Handle optional variables
	if dsn, exists := os.LookupEnv("QDOI_DB_DSN"); exists {
		cfg.DatabaseDSN = dsn
	}

	if natsURL, exists := os.LookupEnv("QDOI_NATS_URL"); exists {
		cfg.NATSURL = natsURL
	}

	if siteURL, exists := os.LookupEnv("QDOI_SITE_URL"); exists {
		cfg.SiteURL = strings.TrimSuffix(siteURL, "/")
	}

	if username, exists := os.LookupEnv("QDOI_DATACITE_USERNAME"); exists {
		cfg.DataCiteUsername = username
	}

	if password, exists := os.LookupEnv("QDOI_DATACITE_PASSWORD"); exists {
		cfg.DataCitePassword = password
	}

	if endpoint, exists := os.LookupEnv("QDOI_S3_ENDPOINT"); exists {
		cfg.S3Endpoint = endpoint
	}

	if bucket, exists := os.LookupEnv("QDOI_S3_BUCKET"); exists {
		cfg.S3Bucket = bucket
	}

	if accessKey, exists := os.LookupEnv("QDOI_S3_ACCESS_KEY"); exists {
		cfg.S3AccessKey = accessKey
	}

	if secretKey, exists := os.LookupEnv("QDOI_S3_SECRET_KEY"); exists {
		cfg.S3SecretKey = secretKey
	}

	// Test mode defaults to true so a misconfigured deployment can never mint
	// real DOIs by accident.
	cfg.TestMode = true
	if testMode, exists := os.LookupEnv("QDOI_TEST_MODE"); exists {
		cfg.TestMode = parseBool(testMode)
	}

	if allowMulti, exists := os.LookupEnv("QDOI_ALLOW_MULTI_RESOURCE"); exists {
		cfg.AllowMultiResource = parseBool(allowMulti)
	}

	// The MDS URL depends on the mode unless set explicitly
	if dataciteURL, exists := os.LookupEnv("QDOI_DATACITE_URL"); exists {
		cfg.DataCiteURL = dataciteURL
	} else if cfg.TestMode {
		cfg.DataCiteURL = testDataCiteURL
	} else {
		cfg.DataCiteURL = defaultDataCiteURL
	}

	cfg.DOIPrefix = os.Getenv("QDOI_DOI_PREFIX")
	cfg.DatastoreURL = os.Getenv("QDOI_DATASTORE_URL")

	// Validate required parameters
	if cfg.DOIPrefix == "" {
		return cfg, fmt.Errorf("QDOI_DOI_PREFIX is required")
	}
	if cfg.DOIPrefix == TestPrefix {
		return cfg, fmt.Errorf("the test prefix %s has been retired, use a prefix defined in your DataCite test account", TestPrefix)
	}
	if cfg.DatastoreURL == "" {
		return cfg, fmt.Errorf("QDOI_DATASTORE_URL is required")
	}
	if !strings.Contains(cfg.DOITitle, "{count}") {
		return cfg, fmt.Errorf("QDOI_DOI_TITLE must contain a {count} placeholder")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
