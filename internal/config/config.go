// Package config provides configuration loading for the sharecore service.
// Settings come from SHARECORE_* environment variables, optionally seeded
// from .env files, and are grouped by the component they configure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads .env and .env.local when present. godotenv never overrides
// variables already set, so the OS environment wins.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Local overrides, gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Auth configures principal authentication.
type Auth struct {
	JWTIssuer     string // Expected iss claim
	JWTAudience   string // Expected aud claim
	JWKSURL       string // Key set location; defaults to <issuer>/.well-known/jwks.json
	CapabilityURL string // Capability service; empty means nobody is admin
}

// Share configures the share link service.
type Share struct {
	BaseURL          string // Prefix of generated share URLs
	MintAttempts     int    // Token collision retries
	ValidateResource bool   // Check the resource exists at creation
}

// Dashboard configures the dashboard composer.
type Dashboard struct {
	CacheTTL     time.Duration // Snapshot cache lifetime, 0 disables
	Strict       bool          // Fail the snapshot when any section fails
	Concurrency  int           // Max concurrent sections
	ExportURLTTL time.Duration // Lifetime of presigned export links
}

// S3 configures export object storage. Empty Bucket disables exports.
type S3 struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Redis configures the snapshot cache. Empty URL disables it.
type Redis struct {
	URL string
	DB  int // -1 keeps the database from the URL
}

// Config captures environment-driven settings for the sharecore service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL DSN; empty selects the in-memory store
	NATSURL     string // NATS server URL; empty disables events
	LogFile     string // Optional rotating log file

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)

	Auth      Auth
	Share     Share
	Dashboard Dashboard
	S3        S3
	Redis     Redis
}

// Default configuration values used when environment variables are not set
const (
	defaultPort         = "8080"
	defaultEnv          = "dev"
	defaultS3Region     = "us-east-1"
	defaultShareBaseURL = "http://localhost:8080/share"
	defaultMintAttempts = 3
	defaultCacheTTL     = 60 * time.Second
	defaultConcurrency  = 4
	defaultExportURLTTL = 15 * time.Minute
)

// Load reads the environment and returns a validated Config.
func Load() (Config, error) {
	cfg := Config{
		Env:         getEnv("SHARECORE_ENV", defaultEnv),
		Port:        getEnv("SHARECORE_PORT", defaultPort),
		DatabaseDSN: os.Getenv("SHARECORE_DB_DSN"),
		NATSURL:     os.Getenv("SHARECORE_NATS_URL"),
		LogFile:     os.Getenv("SHARECORE_LOG_FILE"),
		Auth: Auth{
			JWTIssuer:     os.Getenv("SHARECORE_JWT_ISSUER"),
			JWTAudience:   os.Getenv("SHARECORE_JWT_AUDIENCE"),
			JWKSURL:       os.Getenv("SHARECORE_JWKS_URL"),
			CapabilityURL: os.Getenv("SHARECORE_CAPABILITY_URL"),
		},
		Share: Share{
			BaseURL:          getEnv("SHARECORE_SHARE_BASE_URL", defaultShareBaseURL),
			ValidateResource: true,
		},
		S3: S3{
			Endpoint:  os.Getenv("SHARECORE_S3_ENDPOINT"),
			Region:    getEnv("SHARECORE_S3_REGION", defaultS3Region),
			Bucket:    os.Getenv("SHARECORE_S3_BUCKET"),
			AccessKey: os.Getenv("SHARECORE_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("SHARECORE_S3_SECRET_KEY"),
		},
		Redis: Redis{
			URL: os.Getenv("SHARECORE_REDIS_URL"),
			DB:  -1,
		},
	}

	var err error
	if cfg.Share.MintAttempts, err = getInt("SHARECORE_SHARE_MINT_ATTEMPTS", defaultMintAttempts); err != nil {
		return cfg, err
	}
	if cfg.Share.ValidateResource, err = getBool("SHARECORE_SHARE_VALIDATE_RESOURCE", true); err != nil {
		return cfg, err
	}
	if cfg.Dashboard.CacheTTL, err = getDuration("SHARECORE_DASHBOARD_CACHE_TTL", defaultCacheTTL); err != nil {
		return cfg, err
	}
	if cfg.Dashboard.Strict, err = getBool("SHARECORE_DASHBOARD_STRICT", false); err != nil {
		return cfg, err
	}
	if cfg.Dashboard.Concurrency, err = getInt("SHARECORE_DASHBOARD_CONCURRENCY", defaultConcurrency); err != nil {
		return cfg, err
	}
	if cfg.Dashboard.ExportURLTTL, err = getDuration("SHARECORE_EXPORT_URL_TTL", defaultExportURLTTL); err != nil {
		return cfg, err
	}
	if cfg.Redis.DB, err = getInt("SHARECORE_REDIS_DB", -1); err != nil {
		return cfg, err
	}

	if origins, exists := os.LookupEnv("SHARECORE_CORS_ALLOWED_ORIGINS"); exists {
		for _, origin := range strings.Split(origins, ",") {
			if o := strings.TrimSpace(origin); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	if cfg.Auth.JWKSURL == "" && cfg.Auth.JWTIssuer != "" {
		cfg.Auth.JWKSURL = strings.TrimRight(cfg.Auth.JWTIssuer, "/") + "/.well-known/jwks.json"
	}

	// Validate required parameters
	if cfg.Auth.JWTIssuer == "" {
		return cfg, fmt.Errorf("SHARECORE_JWT_ISSUER is required")
	}
	if cfg.Auth.JWTAudience == "" {
		return cfg, fmt.Errorf("SHARECORE_JWT_AUDIENCE is required")
	}
	if cfg.Share.MintAttempts < 1 {
		return cfg, fmt.Errorf("SHARECORE_SHARE_MINT_ATTEMPTS must be at least 1")
	}
	if cfg.Dashboard.Concurrency < 1 {
		return cfg, fmt.Errorf("SHARECORE_DASHBOARD_CONCURRENCY must be at least 1")
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

func getInt(key string, fallback int) (int, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
