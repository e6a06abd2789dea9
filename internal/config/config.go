package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Archive is one archive configuration given through ARCHIVES. It is only
// used until the registry's own configuration list has been loaded.
type Archive struct {
	ID       int    `json:"id"`
	BaseURL  string `json:"orthancBaseUrl"`
	ProxyURL string `json:"orthancProxyUrl,omitempty"`
}

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	RegistryURL        string        `mapstructure:"REGISTRY_URL"`
	RegistryUsername   string        `mapstructure:"REGISTRY_USERNAME"`
	RegistryPassword   string        `mapstructure:"REGISTRY_PASSWORD"`
	ArchivesJSON       string        `mapstructure:"ARCHIVES"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AccessionTTL       time.Duration `mapstructure:"ACCESSION_TTL"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	SyncSchedule       string        `mapstructure:"SYNC_SCHEDULE"`
	SyncFetchOption    string        `mapstructure:"SYNC_FETCH_OPTION"`
	RevalidateAfter    time.Duration `mapstructure:"REVALIDATE_AFTER"`
	MinMatchScore      float64       `mapstructure:"MIN_MATCH_SCORE"`
	PreferServerScores bool          `mapstructure:"PREFER_SERVER_SCORES"`
	PageSizeStudies    int           `mapstructure:"PAGE_SIZE_STUDIES"`
	PageSizeSeries     int           `mapstructure:"PAGE_SIZE_SERIES"`
	PageSizeInstances  int           `mapstructure:"PAGE_SIZE_INSTANCES"`
	PageSizeRequests   int           `mapstructure:"PAGE_SIZE_REQUESTS"`
	PageSizeSteps      int           `mapstructure:"PAGE_SIZE_STEPS"`
	MigrationsDir      string        `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "REGISTRY_URL", "REGISTRY_USERNAME", "REGISTRY_PASSWORD", "ARCHIVES",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "ACCESSION_TTL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"SYNC_SCHEDULE", "SYNC_FETCH_OPTION", "REVALIDATE_AFTER", "MIN_MATCH_SCORE",
	"PREFER_SERVER_SCORES", "PAGE_SIZE_STUDIES", "PAGE_SIZE_SERIES", "PAGE_SIZE_INSTANCES",
	"PAGE_SIZE_REQUESTS", "PAGE_SIZE_STEPS", "MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SYNC_FETCH_OPTION", "newest")
	v.SetDefault("REVALIDATE_AFTER", "30s")
	v.SetDefault("MIN_MATCH_SCORE", 0)
	v.SetDefault("PAGE_SIZE_STUDIES", 5)
	v.SetDefault("PAGE_SIZE_SERIES", 5)
	v.SetDefault("PAGE_SIZE_INSTANCES", 10)
	v.SetDefault("PAGE_SIZE_REQUESTS", 5)
	v.SetDefault("PAGE_SIZE_STEPS", 5)
	v.SetDefault("MIGRATIONS_DIR", "")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.RegistryURL == "" {
		return nil, fmt.Errorf("REGISTRY_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Archives decodes ARCHIVES, a JSON array of archive configurations.
func (c *Config) Archives() ([]Archive, error) {
	if strings.TrimSpace(c.ArchivesJSON) == "" {
		return nil, nil
	}
	var out []Archive
	if err := json.Unmarshal([]byte(c.ArchivesJSON), &out); err != nil {
		return nil, fmt.Errorf("ARCHIVES is not a JSON array of archives: %w", err)
	}
	return out, nil
}

// Validate checks that the configuration is safe to run. Outside development a
// signing key or an issuer must be set so that real JWT authentication is
// enforced.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.RegistryURL); err != nil {
		return fmt.Errorf("REGISTRY_URL is not a valid URL: %w", err)
	}
	archives, err := c.Archives()
	if err != nil {
		return err
	}
	seen := make(map[int]bool, len(archives))
	for _, a := range archives {
		if a.BaseURL == "" {
			return fmt.Errorf("archive %d has no orthancBaseUrl", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("archive %d is configured twice", a.ID)
		}
		seen[a.ID] = true
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY or AUTH_ISSUER must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters in production")
	}

	if c.MinMatchScore < 0 || c.MinMatchScore > 1 {
		return fmt.Errorf("MIN_MATCH_SCORE must be between 0 and 1, got %v", c.MinMatchScore)
	}
	switch c.SyncFetchOption {
	case "all", "newest":
	default:
		return fmt.Errorf("SYNC_FETCH_OPTION must be \"all\" or \"newest\", got %q", c.SyncFetchOption)
	}
	if c.RevalidateAfter < 0 {
		return fmt.Errorf("REVALIDATE_AFTER must not be negative")
	}
	return nil
}
