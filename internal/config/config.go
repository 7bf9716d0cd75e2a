package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	AuthMode    string `mapstructure:"AUTH_MODE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL      string `mapstructure:"REDIS_URL"`
	RedisCacheTTL int    `mapstructure:"REDIS_CACHE_TTL_SECONDS"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	AuthIssuer   string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`

	// Matching thresholds on the 0-100 score scale.
	MatchAutoLinkThreshold float64 `mapstructure:"MATCH_AUTO_LINK_THRESHOLD"`
	MatchReviewLowerBound  float64 `mapstructure:"MATCH_REVIEW_LOWER_BOUND"`

	// Relative signal weights for the demographic scorer.
	MatchWeightSSN     float64 `mapstructure:"MATCH_WEIGHT_SSN"`
	MatchWeightNameDOB float64 `mapstructure:"MATCH_WEIGHT_NAME_DOB"`
	MatchWeightContact float64 `mapstructure:"MATCH_WEIGHT_CONTACT"`
	MatchWeightAddress float64 `mapstructure:"MATCH_WEIGHT_ADDRESS"`

	MergeMaxRetries int `mapstructure:"MERGE_MAX_RETRIES"`
	EventBufferSize int `mapstructure:"EVENT_BUFFER_SIZE"`

	MaxBodySize           string  `mapstructure:"MAX_BODY_SIZE"`
	RequestTimeoutSeconds int     `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	RateLimitRPS          float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int     `mapstructure:"RATE_LIMIT_BURST"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_CACHE_TTL_SECONDS", 300)
	v.SetDefault("KAFKA_TOPIC", "mpi.identity.events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MATCH_AUTO_LINK_THRESHOLD", 85)
	v.SetDefault("MATCH_REVIEW_LOWER_BOUND", 60)
	v.SetDefault("MATCH_WEIGHT_SSN", 40)
	v.SetDefault("MATCH_WEIGHT_NAME_DOB", 30)
	v.SetDefault("MATCH_WEIGHT_CONTACT", 20)
	v.SetDefault("MATCH_WEIGHT_ADDRESS", 10)
	v.SetDefault("MERGE_MAX_RETRIES", 3)
	v.SetDefault("EVENT_BUFFER_SIZE", 1024)
	v.SetDefault("MAX_BODY_SIZE", "1M")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("REDIS_CACHE_TTL_SECONDS")
	v.BindEnv("KAFKA_BROKERS")
	v.BindEnv("KAFKA_TOPIC")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("MATCH_AUTO_LINK_THRESHOLD")
	v.BindEnv("MATCH_REVIEW_LOWER_BOUND")
	v.BindEnv("MATCH_WEIGHT_SSN")
	v.BindEnv("MATCH_WEIGHT_NAME_DOB")
	v.BindEnv("MATCH_WEIGHT_CONTACT")
	v.BindEnv("MATCH_WEIGHT_ADDRESS")
	v.BindEnv("MERGE_MAX_RETRIES")
	v.BindEnv("EVENT_BUFFER_SIZE")
	v.BindEnv("MAX_BODY_SIZE")
	v.BindEnv("REQUEST_TIMEOUT_SECONDS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.KafkaBrokers == nil {
		brokers := v.GetString("KAFKA_BROKERS")
		if brokers != "" {
			cfg.KafkaBrokers = strings.Split(brokers, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// CacheTTL returns the identity cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.RedisCacheTTL) * time.Second
}

// RequestTimeout returns the per-request deadline as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - Otherwise       → "external" (Keycloak, Auth0, etc.)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// Validate checks that the configuration is safe to run. In non-development
// modes an issuer or JWKS endpoint must be set so that real JWT authentication
// is enforced.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}
	if mode == "external" && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or AUTH_JWKS_URL must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}

	if c.MatchAutoLinkThreshold <= c.MatchReviewLowerBound {
		return fmt.Errorf("MATCH_AUTO_LINK_THRESHOLD (%.1f) must be greater than MATCH_REVIEW_LOWER_BOUND (%.1f)",
			c.MatchAutoLinkThreshold, c.MatchReviewLowerBound)
	}
	if c.MatchAutoLinkThreshold > 100 || c.MatchReviewLowerBound < 0 {
		return fmt.Errorf("matching thresholds must stay within the 0-100 score scale")
	}

	if c.MergeMaxRetries < 1 {
		return fmt.Errorf("MERGE_MAX_RETRIES must be at least 1, got %d", c.MergeMaxRetries)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}

// ScoringWeights returns the configured signal weights in SSN, name+DOB,
// contact, address order.
func (c *Config) ScoringWeights() (float64, float64, float64, float64) {
	return c.MatchWeightSSN, c.MatchWeightNameDOB, c.MatchWeightContact, c.MatchWeightAddress
}
