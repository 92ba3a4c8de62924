package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	DefaultTenant  string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Approval engine tuning. SLA values are wall-clock deadlines stamped on
	// each workflow level at resolution time, so changing them only affects
	// requests created afterwards.
	SLARoutine         time.Duration `mapstructure:"SLA_ROUTINE"`
	SLAStandard        time.Duration `mapstructure:"SLA_STANDARD"`
	SLAEmergency       time.Duration `mapstructure:"SLA_EMERGENCY"`
	DefaultGrantWindow time.Duration `mapstructure:"DEFAULT_GRANT_WINDOW"`
	MaxGrantWindow     time.Duration `mapstructure:"MAX_GRANT_WINDOW"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SLA_ROUTINE", "24h")
	v.SetDefault("SLA_STANDARD", "8h")
	v.SetDefault("SLA_EMERGENCY", "15m")
	v.SetDefault("DEFAULT_GRANT_WINDOW", "24h")
	v.SetDefault("MAX_GRANT_WINDOW", "72h")
	v.SetDefault("SWEEP_INTERVAL", "2m")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("SLA_ROUTINE")
	v.BindEnv("SLA_STANDARD")
	v.BindEnv("SLA_EMERGENCY")
	v.BindEnv("DEFAULT_GRANT_WINDOW")
	v.BindEnv("MAX_GRANT_WINDOW")
	v.BindEnv("SWEEP_INTERVAL")

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

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; all requests get admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
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

// Validate checks that the configuration is safe to run. In production
// AUTH_ISSUER must be set so that real JWT authentication is enforced, and the
// grant-window bounds must be sane: an unbounded or inverted grant window would
// let an approval outlive its policy ceiling.
func (c *Config) Validate() error {
	if c.IsProduction() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set in production; refusing to start without authentication configuration")
	}

	if c.MaxGrantWindow <= 0 {
		return fmt.Errorf("MAX_GRANT_WINDOW must be positive, got %s", c.MaxGrantWindow)
	}
	if c.DefaultGrantWindow <= 0 || c.DefaultGrantWindow > c.MaxGrantWindow {
		return fmt.Errorf("DEFAULT_GRANT_WINDOW must be positive and no larger than MAX_GRANT_WINDOW (%s), got %s",
			c.MaxGrantWindow, c.DefaultGrantWindow)
	}
	for name, d := range map[string]time.Duration{
		"SLA_ROUTINE":   c.SLARoutine,
		"SLA_STANDARD":  c.SLAStandard,
		"SLA_EMERGENCY": c.SLAEmergency,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}

	return nil
}
