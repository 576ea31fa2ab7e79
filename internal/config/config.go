package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"APP_ENV"`
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisAddr                string `mapstructure:"REDIS_ADDR"`
	RedisPassword            string `mapstructure:"REDIS_PASSWORD"`
	RedisDB                  int    `mapstructure:"REDIS_DB"`
	DashboardCacheTTLSeconds int    `mapstructure:"DASHBOARD_CACHE_TTL_SECONDS"`

	AuthSecret             string `mapstructure:"AUTH_SECRET"`
	AccessTokenTTLMinutes  int    `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`
	AdminBootstrapPassword string `mapstructure:"ADMIN_BOOTSTRAP_PASSWORD"`

	RefundRestock         bool            `mapstructure:"REFUND_RESTOCK"`
	DefaultTaxRatePercent decimal.Decimal `mapstructure:"-"`

	GeminiAPIKey     string `mapstructure:"GEMINI_API_KEY"`
	GeminiModel      string `mapstructure:"GEMINI_MODEL"`
	AITimeoutSeconds int    `mapstructure:"AI_TIMEOUT_SECONDS"`
}

var defaults = map[string]any{
	"PORT":                        "8080",
	"APP_ENV":                     "development",
	"ALLOWED_ORIGIN":              "http://127.0.0.1:3000",
	"DATABASE_URL":                "",
	"REDIS_ADDR":                  "",
	"REDIS_PASSWORD":              "",
	"REDIS_DB":                    0,
	"DASHBOARD_CACHE_TTL_SECONDS": 60,
	"AUTH_SECRET":                 "",
	"ACCESS_TOKEN_TTL_MINUTES":    480,
	"ADMIN_BOOTSTRAP_PASSWORD":    "",
	"REFUND_RESTOCK":              false,
	"DEFAULT_TAX_RATE_PERCENT":    "0",
	"GEMINI_API_KEY":              "",
	"GEMINI_MODEL":                "gemini-2.0-flash-001",
	"AI_TIMEOUT_SECONDS":          20,
}

// Load reads an optional .env file, then the environment. Variables already
// set in the environment win over .env entries.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	rate, err := decimal.NewFromString(strings.TrimSpace(v.GetString("DEFAULT_TAX_RATE_PERCENT")))
	if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return Config{}, fmt.Errorf("DEFAULT_TAX_RATE_PERCENT must be a number between 0 and 100")
	}
	cfg.DefaultTaxRatePercent = rate

	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	if cfg.DashboardCacheTTLSeconds < 1 {
		cfg.DashboardCacheTTLSeconds = 60
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.AITimeoutSeconds < 1 {
		cfg.AITimeoutSeconds = 20
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}
