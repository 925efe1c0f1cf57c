package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/budgetguard/budgetguard/internal/models"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
	UpstreamTimeout  time.Duration `mapstructure:"upstream_timeout"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	Google    ProviderConfig `mapstructure:"google"`
}

type PolicyConfig struct {
	WasmPath string `mapstructure:"wasm_path"`
}

type BudgetConfig struct {
	DefaultDailyUSD   float64  `mapstructure:"default_daily_usd"`
	DefaultMonthlyUSD float64  `mapstructure:"default_monthly_usd"`
	StartDate         string   `mapstructure:"start_date"`
	EndDate           string   `mapstructure:"end_date"`
	Periods           []string `mapstructure:"periods"`
	DefaultTenant     string   `mapstructure:"default_tenant"`
	DefaultAPIKey     string   `mapstructure:"default_api_key"`
}

// EnabledPeriods returns the configured BUDGET_PERIODS filtered down to
// valid period names, defaulting to daily+monthly when unset.
func (b BudgetConfig) EnabledPeriods() []models.BudgetPeriod {
	if len(b.Periods) == 0 {
		return []models.BudgetPeriod{models.BudgetPeriodDaily, models.BudgetPeriodMonthly}
	}
	var out []models.BudgetPeriod
	for _, p := range b.Periods {
		period := models.BudgetPeriod(strings.ToLower(strings.TrimSpace(p)))
		if period.Valid() {
			out = append(out, period)
		}
	}
	return out
}

// ParsedStartDate returns the custom-period start, nil when unset or
// unparseable.
func (b BudgetConfig) ParsedStartDate() *time.Time {
	return parseDate(b.StartDate)
}

func (b BudgetConfig) ParsedEndDate() *time.Time {
	return parseDate(b.EndDate)
}

func parseDate(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil
	}
	return &t
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/budgetguard")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if raw := viper.GetString("budget.periods_csv"); raw != "" {
		config.Budget.Periods = strings.Split(raw, ",")
	}

	cfg = &config
	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")
	viper.SetDefault("server.upstream_timeout", "60s")

	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)

	viper.SetDefault("providers.openai.base_url", "https://api.openai.com/v1")
	viper.SetDefault("providers.anthropic.base_url", "https://api.anthropic.com")
	viper.SetDefault("providers.google.base_url", "https://generativelanguage.googleapis.com/v1beta/models")

	viper.SetDefault("budget.default_daily_usd", 10.0)
	viper.SetDefault("budget.default_monthly_usd", 100.0)
	viper.SetDefault("budget.default_tenant", "public")

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_minute", 60)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "")

	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)
}

func bindEnvVars() {
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.metrics_port", "METRICS_PORT")
	viper.BindEnv("server.upstream_timeout", "UPSTREAM_TIMEOUT")

	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("providers.openai.api_key", "OPENAI_KEY")
	viper.BindEnv("providers.openai.base_url", "OPENAI_BASE_URL")
	viper.BindEnv("providers.anthropic.api_key", "ANTHROPIC_API_KEY")
	viper.BindEnv("providers.anthropic.base_url", "ANTHROPIC_BASE_URL")
	viper.BindEnv("providers.google.api_key", "GOOGLE_API_KEY")
	viper.BindEnv("providers.google.base_url", "GOOGLE_BASE_URL")

	viper.BindEnv("policy.wasm_path", "OPA_POLICY_PATH")

	viper.BindEnv("budget.default_daily_usd", "BUDGET_DAILY_USD")
	viper.BindEnv("budget.default_monthly_usd", "BUDGET_MONTHLY_USD")
	viper.BindEnv("budget.start_date", "BUDGET_START_DATE")
	viper.BindEnv("budget.end_date", "BUDGET_END_DATE")
	viper.BindEnv("budget.periods_csv", "BUDGET_PERIODS")
	viper.BindEnv("budget.default_tenant", "DEFAULT_TENANT")
	viper.BindEnv("budget.default_api_key", "DEFAULT_API_KEY")

	viper.BindEnv("rate_limit.requests_per_minute", "MAX_REQS_PER_MIN")

	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")
}

func Get() *Config {
	return cfg
}
