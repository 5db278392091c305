package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Exchange       Exchange              `mapstructure:"exchange"`
	Credentials    map[string]Credential `mapstructure:"credentials"`
	Trading        Trading               `mapstructure:"trading"`
	Admission      Admission             `mapstructure:"admission"`
	Reconciliation Reconciliation        `mapstructure:"reconciliation"`
	Learning       Learning              `mapstructure:"learning"`
	Logger         Logger                `mapstructure:"logger"`
	Server         Server                `mapstructure:"server"`
	Database       Database              `mapstructure:"database"`
}

// Exchange holds the configuration shared by the exchange adapters.
type Exchange struct {
	Testnet        bool          `mapstructure:"testnet"`
	SpotBaseURL    string        `mapstructure:"spot_base_url"`
	FuturesBaseURL string        `mapstructure:"futures_base_url"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	HedgeMode      bool          `mapstructure:"hedge_mode"`
}

// Credential is a named API key pair. Bots only ever refer to it by name.
type Credential struct {
	ApiKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Trading holds the configuration for the per-bot trading cycle.
type Trading struct {
	FeeRate           float64       `mapstructure:"fee_rate"`
	DryRun            bool          `mapstructure:"dry_run"`
	TickInterval      int           `mapstructure:"tick_interval"`
	CandleLimit       int           `mapstructure:"candle_limit"`
	MaxParallelBots   int           `mapstructure:"max_parallel_bots"`
	MinRiskReward     float64       `mapstructure:"min_risk_reward"`
	MinSignalStrength float64       `mapstructure:"min_signal_strength"`
	SignalFreshness   int           `mapstructure:"signal_freshness"`
	SwingLookback     int           `mapstructure:"swing_lookback"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
}

// Admission holds the cross-bot admission settings.
type Admission struct {
	RiskPauseThreshold int `mapstructure:"risk_pause_threshold"`
}

// Reconciliation holds the position sync settings.
type Reconciliation struct {
	Interval        time.Duration `mapstructure:"interval"`
	StaleOrderAfter time.Duration `mapstructure:"stale_order_after"`
}

// Learning holds the feedback loop settings.
type Learning struct {
	LookbackDays    int           `mapstructure:"lookback_days"`
	MinTrades       int           `mapstructure:"min_trades"`
	MinBucketTrades int           `mapstructure:"min_bucket_trades"`
	ScoreDelay      time.Duration `mapstructure:"score_delay"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
// A .env file next to the config directory is loaded first when present.
func LoadConfig(path string) (config Config, err error) {
	if err = godotenv.Load(filepath.Join(path, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	SetDefaults(v)

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	return
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("exchange.rate_limit", 10) // requests per second
	v.SetDefault("exchange.rate_limit_burst", 5)
	v.SetDefault("exchange.request_timeout", 10*time.Second)
	v.SetDefault("exchange.max_retries", 3)

	v.SetDefault("trading.fee_rate", 0.001)
	v.SetDefault("trading.tick_interval", 60)
	v.SetDefault("trading.candle_limit", 150)
	v.SetDefault("trading.max_parallel_bots", 4)
	v.SetDefault("trading.min_risk_reward", 1.5)
	v.SetDefault("trading.min_signal_strength", 0.5)
	v.SetDefault("trading.signal_freshness", 3)
	v.SetDefault("trading.swing_lookback", 2)
	v.SetDefault("trading.lock_ttl", 5*time.Minute)

	v.SetDefault("admission.risk_pause_threshold", 5)

	v.SetDefault("reconciliation.interval", time.Minute)
	v.SetDefault("reconciliation.stale_order_after", 10*time.Minute)

	v.SetDefault("learning.lookback_days", 7)
	v.SetDefault("learning.min_trades", 10)
	v.SetDefault("learning.min_bucket_trades", 3)
	v.SetDefault("learning.score_delay", 15*time.Minute)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.dsn", "file:bot.db?_busy_timeout=5000&_journal_mode=WAL")
}

// Default returns a Config populated only with defaults. Handy for tests and
// for commands that run without a config file.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}
