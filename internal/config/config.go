package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pattern-edge-learner/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. EDGELEARN_DATABASE_DSN.
const EnvPrefix = "EDGELEARN"

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	ClickHouse   ClickHouseConfig   `mapstructure:"clickhouse"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Learning     LearningConfig     `mapstructure:"learning"`
	Decay        DecayConfig        `mapstructure:"decay"`
	Override     OverrideConfig     `mapstructure:"override"`
	Coefficients CoefficientsConfig `mapstructure:"coefficients"`
	Server       ServerConfig       `mapstructure:"server"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
	Export       ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
	// EventsFile journals trade events when no DSN is configured.
	EventsFile string `mapstructure:"events_file"`
}

// ClickHouseConfig selects the ClickHouse trade event store.
type ClickHouseConfig struct {
	DSN           string `mapstructure:"dsn"`
	EventsEnabled bool   `mapstructure:"events_enabled"`
}

// SchedulerConfig governs the batch cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	Cron            string        `mapstructure:"cron"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// LearningConfig tunes mining and lesson writing.
type LearningConfig struct {
	NMinSlice     int           `mapstructure:"n_min_slice"`
	RRBound       float64       `mapstructure:"rr_bound"`
	MaxScopeDepth int           `mapstructure:"max_scope_depth"`
	Lookback      time.Duration `mapstructure:"lookback"`
	Workers       int           `mapstructure:"workers"`
	HistoryWindow int           `mapstructure:"history_window"`
}

// DecayConfig tunes the edge decay fit.
type DecayConfig struct {
	MinPoints        int           `mapstructure:"min_points"`
	MinSegmentPoints int           `mapstructure:"min_segment_points"`
	ShortHalfLife    time.Duration `mapstructure:"short_half_life"`
	MultiplierMin    float64       `mapstructure:"multiplier_min"`
	MultiplierMax    float64       `mapstructure:"multiplier_max"`
	FlatEpsilon      float64       `mapstructure:"flat_epsilon"`
}

// OverrideConfig bounds materialized multipliers.
type OverrideConfig struct {
	SignificanceFloor float64 `mapstructure:"significance_floor"`
	MultiplierMin     float64 `mapstructure:"multiplier_min"`
	MultiplierMax     float64 `mapstructure:"multiplier_max"`
}

// CoefficientsConfig tunes the running baselines.
type CoefficientsConfig struct {
	ShortHalfLife time.Duration `mapstructure:"short_half_life"`
	LongHalfLife  time.Duration `mapstructure:"long_half_life"`
	WeightMin     float64       `mapstructure:"weight_min"`
	WeightMax     float64       `mapstructure:"weight_max"`
	MinStep       time.Duration `mapstructure:"min_step"`
	// StateFile persists the state when no database is configured.
	StateFile string `mapstructure:"state_file"`
}

// ServerConfig is the HTTP ingestion and metrics listener. Empty disables it.
type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AlertingConfig routes the run digest.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram digest target.
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "edgelearn")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrate_on_start", true)
	v.SetDefault("database.events_file", "data/events.jsonl")

	v.SetDefault("clickhouse.dsn", "")
	v.SetDefault("clickhouse.events_enabled", false)

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.cron", "")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x65646765))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("learning.n_min_slice", 33)
	v.SetDefault("learning.rr_bound", 33.0)
	v.SetDefault("learning.max_scope_depth", 0)
	v.SetDefault("learning.lookback", "0s")
	v.SetDefault("learning.workers", 4)
	v.SetDefault("learning.history_window", 5)

	v.SetDefault("decay.min_points", 3)
	v.SetDefault("decay.min_segment_points", 2)
	v.SetDefault("decay.short_half_life", "168h")
	v.SetDefault("decay.multiplier_min", 0.5)
	v.SetDefault("decay.multiplier_max", 1.5)
	v.SetDefault("decay.flat_epsilon", 1e-4)

	v.SetDefault("override.significance_floor", 0.05)
	v.SetDefault("override.multiplier_min", 0.3)
	v.SetDefault("override.multiplier_max", 3.0)

	v.SetDefault("coefficients.short_half_life", "336h")
	v.SetDefault("coefficients.long_half_life", "2160h")
	v.SetDefault("coefficients.weight_min", 0.5)
	v.SetDefault("coefficients.weight_max", 2.0)
	v.SetDefault("coefficients.min_step", "1h")
	v.SetDefault("coefficients.state_file", "data/coefficients.json")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.request_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Cron == "" && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.ClickHouse.EventsEnabled && c.ClickHouse.DSN == "" {
		return fmt.Errorf("clickhouse.dsn is required when clickhouse.events_enabled is set")
	}

	if c.Learning.NMinSlice < 1 {
		return fmt.Errorf("learning.n_min_slice must be at least 1")
	}
	if c.Learning.RRBound <= 0 {
		return fmt.Errorf("learning.rr_bound must be greater than zero")
	}
	if c.Learning.MaxScopeDepth < 0 {
		return fmt.Errorf("learning.max_scope_depth cannot be negative")
	}
	if c.Learning.Lookback < 0 {
		return fmt.Errorf("learning.lookback cannot be negative")
	}
	if c.Learning.Workers < 1 {
		return fmt.Errorf("learning.workers must be at least 1")
	}
	if c.Learning.HistoryWindow < 1 {
		return fmt.Errorf("learning.history_window must be at least 1")
	}

	if c.Decay.MinPoints < 1 {
		return fmt.Errorf("decay.min_points must be at least 1")
	}
	if c.Decay.MinSegmentPoints < 2 {
		return fmt.Errorf("decay.min_segment_points must be at least 2")
	}
	if c.Decay.ShortHalfLife <= 0 {
		return fmt.Errorf("decay.short_half_life must be greater than zero")
	}
	if err := checkBand("decay.multiplier", c.Decay.MultiplierMin, c.Decay.MultiplierMax); err != nil {
		return err
	}
	if c.Decay.FlatEpsilon < 0 {
		return fmt.Errorf("decay.flat_epsilon cannot be negative")
	}

	if c.Override.SignificanceFloor < 0 {
		return fmt.Errorf("override.significance_floor cannot be negative")
	}
	if err := checkBand("override.multiplier", c.Override.MultiplierMin, c.Override.MultiplierMax); err != nil {
		return err
	}

	if c.Coefficients.ShortHalfLife <= 0 || c.Coefficients.LongHalfLife <= 0 {
		return fmt.Errorf("coefficients half-lives must be greater than zero")
	}
	if c.Coefficients.MinStep < 0 {
		return fmt.Errorf("coefficients.min_step cannot be negative")
	}
	if err := checkBand("coefficients.weight", c.Coefficients.WeightMin, c.Coefficients.WeightMax); err != nil {
		return err
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// checkBand requires 0 < min <= 1 <= max so a neutral multiplier is always representable.
func checkBand(name string, lo, hi float64) error {
	if lo <= 0 || lo > 1 {
		return fmt.Errorf("%s_min must be in (0, 1], got %v", name, lo)
	}
	if hi < 1 {
		return fmt.Errorf("%s_max must be at least 1, got %v", name, hi)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
