package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"vault-rebalancer/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Pairs     []PairConfig    `mapstructure:"pairs"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the watcher cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ChainConfig covers RPC access and the contracts the adapters talk to.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	OperatorKey    string        `mapstructure:"operator_key"`
	OracleAddress  string        `mapstructure:"oracle_address"`
	RouterAddress  string        `mapstructure:"router_address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// VaultConfig names the managed vault and its asset set.
type VaultConfig struct {
	Owner             string        `mapstructure:"owner"`
	Account           string        `mapstructure:"account"`
	Assets            []string      `mapstructure:"assets"`
	AutoSyncThreshold time.Duration `mapstructure:"auto_sync_threshold"`
}

// OracleConfig tunes the volatility store.
type OracleConfig struct {
	MaxStaleness time.Duration `mapstructure:"max_staleness"`
	Updaters     []string      `mapstructure:"updaters"`
}

// EngineConfig tunes the rebalance engine.
type EngineConfig struct {
	MaxDriftBps  int64         `mapstructure:"max_drift_bps"`
	SlippageBps  int64         `mapstructure:"slippage_bps"`
	SwapDeadline time.Duration `mapstructure:"swap_deadline"`
	Agents       []string      `mapstructure:"agents"`
}

// PairConfig describes one watched asset pair with its targets and gate.
// The sell side must be the over-allocated asset when execution triggers.
type PairConfig struct {
	SellAsset              string `mapstructure:"sell_asset"`
	BuyAsset               string `mapstructure:"buy_asset"`
	TargetSellBps          int64  `mapstructure:"target_sell_bps"`
	TargetBuyBps           int64  `mapstructure:"target_buy_bps"`
	Feed                   string `mapstructure:"feed"`
	VolatilityThresholdBps int64  `mapstructure:"volatility_threshold_bps"`
}

// AlertingConfig defines alert routing for rebalance outcomes.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VAULTREBALANCER")
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
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "vault-rebalancer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x76726562))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("chain.request_timeout", "15s")

	v.SetDefault("vault.auto_sync_threshold", "300s")

	v.SetDefault("oracle.max_staleness", "300s")

	v.SetDefault("engine.max_drift_bps", int64(500))
	v.SetDefault("engine.slippage_bps", int64(100))
	v.SetDefault("engine.swap_deadline", "60s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Engine.MaxDriftBps <= 0 || c.Engine.MaxDriftBps > 2000 {
		return fmt.Errorf("engine.max_drift_bps must be in (0, 2000]")
	}
	if c.Engine.SlippageBps < 0 || c.Engine.SlippageBps >= 10000 {
		return fmt.Errorf("engine.slippage_bps must be in [0, 10000)")
	}
	if c.Oracle.MaxStaleness <= 0 || c.Oracle.MaxStaleness > 3600*time.Second {
		return fmt.Errorf("oracle.max_staleness must be in (0s, 3600s]")
	}
	for i, pair := range c.Pairs {
		if pair.SellAsset == "" || pair.BuyAsset == "" {
			return fmt.Errorf("pairs[%d]: sell_asset and buy_asset are required", i)
		}
		if pair.TargetSellBps < 0 || pair.TargetSellBps > 10000 ||
			pair.TargetBuyBps < 0 || pair.TargetBuyBps > 10000 {
			return fmt.Errorf("pairs[%d]: targets must be in [0, 10000] bps", i)
		}
		if pair.VolatilityThresholdBps < 0 {
			return fmt.Errorf("pairs[%d]: volatility_threshold_bps cannot be negative", i)
		}
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

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
