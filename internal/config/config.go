package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/voxmill/marketwatch/internal/detector"
)

// Config represents the complete application configuration
type Config struct {
	Collector  CollectorConfig     `mapstructure:"collector"`
	Monitor    MonitorConfig       `mapstructure:"monitor"`
	Thresholds detector.Thresholds `mapstructure:"thresholds"`
	Monitors   []MonitorEntry      `mapstructure:"monitors"`
	Telegram   TelegramConfig      `mapstructure:"telegram"`
	Storage    StorageConfig       `mapstructure:"storage"`
	Logging    LoggingConfig       `mapstructure:"logging"`
}

// CollectorConfig holds the upstream intelligence-service client configuration
type CollectorConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// MonitorConfig holds scheduling and cooldown behavior
type MonitorConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	CooldownWindow time.Duration `mapstructure:"cooldown_window"`
}

// MonitorEntry registers one monitored entity. A missing thresholds block
// inherits the global defaults; a partial block overrides field by field.
type MonitorEntry struct {
	Vertical   string               `mapstructure:"vertical"`
	Area       string               `mapstructure:"area"`
	City       string               `mapstructure:"city"`
	Client     string               `mapstructure:"client"`
	Thresholds *detector.Thresholds `mapstructure:"thresholds"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("MARKETWATCH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("collector.base_url", "http://localhost:8090")
	v.SetDefault("collector.timeout", "30s")
	v.SetDefault("collector.max_retries", 3)
	v.SetDefault("collector.retry_delay_base", "1s")

	v.SetDefault("monitor.poll_interval", "24h")
	v.SetDefault("monitor.cooldown_window", "24h")

	def := detector.DefaultThresholds()
	v.SetDefault("thresholds.price_drop_percent", def.PriceDropPercent)
	v.SetDefault("thresholds.new_hot_deals_threshold", def.NewHotDealsThreshold)
	v.SetDefault("thresholds.avg_price_change_percent", def.AvgPriceChangePercent)
	v.SetDefault("thresholds.exceptional_deal_score", def.ExceptionalDealScore)
	v.SetDefault("thresholds.market_volatility_spike", def.MarketVolatilitySpike)
	v.SetDefault("thresholds.pricing_anomaly_cap", def.PricingAnomalyCap)

	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("storage.db_path", "./data/marketwatch.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// MonitorThresholds returns the effective policy for one monitor entry: the
// global thresholds with any non-zero per-monitor overrides applied.
func (c *Config) MonitorThresholds(m MonitorEntry) detector.Thresholds {
	th := c.Thresholds
	if m.Thresholds == nil {
		return th
	}
	o := m.Thresholds
	if o.PriceDropPercent != 0 {
		th.PriceDropPercent = o.PriceDropPercent
	}
	if o.NewHotDealsThreshold != 0 {
		th.NewHotDealsThreshold = o.NewHotDealsThreshold
	}
	if o.AvgPriceChangePercent != 0 {
		th.AvgPriceChangePercent = o.AvgPriceChangePercent
	}
	if o.ExceptionalDealScore != 0 {
		th.ExceptionalDealScore = o.ExceptionalDealScore
	}
	if o.MarketVolatilitySpike != 0 {
		th.MarketVolatilitySpike = o.MarketVolatilitySpike
	}
	if o.PricingAnomalyCap != 0 {
		th.PricingAnomalyCap = o.PricingAnomalyCap
	}
	return th
}

// Validate checks that all configuration values are valid. Threshold errors are
// fatal here, at registration time, and can never surface mid-cycle.
func (c *Config) Validate() error {
	if c.Collector.BaseURL == "" {
		return fmt.Errorf("collector.base_url is required")
	}
	if c.Collector.Timeout < time.Second {
		return fmt.Errorf("collector.timeout must be at least 1 second")
	}
	if c.Collector.MaxRetries < 1 {
		return fmt.Errorf("collector.max_retries must be at least 1")
	}

	if c.Monitor.PollInterval < time.Minute {
		return fmt.Errorf("monitor.poll_interval must be at least 1 minute")
	}
	if c.Monitor.CooldownWindow < time.Minute {
		return fmt.Errorf("monitor.cooldown_window must be at least 1 minute")
	}

	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}

	if len(c.Monitors) == 0 {
		return fmt.Errorf("monitors must contain at least one entry")
	}
	for i, m := range c.Monitors {
		if m.Vertical == "" || m.Area == "" || m.City == "" || m.Client == "" {
			return fmt.Errorf("monitors[%d]: vertical, area, city, and client are all required", i)
		}
		if err := c.MonitorThresholds(m).Validate(); err != nil {
			return fmt.Errorf("monitors[%d] thresholds: %w", i, err)
		}
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
