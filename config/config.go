package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Corvus correlation engine.
type Config struct {
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
		// Stream is the filtered-event stream the correlator consumes.
		Stream       string        `mapstructure:"stream"`
		Group        string        `mapstructure:"group"`
		Consumer     string        `mapstructure:"consumer"`
		BatchSize    int           `mapstructure:"batch_size"`
		BlockTimeout time.Duration `mapstructure:"block_timeout"`
	} `mapstructure:"redis"`

	ClickHouse struct {
		Addr        string `mapstructure:"addr"`
		Database    string `mapstructure:"database"`
		Username    string `mapstructure:"username"`
		Password    string `mapstructure:"password"`
		TLS         bool   `mapstructure:"tls"`
		MaxPoolSize int    `mapstructure:"max_pool_size"`
	} `mapstructure:"clickhouse"`

	Rules struct {
		ReloadInterval time.Duration `mapstructure:"reload_interval"`
	} `mapstructure:"rules"`

	Stream struct {
		Partitions  int `mapstructure:"partitions"`
		MaxEvidence int `mapstructure:"max_evidence"`
		// MaxWindows caps the number of live entity windows; least
		// recently touched windows are evicted past the cap.
		MaxWindows    int           `mapstructure:"max_windows"`
		WindowIdleTTL time.Duration `mapstructure:"window_idle_ttl"`
		// Cooldown suppresses repeat alerts per (rule, entity). Zero
		// disables suppression and sustained bursts re-fire.
		Cooldown          time.Duration `mapstructure:"cooldown"`
		CooldownCacheSize int           `mapstructure:"cooldown_cache_size"`
		RateLimit         int           `mapstructure:"rate_limit"`
	} `mapstructure:"stream"`

	Batch struct {
		Tick        time.Duration `mapstructure:"tick"`
		ExecTimeout time.Duration `mapstructure:"exec_timeout"`
	} `mapstructure:"batch"`

	Dedup struct {
		CacheSize    int           `mapstructure:"cache_size"`
		CacheTTL     time.Duration `mapstructure:"cache_ttl"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"dedup"`

	Aggregator struct {
		Shards        int           `mapstructure:"shards"`
		FlushInterval time.Duration `mapstructure:"flush_interval"`
		// Retention bounds how long flushed groups stay in memory after
		// their last alert.
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"aggregator"`

	API struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"api"`
}

func setDefaults() {
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.stream", "siem:filtered")
	viper.SetDefault("redis.group", "corvus")
	viper.SetDefault("redis.consumer", "corvus-1")
	viper.SetDefault("redis.batch_size", 100)
	viper.SetDefault("redis.block_timeout", 5*time.Second)

	viper.SetDefault("clickhouse.addr", "localhost:9000")
	viper.SetDefault("clickhouse.database", "corvus")
	viper.SetDefault("clickhouse.username", "default")
	viper.SetDefault("clickhouse.password", "")
	viper.SetDefault("clickhouse.tls", false)
	viper.SetDefault("clickhouse.max_pool_size", 10)

	viper.SetDefault("rules.reload_interval", 30*time.Second)

	viper.SetDefault("stream.partitions", 4)
	viper.SetDefault("stream.max_evidence", 3)
	viper.SetDefault("stream.max_windows", 100000)
	viper.SetDefault("stream.window_idle_ttl", 30*time.Minute)
	viper.SetDefault("stream.cooldown", 0)
	viper.SetDefault("stream.cooldown_cache_size", 16384)
	viper.SetDefault("stream.rate_limit", 0)

	viper.SetDefault("batch.tick", 10*time.Second)
	viper.SetDefault("batch.exec_timeout", 2*time.Minute)

	viper.SetDefault("dedup.cache_size", 100000)
	viper.SetDefault("dedup.cache_ttl", time.Hour)
	viper.SetDefault("dedup.write_timeout", 10*time.Second)

	viper.SetDefault("aggregator.shards", 4)
	viper.SetDefault("aggregator.flush_interval", 5*time.Second)
	viper.SetDefault("aggregator.retention", 24*time.Hour)

	viper.SetDefault("api.addr", ":8090")
}

func loadFromEnv() {
	viper.SetEnvPrefix("CORVUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// LoadConfig reads configuration from config.yaml (working directory or
// ./config), overlaid with CORVUS_* environment variables, on top of the
// built-in defaults. A missing config file is not an error.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, defaults and env vars apply.
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validate(cfg *Config) error {
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set")
	}
	if cfg.Redis.Stream == "" {
		return fmt.Errorf("redis.stream must be set")
	}
	if cfg.Redis.Group == "" {
		return fmt.Errorf("redis.group must be set")
	}
	if cfg.Redis.BatchSize <= 0 {
		return fmt.Errorf("redis.batch_size must be positive")
	}
	if cfg.ClickHouse.Addr == "" {
		return fmt.Errorf("clickhouse.addr must be set")
	}
	if cfg.ClickHouse.Database == "" {
		return fmt.Errorf("clickhouse.database must be set")
	}
	if cfg.Rules.ReloadInterval <= 0 {
		return fmt.Errorf("rules.reload_interval must be positive")
	}
	if cfg.Stream.Partitions <= 0 {
		return fmt.Errorf("stream.partitions must be positive")
	}
	if cfg.Stream.MaxWindows <= 0 {
		return fmt.Errorf("stream.max_windows must be positive")
	}
	if cfg.Stream.Cooldown < 0 {
		return fmt.Errorf("stream.cooldown must not be negative")
	}
	if cfg.Batch.Tick <= 0 {
		return fmt.Errorf("batch.tick must be positive")
	}
	if cfg.Dedup.CacheSize <= 0 {
		return fmt.Errorf("dedup.cache_size must be positive")
	}
	if cfg.Aggregator.Shards <= 0 {
		return fmt.Errorf("aggregator.shards must be positive")
	}
	if cfg.Aggregator.FlushInterval <= 0 {
		return fmt.Errorf("aggregator.flush_interval must be positive")
	}
	if cfg.Aggregator.Retention <= 0 {
		return fmt.Errorf("aggregator.retention must be positive")
	}
	if cfg.Dedup.WriteTimeout <= 0 {
		return fmt.Errorf("dedup.write_timeout must be positive")
	}
	return nil
}
