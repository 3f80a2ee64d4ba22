package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Leader    LeaderConfig    `mapstructure:"leader"`
	Instance  InstanceConfig  `mapstructure:"instance"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Deposit   DepositConfig   `mapstructure:"deposit"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type RedisConfig struct {
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

type LeaderConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type InstanceConfig struct {
	ID string `mapstructure:"id"`
}

type EngineConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	TeardownGrace    time.Duration `mapstructure:"teardown_grace"`
	AllowLeaderRebid bool          `mapstructure:"allow_leader_rebid"`
	InboxSize        int           `mapstructure:"inbox_size"`
	OutboxSize       int           `mapstructure:"outbox_size"`
	PublishAttempts  int           `mapstructure:"publish_attempts"`
	PublishBackoff   time.Duration `mapstructure:"publish_backoff"`
}

// SchedulerConfig holds cron specs for the background jobs.
type SchedulerConfig struct {
	JobPoll         string `mapstructure:"job_poll"`
	Reaper          string `mapstructure:"reaper"`
	SettlementRetry string `mapstructure:"settlement_retry"`
}

type DepositConfig struct {
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.snapshot_ttl", 24*time.Hour)
	v.SetDefault("mysql.dsn", "auction_user:auction_pass@tcp(localhost:3306)/auction_db?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 25)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("mysql.ensure_schema", true)
	v.SetDefault("leader.ttl", 30*time.Second)
	v.SetDefault("instance.id", "auction-engine-1")
	v.SetDefault("engine.tick_interval", time.Second)
	v.SetDefault("engine.teardown_grace", 5*time.Minute)
	v.SetDefault("engine.allow_leader_rebid", false)
	v.SetDefault("engine.inbox_size", 1024)
	v.SetDefault("engine.outbox_size", 1024)
	v.SetDefault("engine.publish_attempts", 5)
	v.SetDefault("engine.publish_backoff", 100*time.Millisecond)
	v.SetDefault("scheduler.job_poll", "@every 10s")
	v.SetDefault("scheduler.reaper", "@every 30s")
	v.SetDefault("scheduler.settlement_retry", "@every 15s")
	v.SetDefault("deposit.lookup_timeout", 2*time.Second)
	v.SetDefault("log.level", "info")
}

func bindEnv(v *viper.Viper) {
	// Environment variable mappings
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.host", "SERVER_HOST")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("redis.snapshot_ttl", "REDIS_SNAPSHOT_TTL")
	v.BindEnv("mysql.dsn", "MYSQL_DSN")
	v.BindEnv("mysql.max_open_conns", "MYSQL_MAX_OPEN_CONNS")
	v.BindEnv("mysql.max_idle_conns", "MYSQL_MAX_IDLE_CONNS")
	v.BindEnv("mysql.conn_max_lifetime", "MYSQL_CONN_MAX_LIFETIME")
	v.BindEnv("mysql.ensure_schema", "MYSQL_ENSURE_SCHEMA")
	v.BindEnv("leader.ttl", "LEADER_TTL")
	v.BindEnv("instance.id", "INSTANCE_ID")
	v.BindEnv("engine.tick_interval", "ENGINE_TICK_INTERVAL")
	v.BindEnv("engine.teardown_grace", "ENGINE_TEARDOWN_GRACE")
	v.BindEnv("engine.allow_leader_rebid", "ENGINE_ALLOW_LEADER_REBID")
	v.BindEnv("engine.inbox_size", "ENGINE_INBOX_SIZE")
	v.BindEnv("engine.outbox_size", "ENGINE_OUTBOX_SIZE")
	v.BindEnv("engine.publish_attempts", "ENGINE_PUBLISH_ATTEMPTS")
	v.BindEnv("engine.publish_backoff", "ENGINE_PUBLISH_BACKOFF")
	v.BindEnv("scheduler.job_poll", "SCHEDULER_JOB_POLL")
	v.BindEnv("scheduler.reaper", "SCHEDULER_REAPER")
	v.BindEnv("scheduler.settlement_retry", "SCHEDULER_SETTLEMENT_RETRY")
	v.BindEnv("deposit.lookup_timeout", "DEPOSIT_LOOKUP_TIMEOUT")
	v.BindEnv("log.level", "LOG_LEVEL")
}

func Load() (*Config, error) {
	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	// Configuration file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/auction-engine/")

	v.AutomaticEnv()
	bindEnv(v)

	// Read configuration file (optional - will use defaults/env vars if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0:
		return fmt.Errorf("config: server.port must be positive, got %d", c.Server.Port)
	case c.Engine.TickInterval <= 0:
		return fmt.Errorf("config: engine.tick_interval must be positive")
	case c.Engine.InboxSize <= 0 || c.Engine.OutboxSize <= 0:
		return fmt.Errorf("config: engine inbox and outbox sizes must be positive")
	case c.Engine.TeardownGrace < 0:
		return fmt.Errorf("config: engine.teardown_grace must not be negative")
	case c.Instance.ID == "":
		return fmt.Errorf("config: instance.id is required")
	}
	return nil
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, Redis: %s, Instance: %s, Tick: %s, Grace: %s",
		c.Server.Host,
		c.Server.Port,
		c.Redis.Address,
		c.Instance.ID,
		c.Engine.TickInterval,
		c.Engine.TeardownGrace,
	)
}
