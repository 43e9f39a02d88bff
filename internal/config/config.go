// Package config loads the process configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Role names the region's position in the cross-region topology. Failover
// is a controlled transition of this value, threaded explicitly through
// every request path rather than read from shared mutable state.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Region identifies where and in what role this process runs.
type Region struct {
	Name string `mapstructure:"name"`
	Role Role   `mapstructure:"role"`
}

// IsLeader reports whether this region's matching results are authoritative.
func (r Region) IsLeader() bool { return r.Role == RoleLeader }

// Config is the full process configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json or console
	HTTPAddr  string `mapstructure:"http_addr"`

	Symbol   string `mapstructure:"symbol"`
	DepthCap int    `mapstructure:"depth_cap"`

	Region Region `mapstructure:"region"`

	Matching struct {
		// Mode is "book" for real price-time matching or "simulated" for
		// the seeded synthetic-counterparty backend.
		Mode string `mapstructure:"mode"`
	} `mapstructure:"matching"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`

	Events struct {
		Dir          string        `mapstructure:"dir"`
		DedupeWindow time.Duration `mapstructure:"dedupe_window"`
	} `mapstructure:"events"`

	Ledger struct {
		Driver string `mapstructure:"driver"` // postgres or sqlite
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"ledger"`

	Reconcile struct {
		Interval time.Duration `mapstructure:"interval"`
		Window   time.Duration `mapstructure:"window"`
		// PolicyScope is "order" or "trade": whether leader-wins applies to
		// whole orders or to individual fills when an order spans regions.
		PolicyScope string `mapstructure:"policy_scope"`
		// RemoteRegion and the remote ledger coordinates name the follower
		// this leader audits. Empty means reconciliation stays off.
		RemoteRegion string `mapstructure:"remote_region"`
		RemoteDriver string `mapstructure:"remote_driver"`
		RemoteDSN    string `mapstructure:"remote_dsn"`
	} `mapstructure:"reconcile"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("symbol", "tulip")
	v.SetDefault("depth_cap", 50)
	v.SetDefault("matching.mode", "book")
	v.SetDefault("region.name", "local")
	v.SetDefault("region.role", string(RoleLeader))
	v.SetDefault("redis.addr", "")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "tulip.market.events")
	v.SetDefault("events.dir", "./data/events")
	v.SetDefault("events.dedupe_window", 10*time.Minute)
	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.dsn", "file:tulip.db?cache=shared")
	v.SetDefault("reconcile.interval", 30*time.Second)
	v.SetDefault("reconcile.window", 5*time.Minute)
	v.SetDefault("reconcile.policy_scope", "order")
}

// Load reads configuration from the optional path, falling back to
// ./configs/tulipd.yaml, with TULIP_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TULIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tulipd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tulipd")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	if c.DepthCap <= 0 {
		return fmt.Errorf("depth_cap must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	switch c.Matching.Mode {
	case "book", "simulated":
	default:
		return fmt.Errorf("matching.mode must be book or simulated, got %q", c.Matching.Mode)
	}
	switch c.Region.Role {
	case RoleLeader, RoleFollower:
	default:
		return fmt.Errorf("region.role must be leader or follower, got %q", c.Region.Role)
	}
	switch c.Reconcile.PolicyScope {
	case "order", "trade":
	default:
		return fmt.Errorf("reconcile.policy_scope must be order or trade, got %q", c.Reconcile.PolicyScope)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when kafka is enabled")
	}
	return nil
}
