// Package config loads server settings from defaults, an optional YAML file,
// the environment and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "RELAY"

type Config struct {
	Addr string `mapstructure:"addr"`

	DatabaseDSN         string `mapstructure:"database_dsn"`
	MigrationsOnStartup bool   `mapstructure:"migrations_on_startup"`

	RedisAddr          string `mapstructure:"redis_addr"`
	RedisPassword      string `mapstructure:"redis_password"`
	RedisDB            int    `mapstructure:"redis_db"`
	RedisFlushOnLaunch bool   `mapstructure:"redis_flush_on_launch"`
	FanoutChannel      string `mapstructure:"fanout_channel"`

	LogLevel    string `mapstructure:"log_level"`
	Development bool   `mapstructure:"development"`

	PresenceTTL    time.Duration `mapstructure:"presence_ttl"`
	CredentialsTTL time.Duration `mapstructure:"credentials_ttl"`
	// TokenTTL of zero issues tokens that never expire.
	TokenTTL time.Duration `mapstructure:"token_ttl"`

	BcryptCost             int `mapstructure:"bcrypt_cost"`
	MaxFailedLoginAttempts int `mapstructure:"max_failed_login_attempts"`

	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	DefaultPageLimit int `mapstructure:"default_page_limit"`
	MaxPageLimit     int `mapstructure:"max_page_limit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("database_dsn", "")
	v.SetDefault("migrations_on_startup", true)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_flush_on_launch", false)
	v.SetDefault("fanout_channel", "relay-events")
	v.SetDefault("log_level", "info")
	v.SetDefault("development", false)
	v.SetDefault("presence_ttl", 8*time.Hour)
	v.SetDefault("credentials_ttl", 8*time.Hour)
	v.SetDefault("token_ttl", 30*24*time.Hour)
	v.SetDefault("bcrypt_cost", 10)
	v.SetDefault("max_failed_login_attempts", 10)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("default_page_limit", 20)
	v.SetDefault("max_page_limit", 100)
}

// Load reads the configuration. args are the command-line arguments without
// the program name.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	addr := fs.String("addr", "", "http service address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names used by existing deployments.
	_ = v.BindEnv("database_dsn", envPrefix+"_DATABASE_DSN", "DB_DSN")
	_ = v.BindEnv("redis_addr", envPrefix+"_REDIS_ADDR", "REDIS_ADDR")
	_ = v.BindEnv("config", envPrefix+"_CONFIG")

	path := *configPath
	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if *addr != "" {
		v.Set("addr", *addr)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("database_dsn is required"))
	}
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.PresenceTTL <= 0 {
		errs = append(errs, errors.New("presence_ttl must be positive"))
	}
	if c.CredentialsTTL <= 0 {
		errs = append(errs, errors.New("credentials_ttl must be positive"))
	}
	if c.TokenTTL < 0 {
		errs = append(errs, errors.New("token_ttl must not be negative"))
	}
	if c.MaxFailedLoginAttempts < 1 {
		errs = append(errs, errors.New("max_failed_login_attempts must be at least 1"))
	}
	if c.DefaultPageLimit < 1 || c.MaxPageLimit < c.DefaultPageLimit {
		errs = append(errs, errors.New("page limits must satisfy 1 <= default_page_limit <= max_page_limit"))
	}
	if c.FanoutChannel == "" {
		errs = append(errs, errors.New("fanout_channel is required"))
	}
	return errors.Join(errs...)
}
