// Package config loads and validates pushl configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pushl/internal/version"
)

// Config captures every knob recognized at startup. It is immutable once
// the root command hands it to the engine.
type Config struct {
	CacheDir   string   `mapstructure:"cache_dir"`
	Recurse    bool     `mapstructure:"recurse"`
	Archive    bool     `mapstructure:"archive"`
	Wayback    bool     `mapstructure:"wayback"`
	SelfPings  bool     `mapstructure:"self_pings"`
	WebSubOnly []string `mapstructure:"websub_only"`

	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxTimeSeconds int    `mapstructure:"max_time_seconds"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxPerHost     int    `mapstructure:"max_per_host"`
	KeepAlive      bool   `mapstructure:"keepalive"`

	RelWhitelist string `mapstructure:"rel_whitelist"`
	RelBlacklist string `mapstructure:"rel_blacklist"`

	Verbosity int `mapstructure:"verbosity"`
}

// Load builds a Config from the given Viper instance, which the CLI has
// already bound flags and environment variables onto.
func Load(v *viper.Viper) (Config, error) {
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewViper returns a Viper configured with the PUSHL_ environment prefix.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PUSHL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("user_agent", version.UserAgent())
	v.SetDefault("timeout_seconds", 120)
	v.SetDefault("max_time_seconds", 1800)
	v.SetDefault("max_connections", 100)
	v.SetDefault("max_per_host", 4)
	v.SetDefault("keepalive", false)
	v.SetDefault("rel_blacklist", "nofollow")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.UserAgent) == "" {
		return fmt.Errorf("user_agent must not be empty")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be > 0")
	}
	if c.MaxTimeSeconds <= 0 {
		return fmt.Errorf("max_time_seconds must be > 0")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be > 0")
	}
	if c.MaxPerHost < 0 {
		return fmt.Errorf("max_per_host must be >= 0")
	}
	return nil
}

// Timeout is the per-request timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MaxTime is the overall run deadline.
func (c Config) MaxTime() time.Duration {
	return time.Duration(c.MaxTimeSeconds) * time.Second
}

// RelWhitelistSet returns the parsed rel whitelist, or nil when unset.
func (c Config) RelWhitelistSet() map[string]struct{} {
	return splitRels(c.RelWhitelist)
}

// RelBlacklistSet returns the parsed extra rel blacklist, or nil when unset.
func (c Config) RelBlacklistSet() map[string]struct{} {
	return splitRels(c.RelBlacklist)
}

func splitRels(s string) map[string]struct{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	set := make(map[string]struct{})
	for _, rel := range strings.Split(s, ",") {
		rel = strings.TrimSpace(rel)
		if rel != "" {
			set[strings.ToLower(rel)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
