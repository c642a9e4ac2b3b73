// Package config resolves rmacd settings from defaults, an optional YAML
// file and RMACD_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ppiankov/rmacd/internal/alert"
	"github.com/ppiankov/rmacd/internal/approval"
	"github.com/ppiankov/rmacd/internal/emergency"
	"github.com/ppiankov/rmacd/internal/registry"
	"github.com/ppiankov/rmacd/internal/store"
)

// Keys shared by the config file, environment and bound flags.
const (
	KeyLogLevel      = "log.level"
	KeyLogFormat     = "log.format"
	KeyProfile       = "profile"
	KeyDB            = "db"
	KeyApprovalDir   = "approval_dir"
	KeyEmergencyDir  = "emergency_dir"
	KeyRegistryID    = "registry_id"
	KeyRiskThreshold = "risk.threshold"
	KeyRiskIncrement = "risk.increment"
	KeyRiskCap       = "risk.cap"
)

// EnvPrefix prefixes every environment override (RMACD_LOG_LEVEL, ...).
const EnvPrefix = "RMACD"

// Config is the resolved configuration.
type Config struct {
	Log          LogConfig           `mapstructure:"log"`
	Profile      string              `mapstructure:"profile"`
	DB           string              `mapstructure:"db"`
	ApprovalDir  string              `mapstructure:"approval_dir"`
	EmergencyDir string              `mapstructure:"emergency_dir"`
	RegistryID   string              `mapstructure:"registry_id"`
	Risk         registry.RiskPolicy `mapstructure:"risk"`
	Alerts       []alert.Webhook     `mapstructure:"alerts"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	def := registry.DefaultRiskPolicy()
	v.SetDefault(KeyLogLevel, "warn")
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeyProfile, "standard-agent")
	v.SetDefault(KeyDB, store.DefaultPath())
	v.SetDefault(KeyApprovalDir, approval.DefaultDir())
	v.SetDefault(KeyEmergencyDir, emergency.DefaultDir())
	v.SetDefault(KeyRegistryID, "default")
	v.SetDefault(KeyRiskThreshold, def.Threshold)
	v.SetDefault(KeyRiskIncrement, def.Increment)
	v.SetDefault(KeyRiskCap, def.Cap)
}

// BindFlags lets command-line flags override their keys. Flags that were
// not defined on fs are skipped.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for key, flag := range keys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load reads path (or, when empty, rmacd.yaml from the working directory
// and ~/.rmacd) into v and decodes the result. A missing default file is
// not an error; a missing explicit path is.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rmacd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".rmacd"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	r := c.Risk
	switch {
	case r.Threshold < 0 || r.Threshold > 10:
		return fmt.Errorf("config: %s must be within 0..10, got %v", KeyRiskThreshold, r.Threshold)
	case r.Increment < 0:
		return fmt.Errorf("config: %s must not be negative, got %v", KeyRiskIncrement, r.Increment)
	case r.Cap <= 0:
		return fmt.Errorf("config: %s must be positive, got %v", KeyRiskCap, r.Cap)
	case strings.TrimSpace(c.RegistryID) == "":
		return fmt.Errorf("config: %s must not be empty", KeyRegistryID)
	}
	for i, w := range c.Alerts {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("config: alerts[%d]: %w", i, err)
		}
	}
	return nil
}
