package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/virtual-davfs/vdfs"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VDFS_REMOTE_URL.
const EnvPrefix = "VDFS"

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Remote  RemoteConfig  `mapstructure:"remote"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Mount   MountConfig   `mapstructure:"mount"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// RemoteConfig stores the WebDAV connection details.
type RemoteConfig struct {
	URL        string        `mapstructure:"url"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	BasePath   string        `mapstructure:"basePath"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"maxRetries"`
}

// CacheConfig stores the metadata cache tuning.
type CacheConfig struct {
	StaleAfter  time.Duration `mapstructure:"staleAfter"`
	WarmWorkers int           `mapstructure:"warmWorkers"`
	Exclude     []string      `mapstructure:"exclude"`
}

// MountConfig stores the FUSE mount settings.
type MountConfig struct {
	Mountpoint string `mapstructure:"mountpoint"`
	Debug      bool   `mapstructure:"debug"`
	AllowOther bool   `mapstructure:"allowOther"`
}

// LogConfig stores logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig stores the Prometheus endpoint settings. An empty Listen
// address disables the endpoint.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Every key needs a default so that AutomaticEnv can override it.
	v.SetDefault("remote.url", internal.DefaultRemoteURL)
	v.SetDefault("remote.username", "")
	v.SetDefault("remote.password", "")
	v.SetDefault("remote.basePath", internal.DefaultRemoteBasePath)
	v.SetDefault("remote.timeout", internal.DefaultRemoteTimeout)
	v.SetDefault("remote.maxRetries", internal.DefaultMaxRetries)
	v.SetDefault("cache.staleAfter", internal.DefaultStaleAfter)
	v.SetDefault("cache.warmWorkers", internal.DefaultWarmWorkers)
	v.SetDefault("cache.exclude", []string{})
	v.SetDefault("mount.mountpoint", "")
	v.SetDefault("mount.debug", false)
	v.SetDefault("mount.allowOther", false)
	v.SetDefault("log.level", internal.DefaultLogLevel)
	v.SetDefault("metrics.listen", "")

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()                                   // Read in environment variables that match
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // remote.basePath becomes VDFS_REMOTE_BASEPATH

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the rest of the program cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Remote.URL == "" {
		errs = append(errs, errors.New("remote.url must be set"))
	}
	if c.Remote.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("remote.maxRetries must not be negative, got %d", c.Remote.MaxRetries))
	}
	if c.Cache.StaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("cache.staleAfter must be positive, got %s", c.Cache.StaleAfter))
	}
	if c.Cache.WarmWorkers <= 0 {
		errs = append(errs, fmt.Errorf("cache.warmWorkers must be positive, got %d", c.Cache.WarmWorkers))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
