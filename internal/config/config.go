// Package config loads the application configuration via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	configData Config
	v          *viper.Viper
)

// Config holds all configuration settings.
type Config struct {
	// Plugin runtime configuration
	Plugins struct {
		Dir    string // artifact directory
		Config string // path of the enabled-map JSON file
	}
	// Install configuration
	Install struct {
		FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
		MaxSize      int64         `mapstructure:"max_size"`
	}
	// Logging configuration
	Log struct {
		Level  string
		Format string
	}
}

// Initialize sets up the configuration system.
func Initialize() error {
	v = viper.New()

	// Set config name and paths
	v.SetConfigName("config")            // name of config file (without extension)
	v.SetConfigType("yaml")              // config file type
	v.AddConfigPath(".")                 // optionally look for config in working directory
	v.AddConfigPath("$HOME/.pluginhost") // look for config in .pluginhost directory in home
	v.AddConfigPath("/etc/pluginhost/")  // path to look for the config file in

	// Set default values
	setDefaults()

	// Environment variables
	v.SetEnvPrefix("PLUGINHOST") // prefix for env vars
	v.AutomaticEnv()             // read in environment variables that match
	v.SetEnvKeyReplacer(         // replace dots with underscores in env vars
		strings.NewReplacer(".", "_"),
	)

	// Read in config file
	if err := v.ReadInConfig(); err != nil {
		// It's okay if we can't find a config file, we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal config into struct
	if err := v.Unmarshal(&configData); err != nil {
		return fmt.Errorf("unable to decode into config struct: %w", err)
	}

	return nil
}

// setDefaults sets default values for all configuration options.
func setDefaults() {
	// Plugin defaults
	v.SetDefault("plugins.dir", "plugins")
	v.SetDefault("plugins.config", "plugins/config.json")

	// Install defaults
	v.SetDefault("install.fetch_timeout", 30*time.Second)
	v.SetDefault("install.max_size", 16<<20)

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "human")
}

// Get returns the current configuration.
func Get() *Config {
	return &configData
}

// GetViper returns the viper instance.
func GetViper() *viper.Viper {
	return v
}
