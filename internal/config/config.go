// Package config wires wlgrab's persisted defaults through viper.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Keys recognized in the config file and bound to flags.
const (
	KeyFormat   = "format"
	KeyCursor   = "cursor"
	KeyLogLevel = "log_level"
)

// Settings are the resolved defaults for a run.
type Settings struct {
	Format   string `mapstructure:"format"`
	Cursor   bool   `mapstructure:"cursor"`
	LogLevel string `mapstructure:"log_level"`
}

// Init loads the config file into the global viper instance. With an empty
// path it looks for $XDG_CONFIG_HOME/wlgrab/config.yaml and treats a missing
// file as defaults-only; an explicit path must exist.
func Init(cfgFile string) error {
	viper.SetDefault(KeyFormat, "png")
	viper.SetDefault(KeyCursor, false)
	viper.SetDefault(KeyLogLevel, "info")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		if dir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(dir, "wlgrab"))
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return err
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

// Get returns the current settings, merged across defaults, config file and
// bound flags.
func Get() Settings {
	return Settings{
		Format:   viper.GetString(KeyFormat),
		Cursor:   viper.GetBool(KeyCursor),
		LogLevel: viper.GetString(KeyLogLevel),
	}
}
