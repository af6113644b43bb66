package cli

import (
	"github.com/restrike/restrike-vta/internal/config"
	"github.com/restrike/restrike-vta/internal/logger"
)

// GlobalOptions are shared flags that apply across commands.
type GlobalOptions struct {
	ConfigPath string
	LogLevel   string
	LogJSON    bool
}

var globalOpts GlobalOptions

// loadConfig applies the persistent flags on top of the layered config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalOpts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if globalOpts.LogLevel != "" {
		cfg.LogLevel = globalOpts.LogLevel
	}
	return cfg, nil
}

func newLogger(level string) (logger.Logger, error) {
	return logger.New(nil, logger.Options{Level: level, JSON: globalOpts.LogJSON})
}
