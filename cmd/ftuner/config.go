package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the ftuner configuration file (~/.config/ftuner/config.yaml).
type Config struct {
	Hardware   string `yaml:"hardware"`
	Target     string `yaml:"target"`
	ParamsFile string `yaml:"params_file"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ftuner", "config.yaml")
}

// applyTuneConfig applies config file defaults where the corresponding
// CLI flag was not explicitly set.
func applyTuneConfig(c *cli.Command, cfg Config) {
	if cfg.Hardware != "" && !c.IsSet("hardware") {
		hardwareName = cfg.Hardware
	}
	if cfg.Target != "" && !c.IsSet("target") {
		target = cfg.Target
	}
	if cfg.ParamsFile != "" && !c.IsSet("params") {
		paramsPath = cfg.ParamsFile
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyTuneConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or doesn't parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
