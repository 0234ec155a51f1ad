package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type CLIConfig struct {
	ServerURL     string        `mapstructure:"server_url"`
	DefaultFormat string        `mapstructure:"default_format"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Operator      string        `mapstructure:"operator"`
}

func defaults() *CLIConfig {
	operator := os.Getenv("USER")
	if operator == "" {
		operator = "cli"
	}
	return &CLIConfig{
		ServerURL:     "http://localhost:8080",
		DefaultFormat: "yaml",
		Timeout:       30 * time.Second,
		Operator:      operator,
	}
}

// LoadConfig reads cfgFile or ~/.modelops/cli.yaml and MODELOPS_CLI_*
// environment variables
func LoadConfig(cfgFile string) (*CLIConfig, error) {
	config := defaults()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(filepath.Join(home, ".modelops"))
		v.SetConfigName("cli")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("MODELOPS_CLI")
	v.AutomaticEnv()

	v.SetDefault("server_url", config.ServerURL)
	v.SetDefault("default_format", config.DefaultFormat)
	v.SetDefault("timeout", config.Timeout)
	v.SetDefault("operator", config.Operator)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return config, nil
}

func SaveConfig(config *CLIConfig, cfgFile string) error {
	if cfgFile == "" {
		cfgFile = GetDefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(cfgFile), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	v := viper.New()
	v.Set("server_url", config.ServerURL)
	v.Set("default_format", config.DefaultFormat)
	v.Set("timeout", config.Timeout.String())
	v.Set("operator", config.Operator)

	return v.WriteConfigAs(cfgFile)
}

func GetDefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".modelops", "cli.yaml")
}
