package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type RPCConfig struct {
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	ListTimeout      time.Duration `mapstructure:"list_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
}

type FallbackConfig struct {
	BillTable string `mapstructure:"bill_table"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	RPC      RPCConfig      `mapstructure:"rpc"`
	Fallback FallbackConfig `mapstructure:"fallback"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("anvil")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.anvil")

	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".anvil", "anvil.db"))
	v.SetDefault("rpc.call_timeout", "60s")
	v.SetDefault("rpc.list_timeout", "10s")
	v.SetDefault("rpc.handshake_timeout", "10s")
	v.SetDefault("rpc.probe_timeout", "5s")
	v.SetDefault("fallback.bill_table", filepath.Join(os.Getenv("HOME"), ".anvil", "bill.json"))

	if err := v.ReadInConfig(); err != nil {
		// A missing config file means defaults; anything else is fatal.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Expand environment variable references like ${VAR}
	cfg.Fallback.BillTable = expandEnv(cfg.Fallback.BillTable)
	cfg.Storage.DBPath = expandEnv(cfg.Storage.DBPath)

	return &cfg, nil
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}
