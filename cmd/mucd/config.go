// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type config struct {
	// ComponentJID is the address the service is reachable at, eg.
	// muc.example.org.
	ComponentJID string `mapstructure:"component_jid"`

	// ServerAddr is the host:port of the XMPP server's component listener.
	ServerAddr string `mapstructure:"server_addr"`

	// Secret is the shared component handshake secret.
	Secret string `mapstructure:"secret"`

	// DBPath is the SQLite database path. Empty selects the in-memory store.
	DBPath string `mapstructure:"db_path"`

	// Defaults applied to rooms created on first join.
	RoomName     string `mapstructure:"room_name"`
	Moderated    bool   `mapstructure:"moderated"`
	Persistent   bool   `mapstructure:"persistent"`
	MaxOccupants int    `mapstructure:"max_occupants"`

	// Liveness sweep tuning.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	ProbeMaxAge   time.Duration `mapstructure:"probe_max_age"`

	LogLevel string `mapstructure:"log_level"`
}

func loadConfig(path string) (*config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mucd")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mucd")
	}
	v.SetEnvPrefix("mucd")
	v.AutomaticEnv()

	v.SetDefault("server_addr", "localhost:5347")
	v.SetDefault("sweep_interval", "1m")
	v.SetDefault("probe_max_age", "45s")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.ComponentJID == "" {
		return nil, fmt.Errorf("component_jid is required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("secret is required")
	}
	return &cfg, nil
}
