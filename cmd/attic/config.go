package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/dimitarvdimitrov/attic/archive"
)

type config struct {
	LogLevel string `toml:"log_level"`
	archive.Config
}

func defaultConfig() config {
	return config{
		LogLevel: "info",
		Config:   archive.DefaultConfig(),
	}
}

// loadConfig reads the TOML file at path over the defaults. An empty path
// yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("decoding config %s: unknown keys %v", path, undecoded)
	}
	return cfg, nil
}
