package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	portmon "github.com/luhtfiimanal/go-linux-portmon"
)

// daemonConfig is the on-disk configuration of portmond. Flags given on the
// command line override the matching keys.
type daemonConfig struct {
	Monitor       portmon.Config      `yaml:"monitor"`
	Socket        string              `yaml:"socket"`
	Taps          []portmon.TapConfig `yaml:"taps"`
	MetricsListen string              `yaml:"metrics_listen"`
	LogLevel      string              `yaml:"log_level"`
}

const defaultSocketPath = "/run/portmon/control.sock"

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Monitor:  portmon.DefaultConfig(),
		Socket:   defaultSocketPath,
		LogLevel: "info",
	}
}

// loadDaemonConfig reads path over the defaults. An empty path returns the
// defaults.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	// The monitor section applies its own defaults and validation.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	for _, tap := range cfg.Taps {
		if tap.Device == "" {
			return cfg, fmt.Errorf("config %s: tap without device", path)
		}
	}
	return cfg, nil
}

// parseTapFlag parses DEVICE[@BAUD].
func parseTapFlag(value string) (portmon.TapConfig, error) {
	device, baud, found := strings.Cut(value, "@")
	if device == "" {
		return portmon.TapConfig{}, fmt.Errorf("--tap %q: missing device", value)
	}
	tap := portmon.TapConfig{Device: device, BaudRate: 115200}
	if found {
		rate, err := strconv.Atoi(baud)
		if err != nil || rate <= 0 {
			return portmon.TapConfig{}, fmt.Errorf("--tap %q: invalid baud rate %q", value, baud)
		}
		tap.BaudRate = rate
	}
	return tap, nil
}
