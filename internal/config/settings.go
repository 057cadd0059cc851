package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const defaultGatewayAddress = "127.0.0.1:8900"

type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	Poll    PollConfig    `toml:"poll"`
	Logging LoggingConfig `toml:"logging"`
}

type GatewayConfig struct {
	Address   string `toml:"address"`
	TokenPath string `toml:"token_path"`
}

// PollConfig overrides the built-in poll cadence. Values are in
// milliseconds; zero means "use the default".
type PollConfig struct {
	BaseIntervalMS    int `toml:"base_interval_ms"`
	FastIntervalMS    int `toml:"fast_interval_ms"`
	InitialIntervalMS int `toml:"initial_interval_ms"`
	BoostWindowMS     int `toml:"boost_window_ms"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			Address: defaultGatewayAddress,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func Load() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Config{}, err
	}
	return loadFromPath(path)
}

func loadFromPath(path string) (Config, error) {
	cfg := Default()
	if err := readTOML(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) GatewayAddress() string {
	addr := strings.TrimSpace(c.Gateway.Address)
	if addr == "" {
		return defaultGatewayAddress
	}
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	addr = strings.TrimRight(addr, "/")
	if addr == "" {
		return defaultGatewayAddress
	}
	return addr
}

func (c Config) GatewayBaseURL() string {
	return "http://" + c.GatewayAddress()
}

// ResolveTokenPath returns the configured token file path, defaulting to
// the token file under the data dir.
func (c Config) ResolveTokenPath() (string, error) {
	path := strings.TrimSpace(c.Gateway.TokenPath)
	if path == "" {
		return TokenPath()
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	if filepath.IsAbs(path) {
		return path, nil
	}
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, path), nil
}

func (c Config) LogLevel() string {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		return "info"
	}
	return level
}

// PollInterval returns the override for the named interval, or zero when
// the built-in default should apply.
func (p PollConfig) interval(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (p PollConfig) BaseInterval() time.Duration    { return p.interval(p.BaseIntervalMS) }
func (p PollConfig) FastInterval() time.Duration    { return p.interval(p.FastIntervalMS) }
func (p PollConfig) InitialInterval() time.Duration { return p.interval(p.InitialIntervalMS) }
func (p PollConfig) BoostWindow() time.Duration     { return p.interval(p.BoostWindowMS) }

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return toml.Unmarshal(data, out)
}
