/*
MIT License

Copyright (c) 2024-2026 The Trzsz SSH Authors.

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package tshell

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	kModeTCP = "tcp"
	kModeKCP = "kcp"
)

const (
	kDefaultAddr           = "127.0.0.1:2222"
	kDefaultConnectTimeout = 10 * time.Second
	kDefaultWindowSize     = 2 * 1024 * 1024
	kDefaultMaxPacketSize  = 32 * 1024
	kMinMaxPacketSize      = 1024
)

// Config is the session-wide configuration, shared by every channel of a
// session through its config registry.
type Config struct {
	Mode           string        `mapstructure:"mode"`
	Addr           string        `mapstructure:"addr"`
	Pass           string        `mapstructure:"pass"`
	Salt           string        `mapstructure:"salt"`
	Shell          string        `mapstructure:"shell"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WindowSize     uint32        `mapstructure:"window_size"`
	MaxPacketSize  uint32        `mapstructure:"max_packet_size"`
	Logging        LoggingConfig `mapstructure:"logging"`
}

func DefaultConfig() *Config {
	return &Config{
		Mode:           kModeTCP,
		Addr:           kDefaultAddr,
		ConnectTimeout: kDefaultConnectTimeout,
		WindowSize:     kDefaultWindowSize,
		MaxPacketSize:  kDefaultMaxPacketSize,
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "console",
		},
	}
}

func (c *Config) Validate() error {
	switch c.Mode {
	case kModeTCP, kModeKCP:
	default:
		return fmt.Errorf("unknown mode %q, expected %s or %s", c.Mode, kModeTCP, kModeKCP)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if c.MaxPacketSize < kMinMaxPacketSize || c.MaxPacketSize > kMaxFrameSize/2 {
		return fmt.Errorf("max_packet_size must be between %d and %d", kMinMaxPacketSize, kMaxFrameSize/2)
	}
	if c.WindowSize < c.MaxPacketSize {
		return fmt.Errorf("window_size must not be smaller than max_packet_size")
	}
	return nil
}

// Loader reads the configuration with the precedence
// defaults < config file < TSHELL_* environment variables.
// Command line flags are applied by the caller on the returned config.
type Loader struct {
	v          *viper.Viper
	configFile string
}

func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("load config file failed: %w", err)
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "tshell"))
	}
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "tshell"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("TSHELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("pass", cfg.Pass)
	v.SetDefault("salt", cfg.Salt)
	v.SetDefault("shell", cfg.Shell)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("window_size", cfg.WindowSize)
	v.SetDefault("max_packet_size", cfg.MaxPacketSize)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	// Unmarshal only sees environment values of keys bound explicitly.
	for _, key := range []string{
		"mode", "addr", "pass", "salt", "shell", "connect_timeout",
		"window_size", "max_packet_size", "logging.level", "logging.format",
	} {
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()
}

func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && l.configFile == "" {
			return nil
		}
		return err
	}
	debug("config loaded from %s", l.v.ConfigFileUsed())
	return nil
}
