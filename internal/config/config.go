// Package config loads and validates the autohost configuration.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the autohost. Keys are camelCase
// in the YAML file.
type Config struct {
	// Lobby connection
	TachyonServer       string `yaml:"tachyonServer"`
	TachyonServerPort   *int   `yaml:"tachyonServerPort"`
	UseSecureConnection *bool  `yaml:"useSecureConnection"`
	AuthClientID        string `yaml:"authClientId"`
	AuthClientSecret    string `yaml:"authClientSecret"`

	MaxReconnectDelaySeconds         int `yaml:"maxReconnectDelaySeconds"`
	MaxUpdatesSubscriptionAgeSeconds int `yaml:"maxUpdatesSubscriptionAgeSeconds"`

	// Engine hosting
	HostingIP      string            `yaml:"hostingIP"`
	EngineBindIP   string            `yaml:"engineBindIP"`
	EngineSettings map[string]string `yaml:"engineSettings"`

	MaxBattles             int `yaml:"maxBattles"`
	MaxGameDurationSeconds int `yaml:"maxGameDurationSeconds"`

	// Port pools, one offset per battle
	EngineStartPort         int `yaml:"engineStartPort"`
	EngineAutohostStartPort int `yaml:"engineAutohostStartPort"`
	MaxPortsUsed            int `yaml:"maxPortsUsed"`

	// Engine installation
	EngineInstallTimeoutSeconds      int    `yaml:"engineInstallTimeoutSeconds"`
	EngineDownloadMaxAttempts        int    `yaml:"engineDownloadMaxAttempts"`
	EngineDownloadRetryBackoffBaseMs int    `yaml:"engineDownloadRetryBackoffBaseMs"`
	EngineCdnBaseURL                 string `yaml:"engineCdnBaseUrl"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the configuration defaults. Fields without a default
// (server address, credentials, hosting IP) stay empty and fail
// validation until the file provides them.
func Default() Config {
	return Config{
		MaxReconnectDelaySeconds:         30,
		MaxUpdatesSubscriptionAgeSeconds: 600,
		EngineBindIP:                     "0.0.0.0",
		EngineSettings:                   map[string]string{},
		MaxBattles:                       50,
		MaxGameDurationSeconds:           8 * 60 * 60,
		EngineStartPort:                  20000,
		EngineAutohostStartPort:          22000,
		MaxPortsUsed:                     1000,
		EngineInstallTimeoutSeconds:      600,
		EngineDownloadMaxAttempts:        3,
		EngineDownloadRetryBackoffBaseMs: 1000,
		EngineCdnBaseURL:                 "https://files-cdn.beyondallreason.dev",
		LogLevel:                         "info",
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks required fields and cross-field constraints.
func (c Config) Validate() error {
	if c.TachyonServer == "" {
		return fmt.Errorf("tachyonServer is required")
	}
	if c.AuthClientID == "" {
		return fmt.Errorf("authClientId is required")
	}
	if c.AuthClientSecret == "" {
		return fmt.Errorf("authClientSecret is required")
	}
	if c.HostingIP == "" {
		return fmt.Errorf("hostingIP is required")
	}
	if net.ParseIP(c.HostingIP) == nil {
		return fmt.Errorf("hostingIP %q is not an IP address", c.HostingIP)
	}
	if net.ParseIP(c.EngineBindIP) == nil {
		return fmt.Errorf("engineBindIP %q is not an IP address", c.EngineBindIP)
	}
	if p := c.TachyonServerPort; p != nil && (*p < 1 || *p > 65535) {
		return fmt.Errorf("tachyonServerPort %d out of range", *p)
	}

	if c.MaxBattles < 1 {
		return fmt.Errorf("maxBattles must be positive")
	}
	if c.MaxPortsUsed < 1 {
		return fmt.Errorf("maxPortsUsed must be positive")
	}
	for _, r := range []struct {
		name string
		base int
	}{
		{"engineStartPort", c.EngineStartPort},
		{"engineAutohostStartPort", c.EngineAutohostStartPort},
	} {
		if r.base < 1 || r.base+c.MaxPortsUsed > 65536 {
			return fmt.Errorf("%s range [%d, %d) does not fit in the port space",
				r.name, r.base, r.base+c.MaxPortsUsed)
		}
	}
	if overlaps(c.EngineStartPort, c.EngineAutohostStartPort, c.MaxPortsUsed) {
		return fmt.Errorf("engineStartPort and engineAutohostStartPort ranges overlap")
	}

	if c.MaxReconnectDelaySeconds < 1 {
		return fmt.Errorf("maxReconnectDelaySeconds must be positive")
	}
	if c.MaxUpdatesSubscriptionAgeSeconds < 1 {
		return fmt.Errorf("maxUpdatesSubscriptionAgeSeconds must be positive")
	}
	if c.MaxGameDurationSeconds < 1 {
		return fmt.Errorf("maxGameDurationSeconds must be positive")
	}
	if c.EngineInstallTimeoutSeconds < 1 {
		return fmt.Errorf("engineInstallTimeoutSeconds must be positive")
	}
	if c.EngineDownloadMaxAttempts < 1 {
		return fmt.Errorf("engineDownloadMaxAttempts must be positive")
	}
	if c.EngineDownloadRetryBackoffBaseMs < 0 {
		return fmt.Errorf("engineDownloadRetryBackoffBaseMs must not be negative")
	}

	u, err := url.Parse(c.EngineCdnBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("engineCdnBaseUrl %q is not an http(s) URL", c.EngineCdnBaseURL)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func overlaps(a, b, n int) bool {
	return a < b+n && b < a+n
}

// SecureConnection resolves the tri-state useSecureConnection option:
// an explicit value wins, otherwise everything but localhost uses TLS.
func (c Config) SecureConnection() bool {
	if c.UseSecureConnection != nil {
		return *c.UseSecureConnection
	}
	switch c.TachyonServer {
	case "localhost", "127.0.0.1", "::1":
		return false
	}
	return true
}

// ParseLogLevel maps the config value onto a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("logLevel %q is not a log level", s)
	}
	return level, nil
}

func (c Config) MaxReconnectDelay() time.Duration {
	return time.Duration(c.MaxReconnectDelaySeconds) * time.Second
}

func (c Config) MaxUpdatesSubscriptionAge() time.Duration {
	return time.Duration(c.MaxUpdatesSubscriptionAgeSeconds) * time.Second
}

func (c Config) EngineInstallTimeout() time.Duration {
	return time.Duration(c.EngineInstallTimeoutSeconds) * time.Second
}

func (c Config) EngineDownloadRetryBackoffBase() time.Duration {
	return time.Duration(c.EngineDownloadRetryBackoffBaseMs) * time.Millisecond
}

func (c Config) MaxGameDuration() time.Duration {
	return time.Duration(c.MaxGameDurationSeconds) * time.Second
}
