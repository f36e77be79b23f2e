package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	Host string `yaml:"host"` // bind address for both TCP and UDP
	Port int    `yaml:"port"` // shared TCP control / UDP voice port

	MaxBandwidth int    `yaml:"bandwidth"`   // per-user voice ceiling, bytes/second on the wire
	Timeout      int    `yaml:"timeout"`     // idle disconnect, seconds
	MaxUsers     int    `yaml:"users"`       // connection cap
	WelcomeText  string `yaml:"welcometext"` // sent in ServerSync

	DBPath   string `yaml:"database"` // SQLite database path
	CertFile string `yaml:"sslcert"`  // TLS certificate (auto-generated if empty)
	KeyFile  string `yaml:"sslkey"`   // TLS private key
	DataDir  string `yaml:"datadir"`  // directory for generated certs

	LogLevel  string `yaml:"loglevel"`
	LogFormat string `yaml:"logformat"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:         64738,
		MaxBandwidth: 72000,
		Timeout:      30,
		MaxUsers:     100,
		DBPath:       "mumble.db",
		DataDir:      ".",
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) //nolint:gosec // path from operator CLI
	if err != nil {
		return cfg, fmt.Errorf("server: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("server: parse config: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("server: invalid port %d", cfg.Port)
	}
	if cfg.MaxBandwidth <= 0 {
		return cfg, fmt.Errorf("server: invalid bandwidth %d", cfg.MaxBandwidth)
	}
	return cfg, nil
}
