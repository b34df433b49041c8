// Package config reads the process configuration of the platform binaries
// from the environment. Binaries import github.com/joho/godotenv/autoload, so
// values may also come from a .env file in the working directory.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

const (
	EnvHost        = "MALS_HOST"
	EnvPort        = "MALS_PORT"
	EnvLogLevel    = "MALS_LOG_LEVEL"
	EnvMaxModules  = "MALS_MAX_MODULES"
	EnvSendBuffer  = "MALS_SEND_BUFFER"
	EnvNATSURL     = "NATS_URL"
	EnvNATSPrefix  = "MALS_NATS_PREFIX"
	defaultHost    = "127.0.0.1"
	defaultPort    = 8765
	defaultModules = 64
	defaultBuffer  = 256
	defaultPrefix  = "mals"
)

// Config is the environment configuration of a platform process.
type Config struct {
	Host       string
	Port       int
	LogLevel   slog.Level
	MaxModules int
	SendBuffer int
	NATSURL    string
	NATSPrefix string
}

// Addr is the listen address of the websocket gateway.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NATSEnabled reports whether the NATS bridge should be started.
func (c Config) NATSEnabled() bool { return c.NATSURL != "" }

// Load reads the configuration from the environment.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Config{
		Host:       strOrDefault(getenv, EnvHost, defaultHost),
		NATSURL:    getenv(EnvNATSURL),
		NATSPrefix: strOrDefault(getenv, EnvNATSPrefix, defaultPrefix),
	}

	var err error
	if cfg.Port, err = intOrDefault(getenv, EnvPort, defaultPort); err != nil {
		return Config{}, err
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("%s: port %d out of range", EnvPort, cfg.Port)
	}
	if cfg.MaxModules, err = intOrDefault(getenv, EnvMaxModules, defaultModules); err != nil {
		return Config{}, err
	}
	if cfg.MaxModules < 1 {
		return Config{}, fmt.Errorf("%s: must be positive, got %d", EnvMaxModules, cfg.MaxModules)
	}
	if cfg.SendBuffer, err = intOrDefault(getenv, EnvSendBuffer, defaultBuffer); err != nil {
		return Config{}, err
	}
	if cfg.SendBuffer < 1 {
		return Config{}, fmt.Errorf("%s: must be positive, got %d", EnvSendBuffer, cfg.SendBuffer)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(strOrDefault(getenv, EnvLogLevel, "info"))); err != nil {
		return Config{}, fmt.Errorf("%s: %w", EnvLogLevel, err)
	}
	return cfg, nil
}

func strOrDefault(getenv func(string) string, key, def string) string {
	s := strings.TrimSpace(getenv(key))
	if s == "" {
		return def
	}
	return s
}

func intOrDefault(getenv func(string) string, key string, def int) (int, error) {
	s := strings.TrimSpace(getenv(key))
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
