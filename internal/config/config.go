// Package config loads kernelbus settings and kernel manifests.
//
// Settings come from three layers, later layers winning:
//
//  1. Defaults
//  2. A TOML file; only keys present in the file override defaults
//  3. KERNELBUS_-prefixed environment variables
//
// Kernel manifests are CUE files validated against an embedded schema; see
// LoadManifest.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/roach88/kernelbus/internal/protocol"
)

// EnvPrefix prefixes every environment variable Load reads.
const EnvPrefix = "KERNELBUS_"

// Config holds runtime settings.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`

	// HostURI is the uri of the kernel host `serve` runs.
	HostURI string `env:"HOST_URI"`

	// Database is the kernel-info catalog path. Empty disables the catalog.
	Database    string `env:"DATABASE"`
	DocumentURI string `env:"DOCUMENT_URI"`

	// OTelEndpoint is the OTLP/HTTP collector endpoint. Empty disables
	// trace export.
	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	// BreakerFailures is the number of consecutive send failures after
	// which a connector stops sending for BreakerTimeout. Zero disables
	// the breaker.
	BreakerFailures uint32        `env:"BREAKER_FAILURES"`
	BreakerTimeout  time.Duration `env:"BREAKER_TIMEOUT"`

	Kernel KernelProcess `envPrefix:"KERNEL_"`
}

// KernelProcess describes the kernel process `exec` spawns.
type KernelProcess struct {
	Command    string   `env:"COMMAND"`
	Args       []string `env:"ARGS" envSeparator:" "`
	WorkingDir string   `env:"WORKING_DIR"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "text",
		HostURI:         "kernel://kernelbus",
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

type fileConfig struct {
	LogLevel        string   `toml:"log_level"`
	LogFormat       string   `toml:"log_format"`
	HostURI         string   `toml:"host_uri"`
	Database        string   `toml:"database"`
	DocumentURI     string   `toml:"document_uri"`
	OTelEndpoint    string   `toml:"otel_endpoint"`
	BreakerFailures uint32   `toml:"breaker_failures"`
	BreakerTimeout  string   `toml:"breaker_timeout"`
	Kernel          struct {
		Command    string   `toml:"command"`
		Args       []string `toml:"args"`
		WorkingDir string   `toml:"working_dir"`
	} `toml:"kernel"`
}

// Load reads settings from path and the process environment. An empty
// path skips the file layer; a path that does not exist is an error.
func Load(path string) (Config, error) {
	return load(path, environ())
}

func environ() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

func load(path string, environment map[string]string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environment,
	}); err != nil {
		return Config{}, fmt.Errorf("load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %s", path, undecoded[0])
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("host_uri") {
		cfg.HostURI = strings.TrimSpace(raw.HostURI)
	}
	if meta.IsDefined("database") {
		cfg.Database = strings.TrimSpace(raw.Database)
	}
	if meta.IsDefined("document_uri") {
		cfg.DocumentURI = strings.TrimSpace(raw.DocumentURI)
	}
	if meta.IsDefined("otel_endpoint") {
		cfg.OTelEndpoint = strings.TrimSpace(raw.OTelEndpoint)
	}
	if meta.IsDefined("breaker_failures") {
		cfg.BreakerFailures = raw.BreakerFailures
	}
	if meta.IsDefined("breaker_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.BreakerTimeout))
		if err != nil {
			return fmt.Errorf("load config %s: breaker_timeout: %w", path, err)
		}
		cfg.BreakerTimeout = d
	}
	if meta.IsDefined("kernel", "command") {
		cfg.Kernel.Command = strings.TrimSpace(raw.Kernel.Command)
	}
	if meta.IsDefined("kernel", "args") {
		cfg.Kernel.Args = raw.Kernel.Args
	}
	if meta.IsDefined("kernel", "working_dir") {
		cfg.Kernel.WorkingDir = strings.TrimSpace(raw.Kernel.WorkingDir)
	}
	return nil
}

// Validate checks enumerated and uri-valued settings.
func (c Config) Validate() error {
	var errs []error
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if protocol.ExtractHost(c.HostURI) == "" {
		errs = append(errs, fmt.Errorf("host_uri %q is not a kernel uri", c.HostURI))
	}
	if c.BreakerFailures > 0 && c.BreakerTimeout <= 0 {
		errs = append(errs, errors.New("breaker_timeout must be positive when the breaker is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Level returns LogLevel as a slog level.
func (c Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level must be debug, info, warn or error, got %q", s)
}
