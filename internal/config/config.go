// Package config handles embedbatch configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence, highest first):
//  1. Command-line flags
//  2. Environment variables (EMBEDBATCH_*)
//  3. Config file (YAML, optional, --config)
//  4. Defaults
//
// Only a handful of advanced settings (rate_limit_rps, log_level,
// log_format) are expected to live in the config file; every other
// setting is small enough to pass as a flag on every invocation.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete, immutable-after-Load embedbatch configuration.
type Config struct {
	Port                  int
	MaxWaitTime           time.Duration
	MaxBatchSize          int
	BatchCheckInterval    time.Duration
	IncludeBatchInfo      bool
	InferenceURL          string
	InferenceTimeoutSecs  time.Duration
	MaxInferenceInputs    int
	LogLevel              string
	LogFormat             string
	InferenceRateLimitRPS float64
}

// fileOverlay is the subset of Config that may be set via --config. It is
// intentionally narrow: the settings here are the ones an operator tunes
// once for an environment rather than per-invocation.
type fileOverlay struct {
	RateLimitRPS *float64 `yaml:"rate_limit_rps,omitempty"`
	LogLevel     *string  `yaml:"log_level,omitempty"`
	LogFormat    *string  `yaml:"log_format,omitempty"`
}

// Default returns a Config populated with the service's documented defaults.
func Default() *Config {
	return &Config{
		Port:                 3000,
		MaxWaitTime:          500 * time.Millisecond,
		MaxBatchSize:         8,
		BatchCheckInterval:   10 * time.Millisecond,
		IncludeBatchInfo:     false,
		InferenceURL:         "http://127.0.0.1:8080/embed",
		InferenceTimeoutSecs: 30 * time.Second,
		MaxInferenceInputs:   32,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load builds a Config from CLI args, environment, and defaults. fs is the
// FlagSet to register flags on (callers normally pass flag.CommandLine);
// args are the arguments to parse (normally os.Args[1:]).
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Default()

	var (
		configPath string
		port       = fs.Int("port", cfg.Port, "HTTP listen port")
		maxWaitMs  = fs.Uint64("max-wait-time-ms", uint64(cfg.MaxWaitTime/time.Millisecond), "oldest-request age trigger, in milliseconds")
		maxBatch   = fs.Int("max-batch-size", cfg.MaxBatchSize, "size trigger: requests per batch")
		checkMs    = fs.Uint64("batch-check-interval-ms", uint64(cfg.BatchCheckInterval/time.Millisecond), "dispatcher tick period, in milliseconds")
		includeBI  = fs.Bool("include-batch-info", cfg.IncludeBatchInfo, "attach batch_info diagnostics to responses")
		infURL     = fs.String("inference-url", cfg.InferenceURL, "upstream inference service URL")
		infTimeout = fs.Uint64("inference-timeout-secs", uint64(cfg.InferenceTimeoutSecs/time.Second), "per-call upstream timeout, in seconds")
		maxInputs  = fs.Int("max-inference-inputs", cfg.MaxInferenceInputs, "hard cap on per-call and per-request input count")
		logLevel   = fs.String("log-level", cfg.LogLevel, "logger filter: debug, info, warn, error")
		logFormat  = fs.String("log-format", cfg.LogFormat, "logger output format: text or json")
		rateLimit  = fs.Float64("inference-rate-limit-rps", 0, "client-side cap on upstream calls per second (0 = unlimited)")
	)
	fs.StringVar(&configPath, "config", "", "optional YAML overlay file for rate_limit_rps and log settings")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Port = *port
	cfg.MaxWaitTime = time.Duration(*maxWaitMs) * time.Millisecond
	cfg.MaxBatchSize = *maxBatch
	cfg.BatchCheckInterval = time.Duration(*checkMs) * time.Millisecond
	cfg.IncludeBatchInfo = *includeBI
	cfg.InferenceURL = *infURL
	cfg.InferenceTimeoutSecs = time.Duration(*infTimeout) * time.Second
	cfg.MaxInferenceInputs = *maxInputs
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.InferenceRateLimitRPS = *rateLimit

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	if configPath != "" {
		if err := applyFileOverlay(cfg, configPath, explicit); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg, explicit)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyFileOverlay reads the YAML overlay and merges present fields into
// cfg. Flags parsed before this call still win: the overlay only fills in
// values whose flag is not in explicit (the flags actually passed on the
// command line, built via fs.Visit in Load).
func applyFileOverlay(cfg *Config, path string, explicit map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if overlay.RateLimitRPS != nil && !explicit["inference-rate-limit-rps"] {
		cfg.InferenceRateLimitRPS = *overlay.RateLimitRPS
	}
	if overlay.LogLevel != nil && !explicit["log-level"] {
		cfg.LogLevel = *overlay.LogLevel
	}
	if overlay.LogFormat != nil && !explicit["log-format"] {
		cfg.LogFormat = *overlay.LogFormat
	}

	return nil
}

// applyEnvOverrides applies EMBEDBATCH_* environment variable overrides.
// explicit holds the names of flags the caller actually passed on the
// command line (built via fs.Visit in Load); an env var is skipped
// whenever its corresponding flag is in explicit, so a flag genuinely
// wins over the environment regardless of whether its value happens to
// match the default.
func applyEnvOverrides(cfg *Config, explicit map[string]bool) {
	if v := os.Getenv("EMBEDBATCH_PORT"); v != "" && !explicit["port"] {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("EMBEDBATCH_MAX_WAIT_TIME_MS"); v != "" && !explicit["max-wait-time-ms"] {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.MaxWaitTime = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("EMBEDBATCH_MAX_BATCH_SIZE"); v != "" && !explicit["max-batch-size"] {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBatchSize = n
		}
	}
	if v := os.Getenv("EMBEDBATCH_INFERENCE_URL"); v != "" && !explicit["inference-url"] {
		cfg.InferenceURL = v
	}
	if v := os.Getenv("EMBEDBATCH_MAX_INFERENCE_INPUTS"); v != "" && !explicit["max-inference-inputs"] {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxInferenceInputs = n
		}
	}
	if v := os.Getenv("EMBEDBATCH_LOG_LEVEL"); v != "" && !explicit["log-level"] {
		cfg.LogLevel = v
	}
}

// Validate checks that required invariants hold before the dispatcher
// starts.
func (c *Config) Validate() error {
	if c.MaxWaitTime <= 0 {
		return fmt.Errorf("max-wait-time-ms must be > 0")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max-batch-size must be > 0")
	}
	if c.MaxInferenceInputs <= 0 {
		return fmt.Errorf("max-inference-inputs must be > 0")
	}
	return nil
}
