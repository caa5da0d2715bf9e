package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000", cfg.Port)
	}
	if cfg.MaxWaitTime != 500*time.Millisecond {
		t.Errorf("MaxWaitTime = %v, want 500ms", cfg.MaxWaitTime)
	}
	if cfg.MaxBatchSize != 8 {
		t.Errorf("MaxBatchSize = %d, want 8", cfg.MaxBatchSize)
	}
	if cfg.BatchCheckInterval != 10*time.Millisecond {
		t.Errorf("BatchCheckInterval = %v, want 10ms", cfg.BatchCheckInterval)
	}
	if cfg.InferenceURL != "http://127.0.0.1:8080/embed" {
		t.Errorf("InferenceURL = %q, want default", cfg.InferenceURL)
	}
	if cfg.InferenceTimeoutSecs != 30*time.Second {
		t.Errorf("InferenceTimeoutSecs = %v, want 30s", cfg.InferenceTimeoutSecs)
	}
	if cfg.MaxInferenceInputs != 32 {
		t.Errorf("MaxInferenceInputs = %d, want 32", cfg.MaxInferenceInputs)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestConfigFromArgs(t *testing.T) {
	args := []string{
		"--port=4000",
		"--max-wait-time-ms=200",
		"--max-batch-size=16",
		"--inference-url=http://custom:9090/embed",
		"--inference-timeout-secs=60",
	}

	cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), args)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 4000 {
		t.Errorf("Port = %d, want 4000", cfg.Port)
	}
	if cfg.MaxWaitTime != 200*time.Millisecond {
		t.Errorf("MaxWaitTime = %v, want 200ms", cfg.MaxWaitTime)
	}
	if cfg.MaxBatchSize != 16 {
		t.Errorf("MaxBatchSize = %d, want 16", cfg.MaxBatchSize)
	}
	if cfg.InferenceURL != "http://custom:9090/embed" {
		t.Errorf("InferenceURL = %q, want custom", cfg.InferenceURL)
	}
	if cfg.InferenceTimeoutSecs != 60*time.Second {
		t.Errorf("InferenceTimeoutSecs = %v, want 60s", cfg.InferenceTimeoutSecs)
	}
}

func TestPartialArgsKeepDefaults(t *testing.T) {
	args := []string{"--port=5000", "--max-batch-size=25"}

	cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), args)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defaults := Default()

	if cfg.Port != 5000 {
		t.Errorf("Port = %d, want 5000", cfg.Port)
	}
	if cfg.MaxBatchSize != 25 {
		t.Errorf("MaxBatchSize = %d, want 25", cfg.MaxBatchSize)
	}
	if cfg.MaxWaitTime != defaults.MaxWaitTime {
		t.Errorf("MaxWaitTime = %v, want default %v", cfg.MaxWaitTime, defaults.MaxWaitTime)
	}
	if cfg.InferenceURL != defaults.InferenceURL {
		t.Errorf("InferenceURL = %q, want default %q", cfg.InferenceURL, defaults.InferenceURL)
	}
}

func TestValidateRejectsZeroMaxWaitTime(t *testing.T) {
	cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), []string{"--max-wait-time-ms=0"})
	if err == nil {
		t.Fatalf("expected error for zero max-wait-time-ms, got config %+v", cfg)
	}
}

func TestValidateRejectsZeroMaxBatchSize(t *testing.T) {
	_, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), []string{"--max-batch-size=0"})
	if err == nil {
		t.Fatal("expected error for zero max-batch-size")
	}
}

func TestConfigFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	content := "rate_limit_rps: 12.5\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), []string{"--config=" + path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.InferenceRateLimitRPS != 12.5 {
		t.Errorf("InferenceRateLimitRPS = %v, want 12.5", cfg.InferenceRateLimitRPS)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("EMBEDBATCH_PORT", "9001")
	t.Setenv("EMBEDBATCH_MAX_BATCH_SIZE", "3")

	cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9001 {
		t.Errorf("Port = %d, want 9001 from env", cfg.Port)
	}
	if cfg.MaxBatchSize != 3 {
		t.Errorf("MaxBatchSize = %d, want 3 from env", cfg.MaxBatchSize)
	}
}

func TestExplicitFlagBeatsEnvOverride(t *testing.T) {
	t.Setenv("EMBEDBATCH_PORT", "5000")

	cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), []string{"--port=4000"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 4000 {
		t.Errorf("Port = %d, want 4000 (explicit flag should beat env)", cfg.Port)
	}
}
