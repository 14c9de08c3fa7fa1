package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		RedisURL:          "redis://127.0.0.1:6379/0",
		LocalPoolSize:     3,
		WorkerConcurrency: 4,
		MaxAttempts:       3,
		SoftTimeLimit:     300 * time.Second,
		HardTimeLimit:     600 * time.Second,
		ResultTTL:         time.Hour,
	}
}

func TestValidateOK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateHardLimitMustExceedSoftLimit(t *testing.T) {
	cfg := validConfig()
	cfg.HardTimeLimit = cfg.SoftTimeLimit
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when hard limit equals soft limit")
	}
	cfg.HardTimeLimit = cfg.SoftTimeLimit - time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when hard limit is below soft limit")
	}
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	mutations := []func(*Config){
		func(c *Config) { c.RedisURL = "" },
		func(c *Config) { c.LocalPoolSize = 0 },
		func(c *Config) { c.WorkerConcurrency = 0 },
		func(c *Config) { c.MaxAttempts = 0 },
		func(c *Config) { c.SoftTimeLimit = 0 },
		func(c *Config) { c.ResultTTL = 0 },
	}
	for i, mutate := range mutations {
		cfg := validConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("mutation %d should fail validation", i)
		}
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("FC_TEST_STR", "value")
	if got := getEnv("FC_TEST_STR", "fallback"); got != "value" {
		t.Fatalf("getEnv = %s", got)
	}
	if got := getEnv("FC_TEST_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("getEnv fallback = %s", got)
	}

	t.Setenv("FC_TEST_INT", "42")
	if got := getEnvAsInt("FC_TEST_INT", 1); got != 42 {
		t.Fatalf("getEnvAsInt = %d", got)
	}
	t.Setenv("FC_TEST_BAD_INT", "forty-two")
	if got := getEnvAsInt("FC_TEST_BAD_INT", 7); got != 7 {
		t.Fatalf("getEnvAsInt should fall back on parse error, got %d", got)
	}

	t.Setenv("FC_TEST_SECS", "90")
	if got := getEnvAsDuration("FC_TEST_SECS", 10); got != 90*time.Second {
		t.Fatalf("getEnvAsDuration = %s", got)
	}
	t.Setenv("FC_TEST_MS", "250")
	if got := getEnvAsDurationMillis("FC_TEST_MS", 500); got != 250*time.Millisecond {
		t.Fatalf("getEnvAsDurationMillis = %s", got)
	}
}
