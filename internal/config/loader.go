package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Environment names read by Load.
const (
	EnvConfigPath = "TUTORRISK_CONFIG"
	envPrefix     = "TUTORRISK_"

	legacyChurnPrefix      = "MATCH_RISK_THRESHOLD_"
	legacyReschedulePrefix = "RESCHEDULE_RISK_THRESHOLD_"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New(ctx))
//  2. file (YAML) if TUTORRISK_CONFIG is set
//  3. legacy threshold env: MATCH_RISK_THRESHOLD_LOW/HIGH, RESCHEDULE_RISK_THRESHOLD_LOW/HIGH
//  4. env (prefix TUTORRISK_)
//
// A .env file in the working directory is read first and never overrides
// variables already set.
func Load(ctx context.Context) (*Config, error) {
	_ = godotenv.Load()

	base := New(ctx)
	k := koanf.New(".")

	if path := os.Getenv(EnvConfigPath); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrLoadConfig, path, err)
		}
	}

	legacy := []struct{ prefix, key string }{
		{legacyChurnPrefix, "churn_"},
		{legacyReschedulePrefix, "reschedule_"},
	}
	for _, l := range legacy {
		provider := env.Provider(l.prefix, ".", func(s string) string {
			return l.key + strings.ToLower(strings.TrimPrefix(s, l.prefix))
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("%w: legacy env: %w", ErrLoadConfig, err)
		}
	}

	// TUTORRISK_QUEUE_SIZE -> queue_size. Keys are flat, so underscores stay.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls onChange with a freshly loaded Config every time the file named
// by TUTORRISK_CONFIG changes, until ctx ends. A reload that fails is passed
// as an error and the caller keeps its previous Config.
func Watch(ctx context.Context, onChange func(*Config, error)) error {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return fmt.Errorf("%w: %s is not set", ErrNoConfigFile, EnvConfigPath)
	}
	fp := file.Provider(path)
	err := fp.Watch(func(_ any, err error) {
		if err != nil {
			onChange(nil, fmt.Errorf("%w: watch %s: %w", ErrLoadConfig, path, err))
			return
		}
		onChange(Load(ctx))
	})
	if err != nil {
		return fmt.Errorf("%w: watch %s: %w", ErrLoadConfig, path, err)
	}
	go func() {
		<-ctx.Done()
		_ = fp.Unwatch()
	}()
	return nil
}
