// Package config loads typed configuration structs from environment
// variables. Field mapping follows github.com/caarlos0/env tags; a local
// .env file is loaded once per process if present.
package config

import (
	"errors"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrParsingConfig is returned when environment variables cannot be
	// parsed into the target struct, including missing required values.
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrNilPointer is returned when a nil pointer is passed to Load.
	ErrNilPointer = errors.New("nil pointer provided to config loader")
)

var dotenvOnce sync.Once

// Load populates cfg from the process environment. Required fields that are
// absent produce an error rather than a zero value, so missing credentials
// fail at startup instead of at first use.
//
// Example:
//
//	type GatewayConfig struct {
//		KeyID     string `env:"GATEWAY_KEY_ID,required"`
//		KeySecret string `env:"GATEWAY_KEY_SECRET,required"`
//	}
//
//	var cfg GatewayConfig
//	if err := config.Load(&cfg); err != nil { ... }
func Load[T any](cfg *T) error {
	dotenvOnce.Do(func() {
		// The .env file is optional; absence is not an error.
		_ = godotenv.Load()
	})
	if cfg == nil {
		return ErrNilPointer
	}
	if err := env.Parse(cfg); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad is Load that panics on failure. Use for configuration the
// process cannot run without.
func MustLoad[T any](cfg *T) {
	if err := Load(cfg); err != nil {
		panic(err)
	}
}
