package config

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	cache    sync.Map // reflect.Type -> parsed config value
	loadOnce sync.Once
)

// Load parses environment variables into the given config struct,
// caching the result per concrete type. The first call loads .env files
// from the working directory if present.
func Load[T any](cfg *T) error {
	if cfg == nil {
		return fmt.Errorf("config: nil target")
	}

	loadOnce.Do(func() {
		// Missing .env is the normal production case.
		_ = godotenv.Load()
	})

	key := reflect.TypeOf(*cfg)
	if cached, ok := cache.Load(key); ok {
		*cfg = cached.(T)
		return nil
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", key.String(), err)
	}

	actual, _ := cache.LoadOrStore(key, *cfg)
	*cfg = actual.(T)
	return nil
}

// MustLoad is like Load but panics on failure. Intended for application
// startup where a missing required variable is fatal.
func MustLoad[T any](cfg *T) {
	if err := Load(cfg); err != nil {
		panic(err)
	}
}
