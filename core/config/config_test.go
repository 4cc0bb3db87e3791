package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskengine/core/config"
)

type workerConfig struct {
	Queue    string        `env:"TEST_WORKER_QUEUE" envDefault:"default"`
	Parallel int           `env:"TEST_WORKER_PARALLEL" envDefault:"4"`
	Timeout  time.Duration `env:"TEST_WORKER_TIMEOUT" envDefault:"30s"`
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_WORKER_QUEUE", "high-priority")

	var cfg workerConfig
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, "high-priority", cfg.Queue)
	assert.Equal(t, 4, cfg.Parallel)
	assert.Equal(t, 30*time.Second, cfg.Timeout)

	// Second load returns the cached value even if the env changed.
	t.Setenv("TEST_WORKER_QUEUE", "other")
	var again workerConfig
	require.NoError(t, config.Load(&again))
	assert.Equal(t, "high-priority", again.Queue)
}

func TestLoadNil(t *testing.T) {
	t.Parallel()

	var cfg *workerConfig
	assert.Error(t, config.Load(cfg))
}
