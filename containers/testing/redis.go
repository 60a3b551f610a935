package testing

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisConfig configures the Redis test container. Most unit tests use
// miniredis instead; this is for tests that need real Redis semantics
// such as SCAN cursor behavior under concurrent writers.
type RedisConfig struct {
	Image          string
	StartupTimeout time.Duration
}

// DefaultRedisConfig returns the defaults used by the broker tests.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Image:          "redis:7-alpine",
		StartupTimeout: 30 * time.Second,
	}
}

// SetupRedis starts a Redis container and returns its address as
// host:port, suitable for a redis:// URL or go-redis Options.Addr.
func SetupRedis(ctx context.Context, config *RedisConfig) (string, ContainerCleanup, error) {
	if config == nil {
		cfg := DefaultRedisConfig()
		config = &cfg
	}

	req := testcontainers.ContainerRequest{
		Image:        config.Image,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(config.StartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to start Redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port()), cleanupFunc(ctx, container, "Redis"), nil
}
