package testing

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresConfig configures the Postgres test container.
type PostgresConfig struct {
	Image          string
	Username       string
	Password       string
	Database       string
	StartupTimeout time.Duration
}

// DefaultPostgresConfig matches what the tenant store expects in tests.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Image:          "postgres:16-alpine",
		Username:       "onyx",
		Password:       "onyx",
		Database:       "onyx",
		StartupTimeout: 60 * time.Second,
	}
}

// SetupPostgres starts a Postgres container and returns a gorm-compatible
// DSN. The log line appears twice during startup, once from the init
// process and once from the real server, so wait for the second.
func SetupPostgres(ctx context.Context, config *PostgresConfig) (string, ContainerCleanup, error) {
	if config == nil {
		cfg := DefaultPostgresConfig()
		config = &cfg
	}

	req := testcontainers.ContainerRequest{
		Image:        config.Image,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     config.Username,
			"POSTGRES_PASSWORD": config.Password,
			"POSTGRES_DB":       config.Database,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(config.StartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to start Postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get mapped port: %w", err)
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port.Port(), config.Username, config.Password, config.Database)
	return dsn, cleanupFunc(ctx, container, "Postgres"), nil
}
