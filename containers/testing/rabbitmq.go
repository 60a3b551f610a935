package testing

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RabbitMQConfig configures the RabbitMQ test container.
type RabbitMQConfig struct {
	Image          string
	Username       string
	Password       string
	StartupTimeout time.Duration
}

// DefaultRabbitMQConfig returns the defaults used by the queue tests.
func DefaultRabbitMQConfig() RabbitMQConfig {
	return RabbitMQConfig{
		Image:          "rabbitmq:3.13-management",
		Username:       "guest",
		Password:       "guest",
		StartupTimeout: 90 * time.Second,
	}
}

// SetupRabbitMQ starts a RabbitMQ container and returns its AMQP URL.
func SetupRabbitMQ(ctx context.Context, config *RabbitMQConfig) (string, ContainerCleanup, error) {
	if config == nil {
		cfg := DefaultRabbitMQConfig()
		config = &cfg
	}

	req := testcontainers.ContainerRequest{
		Image:        config.Image,
		ExposedPorts: []string{"5672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": config.Username,
			"RABBITMQ_DEFAULT_PASS": config.Password,
		},
		WaitingFor: wait.ForLog("Server startup complete").
			WithStartupTimeout(config.StartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to start RabbitMQ container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5672")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get mapped port: %w", err)
	}

	amqpURL := fmt.Sprintf("amqp://%s:%s@%s:%s/", config.Username, config.Password, host, port.Port())
	return amqpURL, cleanupFunc(ctx, container, "RabbitMQ"), nil
}
