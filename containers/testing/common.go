// Package testing spins up ephemeral backing services for integration
// tests via testcontainers-go. Tests using these helpers carry the
// integration build tag so the default test run stays container-free.
package testing

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
)

// ContainerCleanup terminates a test container. Defer it right after a
// successful Setup call; it is a no-op when setup failed.
type ContainerCleanup func()

func cleanupFunc(ctx context.Context, container testcontainers.Container, name string) ContainerCleanup {
	return func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Printf("warning: failed to terminate %s container: %v\n", name, err)
		}
	}
}
