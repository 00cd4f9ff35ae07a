// Package testutil provides container setup for integration tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/nats-io/nats.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NATSContainer represents a running NATS server with JetStream enabled.
type NATSContainer struct {
	Container testcontainers.Container
	URL       string
}

// StartNATSContainer starts a NATS container with JetStream enabled. The
// store directory lives on a tmpfs so that tests leave nothing behind.
func StartNATSContainer(ctx context.Context) (*NATSContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"-js", "-sd", "/data"},
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.Tmpfs = map[string]string{"/data": "rw"}
		},
		WaitingFor: wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start NATS container: %w", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get NATS container host: %w", err)
	}

	port, err := c.MappedPort(ctx, "4222")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get NATS container port: %w", err)
	}

	return &NATSContainer{
		Container: c,
		URL:       fmt.Sprintf("nats://%s:%s", host, port.Port()),
	}, nil
}

// Stop terminates the NATS container.
func (n *NATSContainer) Stop(ctx context.Context) error {
	if n.Container != nil {
		return n.Container.Terminate(ctx)
	}
	return nil
}

// NATS starts a container for the test, skipping it under -short, and
// registers its termination as a cleanup.
func NATS(t *testing.T) *NATSContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	nc, err := StartNATSContainer(ctx)
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}
	t.Cleanup(func() { _ = nc.Stop(context.Background()) })
	return nc
}

// Connect opens a plain client connection to the container, closed on
// test cleanup.
func (n *NATSContainer) Connect(t *testing.T) *nats.Conn {
	t.Helper()
	conn, err := nats.Connect(n.URL)
	if err != nil {
		t.Fatalf("connect to NATS: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}
