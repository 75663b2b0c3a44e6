package e2e

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// Package-level shared state — set by TestMain, used by all subtests.
var (
	testLogger   *zap.Logger
	testPGDSN    string
	testRedisURL string
	testQdrant   qdrantEndpoint
	stackReady   bool
)

type qdrantEndpoint struct {
	Host string
	Port int
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("mnemosyne_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return "redis://" + endpoint, cleanup, nil
}

// startQdrant starts a Qdrant testcontainer and returns its gRPC endpoint.
func startQdrant(ctx context.Context) (qdrantEndpoint, func(), error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "qdrant/qdrant:v1.12.4",
			ExposedPorts: []string{"6334/tcp"},
			WaitingFor:   wait.ForListeningPort("6334/tcp"),
		},
		Started: true,
	})
	if err != nil {
		return qdrantEndpoint{}, nil, fmt.Errorf("start qdrant: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return qdrantEndpoint{}, nil, fmt.Errorf("qdrant host: %w", err)
	}
	mapped, err := container.MappedPort(ctx, "6334/tcp")
	if err != nil {
		container.Terminate(ctx)
		return qdrantEndpoint{}, nil, fmt.Errorf("qdrant port: %w", err)
	}
	port, _ := strconv.Atoi(mapped.Port())
	cleanup := func() { container.Terminate(ctx) }
	return qdrantEndpoint{Host: host, Port: port}, cleanup, nil
}

// skipIfNoStack skips tests when the container stack failed to start, so the
// suite degrades gracefully on machines without Docker.
func skipIfNoStack(t *testing.T) {
	t.Helper()
	if !stackReady {
		t.Skip("container stack unavailable")
	}
}
