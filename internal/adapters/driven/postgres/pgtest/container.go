//go:build integration

// Package pgtest starts a disposable pgvector-enabled PostgreSQL for
// integration tests.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/postgres"
)

// Start runs pgvector/pgvector:pg16, connects and initialises the schema.
// The returned func terminates the container.
func Start(ctx context.Context) (*postgres.DB, func(), error) {
	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:pg16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "sercha",
				"POSTGRES_PASSWORD": "sercha",
				"POSTGRES_DB":       "sercha_rag",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start postgres container: %w", err)
	}
	terminate := func() { _ = container.Terminate(context.Background()) }

	host, err := container.Host(ctx)
	if err != nil {
		terminate()
		return nil, nil, err
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		terminate()
		return nil, nil, err
	}

	url := fmt.Sprintf("postgres://sercha:sercha@%s:%s/sercha_rag?sslmode=disable", host, port.Port())
	db, err := postgres.Connect(ctx, postgres.DefaultConfig(url))
	if err != nil {
		terminate()
		return nil, nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		terminate()
		return nil, nil, err
	}

	return db, func() {
		db.Close()
		terminate()
	}, nil
}
