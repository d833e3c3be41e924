package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB holds the test database connection and its container.
type TestDB struct {
	DB        *sqlx.DB
	ConnStr   string
	container testcontainers.Container
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SetupTestDB starts a PostgreSQL container, applies the migrations and
// returns a connected DB. Credentials come from the environment (or .env)
// with sane defaults for CI.
func SetupTestDB(t *testing.T) *TestDB {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		t.Logf("no .env file loaded: %v", err)
	}

	dbUsername := envOr("DB_USERNAME", "taskmesh")
	dbPassword := envOr("DB_PASSWORD", "taskmesh")
	dbName := envOr("DB_NAME", "taskmesh_test")
	dbHost := envOr("DB_HOST", "localhost")

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     dbUsername,
			"POSTGRES_PASSWORD": dbPassword,
			"POSTGRES_DB":       dbName,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	terminate := func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("terminate container: %v", err)
		}
	}

	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		terminate()
		t.Fatal(err)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, port.Port(), dbName)

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		terminate()
		t.Fatalf("connect to test DB: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		if i == 9 {
			terminate()
			t.Fatalf("ping test DB after retries: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	m, err := migrate.New("file://../../migrations", connStr)
	if err != nil {
		terminate()
		t.Fatalf("initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		terminate()
		t.Fatalf("apply migrations: %v", err)
	}

	return &TestDB{
		DB:        db,
		ConnStr:   connStr,
		container: pgContainer,
	}
}

// Teardown closes the connection and terminates the container.
func (td *TestDB) Teardown(t *testing.T) {
	if err := td.DB.Close(); err != nil {
		t.Errorf("close DB connection: %v", err)
	}
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate container: %v", err)
	}
}
