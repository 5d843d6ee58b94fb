package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gowdhamkrishna/chatup/internal/api"
	"github.com/gowdhamkrishna/chatup/internal/config"
	"github.com/gowdhamkrishna/chatup/internal/metrics"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/repository"
	repoPostgres "github.com/gowdhamkrishna/chatup/internal/repository/postgres"
	"github.com/gowdhamkrishna/chatup/internal/service"
	"github.com/gowdhamkrishna/chatup/internal/websocket"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestDB wraps a migrated directory database. Container is set only for
// the postgres variant.
type TestDB struct {
	Container testcontainers.Container
	DB        *gorm.DB
	DSN       string
}

// NewTestDB opens a private in-memory sqlite database.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := repoPostgres.NewConnection(repoPostgres.DriverSQLite, dsn, logger.Silent)
	if err != nil {
		t.Fatalf("failed to open sqlite database: %v", err)
	}

	testDB := &TestDB{DB: db, DSN: dsn}
	t.Cleanup(func() {
		testDB.Cleanup()
	})
	return testDB
}

// NewPostgresTestDB creates a new PostgreSQL testcontainer and returns a
// connection. It skips when running with -short or when no container
// runtime is available.
func NewPostgresTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("postgres container tests disabled in short mode")
	}

	ctx := context.Background()

	container, err := tcPostgres.Run(ctx,
		"postgres:15-alpine",
		tcPostgres.WithDatabase("test_chatup"),
		tcPostgres.WithUsername("test"),
		tcPostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}

	testDB := &TestDB{Container: container}
	t.Cleanup(func() {
		testDB.Cleanup()
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	testDB.DSN = dsn

	db, err := repoPostgres.NewConnection(repoPostgres.DriverPostgres, dsn, logger.Silent)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	testDB.DB = db

	return testDB
}

// Cleanup closes the connection and terminates the container, if any.
func (tdb *TestDB) Cleanup() {
	if tdb.DB != nil {
		if sqlDB, err := tdb.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if tdb.Container != nil {
		ctx := context.Background()
		tdb.Container.Terminate(ctx)
	}
}

// Truncate clears all tables for test isolation
func (tdb *TestDB) Truncate(t *testing.T) {
	t.Helper()

	for _, table := range []string{"messages", "users"} {
		if err := tdb.DB.Exec(fmt.Sprintf("DELETE FROM %s", table)).Error; err != nil {
			t.Logf("warning: failed to truncate %s: %v", table, err)
		}
	}
}

// TestConfig returns a configuration suitable for testing. Debounce windows
// are zero so side effects happen synchronously.
func TestConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Environment:        "test",
		DatabaseDriver:     repoPostgres.DriverSQLite,
		JWTSecret:          "test-jwt-secret-key-for-testing-only",
		JWTExpirationHours: 1,
		Logger: config.LoggerConfig{
			Level:    "debug",
			Encoding: "console",
		},
		Presence: config.PresenceConfig{
			HeartbeatPersistInterval: 2 * time.Minute,
			ConnectTimeout:           5 * time.Second,
		},
		Delivery: config.DeliveryConfig{
			RateLimitMessages: 10,
			RateLimitWindow:   10 * time.Second,
			AckTimeout:        10 * time.Second,
		},
		Calls: config.CallConfig{
			RetryBase:     50 * time.Millisecond,
			RetryAttempts: 3,
		},
		Sweep: config.SweepConfig{
			InactivityThreshold: 2 * time.Minute,
		},
		Upload: config.UploadConfig{
			MaxBytes: 5 * 1024 * 1024,
		},
	}
}

// TestServer holds all components for integration testing
type TestServer struct {
	Server   *httptest.Server
	DB       *TestDB
	Repos    *repository.Repositories
	Registry *presence.Registry
	Services *service.Services
	Hub      *websocket.Hub
	Metrics  *metrics.Metrics
	Config   *config.Config
}

// NewTestServer creates a complete test server with all dependencies
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	return NewTestServerWithConfig(t, TestConfig())
}

func NewTestServerWithConfig(t *testing.T, cfg *config.Config) *TestServer {
	t.Helper()

	if cfg.Upload.Dir == "" {
		cfg.Upload.Dir = t.TempDir()
	}

	testDB := NewTestDB(t)
	log := zap.NewNop()
	m := metrics.New()

	repos := repoPostgres.NewRepositories(testDB.DB)
	registry := presence.NewRegistry()
	hub := websocket.NewHub(cfg, log, m)
	go hub.Run()

	services := service.NewServices(repos, registry, hub, cfg, log, m)
	router, err := api.NewRouter(services, hub, repos, registry, m, cfg, log)
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}

	server := httptest.NewServer(router)

	ts := &TestServer{
		Server:   server,
		DB:       testDB,
		Repos:    repos,
		Registry: registry,
		Services: services,
		Hub:      hub,
		Metrics:  m,
		Config:   cfg,
	}

	t.Cleanup(func() {
		server.Close()
		hub.Stop()
		services.Close()
	})

	return ts
}

// BaseURL returns the test server's base URL
func (ts *TestServer) BaseURL() string {
	return ts.Server.URL
}

// APIURL returns the full API URL for a given path
func (ts *TestServer) APIURL(path string) string {
	return fmt.Sprintf("%s/api/v1%s", ts.Server.URL, path)
}

// WebSocketURL returns the WebSocket URL claiming username. An empty
// username opens an anonymous connection.
func (ts *TestServer) WebSocketURL(username string) string {
	wsURL := "ws" + ts.Server.URL[4:] // Replace "http" with "ws"
	if username == "" {
		return fmt.Sprintf("%s/api/v1/ws", wsURL)
	}
	return fmt.Sprintf("%s/api/v1/ws?username=%s", wsURL, username)
}
