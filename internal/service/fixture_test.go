package service_test

import (
	"context"
	"testing"

	"github.com/gowdhamkrishna/chatup/internal/config"
	"github.com/gowdhamkrishna/chatup/internal/metrics"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/repository"
	"github.com/gowdhamkrishna/chatup/internal/repository/postgres"
	"github.com/gowdhamkrishna/chatup/internal/service"
	"github.com/gowdhamkrishna/chatup/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	db        *testutil.TestDB
	repos     *repository.Repositories
	registry  *presence.Registry
	transport *testutil.FakeTransport
	services  *service.Services
	metrics   *metrics.Metrics
	cfg       *config.Config
}

func newFixture(t *testing.T, tweaks ...func(*config.Config)) *fixture {
	t.Helper()

	cfg := testutil.TestConfig()
	for _, tweak := range tweaks {
		tweak(cfg)
	}

	testDB := testutil.NewTestDB(t)
	repos := postgres.NewRepositories(testDB.DB)
	registry := presence.NewRegistry()
	transport := testutil.NewFakeTransport()
	m := metrics.New()

	services := service.NewServices(repos, registry, transport, cfg, zap.NewNop(), m)
	t.Cleanup(services.Close)

	return &fixture{
		db:        testDB,
		repos:     repos,
		registry:  registry,
		transport: transport,
		services:  services,
		metrics:   m,
		cfg:       cfg,
	}
}

// connect opens a fake connection and registers username over it.
func (f *fixture) connect(t *testing.T, username string) presence.Handle {
	t.Helper()

	h := f.transport.Connect(username)
	_, err := f.services.Presence.Register(context.Background(), h, service.RegisterInput{
		Username: username,
		Age:      30,
		Gender:   "other",
	})
	require.NoError(t, err)
	return h
}
