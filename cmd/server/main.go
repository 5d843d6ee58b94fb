package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/api"
	"github.com/gowdhamkrishna/chatup/internal/config"
	"github.com/gowdhamkrishna/chatup/internal/metrics"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/repository/postgres"
	"github.com/gowdhamkrishna/chatup/internal/service"
	"github.com/gowdhamkrishna/chatup/internal/websocket"
	"github.com/gowdhamkrishna/chatup/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	gormLogger "gorm.io/gorm/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(logger.Config{Level: cfg.Logger.Level, Encoding: cfg.Logger.Encoding})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server exited", zap.Error(err))
	}
	zlog.Info("server stopped")
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	gormLevel := gormLogger.Warn
	if cfg.Environment == "development" {
		gormLevel = gormLogger.Info
	}

	// Initialize database
	db, err := postgres.NewConnection(cfg.DatabaseDriver, cfg.DatabaseURL, gormLevel)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	repos := postgres.NewRepositories(db)
	registry := presence.NewRegistry()
	m := metrics.New()

	// Initialize WebSocket hub
	hub := websocket.NewHub(cfg, logger.Component(zlog, "hub"), m)
	go hub.Run()

	services := service.NewServices(repos, registry, hub, cfg, zlog, m)
	services.Sweeper.Also(hub.Sweep)
	// read pumps record their final offline rows while services and the
	// database are still up
	defer func() {
		hub.Stop()
		services.Close()
	}()

	router, err := api.NewRouter(services, hub, repos, registry, m, cfg, logger.Component(zlog, "http"))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:        "0.0.0.0:" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return services.Sweeper.Run(gctx)
	})
	g.Go(func() error {
		return m.LogPeriodically(gctx, logger.Component(zlog, "stats"), cfg.StatsInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
