package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/magick-io/magick"
	"github.com/magick-io/magick/config"
	"github.com/magick-io/magick/internal/api"
	"github.com/magick-io/magick/internal/events"
	"github.com/magick-io/magick/metrics"
	"github.com/magick-io/magick/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if cfg.Environment == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var remote *storage.RedisStore
	if cfg.Redis.URL != "" || cfg.Redis.Host != "" {
		remote, err = storage.NewRedisStore(cfg.Redis, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer remote.Close()
	}

	var durable *storage.DurableStore
	if cfg.Database.Driver != "" {
		durable, err = storage.NewDurableStore(cfg.Database, logger)
		if err != nil {
			logger.Fatal("failed to open database", zap.Error(err))
		}
		defer durable.Close()
	}

	registry := storage.NewRegistry(storage.RegistryOptions{
		Local:        storage.NewLocalStore(cfg.Engine.MemoryTTL),
		Remote:       remote,
		Durable:      durable,
		Breaker:      storage.NewBreaker(cfg.Engine.CircuitBreaker.Threshold, cfg.Engine.CircuitBreaker.Timeout, logger),
		AsyncUpdates: cfg.Engine.AsyncUpdates,
		Logger:       logger,
	})

	var pipeline *metrics.Pipeline
	if cfg.Engine.Metrics.Enabled {
		pipeline = metrics.NewPipeline(metrics.Options{
			Store:         remote,
			BatchSize:     cfg.Engine.Metrics.BatchSize,
			FlushInterval: cfg.Engine.Metrics.FlushInterval,
			Logger:        logger,
			Observer:      api.Observer(),
		})
	}

	hub := events.NewHub(logger)
	go hub.Run()
	defer hub.Stop()

	engine := magick.New(magick.Options{
		Registry:         registry,
		Pipeline:         pipeline,
		Logger:           logger,
		WarnOnDeprecated: cfg.Engine.WarnOnDeprecated,
	})
	engine.SetOnChange(func(name, action string) {
		hub.BroadcastFlagChange(name, action, nil)
		api.TrackClients(hub.ClientCount())
	})
	defer engine.Close()
	magick.SetDefault(engine)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	api.NewHandler(engine, hub, logger).SetupRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting magickd",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}
