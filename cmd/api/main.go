package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"servicex/internal/bootstrap"
	"servicex/internal/config"
	httpapi "servicex/internal/http"
	"servicex/internal/queue"
	"servicex/internal/state"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("api: config:", err)
	}
	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		log.Fatal("api: logger:", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer stores.Close()

	var pub state.Publisher
	if cfg.PublishTransitions {
		prod, err := queue.NewProducer(cfg.KafkaBrokers, cfg.TopicTransitions)
		if err != nil {
			logger.Fatal("failed to init transition producer", zap.Error(err))
		}
		defer prod.Close()
		pub = prod
	}

	coord, err := bootstrap.NewCoordinator(cfg, stores, pub, logger)
	if err != nil {
		logger.Fatal("failed to build coordinator", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(&httpapi.App{Coordinator: coord, Log: logger}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("api listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.Store),
		zap.Int64("hwm", cfg.HighWatermark),
		zap.Int64("lwm", cfg.LowWatermark))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("api stopped", zap.Error(err))
	}
}
