package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"servicex/internal/bootstrap"
	"servicex/internal/config"
	"servicex/internal/queue"
	"servicex/internal/state"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("worker: config:", err)
	}
	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		log.Fatal("worker: logger:", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("component", "worker"))

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

	// Consume progress reports
	reports := queue.NewConsumer(cfg.KafkaBrokers, cfg.TopicReports, cfg.GroupID)
	defer reports.Close()

	// Produce retry messages (delayed retry queue)
	retries, err := queue.NewProducer(cfg.KafkaBrokers, cfg.TopicRetry)
	if err != nil {
		logger.Fatal("failed to init retry producer", zap.Error(err))
	}
	defer retries.Close()

	deadLetters, err := queue.NewProducer(cfg.KafkaBrokers, cfg.TopicDeadLetter)
	if err != nil {
		logger.Fatal("failed to init dead-letter producer", zap.Error(err))
	}
	defer deadLetters.Close()

	w := &worker{
		reports:     coord,
		retries:     retries,
		deadLetters: deadLetters,
		maxAttempts: cfg.ReportMaxAttempts,
		log:         logger,
		now:         time.Now,

		retryBackoff: 500 * time.Millisecond,
		maxBackoff:   30 * time.Second,
	}
	logger.Info("worker started",
		zap.String("topic", cfg.TopicReports),
		zap.String("retry_topic", cfg.TopicRetry),
		zap.Strings("brokers", cfg.KafkaBrokers))

	if err := w.run(ctx, reports); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
		return
	}
	logger.Info("worker stopping")
}
