package main

import (
	"context"
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
)

// scheduler moves reports from the retry topic back onto the reports topic
// once their next_retry_at has passed.
func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("scheduler: config:", err)
	}
	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		log.Fatal("scheduler: logger:", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("component", "scheduler"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retryConsumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.TopicRetry, cfg.SchedulerGroupID)
	defer retryConsumer.Close()

	reportsProducer, err := queue.NewProducer(cfg.KafkaBrokers, cfg.TopicReports)
	if err != nil {
		logger.Fatal("failed to init reports producer", zap.Error(err))
	}
	defer reportsProducer.Close()

	logger.Info("scheduler started",
		zap.String("retry_topic", cfg.TopicRetry),
		zap.String("topic", cfg.TopicReports))

	for {
		rm, commit, err := retryConsumer.ReadRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("read error", zap.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if wait := time.Until(time.UnixMilli(rm.NextRetryAt)); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		// publish back to the reports topic
		if err := reportsProducer.PublishReport(ctx, rm.Report); err != nil {
			logger.Warn("publish report failed", zap.String("req_id", rm.Report.ReqID), zap.Error(err))
			// do not commit; will retry
			continue
		}

		if err := commit(ctx); err != nil {
			logger.Warn("commit error", zap.Error(err))
		}
	}
}
