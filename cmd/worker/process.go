package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"servicex/internal/coordinator"
	"servicex/internal/metrics"
	"servicex/internal/models"
	"servicex/internal/queue"
	"servicex/internal/store"
)

type reportApplier interface {
	ReportEventsServed(ctx context.Context, reqID, pathID string, n int64) (*models.Request, error)
	ReportEventsProcessed(ctx context.Context, reqID string, n int64) (*models.Request, error)
}

type retryPublisher interface {
	PublishRetry(ctx context.Context, m queue.ReportMessage, nextRetryAt int64) error
}

type deadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, m queue.ReportMessage, cause error) error
}

type worker struct {
	reports     reportApplier
	retries     retryPublisher
	deadLetters deadLetterPublisher
	maxAttempts int
	log         *zap.Logger
	now         func() time.Time

	retryBackoff time.Duration
	maxBackoff   time.Duration
}

// processOne applies one report. A nil return means the message may be
// committed: it was applied, dropped as unusable, or handed to the retry or
// dead-letter topic.
func (w *worker) processOne(ctx context.Context, m queue.ReportMessage) error {
	if err := m.Validate(); err != nil {
		w.log.Warn("dropping invalid report", zap.Error(err))
		metrics.Reports.WithLabelValues("dropped").Inc()
		return nil
	}

	err := w.apply(ctx, m)
	var partial *coordinator.PartialError
	switch {
	case err == nil:
		metrics.Reports.WithLabelValues("applied").Inc()
		return nil
	case errors.As(err, &partial):
		metrics.Reports.WithLabelValues("partial").Inc()
		w.log.Warn("report partially applied",
			zap.String("req_id", m.ReqID),
			zap.String("path_id", partial.PathID),
			zap.Error(partial.Err))
		return nil
	case errors.Is(err, models.ErrValidation), errors.Is(err, store.ErrNotFound):
		w.log.Warn("dropping report", zap.String("req_id", m.ReqID), zap.Error(err))
		metrics.Reports.WithLabelValues("dropped").Inc()
		return nil
	case errors.Is(err, context.Canceled):
		return err
	}

	// Conflict or Unavailable: try again later.
	attempt := m.Attempt + 1
	if attempt >= w.maxAttempts {
		w.log.Error("report dead-lettered",
			zap.String("req_id", m.ReqID),
			zap.Int("attempts", attempt),
			zap.Error(err))
		if err := w.deadLetters.PublishDeadLetter(ctx, m, err); err != nil {
			return err
		}
		metrics.Reports.WithLabelValues("dead_lettered").Inc()
		return nil
	}

	next := m
	next.Attempt = attempt
	nextRetryAt := w.now().UnixMilli() + computeBackoffMs(attempt)
	w.log.Info("report scheduled for retry",
		zap.String("req_id", m.ReqID),
		zap.Int("attempt", attempt),
		zap.Int64("next_retry_at", nextRetryAt),
		zap.Error(err))
	if err := w.retries.PublishRetry(ctx, next, nextRetryAt); err != nil {
		return err
	}
	metrics.Reports.WithLabelValues("retried").Inc()
	return nil
}

func (w *worker) apply(ctx context.Context, m queue.ReportMessage) error {
	var err error
	switch m.Kind {
	case queue.ReportServed:
		_, err = w.reports.ReportEventsServed(ctx, m.ReqID, m.PathID, m.Events)
	case queue.ReportProcessed:
		_, err = w.reports.ReportEventsProcessed(ctx, m.ReqID, m.Events)
	}
	return err
}

func computeBackoffMs(attempt int) int64 {
	// attempt=1 => 2s, attempt=2 => 5s, later => 10s
	switch attempt {
	case 1:
		return 2000
	case 2:
		return 5000
	default:
		return 10000
	}
}
