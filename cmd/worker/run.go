package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"servicex/internal/queue"
)

type reportReader interface {
	ReadReport(ctx context.Context) (queue.ReportMessage, queue.Commit, error)
}

// run consumes reports until ctx is done. Commits are cumulative per
// partition, so a message that cannot be settled is retried in place and
// nothing behind it is committed first.
func (w *worker) run(ctx context.Context, reports reportReader) error {
	for {
		m, commit, err := reports.ReadReport(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("read error", zap.Error(err))
			if err := sleep(ctx, w.retryBackoff); err != nil {
				return err
			}
			continue
		}

		if err := w.processUntilDone(ctx, m); err != nil {
			return err
		}

		if err := commit(ctx); err != nil {
			w.log.Warn("commit error", zap.Error(err))
		}
	}
}

// processUntilDone repeats processOne with exponential backoff until the
// message may be committed or ctx is done.
func (w *worker) processUntilDone(ctx context.Context, m queue.ReportMessage) error {
	backoff := w.retryBackoff
	for {
		err := w.processOne(ctx, m)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.log.Error("process error, retrying",
			zap.String("req_id", m.ReqID),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
