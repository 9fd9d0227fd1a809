// Package state owns the Request and Path lifecycles: the rule-driven Request
// transitions, the bulk Path broadcasts they cause, and exclusive Path claims.
package state

import (
	"context"
	"time"

	"go.uber.org/zap"

	"servicex/internal/metrics"
	"servicex/internal/models"
)

// Publisher receives every transition the machines apply.
type Publisher interface {
	PublishTransition(ctx context.Context, t models.Transition) error
}

type Options struct {
	Watermarks Watermarks
	// Attempts bounds optimistic-concurrency retries for status writes.
	Attempts int
	// MaxPathRetries is how many failed transforms a Path survives.
	MaxPathRetries int
	Publisher      Publisher
	Logger         *zap.Logger
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Attempts < 1 {
		o.Attempts = 6
	}
	if o.MaxPathRetries < 1 {
		o.MaxPathRetries = 3
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) publish(ctx context.Context, t models.Transition) {
	metrics.Transitions.WithLabelValues(t.Entity, t.To).Inc()
	if o.Publisher == nil {
		return
	}
	if err := o.Publisher.PublishTransition(ctx, t); err != nil {
		o.Logger.Warn("publish transition failed",
			zap.String("entity", t.Entity),
			zap.String("id", t.ID),
			zap.String("to", t.To),
			zap.Error(err))
	}
}
