// Package counter applies event-count increments to Requests and Paths under
// optimistic concurrency.
package counter

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"servicex/internal/metrics"
	"servicex/internal/models"
	"servicex/internal/store"
)

// DefaultAttempts is the retry budget for one increment.
const DefaultAttempts = 6

type Field string

const (
	EventsServed    Field = "events_served"
	EventsProcessed Field = "events_processed"
)

// Counter increments event counters, retrying immediately on version conflicts.
type Counter struct {
	requests store.Collection[models.Request]
	paths    store.Collection[models.Path]
	attempts int
	log      *zap.Logger
}

func New(requests store.Collection[models.Request], paths store.Collection[models.Path], attempts int, log *zap.Logger) *Counter {
	if attempts < 1 {
		attempts = DefaultAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Counter{
		requests: conflictCounting[models.Request]{Collection: requests, entity: "request", log: log},
		paths:    conflictCounting[models.Path]{Collection: paths, entity: "path", log: log},
		attempts: attempts,
		log:      log,
	}
}

func validDelta(delta int64) error {
	if delta < 0 {
		return fmt.Errorf("%w: negative event delta %d", models.ErrValidation, delta)
	}
	return nil
}

// IncrementRequest adds delta to field on the Request and returns the snapshot
// that the write produced.
func (c *Counter) IncrementRequest(ctx context.Context, reqID string, field Field, delta int64) (*models.Request, error) {
	if err := validDelta(delta); err != nil {
		return nil, err
	}
	var add func(*models.Request)
	switch field {
	case EventsServed:
		add = func(r *models.Request) { r.EventsServed += delta }
	case EventsProcessed:
		add = func(r *models.Request) { r.EventsProcessed += delta }
	default:
		return nil, fmt.Errorf("%w: unknown counter field %q", models.ErrValidation, field)
	}

	snap, err := store.UpdateWithRetry[models.Request, *models.Request](ctx, c.requests, reqID, c.attempts, func(r *models.Request) error {
		add(r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("increment request %s: %w", reqID, err)
	}
	metrics.CounterIncrements.WithLabelValues("request", string(field)).Inc()
	return snap, nil
}

// IncrementPath adds delta to the events_served of a Path of reqID. A Path of
// another Request is rejected with ErrValidation. Path counts are informational
// and never drive a transition.
func (c *Counter) IncrementPath(ctx context.Context, reqID, pathID string, delta int64) (*models.Path, error) {
	if err := validDelta(delta); err != nil {
		return nil, err
	}
	snap, err := store.UpdateWithRetry[models.Path, *models.Path](ctx, c.paths, pathID, c.attempts, func(p *models.Path) error {
		if p.ReqID != reqID {
			return fmt.Errorf("%w: path %s belongs to request %s, not %s", models.ErrValidation, pathID, p.ReqID, reqID)
		}
		p.EventsServed += delta
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("increment path %s: %w", pathID, err)
	}
	metrics.CounterIncrements.WithLabelValues("path", string(EventsServed)).Inc()
	return snap, nil
}

// conflictCounting records every version conflict before the retry loop sees it.
type conflictCounting[T any] struct {
	store.Collection[T]
	entity string
	log    *zap.Logger
}

func (c conflictCounting[T]) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate store.Mutation[T]) (*T, error) {
	doc, err := c.Collection.ConditionalUpdate(ctx, id, expectedVersion, mutate)
	if errors.Is(err, store.ErrConflict) {
		metrics.CounterConflicts.WithLabelValues(c.entity).Inc()
		c.log.Debug("counter conflict, retrying",
			zap.String("entity", c.entity),
			zap.String("id", id))
	}
	return doc, err
}
