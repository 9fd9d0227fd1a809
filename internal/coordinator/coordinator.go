// Package coordinator is the service surface over the counters and state
// machines. Every progress report is applied as counter write, post-write
// snapshot, then rule evaluation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"servicex/internal/counter"
	"servicex/internal/models"
	"servicex/internal/state"
	"servicex/internal/store"
)

type Config struct {
	Watermarks state.Watermarks
	// Attempts bounds optimistic-concurrency retries for every write.
	Attempts       int
	MaxPathRetries int
	Publisher      state.Publisher
	Now            func() time.Time
}

type Coordinator struct {
	counter  *counter.Counter
	requests *state.RequestMachine
	paths    *state.PathMachine
	log      *zap.Logger
}

func New(requests store.Collection[models.Request], paths store.Collection[models.Path], cfg Config, log *zap.Logger) (*Coordinator, error) {
	if err := cfg.Watermarks.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = counter.DefaultAttempts
	}
	opts := state.Options{
		Watermarks:     cfg.Watermarks,
		Attempts:       cfg.Attempts,
		MaxPathRetries: cfg.MaxPathRetries,
		Publisher:      cfg.Publisher,
		Logger:         log,
		Now:            cfg.Now,
	}
	pm := state.NewPathMachine(paths, opts)
	return &Coordinator{
		counter:  counter.New(requests, paths, cfg.Attempts, log),
		requests: state.NewRequestMachine(requests, pm, opts),
		paths:    pm,
		log:      log,
	}, nil
}

// PartialError reports that a Request-level increment was applied but a later
// step failed: the paired Path-level increment (PathID is set) or the rule
// evaluation. Callers must not replay the report; the next report re-evaluates.
type PartialError struct {
	PathID string
	Err    error
}

func (e *PartialError) Error() string {
	if e.PathID != "" {
		return fmt.Sprintf("request counted, path %s not counted: %v", e.PathID, e.Err)
	}
	return fmt.Sprintf("request counted, not evaluated: %v", e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

func (c *Coordinator) CreateRequest(ctx context.Context, spec models.RequestSpec) (string, error) {
	return c.requests.Create(ctx, spec)
}

func (c *Coordinator) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	return c.requests.Get(ctx, id)
}

// FindRequestInStatus returns any Request in status, or nil.
func (c *Coordinator) FindRequestInStatus(ctx context.Context, status string) (*models.Request, error) {
	s, err := models.ParseRequestStatus(status)
	if err != nil {
		return nil, err
	}
	return c.requests.FindInStatus(ctx, s)
}

// UpdateRequestDataset records dataset facts and re-evaluates the Request, since
// a newly known dataset size can complete it.
func (c *Coordinator) UpdateRequestDataset(ctx context.Context, id string, u models.DatasetUpdate) (*models.Request, error) {
	snap, err := c.requests.UpdateDataset(ctx, id, u)
	if err != nil {
		return nil, err
	}
	return c.requests.Evaluate(ctx, snap)
}

func (c *Coordinator) ChangeRequestStatus(ctx context.Context, id, status, info string) (*models.Request, error) {
	s, err := models.ParseRequestStatus(status)
	if err != nil {
		return nil, err
	}
	return c.requests.ChangeStatus(ctx, id, s, info)
}

func (c *Coordinator) TerminateRequest(ctx context.Context, id string) (*models.Request, error) {
	return c.requests.Terminate(ctx, id)
}

// ReportEventsServed adds n to the Path's and the Request's events_served and
// evaluates the Request against the snapshot its own increment produced. The
// two increments are independent and run concurrently. pathID may be empty; a
// Path of another Request is not credited and yields a PartialError wrapping
// models.ErrValidation, since the Request increment has already landed.
func (c *Coordinator) ReportEventsServed(ctx context.Context, reqID, pathID string, n int64) (*models.Request, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative event count %d", models.ErrValidation, n)
	}

	var g errgroup.Group
	if pathID != "" {
		g.Go(func() error {
			_, err := c.counter.IncrementPath(ctx, reqID, pathID, n)
			return err
		})
	}
	snap, err := c.counter.IncrementRequest(ctx, reqID, counter.EventsServed, n)
	pathErr := g.Wait()
	if err != nil {
		if pathErr == nil && pathID != "" {
			c.log.Warn("path counted but request was not",
				zap.String("req_id", reqID),
				zap.String("path_id", pathID),
				zap.Int64("events", n),
				zap.Error(err))
		}
		return nil, fmt.Errorf("count served events for %s: %w", reqID, err)
	}

	r, evalErr := c.evaluate(ctx, snap)
	switch {
	case pathErr != nil:
		return r, &PartialError{PathID: pathID, Err: errors.Join(pathErr, evalErr)}
	case evalErr != nil:
		return r, &PartialError{Err: evalErr}
	}
	return r, nil
}

// ReportEventsProcessed adds n to the Request's events_processed and evaluates it.
func (c *Coordinator) ReportEventsProcessed(ctx context.Context, reqID string, n int64) (*models.Request, error) {
	snap, err := c.counter.IncrementRequest(ctx, reqID, counter.EventsProcessed, n)
	if err != nil {
		return nil, fmt.Errorf("count processed events for %s: %w", reqID, err)
	}
	r, err := c.evaluate(ctx, snap)
	if err != nil {
		return r, &PartialError{Err: err}
	}
	return r, nil
}

// evaluate never returns a nil Request; on failure it falls back to snap.
func (c *Coordinator) evaluate(ctx context.Context, snap *models.Request) (*models.Request, error) {
	r, err := c.requests.Evaluate(ctx, snap)
	if r == nil {
		r = snap
	}
	if err != nil {
		c.log.Warn("evaluation failed after increment", zap.String("req_id", snap.ID), zap.Error(err))
	}
	return r, err
}

// CreatePath registers a file of an existing Request.
func (c *Coordinator) CreatePath(ctx context.Context, meta models.FileMeta) (string, error) {
	if err := meta.Validate(); err != nil {
		return "", err
	}
	if _, err := c.requests.Get(ctx, meta.ReqID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: request %s", store.ErrNotFound, meta.ReqID)
		}
		return "", err
	}
	return c.paths.Create(ctx, meta)
}

func (c *Coordinator) GetPath(ctx context.Context, id string) (*models.Path, error) {
	return c.paths.Get(ctx, id)
}

// FindPathInStatus returns any Path of reqID in status, or nil.
func (c *Coordinator) FindPathInStatus(ctx context.Context, reqID, status string) (*models.Path, error) {
	s, err := models.ParsePathStatus(status)
	if err != nil {
		return nil, err
	}
	return c.paths.FindInStatus(ctx, reqID, s)
}

// ClaimNextValidatedPath hands one Validated Path to the caller, or nil when
// there is nothing to transform.
func (c *Coordinator) ClaimNextValidatedPath(ctx context.Context) (*models.Path, error) {
	return c.paths.ClaimNextValidated(ctx)
}

func (c *Coordinator) ChangePathStatus(ctx context.Context, id, status, info string) (*models.Path, error) {
	s, err := models.ParsePathStatus(status)
	if err != nil {
		return nil, err
	}
	return c.paths.ChangeStatus(ctx, id, s, info)
}

func (c *Coordinator) ReportPathFailed(ctx context.Context, id, info string) (*models.Path, error) {
	return c.paths.ReportFailed(ctx, id, info)
}
