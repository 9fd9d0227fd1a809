package state

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"servicex/internal/models"
	"servicex/internal/store"
)

// RequestMachine owns Request status. Rule-driven transitions come from
// Evaluate; ChangeStatus and Terminate are administrative overrides.
type RequestMachine struct {
	requests store.Collection[models.Request]
	paths    *PathMachine
	opts     Options
}

func NewRequestMachine(requests store.Collection[models.Request], paths *PathMachine, opts Options) *RequestMachine {
	return &RequestMachine{requests: requests, paths: paths, opts: opts.withDefaults()}
}

func (m *RequestMachine) Watermarks() Watermarks { return m.opts.Watermarks }

func (m *RequestMachine) Create(ctx context.Context, spec models.RequestSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	now := m.opts.Now()
	r := &models.Request{
		Name:        spec.Name,
		Description: spec.Description,
		Dataset:     spec.Dataset,
		Columns:     spec.Columns,
		User:        spec.User,
		Events:      spec.Events,
		Status:      models.RequestCreated,
		Info:        models.AppendInfo("", "Created", now),
		CreatedAt:   now.UnixMilli(),
		ModifiedAt:  now.UnixMilli(),
	}
	id, err := m.requests.Create(ctx, r)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	m.opts.Logger.Info("request created", zap.String("req_id", id), zap.String("dataset", spec.Dataset))
	return id, nil
}

func (m *RequestMachine) Get(ctx context.Context, id string) (*models.Request, error) {
	return m.requests.Get(ctx, id)
}

// FindInStatus returns one Request in status, or nil.
func (m *RequestMachine) FindInStatus(ctx context.Context, status models.RequestStatus) (*models.Request, error) {
	return m.requests.QueryOne(ctx, store.Filter{store.Eq("status", string(status))})
}

// Evaluate runs the transition rules against snap, a confirmed post-write
// snapshot, and applies the resulting transition. The status write re-reads the
// Request and re-runs the rules on that document, so a decision taken from a
// snapshot that another writer has since overtaken is replaced by the current
// one. Done and Terminated never match, so late counter updates cannot
// resurrect a finished Request. It returns the Request as last written.
func (m *RequestMachine) Evaluate(ctx context.Context, snap *models.Request) (*models.Request, error) {
	if _, ok := Evaluate(snap, m.opts.Watermarks); !ok {
		return snap, nil
	}

	now := m.opts.Now()
	var (
		d       Decision
		from    models.RequestStatus
		applied bool
	)
	r, err := store.UpdateWithRetry(ctx, m.requests, snap.ID, m.opts.Attempts, func(r *models.Request) error {
		applied = false
		cur, ok := Evaluate(r, m.opts.Watermarks)
		if !ok {
			return store.ErrNoChange
		}
		d, from, applied = cur, r.Status, true
		r.Status = d.To
		r.PausedTransforms = d.To == models.RequestPaused
		r.Info = models.AppendInfo(r.Info, d.Info, now)
		r.ModifiedAt = now.UnixMilli()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate request %s: %w", snap.ID, err)
	}
	if !applied {
		return r, nil
	}

	m.opts.Logger.Info("request transition",
		zap.String("req_id", r.ID),
		zap.String("from", string(from)),
		zap.String("to", string(d.To)),
		zap.String("rule", string(d.Rule)),
		zap.Int64("events_served", r.EventsServed),
		zap.Int64("events_processed", r.EventsProcessed))
	m.opts.publish(ctx, models.Transition{
		Entity: "request", ID: r.ID, From: string(from), To: string(d.To), Reason: string(d.Rule), At: now.UnixMilli(),
	})

	if d.PathsTo != "" {
		if _, err := m.paths.Broadcast(ctx, r.ID, d.PathsFrom, d.PathsTo, d.Info); err != nil {
			return r, err
		}
	}
	return r, nil
}

// ChangeStatus sets status unconditionally and appends a timestamped info line.
func (m *RequestMachine) ChangeStatus(ctx context.Context, id string, status models.RequestStatus, info string) (*models.Request, error) {
	now := m.opts.Now()
	var from models.RequestStatus
	r, err := store.UpdateWithRetry(ctx, m.requests, id, m.opts.Attempts, func(r *models.Request) error {
		from = r.Status
		r.Status = status
		r.PausedTransforms = status == models.RequestPaused
		r.Info = models.AppendInfo(r.Info, info, now)
		r.ModifiedAt = now.UnixMilli()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.opts.Logger.Info("request status changed",
		zap.String("req_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	m.opts.publish(ctx, models.Transition{
		Entity: "request", ID: id, From: string(from), To: string(status), Reason: info, At: now.UnixMilli(),
	})
	return r, nil
}

// Terminate stops the Request and every one of its Paths, whatever their state.
func (m *RequestMachine) Terminate(ctx context.Context, id string) (*models.Request, error) {
	r, err := m.ChangeStatus(ctx, id, models.RequestTerminated, "User terminated.")
	if err != nil {
		return nil, err
	}
	if _, err := m.paths.Broadcast(ctx, id, nil, models.PathTerminated, "Request terminated."); err != nil {
		return r, err
	}
	return r, nil
}

// UpdateDataset records dataset facts reported after submission and returns the
// post-write snapshot.
func (m *RequestMachine) UpdateDataset(ctx context.Context, id string, u models.DatasetUpdate) (*models.Request, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	now := m.opts.Now()
	return store.UpdateWithRetry(ctx, m.requests, id, m.opts.Attempts, func(r *models.Request) error {
		if u.Status != "" {
			r.Status = models.RequestStatus(u.Status)
			r.PausedTransforms = r.Status == models.RequestPaused
		}
		if u.DatasetSize != nil {
			r.DatasetSize = *u.DatasetSize
		}
		if u.DatasetFiles != nil {
			r.DatasetFiles = *u.DatasetFiles
		}
		if u.DatasetEvents != nil {
			r.DatasetEvents = *u.DatasetEvents
		}
		r.Info = models.AppendInfo(r.Info, u.Info, now)
		r.ModifiedAt = now.UnixMilli()
		return nil
	})
}
