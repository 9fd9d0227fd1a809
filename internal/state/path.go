package state

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"servicex/internal/metrics"
	"servicex/internal/models"
	"servicex/internal/store"
)

// PathMachine drives per-file status. Paths only move in bulk at the request's
// command, except for claims, worker completion reports and admin overrides.
type PathMachine struct {
	paths store.Collection[models.Path]
	opts  Options
}

func NewPathMachine(paths store.Collection[models.Path], opts Options) *PathMachine {
	return &PathMachine{paths: paths, opts: opts.withDefaults()}
}

func (m *PathMachine) Create(ctx context.Context, meta models.FileMeta) (string, error) {
	if err := meta.Validate(); err != nil {
		return "", err
	}
	now := m.opts.Now()
	p := &models.Path{
		ReqID:          meta.ReqID,
		Adler32:        meta.Adler32,
		FileSize:       meta.FileSize,
		FileEvents:     meta.FileEvents,
		FilePath:       meta.FilePath,
		Status:         models.PathCreated,
		Info:           models.AppendInfo("", "Created", now),
		CreatedAt:      now.UnixMilli(),
		LastAccessedAt: now.UnixMilli(),
	}
	id, err := m.paths.Create(ctx, p)
	if err != nil {
		return "", fmt.Errorf("create path: %w", err)
	}
	return id, nil
}

func (m *PathMachine) Get(ctx context.Context, id string) (*models.Path, error) {
	return m.paths.Get(ctx, id)
}

// FindInStatus returns one Path of reqID in status, or nil.
func (m *PathMachine) FindInStatus(ctx context.Context, reqID string, status models.PathStatus) (*models.Path, error) {
	return m.paths.QueryOne(ctx, store.Filter{
		store.Eq("req_id", reqID),
		store.Eq("status", string(status)),
	})
}

// ClaimNextValidated moves one Validated Path to Transforming and returns it, or
// returns nil when none is left. A claim lost to another worker is retried on
// the next candidate until one sticks.
func (m *PathMachine) ClaimNextValidated(ctx context.Context) (*models.Path, error) {
	validated := store.Filter{store.Eq("status", string(models.PathValidated))}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cand, err := m.paths.QueryOne(ctx, validated)
		if err != nil {
			return nil, err
		}
		if cand == nil {
			metrics.PathClaims.WithLabelValues("empty").Inc()
			return nil, nil
		}

		now := m.opts.Now()
		claimed, err := m.paths.ConditionalUpdate(ctx, cand.ID, cand.Version, func(p *models.Path) error {
			if p.Status != models.PathValidated {
				return errLost
			}
			p.Status = models.PathTransforming
			p.LastAccessedAt = now.UnixMilli()
			p.Info = models.AppendInfo(p.Info, "Claimed for transform.", now)
			return nil
		})
		if errors.Is(err, store.ErrConflict) || errors.Is(err, errLost) || errors.Is(err, store.ErrNotFound) {
			// Someone else claimed it (or it changed state)
			metrics.PathClaims.WithLabelValues("lost").Inc()
			m.opts.Logger.Debug("path claim lost", zap.String("path_id", cand.ID))
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.PathClaims.WithLabelValues("claimed").Inc()
		m.opts.publish(ctx, models.Transition{
			Entity: "path",
			ID:     claimed.ID,
			From:   string(models.PathValidated),
			To:     string(models.PathTransforming),
			Reason: "claimed",
			At:     now.UnixMilli(),
		})
		return claimed, nil
	}
}

var errLost = errors.New("path no longer validated")

// ChangeStatus sets a Path's status unconditionally and logs info against it.
func (m *PathMachine) ChangeStatus(ctx context.Context, id string, status models.PathStatus, info string) (*models.Path, error) {
	now := m.opts.Now()
	var from models.PathStatus
	p, err := store.UpdateWithRetry(ctx, m.paths, id, m.opts.Attempts, func(p *models.Path) error {
		from = p.Status
		p.Status = status
		p.LastAccessedAt = now.UnixMilli()
		p.Info = models.AppendInfo(p.Info, info, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.opts.Logger.Info("path status changed",
		zap.String("path_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	m.opts.publish(ctx, models.Transition{
		Entity: "path", ID: id, From: string(from), To: string(status), Reason: info, At: now.UnixMilli(),
	})
	return p, nil
}

// ReportFailed records a failed transform. The Path is offered for another claim
// until it has failed MaxPathRetries times, after which it is Terminated. A Path
// paused while it was transforming stays Paused.
func (m *PathMachine) ReportFailed(ctx context.Context, id, info string) (*models.Path, error) {
	now := m.opts.Now()
	var from models.PathStatus
	p, err := store.UpdateWithRetry(ctx, m.paths, id, m.opts.Attempts, func(p *models.Path) error {
		if p.Status.Terminal() {
			return store.ErrNoChange
		}
		from = p.Status
		p.Retries++
		switch {
		case p.Retries >= m.opts.MaxPathRetries:
			p.Status = models.PathTerminated
		case p.Status != models.PathPaused:
			p.Status = models.PathValidated
		}
		p.LastAccessedAt = now.UnixMilli()
		p.Info = models.AppendInfo(p.Info, fmt.Sprintf("Transform attempt %d failed: %s", p.Retries, info), now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != "" && from != p.Status {
		m.opts.publish(ctx, models.Transition{
			Entity: "path", ID: id, From: string(from), To: string(p.Status), Reason: "transform failed", At: now.UnixMilli(),
		})
	}
	return p, nil
}

// Broadcast moves every Path of reqID whose status is in from (any status when
// from is empty) to status. Paths created while it runs may be missed; the next
// evaluation of the Request broadcasts again.
func (m *PathMachine) Broadcast(ctx context.Context, reqID string, from []models.PathStatus, to models.PathStatus, reason string) (int, error) {
	f := store.Filter{store.Eq("req_id", reqID)}
	if len(from) > 0 {
		f = append(f, store.In("status", from...))
	}
	now := m.opts.Now()
	n, err := m.paths.UpdateByFilter(ctx, f, func(p *models.Path) error {
		if p.Status == to {
			return store.ErrNoChange
		}
		p.Status = to
		p.LastAccessedAt = now.UnixMilli()
		p.Info = models.AppendInfo(p.Info, reason, now)
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("broadcast %s to paths of %s: %w", to, reqID, err)
	}
	metrics.BroadcastPaths.WithLabelValues(string(to)).Add(float64(n))
	m.opts.Logger.Debug("path broadcast",
		zap.String("req_id", reqID),
		zap.String("to", string(to)),
		zap.Int("count", n))
	if n > 0 {
		m.opts.publish(ctx, models.Transition{
			Entity: "paths", ID: reqID, From: joinStatuses(from), To: string(to), Reason: reason, Count: n, At: now.UnixMilli(),
		})
	}
	return n, nil
}

func joinStatuses(ss []models.PathStatus) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}
