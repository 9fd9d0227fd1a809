package state_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"servicex/internal/models"
	"servicex/internal/state"
	"servicex/internal/store"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu          sync.Mutex
	transitions []models.Transition
}

func (r *recorder) PublishTransition(_ context.Context, t models.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *recorder) entities(entity string) []models.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Transition
	for _, t := range r.transitions {
		if t.Entity == entity {
			out = append(out, t)
		}
	}
	return out
}

type fixture struct {
	requests *store.MemoryCollection[models.Request, *models.Request]
	paths    *store.MemoryCollection[models.Path, *models.Path]
	rm       *state.RequestMachine
	pm       *state.PathMachine
	pub      *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		requests: store.NewMemoryCollection[models.Request](),
		paths:    store.NewMemoryCollection[models.Path](),
		pub:      &recorder{},
	}
	opts := state.Options{
		Watermarks:     state.Watermarks{High: 20, Low: 8},
		MaxPathRetries: 2,
		Publisher:      f.pub,
		Logger:         zaptest.NewLogger(t),
		Now:            func() time.Time { return fixedNow },
	}
	f.pm = state.NewPathMachine(f.paths, opts)
	f.rm = state.NewRequestMachine(f.requests, f.pm, opts)
	return f
}

func (f *fixture) request(t *testing.T, r models.Request) string {
	t.Helper()
	id, err := f.requests.Create(context.Background(), &r)
	require.NoError(t, err)
	return id
}

func (f *fixture) path(t *testing.T, reqID string, status models.PathStatus) string {
	t.Helper()
	id, err := f.paths.Create(context.Background(), &models.Path{ReqID: reqID, Status: status, FilePath: "root://f.root"})
	require.NoError(t, err)
	return id
}

func (f *fixture) pathStatus(t *testing.T, id string) models.PathStatus {
	t.Helper()
	p, err := f.paths.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}

// count adds to the stored counters and returns the post-write snapshot.
func (f *fixture) count(t *testing.T, id string, served, processed int64) *models.Request {
	t.Helper()
	r, err := store.UpdateWithRetry(context.Background(), f.requests, id, 6, func(r *models.Request) error {
		r.EventsServed += served
		r.EventsProcessed += processed
		return nil
	})
	require.NoError(t, err)
	return r
}
