package counter_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicex/internal/counter"
	"servicex/internal/models"
	"servicex/internal/store"
)

// flakyRequests wraps a collection and fails ConditionalUpdate with a fixed error.
type flakyRequests struct {
	store.Collection[models.Request]
	updateErr error
	updates   int
}

func (f *flakyRequests) ConditionalUpdate(ctx context.Context, id string, v int64, m store.Mutation[models.Request]) (*models.Request, error) {
	f.updates++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return f.Collection.ConditionalUpdate(ctx, id, v, m)
}

func setup(t *testing.T) (*counter.Counter, *store.MemoryCollection[models.Request, *models.Request], *store.MemoryCollection[models.Path, *models.Path]) {
	t.Helper()
	reqs := store.NewMemoryCollection[models.Request]()
	paths := store.NewMemoryCollection[models.Path]()
	return counter.New(reqs, paths, 0, nil), reqs, paths
}

func TestIncrementRequest_ReturnsPostWriteSnapshot(t *testing.T) {
	ctx := context.Background()
	c, reqs, _ := setup(t)
	id, err := reqs.Create(ctx, &models.Request{Events: 100})
	require.NoError(t, err)

	snap, err := c.IncrementRequest(ctx, id, counter.EventsServed, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.EventsServed)
	assert.Equal(t, int64(0), snap.EventsProcessed)

	snap, err = c.IncrementRequest(ctx, id, counter.EventsProcessed, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.EventsServed)
	assert.Equal(t, int64(3), snap.EventsProcessed)
	assert.Equal(t, int64(3), snap.Version)
}

func TestIncrement_Validation(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyRequests{Collection: store.NewMemoryCollection[models.Request]()}
	c := counter.New(flaky, store.NewMemoryCollection[models.Path](), 0, nil)

	_, err := c.IncrementRequest(ctx, "r", counter.EventsServed, -1)
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = c.IncrementRequest(ctx, "r", counter.Field("events"), 1)
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = c.IncrementPath(ctx, "r", "p", -5)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Zero(t, flaky.updates)
}

func TestIncrement_NotFound(t *testing.T) {
	c, _, _ := setup(t)
	_, err := c.IncrementRequest(context.Background(), "missing", counter.EventsServed, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = c.IncrementPath(context.Background(), "r", "missing", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIncrement_ConflictBudget(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryCollection[models.Request]()
	id, err := mem.Create(ctx, &models.Request{})
	require.NoError(t, err)
	flaky := &flakyRequests{Collection: mem, updateErr: fmt.Errorf("wrapped: %w", store.ErrConflict)}
	c := counter.New(flaky, store.NewMemoryCollection[models.Path](), 0, nil)

	_, err = c.IncrementRequest(ctx, id, counter.EventsServed, 1)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, counter.DefaultAttempts, flaky.updates)
}

func TestIncrement_UnavailableIsNotRetried(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryCollection[models.Request]()
	id, err := mem.Create(ctx, &models.Request{})
	require.NoError(t, err)
	flaky := &flakyRequests{Collection: mem, updateErr: store.ErrUnavailable}
	c := counter.New(flaky, store.NewMemoryCollection[models.Path](), 0, nil)

	_, err = c.IncrementRequest(ctx, id, counter.EventsProcessed, 1)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 1, flaky.updates)
}

func TestIncrement_ConcurrentSumsMatchAppliedDeltas(t *testing.T) {
	ctx := context.Background()
	c, reqs, paths := setup(t)
	reqID, err := reqs.Create(ctx, &models.Request{})
	require.NoError(t, err)
	pathID, err := paths.Create(ctx, &models.Path{ReqID: reqID})
	require.NoError(t, err)

	var (
		wg                        sync.WaitGroup
		mu                        sync.Mutex
		served, processed, onPath int64
	)
	for i := 1; i <= 40; i++ {
		delta := int64(i)
		wg.Add(3)
		go func() {
			defer wg.Done()
			if _, err := c.IncrementRequest(ctx, reqID, counter.EventsServed, delta); err == nil {
				mu.Lock()
				served += delta
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := c.IncrementRequest(ctx, reqID, counter.EventsProcessed, delta); err == nil {
				mu.Lock()
				processed += delta
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := c.IncrementPath(ctx, reqID, pathID, delta); err == nil {
				mu.Lock()
				onPath += delta
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	r, err := reqs.Get(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, served, r.EventsServed)
	assert.Equal(t, processed, r.EventsProcessed)
	assert.Positive(t, served)

	p, err := paths.Get(ctx, pathID)
	require.NoError(t, err)
	assert.Equal(t, onPath, p.EventsServed)
}

func TestIncrementPath_RejectsPathOfAnotherRequest(t *testing.T) {
	ctx := context.Background()
	c, _, paths := setup(t)
	pathID, err := paths.Create(ctx, &models.Path{ReqID: "r1"})
	require.NoError(t, err)

	_, err = c.IncrementPath(ctx, "r2", pathID, 5)
	assert.ErrorIs(t, err, models.ErrValidation)

	p, err := paths.Get(ctx, pathID)
	require.NoError(t, err)
	assert.Zero(t, p.EventsServed)
	assert.Equal(t, int64(1), p.Version)

	p, err = c.IncrementPath(ctx, "r1", pathID, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.EventsServed)
}
