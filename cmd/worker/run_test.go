package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicex/internal/models"
	"servicex/internal/queue"
	"servicex/internal/store"
)

type fakeReader struct {
	msgs    []queue.ReportMessage
	offset  int64
	commits []int64
	cancel  context.CancelFunc
}

func (f *fakeReader) ReadReport(ctx context.Context) (queue.ReportMessage, queue.Commit, error) {
	if len(f.msgs) == 0 {
		f.cancel()
		<-ctx.Done()
		return queue.ReportMessage{}, nil, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	off := f.offset
	f.offset++
	return m, func(context.Context) error {
		f.commits = append(f.commits, off)
		return nil
	}, nil
}

// recordingApplier fails reports for the listed requests and records call order.
type recordingApplier struct {
	errs  map[string]error
	order []string
}

func (a *recordingApplier) ReportEventsServed(_ context.Context, reqID, _ string, _ int64) (*models.Request, error) {
	a.order = append(a.order, reqID)
	return &models.Request{ID: reqID}, a.errs[reqID]
}

func (a *recordingApplier) ReportEventsProcessed(_ context.Context, reqID string, _ int64) (*models.Request, error) {
	a.order = append(a.order, reqID)
	return &models.Request{ID: reqID}, a.errs[reqID]
}

// flakyRetries fails the first fails publishes, then cancels after cancelAt calls.
type flakyRetries struct {
	fails    int
	calls    int
	cancelAt int
	cancel   context.CancelFunc
}

func (f *flakyRetries) PublishRetry(context.Context, queue.ReportMessage, int64) error {
	f.calls++
	if f.cancelAt > 0 && f.calls >= f.cancelAt {
		f.cancel()
	}
	if f.calls <= f.fails {
		return errors.New("broker down")
	}
	return nil
}

func TestRun_RetriesFailedMessageBeforeCommittingNext(t *testing.T) {
	w, _, _ := newWorker(t, nil)
	a := &recordingApplier{errs: map[string]error{"r1": store.ErrUnavailable}}
	retries := &flakyRetries{fails: 2}
	w.reports = a
	w.retries = retries

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &fakeReader{
		offset: 40,
		cancel: cancel,
		msgs: []queue.ReportMessage{
			{Kind: queue.ReportProcessed, ReqID: "r1", Events: 1},
			{Kind: queue.ReportServed, ReqID: "r2", PathID: "p2", Events: 1},
		},
	}

	err := w.run(ctx, r)
	require.ErrorIs(t, err, context.Canceled)

	// r1 is applied until its retry publish succeeds on the third try.
	assert.Equal(t, []string{"r1", "r1", "r1", "r2"}, a.order)
	assert.Equal(t, 3, retries.calls)
	assert.Equal(t, []int64{40, 41}, r.commits)
}

func TestRun_CancelledMidRetryCommitsNothing(t *testing.T) {
	w, _, _ := newWorker(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.reports = &recordingApplier{errs: map[string]error{"r1": store.ErrUnavailable}}
	w.retries = &flakyRetries{fails: 100, cancelAt: 3, cancel: cancel}

	r := &fakeReader{
		cancel: cancel,
		msgs: []queue.ReportMessage{
			{Kind: queue.ReportProcessed, ReqID: "r1", Events: 1},
			{Kind: queue.ReportProcessed, ReqID: "r2", Events: 1},
		},
	}

	err := w.run(ctx, r)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, r.commits)
	assert.Len(t, r.msgs, 1)
}
