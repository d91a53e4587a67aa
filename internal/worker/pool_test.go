package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/citewalk/content-pipeline/internal/config"
	"github.com/citewalk/content-pipeline/internal/monitoring"
	"github.com/citewalk/content-pipeline/internal/queue"
	"github.com/citewalk/content-pipeline/internal/storage"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, job *queue.Job) error {
	args := m.Called(job.Kind)
	return args.Error(0)
}

type countingHandler struct {
	n atomic.Int32
}

func (c *countingHandler) Handle(ctx context.Context, job *queue.Job) error {
	c.n.Add(1)
	return nil
}

type panickingHandler struct{}

func (panickingHandler) Handle(ctx context.Context, job *queue.Job) error {
	panic("nil map")
}

func newTestQueue(t *testing.T, opts queue.Options) *queue.SQLiteQueue {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q, err := queue.NewSQLiteQueue(store.Conn(), opts)
	require.NoError(t, err)
	return q
}

func testConfig() *config.Config {
	return &config.Config{
		WorkerConcurrency:  2,
		WorkerPollInterval: 10 * time.Millisecond,
		JobLease:           time.Minute,
	}
}

func TestPool_RunOnce(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		handlerErr  error
		wantStatus  queue.Status
		wantParked  int
	}{
		{name: "success is acked", maxAttempts: 3, wantStatus: queue.StatusDone},
		{name: "failure is rescheduled", maxAttempts: 3, handlerErr: errors.New("index unavailable"), wantStatus: queue.StatusPending},
		{name: "last failure parks", maxAttempts: 1, handlerErr: errors.New("index unavailable"), wantStatus: queue.StatusParked, wantParked: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t, queue.Options{MaxAttempts: tt.maxAttempts, BackoffBase: time.Hour})
			handler := &mockHandler{}
			handler.On("Handle", queue.KindEnrichPost).Return(tt.handlerErr).Once()
			metrics := monitoring.NewService(nil, q)
			pool := NewPool(testConfig(), q, handler, metrics)

			_, err := q.Enqueue(context.Background(), queue.EnrichPost{PostID: "p1", AuthorID: "a1"})
			require.NoError(t, err)

			handled, err := pool.RunOnce(context.Background())
			require.NoError(t, err)
			assert.True(t, handled)

			stats, err := q.Stats(context.Background())
			require.NoError(t, err)
			assert.Equal(t, map[queue.Status]int{tt.wantStatus: 1}, stats)

			// nothing is ready, a rescheduled job waits for its backoff
			handled, err = pool.RunOnce(context.Background())
			require.NoError(t, err)
			assert.False(t, handled)

			m := metrics.Snapshot()
			assert.Equal(t, tt.wantParked, m.JobsParked)
			if tt.handlerErr != nil {
				assert.Equal(t, 1, m.JobsFailed["enrich.post"])
			} else {
				assert.Equal(t, 1, m.JobsSucceeded["enrich.post"])
			}
			handler.AssertExpectations(t)
		})
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	q := newTestQueue(t, queue.Options{MaxAttempts: 1})
	pool := NewPool(testConfig(), q, panickingHandler{}, nil)

	_, err := q.Enqueue(context.Background(), queue.ReportRecheck{TargetID: "p1"})
	require.NoError(t, err)

	handled, err := pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)

	parked, err := q.Parked(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "panic: nil map", parked[0].LastError)
}

func TestPool_RunDrainsQueueUntilCancelled(t *testing.T) {
	q := newTestQueue(t, queue.Options{})
	handler := &countingHandler{}
	pool := NewPool(testConfig(), q, handler, nil)

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(context.Background(), queue.EnrichPost{PostID: "p", AuthorID: "a"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return handler.n.Load() == 5 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats[queue.StatusDone])
}
