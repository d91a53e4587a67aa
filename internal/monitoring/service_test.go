package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/citewalk/content-pipeline/internal/feed"
	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/notifications"
	"github.com/citewalk/content-pipeline/internal/queue"
	"github.com/citewalk/content-pipeline/internal/resilience"
)

// MockBlobStore is a mock implementation of storage.BlobStore
type MockBlobStore struct {
	mock.Mock
}

func (m *MockBlobStore) Store(ctx context.Context, key string, data []byte) error {
	args := m.Called(key, data)
	return args.Error(0)
}

func (m *MockBlobStore) Retrieve(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(key)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(prefix)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockBlobStore) Delete(ctx context.Context, key string) error {
	args := m.Called(key)
	return args.Error(0)
}

// MockJobStats is a mock implementation of JobStats
type MockJobStats struct {
	mock.Mock
}

func (m *MockJobStats) Stats(ctx context.Context) (map[queue.Status]int, error) {
	args := m.Called()
	return args.Get(0).(map[queue.Status]int), args.Error(1)
}

func (m *MockJobStats) Parked(ctx context.Context, limit int) ([]queue.Job, error) {
	args := m.Called(limit)
	return args.Get(0).([]queue.Job), args.Error(1)
}

func TestService_Counters(t *testing.T) {
	s := NewService(nil, nil)

	s.RecordJob(queue.KindEnrichPost, nil, false)
	s.RecordJob(queue.KindEnrichPost, nil, false)
	s.RecordJob(queue.KindEnrichReply, errors.New("boom"), false)
	s.RecordJob(queue.KindEnrichReply, errors.New("boom"), true)
	s.RecordModeration(models.SourceAsyncCheck, models.ReasonSpam)
	s.RecordModeration(models.SourceReportThreshold, models.ReasonOther)
	s.BreakerStateChanged("classifier", resilience.Closed, resilience.Open)
	s.RecordFanOut(feed.Result{Followers: 3, Pushed: 3, Failed: 1})
	s.RecordNotification(models.NotifyMention)
	s.RecordPushes(notifications.DeliveryStats{Sent: 2, Failed: 1})

	m := s.Snapshot()
	assert.Equal(t, map[string]int{"enrich.post": 2}, m.JobsSucceeded)
	assert.Equal(t, map[string]int{"enrich.reply": 2}, m.JobsFailed)
	assert.Equal(t, 1, m.JobsParked)
	assert.Equal(t, 1, m.Moderation["ASYNC_CHECK"])
	assert.Equal(t, 1, m.Moderation["REPORT_THRESHOLD"])
	assert.Equal(t, "OPEN", m.BreakerStates["classifier"])
	assert.Equal(t, 1, m.BreakerTransitions)
	assert.Equal(t, 1, m.FanOuts)
	assert.Equal(t, 3, m.FeedPushes)
	assert.Equal(t, 1, m.FeedFailures)
	assert.Equal(t, 1, m.Notifications["MENTION"])
	assert.Equal(t, 2, m.Pushes["sent"])
	assert.Equal(t, 1, m.Pushes["failed"])

	// snapshots are copies
	m.JobsSucceeded["enrich.post"] = 100
	assert.Equal(t, 2, s.Snapshot().JobsSucceeded["enrich.post"])

	var decoded Metrics
	require.NoError(t, json.Unmarshal([]byte(s.GetMetrics()), &decoded))
	assert.Equal(t, 2, decoded.JobsSucceeded["enrich.post"])
}

func TestService_NilIsSafe(t *testing.T) {
	var s *Service
	assert.NotPanics(t, func() {
		s.RecordJob(queue.KindEnrichPost, nil, false)
		s.RecordModeration(models.SourceAsyncCheck, models.ReasonSpam)
		s.BreakerStateChanged("x", resilience.Closed, resilience.Open)
		s.RecordFanOut(feed.Result{})
		s.RecordNotification(models.NotifyReply)
		s.RecordPushes(notifications.DeliveryStats{})
	})
}

func TestService_CountDeliveries(t *testing.T) {
	s := NewService(nil, nil)
	hub := notifications.NewHub()
	events, cancel := hub.Subscribe("bob")
	defer cancel()

	rt := s.CountDeliveries(hub)
	rt.SendToUser(context.Background(), "bob", notifications.Event{Type: "notification", Notification: &models.Notification{Type: models.NotifyReply}})
	rt.SendToUser(context.Background(), "bob", notifications.Event{Type: "ping"})

	assert.Len(t, events, 2)
	assert.Equal(t, map[string]int{"REPLY": 1}, s.Snapshot().Notifications)

	assert.NotPanics(t, func() {
		s.CountDeliveries(nil).SendToUser(context.Background(), "bob", notifications.Event{})
	})
}

func TestService_RunReport(t *testing.T) {
	blobs := &MockBlobStore{}
	jobs := &MockJobStats{}
	s := NewService(blobs, jobs)

	s.RecordModeration(models.SourceAsyncCheck, models.ReasonSpam)
	s.RecordModeration(models.SourceAsyncCheck, models.ReasonSpam)
	s.RecordModeration(models.SourceAsyncCheck, models.ReasonHate)

	jobs.On("Stats").Return(map[queue.Status]int{queue.StatusPending: 4, queue.StatusParked: 1}, nil)
	jobs.On("Parked", 50).Return([]queue.Job{{ID: 7, Kind: queue.KindEnrichPost, Status: queue.StatusParked}}, nil)
	blobs.On("Store", mock.MatchedBy(func(key string) bool {
		return strings.HasPrefix(key, "reports/pipeline-") && strings.HasSuffix(key, ".json")
	}), mock.Anything).Return(nil)

	report, err := s.RunReport(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Jobs[queue.StatusPending])
	require.Len(t, report.Parked, 1)
	assert.Equal(t, int64(7), report.Parked[0].ID)
	assert.Equal(t, []string{"SPAM (2)", "HATE (1)"}, report.TopModerationReasons)
	assert.False(t, s.Snapshot().LastReport.IsZero())

	blobs.AssertExpectations(t)
	jobs.AssertExpectations(t)
}

func TestService_RunReportStatsError(t *testing.T) {
	jobs := &MockJobStats{}
	jobs.On("Stats").Return(map[queue.Status]int(nil), errors.New("db locked"))

	_, err := NewService(nil, jobs).RunReport(context.Background())
	assert.ErrorContains(t, err, "db locked")
}

func TestService_RunReportStoreFailureIsLogged(t *testing.T) {
	blobs := &MockBlobStore{}
	jobs := &MockJobStats{}
	jobs.On("Stats").Return(map[queue.Status]int{}, nil)
	jobs.On("Parked", 50).Return([]queue.Job(nil), nil)
	blobs.On("Store", mock.Anything, mock.Anything).Return(errors.New("container missing"))

	report, err := NewService(blobs, jobs).RunReport(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Parked)
}

func TestGetTopReasons(t *testing.T) {
	counts := map[string]int{"A": 1, "B": 5, "C": 3, "D": 3, "E": 2, "F": 4}
	assert.Equal(t, []string{"B (5)", "F (4)", "C (3)", "D (3)", "E (2)"}, getTopReasons(counts))
	assert.Empty(t, getTopReasons(nil))
}
