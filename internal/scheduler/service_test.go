package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/citewalk/content-pipeline/internal/monitoring"
	"github.com/citewalk/content-pipeline/internal/notifications"
	"github.com/citewalk/content-pipeline/internal/queue"
)

type MockRequeuer struct {
	mock.Mock
}

func (m *MockRequeuer) RequeueExpired(ctx context.Context) (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}

type MockPushDeliverer struct {
	mock.Mock
}

func (m *MockPushDeliverer) DeliverPending(ctx context.Context, limit int) (notifications.DeliveryStats, error) {
	args := m.Called(limit)
	return args.Get(0).(notifications.DeliveryStats), args.Error(1)
}

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

func TestService_StartRegistersTasks(t *testing.T) {
	tests := []struct {
		name    string
		monitor *monitoring.Service
		want    int
	}{
		{name: "with report", monitor: monitoring.NewService(nil, &MockJobStats{}), want: 3},
		{name: "without report", monitor: nil, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewService(&MockRequeuer{}, &MockPushDeliverer{}, tt.monitor)
			require.NoError(t, s.Start())
			defer s.Stop()

			assert.Len(t, s.cron.Entries(), tt.want)
		})
	}
}

func TestService_DeliverPushRecordsStats(t *testing.T) {
	push := &MockPushDeliverer{}
	push.On("DeliverPending", pushBatchSize).Return(notifications.DeliveryStats{Sent: 3, Suppressed: 1}, nil).Once()
	push.On("DeliverPending", pushBatchSize).Return(notifications.DeliveryStats{}, errors.New("db locked")).Once()
	monitor := monitoring.NewService(nil, &MockJobStats{})

	s := NewService(&MockRequeuer{}, push, monitor)
	s.DeliverPush()
	s.DeliverPush()

	pushes := monitor.Snapshot().Pushes
	assert.Equal(t, 3, pushes["sent"])
	assert.Equal(t, 1, pushes["suppressed"])
	push.AssertExpectations(t)
}

func TestService_DeliverPushWithoutMonitor(t *testing.T) {
	push := &MockPushDeliverer{}
	push.On("DeliverPending", pushBatchSize).Return(notifications.DeliveryStats{Sent: 1}, nil)

	s := NewService(&MockRequeuer{}, push, nil)
	assert.NotPanics(t, s.DeliverPush)
}

func TestService_RequeueExpired(t *testing.T) {
	jobs := &MockRequeuer{}
	jobs.On("RequeueExpired").Return(2, nil).Once()
	jobs.On("RequeueExpired").Return(0, errors.New("db locked")).Once()

	s := NewService(jobs, &MockPushDeliverer{}, nil)
	s.RequeueExpired()
	s.RequeueExpired()

	jobs.AssertExpectations(t)
}

func TestService_RunReport(t *testing.T) {
	stats := &MockJobStats{}
	stats.On("Stats").Return(map[queue.Status]int{queue.StatusDone: 4}, nil)
	stats.On("Parked", 50).Return([]queue.Job(nil), nil)
	monitor := monitoring.NewService(nil, stats)

	s := NewService(&MockRequeuer{}, &MockPushDeliverer{}, monitor)
	s.RunReport()

	assert.False(t, monitor.Snapshot().LastReport.IsZero())
	stats.AssertExpectations(t)
}
