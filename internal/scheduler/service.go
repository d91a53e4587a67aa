package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/monitoring"
	"github.com/citewalk/content-pipeline/internal/notifications"
)

const (
	requeueSchedule = "*/30 * * * * *"
	pushSchedule    = "*/15 * * * * *"
	reportSchedule  = "0 0 * * * *"

	pushBatchSize = 100
)

// Requeuer returns expired job leases to the queue
type Requeuer interface {
	RequeueExpired(ctx context.Context) (int, error)
}

// PushDeliverer drains the push outbox
type PushDeliverer interface {
	DeliverPending(ctx context.Context, limit int) (notifications.DeliveryStats, error)
}

// Service runs the periodic maintenance tasks of the pipeline
type Service struct {
	jobs    Requeuer
	push    PushDeliverer
	monitor *monitoring.Service
	cron    *cron.Cron
}

// NewService creates a new scheduler service. monitor may be nil, in which
// case no hourly report is scheduled.
func NewService(jobs Requeuer, push PushDeliverer, monitor *monitoring.Service) *Service {
	return &Service{
		jobs:    jobs,
		push:    push,
		monitor: monitor,
		cron:    cron.New(cron.WithSeconds()),
	}
}

// Start registers the tasks and starts the cron runner
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(requeueSchedule, s.RequeueExpired); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(pushSchedule, s.DeliverPush); err != nil {
		return err
	}

	if s.monitor != nil {
		if _, err := s.cron.AddFunc(reportSchedule, s.RunReport); err != nil {
			return err
		}
	}

	s.cron.Start()
	logrus.Infof("Scheduler started with %d tasks", len(s.cron.Entries()))
	return nil
}

// RequeueExpired recovers jobs whose worker died mid-lease
func (s *Service) RequeueExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.jobs.RequeueExpired(ctx)
	if err != nil {
		logrus.Errorf("Requeueing expired jobs failed: %v", err)
		return
	}
	if n > 0 {
		logrus.Warnf("Requeued %d jobs with expired leases", n)
	}
}

// DeliverPush sends one batch of pending push notifications
func (s *Service) DeliverPush() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	stats, err := s.push.DeliverPending(ctx, pushBatchSize)
	if err != nil {
		logrus.Errorf("Push delivery failed: %v", err)
		return
	}
	s.monitor.RecordPushes(stats)
}

// RunReport writes the hourly pipeline report
func (s *Service) RunReport() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logrus.Info("Starting scheduled pipeline report")
	if _, err := s.monitor.RunReport(ctx); err != nil {
		logrus.Errorf("Scheduled pipeline report failed: %v", err)
	}
}

// Stop stops the scheduler and waits for running tasks
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		logrus.Info("Scheduler stopped")
	}
}
