package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/feed"
	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/notifications"
	"github.com/citewalk/content-pipeline/internal/queue"
	"github.com/citewalk/content-pipeline/internal/resilience"
	"github.com/citewalk/content-pipeline/internal/storage"
)

// JobStats is the read side of the job queue used for reports
type JobStats interface {
	Stats(ctx context.Context) (map[queue.Status]int, error)
	Parked(ctx context.Context, limit int) ([]queue.Job, error)
}

// Service collects pipeline counters and writes periodic reports
type Service struct {
	blobs   storage.BlobStore
	jobs    JobStats
	metrics *Metrics
	mu      sync.RWMutex
}

// Metrics holds pipeline counters since process start
type Metrics struct {
	StartedAt          time.Time         `json:"started_at"`
	JobsSucceeded      map[string]int    `json:"jobs_succeeded"`
	JobsFailed         map[string]int    `json:"jobs_failed"`
	JobsParked         int               `json:"jobs_parked"`
	Moderation         map[string]int    `json:"moderation"`
	ModerationReasons  map[string]int    `json:"moderation_reasons"`
	BreakerStates      map[string]string `json:"breaker_states"`
	BreakerTransitions int               `json:"breaker_transitions"`
	FanOuts            int               `json:"fan_outs"`
	FeedPushes         int               `json:"feed_pushes"`
	FeedFailures       int               `json:"feed_failures"`
	Notifications      map[string]int    `json:"notifications"`
	Pushes             map[string]int    `json:"pushes"`
	LastReport         time.Time         `json:"last_report"`
}

// Report is the periodic pipeline summary
type Report struct {
	GeneratedAt          time.Time            `json:"generated_at"`
	Jobs                 map[queue.Status]int `json:"jobs"`
	Parked               []queue.Job          `json:"parked"`
	TopModerationReasons []string             `json:"top_moderation_reasons"`
	Metrics              Metrics              `json:"metrics"`
}

// NewService creates a monitoring service. blobs may be nil, in which case
// reports are only logged.
func NewService(blobs storage.BlobStore, jobs JobStats) *Service {
	return &Service{
		blobs: blobs,
		jobs:  jobs,
		metrics: &Metrics{
			StartedAt:         time.Now(),
			JobsSucceeded:     make(map[string]int),
			JobsFailed:        make(map[string]int),
			Moderation:        make(map[string]int),
			ModerationReasons: make(map[string]int),
			BreakerStates:     make(map[string]string),
			Notifications:     make(map[string]int),
			Pushes:            make(map[string]int),
		},
	}
}

// RecordJob counts one handled job
func (s *Service) RecordJob(kind queue.Kind, err error, parked bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.metrics.JobsSucceeded[string(kind)]++
		return
	}
	s.metrics.JobsFailed[string(kind)]++
	if parked {
		s.metrics.JobsParked++
	}
}

// RecordModeration counts one removal
func (s *Service) RecordModeration(source models.ModerationSource, reason models.ReasonCode) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Moderation[string(source)]++
	s.metrics.ModerationReasons[string(reason)]++
}

// BreakerStateChanged matches resilience.Options.OnStateChange
func (s *Service) BreakerStateChanged(name string, from, to resilience.State) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.BreakerStates[name] = to.String()
	s.metrics.BreakerTransitions++
}

// RecordFanOut counts one feed fan-out
func (s *Service) RecordFanOut(res feed.Result) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.FanOuts++
	s.metrics.FeedPushes += res.Pushed
	s.metrics.FeedFailures += res.Failed
}

// RecordNotification counts one created notification
func (s *Service) RecordNotification(t models.NotificationType) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Notifications[string(t)]++
}

type countingRealtime struct {
	inner   notifications.Realtime
	service *Service
}

func (c countingRealtime) SendToUser(ctx context.Context, userID string, ev notifications.Event) {
	if ev.Notification != nil {
		c.service.RecordNotification(ev.Notification.Type)
	}
	if c.inner != nil {
		c.inner.SendToUser(ctx, userID, ev)
	}
}

// CountDeliveries wraps inner so every delivered notification is counted.
// The dispatcher only delivers new notifications, so repeats are not counted.
func (s *Service) CountDeliveries(inner notifications.Realtime) notifications.Realtime {
	return countingRealtime{inner: inner, service: s}
}

// RecordPushes adds the outcome of one outbox drain
func (s *Service) RecordPushes(stats notifications.DeliveryStats) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Pushes[string(models.PushSent)] += stats.Sent
	s.metrics.Pushes[string(models.PushFailed)] += stats.Failed
	s.metrics.Pushes[string(models.PushSuppressed)] += stats.Suppressed
}

// Snapshot returns a copy of the current counters
func (s *Service) Snapshot() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := *s.metrics
	m.JobsSucceeded = copyCounts(s.metrics.JobsSucceeded)
	m.JobsFailed = copyCounts(s.metrics.JobsFailed)
	m.Moderation = copyCounts(s.metrics.Moderation)
	m.ModerationReasons = copyCounts(s.metrics.ModerationReasons)
	m.Notifications = copyCounts(s.metrics.Notifications)
	m.Pushes = copyCounts(s.metrics.Pushes)
	m.BreakerStates = make(map[string]string, len(s.metrics.BreakerStates))
	for k, v := range s.metrics.BreakerStates {
		m.BreakerStates[k] = v
	}
	return m
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// GetMetrics returns current metrics as JSON
func (s *Service) GetMetrics() string {
	data, _ := json.MarshalIndent(s.Snapshot(), "", "  ")
	return string(data)
}

// RunReport summarizes queue health and stores the report as a blob
func (s *Service) RunReport(ctx context.Context) (*Report, error) {
	start := time.Now()
	logrus.Info("Starting pipeline report")

	stats, err := s.jobs.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read job stats: %w", err)
	}

	parked, err := s.jobs.Parked(ctx, 50)
	if err != nil {
		return nil, fmt.Errorf("failed to list parked jobs: %w", err)
	}

	s.mu.Lock()
	s.metrics.LastReport = start
	s.mu.Unlock()

	snapshot := s.Snapshot()
	report := &Report{
		GeneratedAt:          start,
		Jobs:                 stats,
		Parked:               parked,
		TopModerationReasons: getTopReasons(snapshot.ModerationReasons),
		Metrics:              snapshot,
	}

	if len(parked) > 0 {
		logrus.Warnf("%d jobs are parked and need attention", len(parked))
	}

	if err := s.storeReport(ctx, report); err != nil {
		logrus.Errorf("Failed to store pipeline report: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"pending":  stats[queue.StatusPending],
		"running":  stats[queue.StatusRunning],
		"parked":   stats[queue.StatusParked],
		"duration": time.Since(start).String(),
	}).Info("Pipeline report completed")

	return report, nil
}

func (s *Service) storeReport(ctx context.Context, report *Report) error {
	if s.blobs == nil {
		return nil
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	key := fmt.Sprintf("reports/pipeline-%s.json", report.GeneratedAt.UTC().Format("2006-01-02-15-04-05"))
	return s.blobs.Store(ctx, key, data)
}

func getTopReasons(counts map[string]int) []string {
	type reasonScore struct {
		reason string
		count  int
	}

	var scores []reasonScore
	for reason, count := range counts {
		scores = append(scores, reasonScore{reason, count})
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].count != scores[j].count {
			return scores[i].count > scores[j].count
		}
		return scores[i].reason < scores[j].reason
	})

	var top []string
	for i, score := range scores {
		if i >= 5 {
			break
		}
		top = append(top, fmt.Sprintf("%s (%d)", score.reason, score.count))
	}

	return top
}
