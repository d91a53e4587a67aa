package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/config"
	"github.com/citewalk/content-pipeline/internal/monitoring"
	"github.com/citewalk/content-pipeline/internal/queue"
)

// Handler processes one claimed job
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

// Pool claims jobs from the queue and runs them on a fixed number of goroutines
type Pool struct {
	queue        queue.Queue
	handler      Handler
	metrics      *monitoring.Service
	concurrency  int
	lease        time.Duration
	pollInterval time.Duration
}

// NewPool creates a pool sized from cfg
func NewPool(cfg *config.Config, q queue.Queue, handler Handler, metrics *monitoring.Service) *Pool {
	p := &Pool{
		queue:        q,
		handler:      handler,
		metrics:      metrics,
		concurrency:  cfg.WorkerConcurrency,
		lease:        cfg.JobLease,
		pollInterval: cfg.WorkerPollInterval,
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	if p.lease <= 0 {
		p.lease = 2 * time.Minute
	}
	if p.pollInterval <= 0 {
		p.pollInterval = time.Second
	}
	return p
}

// Run processes jobs until ctx is cancelled
func (p *Pool) Run(ctx context.Context) {
	logrus.Infof("Starting %d enrichment workers", p.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	wg.Wait()

	logrus.Info("Enrichment workers stopped")
}

func (p *Pool) loop(ctx context.Context, n int) {
	for ctx.Err() == nil {
		handled, err := p.RunOnce(ctx)
		if err != nil {
			logrus.Errorf("Worker %d: %v", n, err)
		}
		if handled && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// RunOnce claims and processes a single job. It reports whether a job was
// claimed; the error covers queue failures, not job failures.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.Claim(ctx, p.lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := logrus.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"kind":    job.Kind,
		"attempt": job.Attempts,
	})

	start := time.Now()
	jobErr := p.handle(ctx, job)
	if jobErr == nil {
		p.metrics.RecordJob(job.Kind, nil, false)
		log.WithField("duration", time.Since(start).String()).Debug("Job completed")
		return true, p.queue.Ack(ctx, job.ID)
	}

	parked, err := p.queue.Fail(ctx, job, jobErr)
	p.metrics.RecordJob(job.Kind, jobErr, parked)
	if err != nil {
		return true, err
	}

	if parked {
		log.WithError(jobErr).Error("Job parked after exhausting its attempts")
	} else {
		log.WithError(jobErr).Warn("Job failed, will retry")
	}
	return true, nil
}

func (p *Pool) handle(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, job)
}
