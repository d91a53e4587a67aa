package publishing

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Detacher runs best-effort tasks whose result is only logged. Tasks get a
// fresh context so they outlive the request that started them.
type Detacher struct {
	wg      sync.WaitGroup
	timeout time.Duration
}

// NewDetacher creates a detacher with a per-task timeout
func NewDetacher(timeout time.Duration) *Detacher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Detacher{timeout: timeout}
}

// Go starts fn in the background. A panic in fn is logged and swallowed.
func (d *Detacher) Go(name string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logrus.Warnf("Detached task %s panicked: %v", name, r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			logrus.Warnf("Detached task %s failed: %v", name, err)
			return
		}
		logrus.Debugf("Detached task %s finished", name)
	}()
}

// Wait blocks until every started task has returned
func (d *Detacher) Wait() {
	d.wg.Wait()
}
