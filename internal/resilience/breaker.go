package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the breaker state
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case HalfOpen:
		return "HALF_OPEN"
	case Open:
		return "OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrOpen is matched by every error returned while the circuit rejects calls
var ErrOpen = errors.New("circuit open")

// errAborted is recorded when fn panics or exits its goroutine
var errAborted = errors.New("call aborted")

// OpenError is returned when a call is rejected without reaching the dependency
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s is open, retry in %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Options configures a Breaker
type Options struct {
	Name             string
	FailureThreshold int
	Cooldown         time.Duration

	// OnStateChange is called after every real transition, outside the lock
	OnStateChange func(name string, from, to State)

	// Clock defaults to time.Now
	Clock func() time.Time
}

// Breaker guards calls to an unreliable dependency
type Breaker struct {
	name          string
	threshold     int
	cooldown      time.Duration
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

// New creates a breaker, applying defaults of 5 failures and a 30s cooldown
func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Name == "" {
		opts.Name = "default"
	}

	return &Breaker{
		name:          opts.Name,
		threshold:     opts.FailureThreshold,
		cooldown:      opts.Cooldown,
		onStateChange: opts.OnStateChange,
		now:           opts.Clock,
		state:         Closed,
	}
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An OPEN breaker whose cooldown has elapsed
// still reports OPEN until the next call starts the trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Execute runs fn if the circuit allows it. A panic in fn counts as a
// failure and is then propagated.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	returned := false
	defer func() {
		if !returned {
			b.after(errAborted)
		}
	}()

	err := fn(ctx)
	returned = true
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()

	switch b.state {
	case Open:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			b.mu.Unlock()
			return &OpenError{Name: b.name, RetryAfter: b.cooldown - elapsed}
		}
		b.state = HalfOpen
		b.trial = true
		b.mu.Unlock()
		b.notify(Open, HalfOpen)
		return nil

	case HalfOpen:
		if b.trial {
			b.mu.Unlock()
			return &OpenError{Name: b.name}
		}
		b.trial = true
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()

	from := b.state
	to := from

	if err == nil {
		b.failures = 0
		if from == HalfOpen {
			to = Closed
		}
	} else {
		b.failures++
		switch from {
		case HalfOpen:
			to = Open
			b.openedAt = b.now()
		case Closed:
			if b.failures >= b.threshold {
				to = Open
				b.openedAt = b.now()
			}
		}
	}

	if from == HalfOpen {
		b.trial = false
	}
	b.state = to
	b.mu.Unlock()

	if to != from {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	logrus.WithFields(logrus.Fields{
		"breaker": b.name,
		"from":    from.String(),
		"to":      to.String(),
	}).Warn("Circuit breaker state changed")

	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// Call runs fn through the breaker and returns its value
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// CallWithFallback returns fallback instead of an error when the call fails or the circuit is open
func CallWithFallback[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error), fallback T) T {
	v, err := Call(ctx, b, fn)
	if err != nil {
		logrus.Debugf("Breaker %s fallback used: %v", b.name, err)
		return fallback
	}
	return v
}
