package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Replay for ids that are not parked
var ErrNotFound = errors.New("job not found")

// Status is the lifecycle state of a job
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusParked  Status = "parked"
)

// Job is a stored unit of work
type Job struct {
	ID          int64      `json:"id"`
	Kind        Kind       `json:"kind"`
	Payload     []byte     `json:"payload"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	RunAt       time.Time  `json:"run_at"`
	LeaseUntil  *time.Time `json:"lease_until,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Decode returns the typed payload
func (j *Job) Decode() (Payload, error) {
	return Decode(j.Kind, j.Payload)
}

// Queue is a durable at-least-once job queue
type Queue interface {
	Enqueue(ctx context.Context, p Payload) (int64, error)
	Claim(ctx context.Context, lease time.Duration) (*Job, error)
	Ack(ctx context.Context, id int64) error
	Fail(ctx context.Context, job *Job, cause error) (bool, error)
	RequeueExpired(ctx context.Context) (int, error)
	Parked(ctx context.Context, limit int) ([]Job, error)
	Replay(ctx context.Context, id int64) error
	Stats(ctx context.Context) (map[Status]int, error)
}

// Options configures retry behaviour
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Clock       func() time.Time
}

// SQLiteQueue stores jobs in the primary SQLite database
type SQLiteQueue struct {
	db   *sql.DB
	opts Options
}

// Ensure SQLiteQueue implements Queue
var _ Queue = (*SQLiteQueue)(nil)

// NewSQLiteQueue creates the jobs table on db if needed
func NewSQLiteQueue(db *sql.DB, opts Options) (*SQLiteQueue, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 10 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		run_at INTEGER NOT NULL,
		lease_until INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, run_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init jobs schema: %w", err)
	}

	return &SQLiteQueue{db: db, opts: opts}, nil
}

// Backoff returns the delay before the next attempt after attempt failures
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Enqueue stores a new pending job
func (q *SQLiteQueue) Enqueue(ctx context.Context, p Payload) (int64, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}

	now := q.opts.Clock().UnixNano()
	res, err := q.db.ExecContext(ctx, `
	INSERT INTO jobs (kind, payload, status, max_attempts, run_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`, p.Kind(), data, StatusPending, q.opts.MaxAttempts, now, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", p.Kind(), err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", p.Kind(), err)
	}

	logrus.Debugf("Enqueued job %d (%s)", id, p.Kind())
	return id, nil
}

const jobColumns = `id, kind, payload, status, attempts, max_attempts, last_error, run_at, lease_until, created_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var runAt, createdAt int64
	var leaseUntil sql.NullInt64
	err := row.Scan(&j.ID, &j.Kind, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &runAt, &leaseUntil, &createdAt)
	if err != nil {
		return nil, err
	}
	j.RunAt = time.Unix(0, runAt).UTC()
	j.CreatedAt = time.Unix(0, createdAt).UTC()
	if leaseUntil.Valid {
		t := time.Unix(0, leaseUntil.Int64).UTC()
		j.LeaseUntil = &t
	}
	return &j, nil
}

// Claim leases the next ready job, returning nil when none is ready
func (q *SQLiteQueue) Claim(ctx context.Context, lease time.Duration) (*Job, error) {
	now := q.opts.Clock()
	row := q.db.QueryRowContext(ctx, `
	UPDATE jobs
	SET status = ?, attempts = attempts + 1, lease_until = ?
	WHERE id = (
		SELECT id FROM jobs WHERE status = ? AND run_at <= ? ORDER BY run_at, id LIMIT 1
	)
	RETURNING `+jobColumns,
		StatusRunning, now.Add(lease).UnixNano(), StatusPending, now.UnixNano())

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Ack marks a job as done
func (q *SQLiteQueue) Ack(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, lease_until = NULL WHERE id = ?`, StatusDone, id)
	if err != nil {
		return fmt.Errorf("ack job %d: %w", id, err)
	}
	return nil
}

// Fail reschedules a job with backoff, or parks it once its attempts are spent.
// It reports whether the job was parked.
func (q *SQLiteQueue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if job.Attempts >= job.MaxAttempts {
		_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, lease_until = NULL WHERE id = ?`,
			StatusParked, msg, job.ID)
		if err != nil {
			return false, fmt.Errorf("park job %d: %w", job.ID, err)
		}
		return true, nil
	}

	delay := Backoff(job.Attempts, q.opts.BackoffBase, q.opts.BackoffMax)
	runAt := q.opts.Clock().Add(delay)
	_, err := q.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, last_error = ?, run_at = ?, lease_until = NULL WHERE id = ?`,
		StatusPending, msg, runAt.UnixNano(), job.ID)
	if err != nil {
		return false, fmt.Errorf("reschedule job %d: %w", job.ID, err)
	}
	return false, nil
}

// RequeueExpired returns jobs whose lease ran out to the pending state,
// parking those that have no attempts left
func (q *SQLiteQueue) RequeueExpired(ctx context.Context) (int, error) {
	now := q.opts.Clock().UnixNano()

	if _, err := q.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, last_error = 'lease expired', lease_until = NULL
	WHERE status = ? AND lease_until < ? AND attempts >= max_attempts`,
		StatusParked, StatusRunning, now); err != nil {
		return 0, fmt.Errorf("park expired jobs: %w", err)
	}

	res, err := q.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, run_at = ?, lease_until = NULL
	WHERE status = ? AND lease_until < ?`,
		StatusPending, now, StatusRunning, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}

	n, _ := res.RowsAffected()
	return int(n), nil
}

// Parked lists jobs that exhausted their attempts
func (q *SQLiteQueue) Parked(ctx context.Context, limit int) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY id LIMIT ?`, StatusParked, limit)
	if err != nil {
		return nil, fmt.Errorf("list parked jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// Replay moves a parked job back to pending with a fresh attempt budget
func (q *SQLiteQueue) Replay(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, attempts = 0, run_at = ?, last_error = ''
	WHERE id = ? AND status = ?`,
		StatusPending, q.opts.Clock().UnixNano(), id, StatusParked)
	if err != nil {
		return fmt.Errorf("replay job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	logrus.Infof("Replayed parked job %d", id)
	return nil
}

// Stats counts jobs by status
func (q *SQLiteQueue) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := map[Status]int{}
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats[s] = n
	}
	return stats, rows.Err()
}
