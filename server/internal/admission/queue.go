package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrOverloaded means the pending depth (or the queue wait) was exceeded.
	ErrOverloaded = errors.New("admission: queue overloaded")

	// ErrTimeout means the job did not finish within the job timeout.
	ErrTimeout = errors.New("admission: job timed out")
)

// JobError wraps a failure returned by the job itself.
type JobError struct {
	Err error
}

func (e *JobError) Error() string { return "job failed: " + e.Err.Error() }
func (e *JobError) Unwrap() error { return e.Err }

// Output is the result of a successful job.
type Output map[string]any

// Job is one unit of expensive work. It should return promptly once ctx is
// cancelled.
type Job func(ctx context.Context) (Output, error)

// Outcome labels how a submission ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeRejected  Outcome = "rejected"
)

// Observer receives queue events. Calls are made while the queue's counters
// are locked and must not block.
type Observer interface {
	QueueChanged(pending, running int)
	JobStarted(wait time.Duration)
	JobFinished(outcome Outcome, d time.Duration)
}

// Options configures a Queue.
type Options struct {
	// Concurrency is the number of slots. Values below 1 are treated as 1.
	Concurrency int

	// MaxPending bounds the number of waiting jobs. Zero means unbounded.
	MaxPending int

	// JobTimeout bounds execution time. Zero means no bound.
	JobTimeout time.Duration

	// QueueWait bounds the time spent pending. Zero means no bound besides
	// the caller's context.
	QueueWait time.Duration

	Observer Observer
}

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Pending    int    `json:"pending"`
	Running    int    `json:"running"`
	Limit      int    `json:"limit"`
	MaxPending int    `json:"max_pending"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	TimedOut   uint64 `json:"timed_out"`
	Rejected   uint64 `json:"rejected"`
}

// Queue is a bounded-concurrency FIFO job runner.
type Queue struct {
	opts Options
	sem  *semaphore.Weighted

	mu    sync.Mutex
	stats Stats
}

// New creates a Queue.
func New(opts Options) *Queue {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxPending < 0 {
		opts.MaxPending = 0
	}
	return &Queue{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.Concurrency)),
		stats: Stats{
			Limit:      opts.Concurrency,
			MaxPending: opts.MaxPending,
		},
	}
}

// Stats returns the current counters without changing them.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

type jobIDKey struct{}

// WithJobID attaches an id used to label the job in logs.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobID returns the id attached by WithJobID, or "".
func JobID(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

// Submit runs job under the queue's admission rules and returns its output.
//
// Errors: ErrOverloaded when rejected, ErrTimeout when the job overran,
// *JobError for the job's own failure, or ctx.Err() when the caller gave up.
func (q *Queue) Submit(ctx context.Context, job Job) (Output, error) {
	id := JobID(ctx)
	if id == "" {
		id = uuid.NewString()
		ctx = WithJobID(ctx, id)
	}

	submitted := time.Now()
	if err := q.admit(ctx); err != nil {
		if errors.Is(err, ErrOverloaded) {
			slog.Warn("admission: job rejected", "job", id, "err", err)
		}
		return nil, err
	}

	wait := time.Since(submitted)
	q.mu.Lock()
	if q.opts.Observer != nil {
		q.opts.Observer.JobStarted(wait)
	}
	q.mu.Unlock()

	return q.execute(ctx, id, job)
}

// admit acquires a slot or fails. On success the caller owns one slot and
// has been counted as running.
func (q *Queue) admit(ctx context.Context) error {
	q.mu.Lock()
	// Jump straight in only if nobody is waiting.
	if q.stats.Pending == 0 && q.sem.TryAcquire(1) {
		q.stats.Running++
		q.changed()
		q.mu.Unlock()
		return nil
	}
	if q.opts.MaxPending > 0 && q.stats.Pending >= q.opts.MaxPending {
		q.reject()
		q.mu.Unlock()
		return ErrOverloaded
	}
	q.stats.Pending++
	q.changed()
	q.mu.Unlock()

	waitCtx := ctx
	if q.opts.QueueWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, q.opts.QueueWait)
		defer cancel()
	}
	err := q.sem.Acquire(waitCtx, 1)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats.Pending--
	if err == nil {
		q.stats.Running++
	}
	q.changed()
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		q.finished(OutcomeCanceled, 0)
		return ctx.Err()
	default:
		q.reject()
		return fmt.Errorf("%w: waited %s for a slot", ErrOverloaded, q.opts.QueueWait)
	}
}

type result struct {
	out Output
	err error
}

func (q *Queue) execute(ctx context.Context, id string, job Job) (Output, error) {
	var once sync.Once
	release := func() {
		once.Do(func() {
			// Uncount before handing the slot on, so a waiter that wakes
			// up never sees Running above Concurrency.
			q.mu.Lock()
			q.stats.Running--
			q.changed()
			q.mu.Unlock()
			q.sem.Release(1)
		})
	}
	defer release()

	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if q.opts.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, q.opts.JobTimeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("admission: job panicked", "job", id, "panic", r, "stack", string(debug.Stack()))
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := job(jobCtx)
		done <- result{out: out, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-jobCtx.Done():
		// Prefer a result that raced the deadline.
		select {
		case r = <-done:
		default:
			release()
			elapsed := time.Since(start)
			go discardLate(id, start, done)
			if ctx.Err() != nil {
				q.record(OutcomeCanceled, elapsed)
				return nil, ctx.Err()
			}
			q.record(OutcomeTimeout, elapsed)
			slog.Warn("admission: job timed out", "job", id, "timeout", q.opts.JobTimeout)
			return nil, ErrTimeout
		}
	}

	release()
	elapsed := time.Since(start)
	switch {
	case r.err == nil:
		q.record(OutcomeCompleted, elapsed)
		return r.out, nil
	case ctx.Err() != nil:
		q.record(OutcomeCanceled, elapsed)
		return nil, ctx.Err()
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		q.record(OutcomeTimeout, elapsed)
		slog.Warn("admission: job timed out", "job", id, "timeout", q.opts.JobTimeout)
		return nil, ErrTimeout
	default:
		q.record(OutcomeFailed, elapsed)
		return nil, &JobError{Err: r.err}
	}
}

// discardLate waits for an abandoned job and logs what it eventually did.
func discardLate(id string, start time.Time, done <-chan result) {
	r := <-done
	slog.Warn("admission: discarded late result", "job", id, "elapsed", time.Since(start), "err", r.err)
}

func (q *Queue) record(o Outcome, d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finished(o, d)
}

// finished, reject and changed expect q.mu to be held.

func (q *Queue) finished(o Outcome, d time.Duration) {
	switch o {
	case OutcomeCompleted:
		q.stats.Completed++
	case OutcomeFailed:
		q.stats.Failed++
	case OutcomeTimeout:
		q.stats.TimedOut++
	}
	if q.opts.Observer != nil {
		q.opts.Observer.JobFinished(o, d)
	}
}

func (q *Queue) reject() {
	q.stats.Rejected++
	if q.opts.Observer != nil {
		q.opts.Observer.JobFinished(OutcomeRejected, 0)
	}
}

func (q *Queue) changed() {
	if q.opts.Observer != nil {
		q.opts.Observer.QueueChanged(q.stats.Pending, q.stats.Running)
	}
}
