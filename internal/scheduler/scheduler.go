// Package scheduler runs keyed jobs at or after a due time.
//
// Delivery is at-least-once and not-before: a job never runs early. A claim
// is a lease; a job whose lease expires before it is acknowledged, because
// its process died mid-run, returns to the pending set and runs again.
// Handlers must therefore tolerate repeats.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler executes one job. Args are the strings given to RunAt.
type Handler func(ctx context.Context, args []string) error

// Scheduler is the contract the dispatcher and route server depend on.
type Scheduler interface {
	RunAt(ctx context.Context, at time.Time, key string, args ...string) error
	RunRecurring(ctx context.Context, every time.Duration, key string) error
	Cancel(ctx context.Context, key string, args ...string) (int, error)
}

// Queue stores pending jobs ordered by due time.
type Queue interface {
	Push(ctx context.Context, at time.Time, member string) error
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Claim moves member from pending to in-flight until leaseUntil and
	// reports whether this caller won it.
	Claim(ctx context.Context, member string, leaseUntil time.Time) (bool, error)
	// Ack drops a finished in-flight member.
	Ack(ctx context.Context, member string) error
	// Reclaim returns in-flight members whose lease expired by now to pending.
	Reclaim(ctx context.Context, now time.Time) (int, error)
	// Remove deletes a pending member.
	Remove(ctx context.Context, member string) (bool, error)
	// Members lists pending members.
	Members(ctx context.Context) ([]string, error)
}

type Job struct {
	Key   string   `json:"key"`
	Args  []string `json:"args,omitempty"`
	Nonce string   `json:"nonce"`
}

func encodeJob(j Job) (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(b), nil
}

func decodeJob(member string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(member), &j); err != nil {
		return j, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}

const (
	batchSize         = 100
	defaultJobTimeout = 2 * time.Minute
	defaultLease      = 5 * time.Minute
)

type Runner struct {
	// JobTimeout bounds one handler call. Jobs run detached from the
	// runner's context, so stopping the runner lets them finish.
	JobTimeout time.Duration
	// Lease is how long a claimed job may stay unacknowledged before another
	// poll requeues it. It is never shorter than twice JobTimeout.
	Lease time.Duration


	queue        Queue
	concurrency  int
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu        sync.RWMutex
	handlers  map[string]Handler
	recurring map[string]time.Duration
	runCtx    context.Context

	sem chan struct{}
	wg  sync.WaitGroup
}

func New(q Queue, concurrency int, pollInterval time.Duration) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Runner{
		JobTimeout:   defaultJobTimeout,
		Lease:        defaultLease,
		queue:        q,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		logger:       slog.Default().With("component", "scheduler"),
		now:          time.Now,
		handlers:     map[string]Handler{},
		recurring:    map[string]time.Duration{},
		sem:          make(chan struct{}, concurrency),
	}
}

// Handle registers the handler for key, replacing any previous one.
func (r *Runner) Handle(key string, h Handler) {
	r.mu.Lock()
	r.handlers[key] = h
	r.mu.Unlock()
}

func (r *Runner) RunAt(ctx context.Context, at time.Time, key string, args ...string) error {
	member, err := encodeJob(Job{Key: key, Args: args, Nonce: uuid.NewString()})
	if err != nil {
		return err
	}
	if err := r.queue.Push(ctx, at, member); err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	return nil
}

// RunRecurring enqueues key every interval while the runner is started.
func (r *Runner) RunRecurring(ctx context.Context, every time.Duration, key string) error {
	if every <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", key)
	}
	r.mu.Lock()
	_, exists := r.recurring[key]
	r.recurring[key] = every
	runCtx := r.runCtx
	r.mu.Unlock()

	if runCtx != nil && !exists {
		r.startRecurring(runCtx, key)
	}
	return nil
}

// Cancel removes pending jobs for key whose args equal args exactly. With
// no args it also stops a recurring registration for key.
func (r *Runner) Cancel(ctx context.Context, key string, args ...string) (int, error) {
	members, err := r.queue.Members(ctx)
	if err != nil {
		return 0, fmt.Errorf("cancel %s: %w", key, err)
	}
	removed := 0
	for _, m := range members {
		j, err := decodeJob(m)
		if err != nil || j.Key != key || !sameArgs(j.Args, args) {
			continue
		}
		ok, err := r.queue.Remove(ctx, m)
		if err != nil {
			return removed, fmt.Errorf("cancel %s: %w", key, err)
		}
		if ok {
			removed++
		}
	}
	if len(args) == 0 {
		r.mu.Lock()
		delete(r.recurring, key)
		r.mu.Unlock()
	}
	return removed, nil
}

func sameArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Start launches the poll loop and any recurring jobs. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.runCtx = ctx
	keys := make([]string, 0, len(r.recurring))
	for k := range r.recurring {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.startRecurring(ctx, k)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunDue(ctx); err != nil {
					r.logger.Error("poll scheduled jobs", "error", err)
				}
			}
		}
	}()
	r.logger.Info("scheduler started", "concurrency", r.concurrency, "poll_interval", r.pollInterval)
}

func (r *Runner) startRecurring(ctx context.Context, key string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			r.mu.RLock()
			every, ok := r.recurring[key]
			r.mu.RUnlock()
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(every):
				if err := r.RunAt(ctx, r.now(), key); err != nil {
					r.logger.Error("enqueue recurring job", "key", key, "error", err)
				}
			}
		}
	}()
}

// RunDue requeues expired leases, then claims every job due now and runs it
// on the worker pool. It returns the number of jobs started.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	now := r.now()
	if n, err := r.queue.Reclaim(ctx, now); err != nil {
		return 0, fmt.Errorf("reclaim expired jobs: %w", err)
	} else if n > 0 {
		r.logger.Warn("requeued jobs with expired leases", "count", n)
	}

	members, err := r.queue.Due(ctx, now, batchSize)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, m := range members {
		// Take a worker slot before claiming so nothing is claimed that
		// cannot start.
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return started, ctx.Err()
		}

		ok, err := r.queue.Claim(ctx, m, r.now().Add(r.lease()))
		if err != nil || !ok {
			<-r.sem
			if err != nil {
				return started, err
			}
			continue
		}
		job, err := decodeJob(m)
		if err != nil {
			<-r.sem
			r.logger.Error("dropping malformed job", "member", m, "error", err)
			r.ack(ctx, m)
			continue
		}

		started++
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			defer r.ack(ctx, m)
			jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.jobTimeout())
			defer cancel()
			r.execute(jobCtx, job)
		}()
	}
	return started, nil
}

func (r *Runner) ack(ctx context.Context, member string) {
	if err := r.queue.Ack(context.WithoutCancel(ctx), member); err != nil {
		r.logger.Error("ack job", "member", member, "error", err)
	}
}

func (r *Runner) jobTimeout() time.Duration {
	if r.JobTimeout <= 0 {
		return defaultJobTimeout
	}
	return r.JobTimeout
}

func (r *Runner) lease() time.Duration {
	return max(r.Lease, 2*r.jobTimeout())
}

func (r *Runner) execute(ctx context.Context, job Job) {
	r.mu.RLock()
	h, ok := r.handlers[job.Key]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("no handler for job", "key", job.Key)
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("job panicked", "key", job.Key, "panic", p)
		}
	}()

	start := time.Now()
	if err := h(ctx, job.Args); err != nil {
		r.logger.Error("job failed", "key", job.Key, "args", job.Args, "error", err)
		return
	}
	r.logger.Debug("job done", "key", job.Key, "duration", time.Since(start))
}

// Wait blocks until the poll loop, recurring loops and running jobs exit.
func (r *Runner) Wait() {
	r.wg.Wait()
}
