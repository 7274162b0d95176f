// Package worker binds the background job handlers to a scheduler runner.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zachbroad/hookline/internal/deliverylog"
	"github.com/zachbroad/hookline/internal/dispatch"
	"github.com/zachbroad/hookline/internal/handler"
	"github.com/zachbroad/hookline/internal/scheduler"
)

// JobPrune is the recurring retention job.
const JobPrune = "deliverylog.prune"

type Dispatcher interface {
	HandleDispatchJob(ctx context.Context, args []string) error
	HandleRetryJob(ctx context.Context, args []string) error
}

type RouteProcessor interface {
	ProcessJob(ctx context.Context, args []string) error
}

type Pruner interface {
	PruneJob(policy deliverylog.RetentionPolicy) func(ctx context.Context, args []string) error
}

// Options tunes the retention job. A zero PruneEvery disables it.
type Options struct {
	Retention  deliverylog.RetentionPolicy
	PruneEvery time.Duration
}

type Worker struct {
	runner     *scheduler.Runner
	dispatcher Dispatcher
	routes     RouteProcessor
	pruner     Pruner
	opts       Options
}

func New(runner *scheduler.Runner, d Dispatcher, routes RouteProcessor, pruner Pruner, opts Options) *Worker {
	return &Worker{
		runner:     runner,
		dispatcher: d,
		routes:     routes,
		pruner:     pruner,
		opts:       opts,
	}
}

// Register installs every job handler and the recurring retention job
// without starting the poll loop.
func (w *Worker) Register(ctx context.Context) error {
	w.runner.Handle(dispatch.JobDispatch, w.dispatcher.HandleDispatchJob)
	w.runner.Handle(dispatch.JobRetry, w.dispatcher.HandleRetryJob)
	if w.routes != nil {
		w.runner.Handle(handler.JobRouteProcess, w.routes.ProcessJob)
	}

	policy := w.opts.Retention
	if w.pruner == nil || w.opts.PruneEvery <= 0 || (policy.Days <= 0 && policy.MaxEntries <= 0) {
		slog.Info("delivery log retention disabled")
		return nil
	}
	w.runner.Handle(JobPrune, w.pruner.PruneJob(policy))
	if err := w.runner.RunRecurring(ctx, w.opts.PruneEvery, JobPrune); err != nil {
		return fmt.Errorf("register retention job: %w", err)
	}
	return nil
}

func (w *Worker) Start(ctx context.Context) error {
	if err := w.Register(ctx); err != nil {
		return err
	}
	w.runner.Start(ctx)
	slog.Info("worker started",
		"retention_days", w.opts.Retention.Days,
		"max_entries", w.opts.Retention.MaxEntries,
		"prune_every", w.opts.PruneEvery)
	return nil
}

// Wait blocks until running jobs finish after the start context is done.
func (w *Worker) Wait() {
	w.runner.Wait()
}
