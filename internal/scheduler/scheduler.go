// Package scheduler drives the worker: it polls for work under a
// concurrency budget, runs each item's execute-and-submit pipeline in its
// own goroutine and keeps the poll delay adaptive.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpataki/neuron/internal/backoff"
	"github.com/mpataki/neuron/internal/models"
	"github.com/mpataki/neuron/internal/queue"
	"github.com/mpataki/neuron/internal/stats"
	"golang.org/x/sync/semaphore"
)

type Queue interface {
	Poll(ctx context.Context, workerID string) (*models.WorkItem, error)
	Submit(ctx context.Context, req queue.SubmitRequest) (queue.SubmitAck, error)
}

type Runner interface {
	Execute(ctx context.Context, profile models.AgentProfile, item models.WorkItem) models.ExecutionResult
}

// Journal receives an audit record for every completed execution.
type Journal interface {
	RecordExecution(ctx context.Context, entry *models.JournalEntry) (int64, error)
	MarkSubmitted(ctx context.Context, id int64, status models.SubmitStatus) error
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	MaxConcurrent  int
	PollBase       time.Duration
	PollMax        time.Duration
	SubmitAttempts int
	SubmitMetadata bool
	Profile        models.AgentProfile

	Journal Journal
	// Wait and Rand replace the timer and the jitter source in tests.
	Wait WaitFunc
	Rand func() float64
}

type Scheduler struct {
	opts    Options
	queue   Queue
	runner  Runner
	tracker *stats.Tracker
	logger  *slog.Logger

	sem     *semaphore.Weighted
	backoff *backoff.Backoff
	polling atomic.Bool
	wg      sync.WaitGroup
	stop    context.CancelCauseFunc
}

func New(opts Options, q Queue, runner Runner, tracker *stats.Tracker, logger *slog.Logger) *Scheduler {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.PollBase <= 0 {
		opts.PollBase = 5 * time.Second
	}
	if opts.SubmitAttempts < 1 {
		opts.SubmitAttempts = 1
	}
	if opts.Wait == nil {
		opts.Wait = Sleep
	}
	if tracker == nil {
		tracker = stats.NewTracker(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := backoff.New(backoff.Policy{
		Base:   opts.PollBase,
		Max:    opts.PollMax,
		Jitter: backoff.DefaultJitter,
	})
	if opts.Rand != nil {
		b.WithRand(opts.Rand)
	}

	return &Scheduler{
		opts:    opts,
		queue:   q,
		runner:  runner,
		tracker: tracker,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		backoff: b,
	}
}

// Run polls until ctx is cancelled or the queue rejects the worker identity,
// then waits for in-flight pipelines. It returns queue.ErrUnauthorized in the
// latter case and nil on a normal shutdown.
func (s *Scheduler) Run(ctx context.Context, id models.Identity) error {
	loopCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	s.stop = stop

	// Pipelines outlive the poll loop so accepted items are still reported
	// during shutdown.
	pipelineCtx := context.WithoutCancel(ctx)
	logger := s.logger.With("worker_id", id.WorkerID)

	logger.Info("scheduler started",
		"max_concurrent", s.opts.MaxConcurrent,
		"poll_interval", s.opts.PollBase,
	)

	delay := s.backoff.Jittered()
	for {
		if err := s.opts.Wait(loopCtx, delay); err != nil {
			break
		}
		s.tick(loopCtx, pipelineCtx, id)
		delay = s.backoff.Jittered()
		s.tracker.Metrics().SetBackoff(s.backoff.Current())
	}

	logger.Info("scheduler stopping, waiting for in-flight items", "in_flight", s.tracker.InFlight())
	s.wg.Wait()

	if cause := context.Cause(loopCtx); errors.Is(cause, queue.ErrUnauthorized) {
		return cause
	}
	return nil
}

// tick makes one acquisition decision and reports whether an item was
// accepted.
func (s *Scheduler) tick(ctx, pipelineCtx context.Context, id models.Identity) bool {
	if !s.polling.CompareAndSwap(false, true) {
		return false
	}
	defer s.polling.Store(false)

	if !s.sem.TryAcquire(1) {
		s.backoff.Reset()
		s.logger.Debug("at capacity, skipping poll", "in_flight", s.tracker.InFlight())
		return false
	}

	item, err := s.queue.Poll(ctx, id.WorkerID)
	if err != nil {
		s.sem.Release(1)
		if errors.Is(err, queue.ErrUnauthorized) {
			s.logger.Error("queue rejected worker identity, stopping", "worker_id", id.WorkerID)
			s.stop(err)
			return false
		}
		next := s.backoff.Grow()
		if ctx.Err() == nil {
			s.logger.Debug("poll failed", "error", err, "next_delay", next)
		}
		return false
	}
	if item == nil {
		s.sem.Release(1)
		s.backoff.Grow()
		return false
	}

	s.backoff.Reset()
	if !s.tracker.Accept(item.ID) {
		s.sem.Release(1)
		s.logger.Warn("item already in flight, skipping", "item_id", item.ID)
		return false
	}
	s.logger.Info("accepted work item", "item_id", item.ID, "level", item.Level)

	s.wg.Add(1)
	go s.pipeline(pipelineCtx, id, *item)
	return true
}

// pipeline executes one item and submits its result. Every path releases
// the slot and completes the item in the tracker exactly once.
func (s *Scheduler) pipeline(ctx context.Context, id models.Identity, item models.WorkItem) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	logger := s.logger.With("worker_id", id.WorkerID, "item_id", item.ID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panicked", "panic", r)
		}
	}()

	// Execute
	result := s.execute(ctx, item)
	defer s.tracker.Complete(item.ID, result)

	// Journal
	entryID, journaled := s.record(ctx, logger, id, item, result)

	// Submit
	status := s.submit(ctx, logger, id, item, result)
	s.tracker.Metrics().Submitted(status)

	if journaled {
		if err := s.opts.Journal.MarkSubmitted(ctx, entryID, status); err != nil {
			logger.Warn("failed to update journal entry", "error", err)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, item models.WorkItem) (result models.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("execution panicked", "item_id", item.ID, "panic", r)
			result = models.ExecutionResult{
				Error:     fmt.Sprintf("internal error: %v", r),
				Timestamp: time.Now(),
				ExitCode:  -1,
			}
		}
	}()
	return s.runner.Execute(ctx, s.opts.Profile, item)
}

func (s *Scheduler) record(ctx context.Context, logger *slog.Logger, id models.Identity, item models.WorkItem, result models.ExecutionResult) (entryID int64, journaled bool) {
	if s.opts.Journal == nil {
		return 0, false
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("journal write panicked", "panic", r)
			entryID, journaled = 0, false
		}
	}()

	entryID, err := s.opts.Journal.RecordExecution(ctx, models.NewJournalEntry(id.WorkerID, &item, &result))
	if err != nil {
		logger.Warn("failed to journal execution", "error", err)
		return 0, false
	}
	return entryID, true
}

// submit reports the result, retrying transient failures with backoff.
func (s *Scheduler) submit(ctx context.Context, logger *slog.Logger, id models.Identity, item models.WorkItem, result models.ExecutionResult) (status models.SubmitStatus) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("submission panicked", "panic", r)
			status = models.SubmitStatusFailed
		}
	}()

	req := buildSubmitRequest(id, item, result, s.opts.SubmitMetadata)
	retry := backoff.New(backoff.Policy{
		Base:   s.opts.PollBase,
		Max:    s.opts.PollMax,
		Jitter: backoff.DefaultJitter,
	})
	if s.opts.Rand != nil {
		retry.WithRand(s.opts.Rand)
	}

	for attempt := 1; ; attempt++ {
		ack, err := s.queue.Submit(ctx, req)
		if err == nil {
			logger.Info("result submitted",
				"status", ack.Status,
				"success", result.Success,
				"duration_ms", result.DurationMs,
			)
			return ack.Status
		}

		if errors.Is(err, queue.ErrUnauthorized) || attempt >= s.opts.SubmitAttempts {
			logger.Error("failed to submit result", "error", err, "attempts", attempt)
			return models.SubmitStatusFailed
		}

		delay := retry.Jittered()
		retry.Grow()
		logger.Warn("submit failed, retrying", "error", err, "attempt", attempt, "delay", delay)
		if err := s.opts.Wait(ctx, delay); err != nil {
			return models.SubmitStatusFailed
		}
	}
}

// buildSubmitRequest sends the raw output as the result, plus the metadata
// envelope when enabled. A failed result also carries its error.
func buildSubmitRequest(id models.Identity, item models.WorkItem, result models.ExecutionResult, withMetadata bool) queue.SubmitRequest {
	req := queue.SubmitRequest{
		ItemID:   item.ID,
		WorkerID: id.WorkerID,
		Result:   result.Output,
	}

	var errMsg *string
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "execution failed"
		}
		errMsg = &msg
	}
	req.Error = errMsg

	if withMetadata {
		req.Metadata = &queue.Metadata{
			Success:    result.Success,
			Output:     result.Output,
			Error:      errMsg,
			DurationMs: result.DurationMs,
			WorkDir:    result.WorkDir,
			Level:      item.Level,
		}
	}
	return req
}

// Sleep waits for d unless ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
