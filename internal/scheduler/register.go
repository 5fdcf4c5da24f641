package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mpataki/neuron/internal/backoff"
	"github.com/mpataki/neuron/internal/models"
	"github.com/mpataki/neuron/internal/queue"
)

type Registrar interface {
	Register(ctx context.Context, req queue.RegisterRequest) (models.Identity, error)
}

type RegisterOptions struct {
	Base time.Duration
	Max  time.Duration
	Wait WaitFunc
	Rand func() float64
}

// Register obtains a worker identity, retrying with backoff until it
// succeeds. Only missing credentials and ctx cancellation end it early.
func Register(ctx context.Context, r Registrar, req queue.RegisterRequest, opts RegisterOptions, logger *slog.Logger) (models.Identity, error) {
	if opts.Wait == nil {
		opts.Wait = Sleep
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := backoff.New(backoff.Policy{
		Base:   opts.Base,
		Max:    opts.Max,
		Jitter: backoff.DefaultJitter,
	})
	if opts.Rand != nil {
		b.WithRand(opts.Rand)
	}

	for attempt := 1; ; attempt++ {
		id, err := r.Register(ctx, req)
		if err == nil {
			logger.Info("registered with queue", "worker_id", id.WorkerID, "attempts", attempt)
			return id, nil
		}
		if errors.Is(err, queue.ErrMissingCredentials) {
			return models.Identity{}, err
		}
		if ctx.Err() != nil {
			return models.Identity{}, ctx.Err()
		}

		delay := b.Jittered()
		b.Grow()
		logger.Warn("registration failed, retrying", "error", err, "attempt", attempt, "delay", delay)

		if err := opts.Wait(ctx, delay); err != nil {
			return models.Identity{}, err
		}
	}
}
