package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mpataki/neuron/internal/models"
	"github.com/mpataki/neuron/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registrarFunc func(ctx context.Context, req queue.RegisterRequest) (models.Identity, error)

func (f registrarFunc) Register(ctx context.Context, req queue.RegisterRequest) (models.Identity, error) {
	return f(ctx, req)
}

func TestRegisterRetriesUntilAccepted(t *testing.T) {
	calls := 0
	r := registrarFunc(func(ctx context.Context, req queue.RegisterRequest) (models.Identity, error) {
		calls++
		if calls < 4 {
			return models.Identity{}, errors.New("connection refused")
		}
		return models.Identity{WorkerID: "w-42"}, nil
	})

	var delays []time.Duration
	id, err := Register(context.Background(), r, queue.RegisterRequest{Wallet: "0x1", Token: "t"}, RegisterOptions{
		Base: 100 * time.Millisecond,
		Max:  200 * time.Millisecond,
		Wait: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		Rand: noJitter,
	}, discardLogger())

	require.NoError(t, err)
	assert.Equal(t, "w-42", id.WorkerID)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestRegisterStopsOnMissingCredentials(t *testing.T) {
	calls := 0
	r := registrarFunc(func(ctx context.Context, req queue.RegisterRequest) (models.Identity, error) {
		calls++
		return models.Identity{}, queue.ErrMissingCredentials
	})

	_, err := Register(context.Background(), r, queue.RegisterRequest{}, RegisterOptions{Base: time.Millisecond}, discardLogger())
	assert.ErrorIs(t, err, queue.ErrMissingCredentials)
	assert.Equal(t, 1, calls)
}

func TestRegisterStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := registrarFunc(func(ctx context.Context, req queue.RegisterRequest) (models.Identity, error) {
		return models.Identity{}, errors.New("queue returned status 500")
	})

	attempts := 0
	_, err := Register(ctx, r, queue.RegisterRequest{Wallet: "0x1", Token: "t"}, RegisterOptions{
		Base: time.Millisecond,
		Wait: func(ctx context.Context, d time.Duration) error {
			attempts++
			if attempts == 10 {
				cancel()
			}
			return Sleep(ctx, d)
		},
	}, discardLogger())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, attempts)
}
