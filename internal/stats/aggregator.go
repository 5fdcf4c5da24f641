package stats

import (
	"context"
	"log/slog"
	"time"
)

type Summary struct {
	Received    int64
	Completed   int64
	Succeeded   int64
	Failed      int64
	TimedOut    int64
	InFlight    int
	SuccessRate float64
	TimeoutRate float64
	AvgDuration time.Duration
}

// Summarize derives rates from a snapshot. Rates are relative to received
// items and are zero until something has been received.
func Summarize(s Snapshot) Summary {
	sum := Summary{
		Received:  s.Received,
		Completed: s.Completed,
		Succeeded: s.Succeeded,
		Failed:    s.Failed,
		TimedOut:  s.TimedOut,
		InFlight:  len(s.InFlight),
	}
	if s.Received > 0 {
		sum.SuccessRate = float64(s.Succeeded) / float64(s.Received)
		sum.TimeoutRate = float64(s.TimedOut) / float64(s.Received)
	}
	if s.Completed > 0 {
		sum.AvgDuration = s.TotalDuration / time.Duration(s.Completed)
	}
	return sum
}

// Aggregator periodically logs a Summary. It never changes the tracker.
type Aggregator struct {
	tracker  *Tracker
	interval time.Duration
	logger   *slog.Logger
}

func NewAggregator(tracker *Tracker, interval time.Duration, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{tracker: tracker, interval: interval, logger: logger}
}

// Run blocks until ctx is done. It returns immediately when the interval
// is not positive.
func (a *Aggregator) Run(ctx context.Context) {
	if a.interval <= 0 {
		return
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Emit()
		}
	}
}

// Emit logs one summary and returns it.
func (a *Aggregator) Emit() Summary {
	sum := Summarize(a.tracker.Snapshot())
	a.logger.Info("worker stats",
		"received", sum.Received,
		"completed", sum.Completed,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"timed_out", sum.TimedOut,
		"in_flight", sum.InFlight,
		"success_rate", sum.SuccessRate,
		"timeout_rate", sum.TimeoutRate,
		"avg_duration_ms", sum.AvgDuration.Milliseconds(),
	)
	return sum
}
