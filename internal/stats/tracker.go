package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/mpataki/neuron/internal/models"
)

// Counters are the running totals for the process lifetime. They are never
// reset.
type Counters struct {
	Received      int64
	Completed     int64
	Succeeded     int64
	Failed        int64
	TimedOut      int64
	TotalDuration time.Duration
}

// Snapshot is a consistent copy of the counters and the in-flight set.
type Snapshot struct {
	Counters
	InFlight []string
}

// Tracker holds the in-flight item set and the counters behind one lock so
// neither can be observed without the other.
type Tracker struct {
	mu       sync.Mutex
	counters Counters
	inFlight map[string]time.Time
	metrics  *Metrics
}

func NewTracker(metrics *Metrics) *Tracker {
	return &Tracker{
		inFlight: make(map[string]time.Time),
		metrics:  metrics,
	}
}

// Accept records a received item as in flight. It reports false, and
// records nothing, when the item is already in flight.
func (t *Tracker) Accept(itemID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inFlight[itemID]; ok {
		return false
	}
	t.counters.Received++
	t.inFlight[itemID] = time.Now()
	t.metrics.received()
	t.metrics.setInFlight(len(t.inFlight))
	return true
}

// Complete removes the item from the in-flight set and folds its result
// into the counters in the same critical section.
func (t *Tracker) Complete(itemID string, result models.ExecutionResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.inFlight, itemID)

	d := time.Duration(result.DurationMs) * time.Millisecond
	t.counters.Completed++
	t.counters.TotalDuration += d
	switch {
	case result.Success:
		t.counters.Succeeded++
	case result.TimedOut:
		t.counters.Failed++
		t.counters.TimedOut++
	default:
		t.counters.Failed++
	}

	t.metrics.completed(result, d)
	t.metrics.setInFlight(len(t.inFlight))
}

func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.inFlight))
	for id := range t.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Snapshot{Counters: t.counters, InFlight: ids}
}

// Metrics returns the collectors the tracker reports to, possibly nil.
func (t *Tracker) Metrics() *Metrics {
	return t.metrics
}
