package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mpataki/neuron/internal/models"
	"github.com/mpataki/neuron/internal/queue"
	"github.com/mpataki/neuron/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = models.Identity{WorkerID: "worker-1"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noJitter makes every jittered delay equal to the current delay.
func noJitter() float64 { return 0.5 }

type fakeQueue struct {
	mu      sync.Mutex
	polls   int
	poll    func(n int) (*models.WorkItem, error)
	submits []queue.SubmitRequest
	submit  func(n int, req queue.SubmitRequest) (queue.SubmitAck, error)
}

func (q *fakeQueue) Poll(ctx context.Context, workerID string) (*models.WorkItem, error) {
	q.mu.Lock()
	q.polls++
	n, fn := q.polls, q.poll
	q.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(n)
}

func (q *fakeQueue) Submit(ctx context.Context, req queue.SubmitRequest) (queue.SubmitAck, error) {
	q.mu.Lock()
	q.submits = append(q.submits, req)
	n, fn := len(q.submits), q.submit
	q.mu.Unlock()
	if fn == nil {
		return queue.SubmitAck{Status: models.SubmitStatusSubmitted}, nil
	}
	return fn(n, req)
}

func (q *fakeQueue) pollCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.polls
}

func (q *fakeQueue) submitted() []queue.SubmitRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.SubmitRequest(nil), q.submits...)
}

// serve returns the given items on the first polls and nothing afterwards.
func serve(ids ...string) func(n int) (*models.WorkItem, error) {
	return func(n int) (*models.WorkItem, error) {
		if n > len(ids) || ids[n-1] == "" {
			return nil, nil
		}
		return &models.WorkItem{ID: ids[n-1], Prompt: "do " + ids[n-1]}, nil
	}
}

type runnerFunc func(ctx context.Context, profile models.AgentProfile, item models.WorkItem) models.ExecutionResult

func (f runnerFunc) Execute(ctx context.Context, profile models.AgentProfile, item models.WorkItem) models.ExecutionResult {
	return f(ctx, profile, item)
}

func succeed(ctx context.Context, profile models.AgentProfile, item models.WorkItem) models.ExecutionResult {
	return models.ExecutionResult{Success: true, Output: "done " + item.ID, DurationMs: 5, Timestamp: time.Now()}
}

type waitRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	limit  int
	cancel context.CancelFunc
}

func (w *waitRecorder) Wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	n := len(w.delays)
	w.mu.Unlock()
	if n >= w.limit {
		w.cancel()
	}
	return ctx.Err()
}

func (w *waitRecorder) recorded() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.delays...)
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []*models.JournalEntry
	marks   map[int64]models.SubmitStatus
}

func (j *fakeJournal) RecordExecution(ctx context.Context, entry *models.JournalEntry) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return int64(len(j.entries)), nil
}

func (j *fakeJournal) MarkSubmitted(ctx context.Context, id int64, status models.SubmitStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.marks == nil {
		j.marks = make(map[int64]models.SubmitStatus)
	}
	j.marks[id] = status
	return nil
}

func (j *fakeJournal) statuses() []models.SubmitStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]models.SubmitStatus, 0, len(j.marks))
	for i := int64(1); i <= int64(len(j.entries)); i++ {
		if status, ok := j.marks[i]; ok {
			out = append(out, status)
		}
	}
	return out
}

func runAsync(s *Scheduler, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, testIdentity) }()
	return done
}

func TestRunRespectsMaxConcurrent(t *testing.T) {
	release := make(chan struct{})
	var running, peak atomic.Int32
	runner := runnerFunc(func(ctx context.Context, p models.AgentProfile, item models.WorkItem) models.ExecutionResult {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return models.ExecutionResult{Success: true, Output: item.ID}
	})

	q := &fakeQueue{poll: serve("a", "b", "c")}
	tracker := stats.NewTracker(nil)
	s := New(Options{
		MaxConcurrent: 2,
		PollBase:      time.Millisecond,
		PollMax:       time.Millisecond,
		Rand:          noJitter,
	}, q, runner, tracker, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(s, ctx)

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, q.pollCount(), "no poll while every slot is busy")
	assert.Equal(t, 2, tracker.InFlight())

	close(release)
	require.Eventually(t, func() bool { return len(q.submitted()) == 3 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.EqualValues(t, 2, peak.Load())

	snap := tracker.Snapshot()
	assert.EqualValues(t, 3, snap.Received)
	assert.EqualValues(t, 3, snap.Succeeded)
	assert.Empty(t, snap.InFlight)
}

func TestRunBacksOffWhenIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &waitRecorder{limit: 5, cancel: cancel}

	q := &fakeQueue{}
	s := New(Options{
		PollBase: 100 * time.Millisecond,
		PollMax:  300 * time.Millisecond,
		Wait:     rec.Wait,
		Rand:     noJitter,
	}, q, runnerFunc(succeed), nil, discardLogger())

	require.NoError(t, s.Run(ctx, testIdentity))
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		150 * time.Millisecond,
		225 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
	}, rec.recorded())
}

func TestRunBacksOffOnPollErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &waitRecorder{limit: 3, cancel: cancel}

	q := &fakeQueue{poll: func(int) (*models.WorkItem, error) {
		return nil, errors.New("connection refused")
	}}
	s := New(Options{
		PollBase: 100 * time.Millisecond,
		PollMax:  time.Second,
		Wait:     rec.Wait,
		Rand:     noJitter,
	}, q, runnerFunc(succeed), nil, discardLogger())

	require.NoError(t, s.Run(ctx, testIdentity))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 225 * time.Millisecond}, rec.recorded())
}

func TestRunResetsBackoffOnItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &waitRecorder{limit: 5, cancel: cancel}

	q := &fakeQueue{poll: serve("", "", "x")}
	s := New(Options{
		MaxConcurrent: 2,
		PollBase:      100 * time.Millisecond,
		PollMax:       time.Second,
		Wait:          rec.Wait,
		Rand:          noJitter,
	}, q, runnerFunc(succeed), nil, discardLogger())

	require.NoError(t, s.Run(ctx, testIdentity))
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		150 * time.Millisecond,
		225 * time.Millisecond,
		100 * time.Millisecond,
		150 * time.Millisecond,
	}, rec.recorded())
	assert.Len(t, q.submitted(), 1)
}

func TestRunResetsBackoffWhenSaturated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &waitRecorder{limit: 6, cancel: cancel}
	release := make(chan struct{})

	q := &fakeQueue{poll: serve("", "", "x")}
	s := New(Options{
		MaxConcurrent: 1,
		PollBase:      100 * time.Millisecond,
		PollMax:       time.Second,
		Wait:          rec.Wait,
		Rand:          noJitter,
	}, q, runnerFunc(func(ctx context.Context, p models.AgentProfile, item models.WorkItem) models.ExecutionResult {
		<-release
		return models.ExecutionResult{Success: true}
	}), nil, discardLogger())

	done := runAsync(s, ctx)
	require.Eventually(t, func() bool { return len(rec.recorded()) >= 6 }, time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		150 * time.Millisecond,
		225 * time.Millisecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
	}, rec.recorded())
	assert.Equal(t, 3, q.pollCount())
}

func TestRunSkipsItemAlreadyInFlight(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	runner := runnerFunc(func(ctx context.Context, p models.AgentProfile, item models.WorkItem) models.ExecutionResult {
		runs.Add(1)
		<-release
		return models.ExecutionResult{Success: true, Output: item.ID}
	})

	q := &fakeQueue{poll: serve("x", "x")}
	tracker := stats.NewTracker(nil)
	s := New(Options{
		MaxConcurrent: 2,
		PollBase:      time.Millisecond,
		PollMax:       time.Millisecond,
		Rand:          noJitter,
	}, q, runner, tracker, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(s, ctx)

	require.Eventually(t, func() bool { return runs.Load() == 1 && q.pollCount() >= 4 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, tracker.InFlight())
	assert.EqualValues(t, 1, tracker.Snapshot().Received)

	close(release)
	require.Eventually(t, func() bool { return len(q.submitted()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.EqualValues(t, 1, runs.Load())
	assert.Empty(t, tracker.Snapshot().InFlight)
}

func TestRunStopsOnUnauthorized(t *testing.T) {
	q := &fakeQueue{poll: func(n int) (*models.WorkItem, error) {
		if n == 1 {
			return &models.WorkItem{ID: "a"}, nil
		}
		return nil, queue.ErrUnauthorized
	}}
	runner := runnerFunc(func(ctx context.Context, p models.AgentProfile, item models.WorkItem) models.ExecutionResult {
		time.Sleep(20 * time.Millisecond)
		return models.ExecutionResult{Success: true}
	})
	s := New(Options{
		MaxConcurrent: 2,
		PollBase:      time.Millisecond,
		PollMax:       time.Millisecond,
		Rand:          noJitter,
	}, q, runner, nil, discardLogger())

	err := s.Run(context.Background(), testIdentity)
	assert.ErrorIs(t, err, queue.ErrUnauthorized)
	assert.Len(t, q.submitted(), 1, "in-flight item is still reported before Run returns")
	assert.Equal(t, 2, q.pollCount())
}

func TestPipelineRecoversFromExecutorPanic(t *testing.T) {
	q := &fakeQueue{poll: serve("boom")}
	tracker := stats.NewTracker(nil)
	journal := &fakeJournal{}
	s := New(Options{
		PollBase: time.Millisecond,
		PollMax:  time.Millisecond,
		Journal:  journal,
		Rand:     noJitter,
	}, q, runnerFunc(func(context.Context, models.AgentProfile, models.WorkItem) models.ExecutionResult {
		panic("agent exploded")
	}), tracker, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(s, ctx)

	require.Eventually(t, func() bool { return len(q.submitted()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	req := q.submitted()[0]
	assert.Equal(t, "boom", req.ItemID)
	require.NotNil(t, req.Error)
	assert.Contains(t, *req.Error, "internal error: agent exploded")

	snap := tracker.Snapshot()
	assert.EqualValues(t, 1, snap.Failed)
	assert.Empty(t, snap.InFlight)
	assert.Equal(t, []models.SubmitStatus{models.SubmitStatusSubmitted}, journal.statuses())
}

type panickingJournal struct{ fakeJournal }

func (j *panickingJournal) RecordExecution(context.Context, *models.JournalEntry) (int64, error) {
	panic("disk on fire")
}

func TestPipelineSubmitsWhenJournalPanics(t *testing.T) {
	q := &fakeQueue{poll: serve("j")}
	tracker := stats.NewTracker(nil)
	journal := &panickingJournal{}
	s := New(Options{
		PollBase: time.Millisecond,
		PollMax:  time.Millisecond,
		Journal:  journal,
		Rand:     noJitter,
	}, q, runnerFunc(succeed), tracker, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(s, ctx)

	require.Eventually(t, func() bool { return len(q.submitted()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "j", q.submitted()[0].ItemID)
	assert.Empty(t, journal.statuses(), "no entry to mark after a failed journal write")
	assert.EqualValues(t, 1, tracker.Snapshot().Succeeded)
}

func TestPipelineRetriesSubmit(t *testing.T) {
	q := &fakeQueue{
		poll: serve("r"),
		submit: func(n int, req queue.SubmitRequest) (queue.SubmitAck, error) {
			if n < 3 {
				return queue.SubmitAck{}, errors.New("queue returned status 503")
			}
			return queue.SubmitAck{Status: models.SubmitStatusSubmitted}, nil
		},
	}
	journal := &fakeJournal{}
	s := New(Options{
		PollBase:       time.Millisecond,
		PollMax:        time.Millisecond,
		SubmitAttempts: 3,
		Journal:        journal,
		Rand:           noJitter,
	}, q, runnerFunc(succeed), nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(s, ctx)

	require.Eventually(t, func() bool { return len(journal.statuses()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, q.submitted(), 3)
	assert.Equal(t, []models.SubmitStatus{models.SubmitStatusSubmitted}, journal.statuses())
}

func TestPipelineGivesUpOnUnauthorizedSubmit(t *testing.T) {
	q := &fakeQueue{
		poll: serve("u"),
		submit: func(int, queue.SubmitRequest) (queue.SubmitAck, error) {
			return queue.SubmitAck{}, queue.ErrUnauthorized
		},
	}
	journal := &fakeJournal{}
	s := New(Options{
		PollBase:       time.Millisecond,
		PollMax:        time.Millisecond,
		SubmitAttempts: 5,
		Journal:        journal,
		Rand:           noJitter,
	}, q, runnerFunc(succeed), nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(s, ctx)

	require.Eventually(t, func() bool { return len(journal.statuses()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, q.submitted(), 1)
	assert.Equal(t, []models.SubmitStatus{models.SubmitStatusFailed}, journal.statuses())
}

func TestRepeatedItemIsSubmittedOnce(t *testing.T) {
	var polls, submits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tasks/poll":
			if polls.Add(1) <= 2 {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"task":{"id":"dup","prompt":"p"}}`))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "/api/tasks/submit":
			submits.Add(1)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	journal := &fakeJournal{}
	s := New(Options{
		MaxConcurrent: 1,
		PollBase:      time.Millisecond,
		PollMax:       time.Millisecond,
		Journal:       journal,
		Rand:          noJitter,
	}, queue.NewClient(server.URL, "tok"), runnerFunc(succeed), nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(s, ctx)

	require.Eventually(t, func() bool { return len(journal.statuses()) == 2 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.EqualValues(t, 1, submits.Load())
	assert.Equal(t, []models.SubmitStatus{models.SubmitStatusSubmitted, models.SubmitStatusDuplicate}, journal.statuses())
}

func TestTickSkipsWhilePollInFlight(t *testing.T) {
	q := &fakeQueue{}
	s := New(Options{PollBase: time.Millisecond}, q, runnerFunc(succeed), nil, discardLogger())
	s.polling.Store(true)

	assert.False(t, s.tick(context.Background(), context.Background(), testIdentity))
	assert.Equal(t, 0, q.pollCount())
}

func TestBuildSubmitRequest(t *testing.T) {
	dir := "/work"
	item := models.WorkItem{ID: "i1", Level: "L2"}

	ok := buildSubmitRequest(testIdentity, item, models.ExecutionResult{Success: true, Output: "out"}, false)
	assert.Equal(t, "i1", ok.ItemID)
	assert.Equal(t, "worker-1", ok.WorkerID)
	assert.Equal(t, "out", ok.Result)
	assert.Nil(t, ok.Error)
	assert.Nil(t, ok.Metadata)

	failed := buildSubmitRequest(testIdentity, item, models.ExecutionResult{Error: "boom", DurationMs: 9, WorkDir: &dir}, true)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "boom", *failed.Error)
	require.NotNil(t, failed.Metadata)
	assert.False(t, failed.Metadata.Success)
	assert.Equal(t, int64(9), failed.Metadata.DurationMs)
	assert.Equal(t, &dir, failed.Metadata.WorkDir)
	assert.Equal(t, "L2", failed.Metadata.Level)

	bare := buildSubmitRequest(testIdentity, item, models.ExecutionResult{}, false)
	require.NotNil(t, bare.Error)
	assert.Equal(t, "execution failed", *bare.Error)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
