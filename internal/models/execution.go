package models

import "time"

// ExecutionResult is produced exactly once per WorkItem by the executor.
type ExecutionResult struct {
	Success    bool
	Output     string
	Error      string
	DurationMs int64
	Timestamp  time.Time
	WorkDir    *string
	TimedOut   bool
	ExitCode   int
}

type SubmitStatus string

const (
	SubmitStatusPending   SubmitStatus = "pending"
	SubmitStatusSubmitted SubmitStatus = "submitted"
	SubmitStatusDuplicate SubmitStatus = "duplicate_skipped"
	SubmitStatusFailed    SubmitStatus = "failed"
)

// JournalEntry is the audit record of one completed execution.
type JournalEntry struct {
	ID           int64
	ItemID       string
	WorkerID     string
	Level        string
	Success      bool
	TimedOut     bool
	ExitCode     int
	Output       string
	Error        string
	DurationMs   int64
	WorkDir      string
	SubmitStatus SubmitStatus
	CompletedAt  time.Time
}

// NewJournalEntry copies the fields of a result that are worth keeping.
func NewJournalEntry(workerID string, item *WorkItem, result *ExecutionResult) *JournalEntry {
	e := &JournalEntry{
		ItemID:       item.ID,
		WorkerID:     workerID,
		Level:        item.Level,
		Success:      result.Success,
		TimedOut:     result.TimedOut,
		ExitCode:     result.ExitCode,
		Output:       result.Output,
		Error:        result.Error,
		DurationMs:   result.DurationMs,
		SubmitStatus: SubmitStatusPending,
		CompletedAt:  result.Timestamp,
	}
	if result.WorkDir != nil {
		e.WorkDir = *result.WorkDir
	}
	return e
}
