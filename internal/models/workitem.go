package models

// WorkItem is one unit of queued work. It is never mutated after it is
// received from the queue.
type WorkItem struct {
	ID             string   `json:"id"`
	Prompt         string   `json:"prompt"`
	TimeoutMinutes *float64 `json:"timeoutMinutes,omitempty"`
	WorkDir        string   `json:"workDir,omitempty"`
	ProjectPath    string   `json:"projectPath,omitempty"`
	RepoPath       string   `json:"repoPath,omitempty"`
	Level          string   `json:"level,omitempty"`
}

// Identity is the worker identifier assigned by the queue on registration.
type Identity struct {
	WorkerID string
}
