package queue

import (
	"errors"

	"github.com/mpataki/neuron/internal/models"
)

var (
	// ErrUnauthorized means the queue no longer recognises the worker id.
	// Re-registration is left to a restart.
	ErrUnauthorized = errors.New("worker identity rejected by queue")

	// ErrMissingCredentials is returned by Register before any network call.
	ErrMissingCredentials = errors.New("wallet and token are required to register")
)

type RegisterRequest struct {
	Wallet   string
	Token    string
	Skills   []string
	Agent    models.AgentType
	Hostname string
}

// Metadata is the richer submission envelope sent when metadata mode is on.
type Metadata struct {
	Success    bool    `json:"success"`
	Output     string  `json:"output"`
	Error      *string `json:"error"`
	DurationMs int64   `json:"durationMs"`
	WorkDir    *string `json:"workDir"`
	Level      string  `json:"level,omitempty"`
}

type SubmitRequest struct {
	ItemID   string
	WorkerID string
	Result   any
	Error    *string
	Metadata *Metadata
}

type SubmitAck struct {
	Status         models.SubmitStatus `json:"status"`
	IdempotencyKey string              `json:"idempotencyKey,omitempty"`
}

type registerBody struct {
	Wallet   string   `json:"wallet"`
	Skills   []string `json:"skills"`
	Agent    string   `json:"agent,omitempty"`
	Hostname string   `json:"hostname,omitempty"`
}

type registerResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type pollResponse struct {
	Task    *models.WorkItem `json:"task"`
	Message string           `json:"message,omitempty"`
}

type submitBody struct {
	TaskID         string    `json:"taskId"`
	NeuronID       string    `json:"neuronId"`
	Result         any       `json:"result"`
	Error          *string   `json:"error"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Metadata       *Metadata `json:"metadata,omitempty"`
}
