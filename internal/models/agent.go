package models

type AgentType string

const (
	AgentClaude  AgentType = "claude"
	AgentAider   AgentType = "aider"
	AgentCodex   AgentType = "codex"
	AgentGeneric AgentType = "generic"
	AgentScript  AgentType = "script"
)

var AgentTypes = []AgentType{AgentClaude, AgentAider, AgentCodex, AgentGeneric, AgentScript}

func (t AgentType) Valid() bool {
	for _, known := range AgentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// AgentProfile describes how to invoke the configured agent. It is loaded
// once at startup and shared read-only by every execution.
type AgentProfile struct {
	Type           AgentType `mapstructure:"type" yaml:"type"`
	Command        string    `mapstructure:"command" yaml:"command"`
	Args           string    `mapstructure:"args" yaml:"args,omitempty"`
	Model          string    `mapstructure:"model" yaml:"model,omitempty"`
	TimeoutSeconds int       `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Script         string    `mapstructure:"script" yaml:"script,omitempty"`
}
