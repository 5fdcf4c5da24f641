package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"
	"github.com/mpataki/neuron/internal/lua"
	"github.com/mpataki/neuron/internal/models"
)

var ErrUnknownAgentType = errors.New("unknown agent type")

// dangerousFlags are the flags that make an agent skip its own
// confirmation prompts. They are stripped unless explicitly allowed.
var dangerousFlags = map[models.AgentType][]string{
	models.AgentClaude: {"--dangerously-skip-permissions", "--allow-dangerously-skip-permissions"},
	models.AgentAider:  {"--yes", "--yes-always"},
	models.AgentCodex:  {"--dangerously-bypass-approvals-and-sandbox", "--yolo", "--full-auto"},
}

// Invocation is a fully resolved argv. The prompt never appears in it; the
// child reads the prompt file on stdin.
type Invocation struct {
	Path string
	Args []string
	Dir  string
}

type invocationInput struct {
	profile        models.AgentProfile
	item           models.WorkItem
	promptFile     string
	workDir        string
	allowDangerous bool
	script         *lua.ArgBuilder
}

func buildInvocation(in invocationInput) (*Invocation, error) {
	p := in.profile
	if p.Command == "" {
		return nil, errors.New("agent command is empty")
	}

	userArgs, err := splitArgs(p.Args)
	if err != nil {
		return nil, err
	}
	if !in.allowDangerous {
		userArgs = stripFlags(userArgs, dangerousFlags[p.Type])
	}

	var args []string
	switch p.Type {
	case models.AgentClaude:
		args = append(args, userArgs...)
		if p.Model != "" {
			args = append(args, "--model", p.Model)
		}
		args = append(args, "--print")

	case models.AgentAider:
		args = append(args, userArgs...)
		if p.Model != "" {
			args = append(args, "--model", p.Model)
		}
		args = append(args, "--no-pretty", "--message-file", "/dev/stdin")

	case models.AgentCodex:
		args = append(args, "exec")
		args = append(args, userArgs...)
		if p.Model != "" {
			args = append(args, "-m", p.Model)
		}
		args = append(args, "-")

	case models.AgentGeneric:
		args = userArgs

	case models.AgentScript:
		if in.script == nil {
			return nil, fmt.Errorf("script agent has no script loaded")
		}
		built, err := in.script.Build(lua.BuildContext{
			ItemID:         in.item.ID,
			Level:          in.item.Level,
			PromptFile:     in.promptFile,
			WorkDir:        in.workDir,
			Model:          p.Model,
			AllowDangerous: in.allowDangerous,
		})
		if err != nil {
			return nil, fmt.Errorf("script agent: %w", err)
		}
		args = append(userArgs, built...)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgentType, p.Type)
	}

	return &Invocation{Path: p.Command, Args: args, Dir: in.workDir}, nil
}

// splitArgs applies shell word splitting without any expansion.
func splitArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("invalid agent args %q: %w", s, err)
	}
	return args, nil
}

// stripFlags drops any argument equal to a listed flag, including the
// --flag=value form.
func stripFlags(args, flags []string) []string {
	if len(flags) == 0 {
		return args
	}
	out := args[:0:0]
	for _, arg := range args {
		name, _, _ := strings.Cut(arg, "=")
		drop := false
		for _, f := range flags {
			if name == f {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, arg)
		}
	}
	return out
}
