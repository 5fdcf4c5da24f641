// Package executor runs one work item as an agent subprocess and turns
// every outcome, including spawn failures and timeouts, into an
// ExecutionResult.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mpataki/neuron/internal/lua"
	"github.com/mpataki/neuron/internal/models"
	"github.com/mpataki/neuron/internal/workspace"
)

const DefaultTimeout = 300 * time.Second

type Options struct {
	AllowDangerous bool
	DefaultWorkDir string
	DefaultTimeout time.Duration
	NoiseMarkers   []string
	// TempDir is where scratch directories are created; the system temp
	// dir when empty.
	TempDir string
	// Script builds argv for script agents.
	Script *lua.ArgBuilder
	// WaitDelay bounds how long output pipes may stay open after the child
	// is killed.
	WaitDelay time.Duration
}

type Executor struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Executor {
	if opts.NoiseMarkers == nil {
		opts.NoiseMarkers = DefaultNoiseMarkers
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{opts: opts, logger: logger}
}

// EffectiveTimeout picks the item override, then the agent default, then the
// configured default, then DefaultTimeout.
func (e *Executor) EffectiveTimeout(profile models.AgentProfile, item models.WorkItem) time.Duration {
	if item.TimeoutMinutes != nil && *item.TimeoutMinutes > 0 {
		d := *item.TimeoutMinutes * float64(time.Minute)
		if d >= math.MaxInt64 {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(d)
	}
	if profile.TimeoutSeconds > 0 {
		return time.Duration(profile.TimeoutSeconds) * time.Second
	}
	if e.opts.DefaultTimeout > 0 {
		return e.opts.DefaultTimeout
	}
	return DefaultTimeout
}

// Execute runs item with the given agent profile. It never returns an error;
// failures are reported through the result.
func (e *Executor) Execute(ctx context.Context, profile models.AgentProfile, item models.WorkItem) models.ExecutionResult {
	logger := e.logger.With("item_id", item.ID, "agent", profile.Type)

	var workDirPtr *string
	workDir, ok := workspace.Resolve(item.WorkDir, item.ProjectPath, item.RepoPath, e.opts.DefaultWorkDir, processDir())
	if ok {
		workDirPtr = &workDir
	}

	fail := func(start time.Time, msg string) models.ExecutionResult {
		logger.Error("execution failed before spawn", "error", msg)
		return models.ExecutionResult{
			Success:    false,
			Error:      msg,
			DurationMs: time.Since(start).Milliseconds(),
			Timestamp:  time.Now(),
			WorkDir:    workDirPtr,
			ExitCode:   -1,
		}
	}

	start := time.Now()

	scratch, err := workspace.Create(e.opts.TempDir, item.ID, item.Prompt)
	if err != nil {
		return fail(start, err.Error())
	}
	defer func() {
		if err := scratch.Close(); err != nil {
			logger.Warn("failed to remove scratch directory", "path", scratch.Path, "error", err)
		}
	}()

	inv, err := buildInvocation(invocationInput{
		profile:        profile,
		item:           item,
		promptFile:     scratch.PromptPath,
		workDir:        workDir,
		allowDangerous: e.opts.AllowDangerous,
		script:         e.opts.Script,
	})
	if err != nil {
		return fail(start, err.Error())
	}

	stdin, err := scratch.OpenPrompt()
	if err != nil {
		return fail(start, fmt.Sprintf("failed to open prompt file: %v", err))
	}
	defer stdin.Close()

	timeout := e.EffectiveTimeout(profile, item)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = e.opts.WaitDelay
	isolate(cmd)

	logger.Info("spawning agent",
		"command", inv.Path,
		"args", strings.Join(inv.Args, " "),
		"work_dir", inv.Dir,
		"timeout", timeout,
	)

	start = time.Now()
	if err := cmd.Start(); err != nil {
		return fail(start, fmt.Sprintf("failed to start agent: %v", err))
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)
	timedOut, cancelled := interruption(ctx, runCtx, waitErr)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	result := models.ExecutionResult{
		Output:     filterNoise(stdout.String(), e.opts.NoiseMarkers),
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now(),
		WorkDir:    workDirPtr,
		TimedOut:   timedOut,
		ExitCode:   exitCode,
	}

	var exitErr *exec.ExitError
	switch {
	case timedOut:
		result.Error = fmt.Sprintf("agent timed out after %s", timeout)
	case cancelled:
		result.Error = fmt.Sprintf("agent cancelled: %v", ctx.Err())
	case waitErr != nil && !errors.As(waitErr, &exitErr):
		result.Error = fmt.Sprintf("agent wait failed: %v", waitErr)
	case exitCode != 0:
		result.Error = strings.TrimSpace(stderr.String())
		if result.Error == "" {
			result.Error = fmt.Sprintf("agent exited with code %d", exitCode)
		}
	default:
		result.Success = true
	}

	logger.Info("agent exited",
		"duration_ms", result.DurationMs,
		"exit_code", exitCode,
		"success", result.Success,
		"timed_out", timedOut,
	)

	return result
}

// interruption reports whether the child was stopped by its deadline or by
// the caller. A child that exited cleanly is never reported as stopped.
func interruption(ctx, runCtx context.Context, waitErr error) (timedOut, cancelled bool) {
	if waitErr == nil {
		return false, false
	}
	return errors.Is(runCtx.Err(), context.DeadlineExceeded), ctx.Err() != nil
}

func processDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	return dir
}
