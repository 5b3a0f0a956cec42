package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/basket/go-lanes/internal/persistence"
	"github.com/basket/go-lanes/internal/shared"
)

const (
	defaultHookTimeout = 10 * time.Minute
	maxStderrOutput    = 4 * 1024
)

// Runner executes custom hooks.
type Runner interface {
	Run(ctx context.Context, hook *CustomHook, inv Invocation) error
}

// Executor runs one command and reports its output and exit code. A
// non-zero exit is not an error; err is reserved for failures to run.
type Executor interface {
	Exec(ctx context.Context, argv, env []string, workDir string) (stdout, stderr string, exitCode int, err error)
}

// ExitError reports a hook process that exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("hook exited with code %d", e.Code)
	}
	return fmt.Sprintf("hook exited with code %d: %s", e.Code, e.Stderr)
}

// ProcessRunner runs script hooks through a shell and agent hooks through
// the configured agent command, both via an Executor.
type ProcessRunner struct {
	Executor     Executor
	Shell        string
	AgentCommand []string
	WorkDir      string

	timeout atomic.Int64
}

// NewProcessRunner creates a runner with the given executor and timeout.
func NewProcessRunner(executor Executor, shell string, agentCommand []string, workDir string, timeout time.Duration) *ProcessRunner {
	if executor == nil {
		executor = &HostExecutor{}
	}
	if shell == "" {
		shell = "sh"
	}
	r := &ProcessRunner{Executor: executor, Shell: shell, AgentCommand: agentCommand, WorkDir: workDir}
	r.SetTimeout(timeout)
	return r
}

// SetTimeout changes the per-hook timeout for subsequent runs.
func (r *ProcessRunner) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultHookTimeout
	}
	r.timeout.Store(int64(d))
}

// Timeout returns the current per-hook timeout.
func (r *ProcessRunner) Timeout() time.Duration {
	return time.Duration(r.timeout.Load())
}

func (r *ProcessRunner) Run(ctx context.Context, hook *CustomHook, inv Invocation) error {
	argv, err := r.argv(hook)
	if err != nil {
		return err
	}
	env, err := hookEnv(hook, inv)
	if err != nil {
		return err
	}

	timeout := r.Timeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, stderr, exitCode, err := r.Executor.Exec(runCtx, argv, env, r.WorkDir)
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("hook %q timed out after %s", hook.Name(), timeout)
	}
	if err != nil {
		return fmt.Errorf("run hook %q: %w", hook.Name(), err)
	}
	if exitCode != 0 {
		return &ExitError{Code: exitCode, Stderr: truncateOutput(shared.Redact(strings.TrimSpace(stderr)), maxStderrOutput)}
	}
	return nil
}

func (r *ProcessRunner) argv(hook *CustomHook) ([]string, error) {
	switch hook.Kind() {
	case persistence.HookKindScript:
		if strings.TrimSpace(hook.Record.Command) == "" {
			return nil, fmt.Errorf("script hook %q has no command", hook.Name())
		}
		return []string{r.Shell, "-c", hook.Record.Command}, nil
	case persistence.HookKindAgent:
		if len(r.AgentCommand) == 0 {
			return nil, fmt.Errorf("agent hook %q: no agent command configured", hook.Name())
		}
		argv := make([]string, 0, len(r.AgentCommand)+1)
		argv = append(argv, r.AgentCommand...)
		return append(argv, hook.Record.Prompt), nil
	default:
		return nil, fmt.Errorf("hook %q has unknown kind %q", hook.Name(), hook.Kind())
	}
}

func hookEnv(hook *CustomHook, inv Invocation) ([]string, error) {
	settings, err := json.Marshal(inv.Settings)
	if err != nil {
		return nil, fmt.Errorf("encode hook settings: %w", err)
	}
	return []string{
		"GOLANES_HOOK_ID=" + hook.ID(),
		"GOLANES_HOOK_NAME=" + hook.Name(),
		"GOLANES_EXECUTION_ID=" + inv.ExecutionID,
		"GOLANES_TASK_ID=" + inv.TaskID,
		"GOLANES_BOARD_ID=" + inv.BoardID,
		"GOLANES_COLUMN_ID=" + inv.ColumnID,
		"GOLANES_HOOK_SETTINGS=" + string(settings),
	}, nil
}

// HostExecutor runs commands locally.
type HostExecutor struct{}

func (h *HostExecutor) Exec(ctx context.Context, argv, env []string, workDir string) (stdout, stderr string, exitCode int, err error) {
	if len(argv) == 0 {
		return "", "", -1, errors.New("empty command")
	}
	execCmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if workDir != "" {
		execCmd.Dir = workDir
	}
	execCmd.Env = append(os.Environ(), env...)
	// Children that inherit the pipes must not keep Wait blocked after a kill.
	execCmd.WaitDelay = 2 * time.Second

	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf

	runErr := execCmd.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && ctx.Err() == nil {
			exitCode = exitErr.ExitCode()
		} else {
			// Not started, killed or timed out.
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}
