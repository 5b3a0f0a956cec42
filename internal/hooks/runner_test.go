package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-lanes/internal/persistence"
)

type fakeExecutor struct {
	argv     []string
	env      []string
	stderr   string
	exitCode int
	err      error
	block    bool
}

func (f *fakeExecutor) Exec(ctx context.Context, argv, env []string, workDir string) (string, string, int, error) {
	f.argv, f.env = argv, env
	if f.block {
		<-ctx.Done()
		return "", "", -1, ctx.Err()
	}
	return "", f.stderr, f.exitCode, f.err
}

func scriptHook(command string) *CustomHook {
	return &CustomHook{Record: persistence.HookRecord{ID: "h1", Name: "lint", Kind: persistence.HookKindScript, Command: command, Enabled: true}}
}

func TestProcessRunner_ScriptArgvAndEnv(t *testing.T) {
	exec := &fakeExecutor{}
	r := NewProcessRunner(exec, "bash", nil, "", time.Minute)
	err := r.Run(context.Background(), scriptHook("make lint"), Invocation{TaskID: "t1", ColumnID: "c1", Settings: map[string]any{"a": 1}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(exec.argv, " ") != "bash -c make lint" {
		t.Fatalf("unexpected argv %q", exec.argv)
	}
	joined := strings.Join(exec.env, "\n")
	for _, want := range []string{"GOLANES_TASK_ID=t1", "GOLANES_COLUMN_ID=c1", `GOLANES_HOOK_SETTINGS={"a":1}`} {
		if !strings.Contains(joined, want) {
			t.Fatalf("env missing %q: %v", want, exec.env)
		}
	}
}

func TestProcessRunner_AgentArgv(t *testing.T) {
	exec := &fakeExecutor{}
	r := NewProcessRunner(exec, "", []string{"agent", "-p"}, "", time.Minute)
	h := &CustomHook{Record: persistence.HookRecord{ID: "h2", Name: "review", Kind: persistence.HookKindAgent, Prompt: "review the diff"}}
	if err := r.Run(context.Background(), h, Invocation{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(exec.argv) != 3 || exec.argv[2] != "review the diff" {
		t.Fatalf("unexpected argv %q", exec.argv)
	}

	empty := NewProcessRunner(exec, "", nil, "", time.Minute)
	if err := empty.Run(context.Background(), h, Invocation{}); err == nil {
		t.Fatal("expected error without agent command")
	}
}

func TestProcessRunner_NonZeroExit(t *testing.T) {
	exec := &fakeExecutor{exitCode: 3, stderr: "token=supersecretvalue123 failed\n"}
	r := NewProcessRunner(exec, "", nil, "", time.Minute)
	err := r.Run(context.Background(), scriptHook("false"), Invocation{})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %v", err)
	}
	if exitErr.Code != 3 {
		t.Fatalf("expected code 3, got %d", exitErr.Code)
	}
	if strings.Contains(exitErr.Stderr, "supersecretvalue123") {
		t.Fatalf("stderr not redacted: %q", exitErr.Stderr)
	}
}

func TestProcessRunner_TimeoutIsFailure(t *testing.T) {
	exec := &fakeExecutor{block: true}
	r := NewProcessRunner(exec, "", nil, "", 20*time.Millisecond)
	err := r.Run(context.Background(), scriptHook("sleep 60"), Invocation{})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestProcessRunner_CancellationReturnsCause(t *testing.T) {
	exec := &fakeExecutor{block: true}
	r := NewProcessRunner(exec, "", nil, "", time.Minute)
	cause := errors.New("moved")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)
	if err := r.Run(ctx, scriptHook("sleep 60"), Invocation{}); !errors.Is(err, cause) {
		t.Fatalf("expected cancellation cause, got %v", err)
	}
}

func TestProcessRunner_SetTimeout(t *testing.T) {
	r := NewProcessRunner(&fakeExecutor{}, "", nil, "", 0)
	if r.Timeout() != defaultHookTimeout {
		t.Fatalf("expected default timeout, got %s", r.Timeout())
	}
	r.SetTimeout(time.Second)
	if r.Timeout() != time.Second {
		t.Fatalf("expected 1s, got %s", r.Timeout())
	}
}

func TestHostExecutor_RunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	h := &HostExecutor{}
	stdout, _, code, err := h.Exec(context.Background(), []string{"sh", "-c", "echo $GOLANES_TASK_ID > out.txt; echo ok"}, []string{"GOLANES_TASK_ID=t9"}, dir)
	if err != nil || code != 0 {
		t.Fatalf("Exec: code=%d err=%v", code, err)
	}
	if strings.TrimSpace(stdout) != "ok" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if strings.TrimSpace(string(data)) != "t9" {
		t.Fatalf("env not passed: %q", data)
	}
}

func TestHostExecutor_ExitCodeAndKill(t *testing.T) {
	h := &HostExecutor{}
	_, stderr, code, err := h.Exec(context.Background(), []string{"sh", "-c", "echo bad >&2; exit 4"}, nil, "")
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if code != 4 || strings.TrimSpace(stderr) != "bad" {
		t.Fatalf("unexpected code=%d stderr=%q", code, stderr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, _, code, err = h.Exec(ctx, []string{"sleep", "30"}, nil, "")
	if err == nil || code != -1 {
		t.Fatalf("expected killed process to report an error, code=%d err=%v", code, err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("process was not killed on context cancellation")
	}
}

func TestDockerExecutor_Config(t *testing.T) {
	d, err := NewDockerExecutor("", 128, "")
	if err != nil {
		t.Skip("docker client init failed:", err)
	}
	defer d.Close()
	if d.image != "alpine:3.20" {
		t.Errorf("expected default image, got %s", d.image)
	}
	if d.memoryBytes != 128*1024*1024 {
		t.Errorf("expected 128MB, got %d bytes", d.memoryBytes)
	}
	if d.networkMode != "none" {
		t.Errorf("expected network none, got %s", d.networkMode)
	}
}
