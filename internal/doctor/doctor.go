// Package doctor runs offline diagnostics against a golanes home directory.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-lanes/internal/config"
	"github.com/basket/go-lanes/internal/hooks"
	"github.com/basket/go-lanes/internal/persistence"
	"github.com/basket/go-lanes/internal/retention"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkHookCommands,
		checkSandbox,
		checkRetention,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); err != nil {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing; using defaults", Detail: cfg.HomeDir}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkDatabase(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.ResolvedDBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, dirty, err := store.SchemaVersion()
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Schema version unreadable: %v", err)}
	}
	if dirty {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Schema version %d is dirty", version), Detail: "a migration failed part way; restore from backup"}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Schema at version %d", version), Detail: cfg.ResolvedDBPath()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkHookCommands looks up the shell and agent binary on the host. With
// the sandbox enabled they run inside the container instead.
func checkHookCommands(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Hook Commands", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Hooks.Sandbox.Enabled {
		return CheckResult{Name: "Hook Commands", Status: "SKIP", Message: "Commands run inside the sandbox image"}
	}
	var details []string
	status := "PASS"
	if _, err := exec.LookPath(cfg.Hooks.Shell); err != nil {
		details = append(details, fmt.Sprintf("%s: missing (required for script hooks)", cfg.Hooks.Shell))
		status = "FAIL"
	} else {
		details = append(details, cfg.Hooks.Shell+": ok")
	}
	if len(cfg.Hooks.AgentCommand) == 0 {
		details = append(details, "agent_command: not configured (agent hooks will fail)")
		if status == "PASS" {
			status = "WARN"
		}
	} else if _, err := exec.LookPath(cfg.Hooks.AgentCommand[0]); err != nil {
		details = append(details, fmt.Sprintf("%s: missing (required for agent hooks)", cfg.Hooks.AgentCommand[0]))
		if status == "PASS" {
			status = "WARN"
		}
	} else {
		details = append(details, cfg.Hooks.AgentCommand[0]+": ok")
	}
	return CheckResult{
		Name:    "Hook Commands",
		Status:  status,
		Message: fmt.Sprintf("Checked %d commands", len(details)),
		Detail:  strings.Join(details, ", "),
	}
}

func checkSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Hooks.Sandbox.Enabled {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "Sandbox disabled"}
	}
	docker, err := hooks.NewDockerExecutor(cfg.Hooks.Sandbox.Image, cfg.Hooks.Sandbox.MemoryMB, cfg.Hooks.Sandbox.Network)
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: err.Error()}
	}
	defer docker.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := docker.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
	}
	return CheckResult{Name: "Sandbox", Status: "PASS", Message: "docker daemon reachable", Detail: "image=" + cfg.Hooks.Sandbox.Image}
}

func checkRetention(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Retention.Enabled {
		return CheckResult{Name: "Retention", Status: "SKIP", Message: "Retention disabled"}
	}
	if err := retention.ValidateSchedule(cfg.Retention.Schedule); err != nil {
		return CheckResult{Name: "Retention", Status: "FAIL", Message: fmt.Sprintf("invalid schedule %q: %v", cfg.Retention.Schedule, err)}
	}
	if cfg.Retention.ExecutionHistoryDays == 0 {
		return CheckResult{Name: "Retention", Status: "WARN", Message: "execution_history_days is 0; nothing will be pruned"}
	}
	return CheckResult{Name: "Retention", Status: "PASS", Message: fmt.Sprintf("Keeping %d days on %q", cfg.Retention.ExecutionHistoryDays, cfg.Retention.Schedule)}
}
