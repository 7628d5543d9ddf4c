// Package smoke runs the powblocks binary end to end against mockruntime.
package smoke

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/internal/config"
	"github.com/iambrandonn/powblocks/internal/db"
	"github.com/iambrandonn/powblocks/internal/eventlog"
	"github.com/iambrandonn/powblocks/internal/history"
	"github.com/iambrandonn/powblocks/internal/permission"
	"github.com/iambrandonn/powblocks/internal/task"
	"github.com/iambrandonn/powblocks/internal/transport"
	"github.com/iambrandonn/powblocks/pkg/testharness"
)

// Scenario is one end-to-end "powblocks run" against mockruntime.
type Scenario struct {
	Name     string
	Action   string
	Input    map[string]string
	Code     string
	Strategy string
	// RuntimeArgs are extra mockruntime flags.
	RuntimeArgs []string
	Permissions permission.Policy
}

var (
	// ScenarioStepsPush follows a task that emits events over push delivery.
	ScenarioStepsPush = Scenario{
		Name:     "steps-push",
		Action:   testharness.ActionSteps,
		Input:    map[string]string{"steps": "2"},
		Strategy: transport.NamePush,
	}
	// ScenarioEchoPoll polls a runtime that never pushes.
	ScenarioEchoPoll = Scenario{
		Name:        "echo-poll",
		Action:      testharness.ActionEcho,
		Input:       map[string]string{"name": "smoke"},
		Strategy:    transport.NamePoll,
		RuntimeArgs: []string{"-no-push"},
	}
	// ScenarioPermissionPolicy answers a prompt from the permissions policy.
	ScenarioPermissionPolicy = Scenario{
		Name:     "permission-policy",
		Action:   testharness.ActionAsk,
		Input:    map[string]string{"api": "net"},
		Strategy: transport.NamePush,
		Permissions: permission.Policy{
			Default: permission.ModePrompt,
			Rules:   []permission.Rule{{API: "net", Mode: permission.ModeAllow}},
		},
	}
	// ScenarioFailure ends in error.
	ScenarioFailure = Scenario{
		Name:     "failure",
		Action:   testharness.ActionFail,
		Input:    map[string]string{"message": "smoke failure"},
		Strategy: transport.NamePush,
	}
)

// SmokeOptions configures RunSmoke.
type SmokeOptions struct {
	Scenario        Scenario
	PowblocksBinary string
	RuntimeBinary   string
	WorkspaceDir    string
	Env             map[string]string
}

// SmokeResult captures the outcome of a smoke scenario.
type SmokeResult struct {
	Scenario   Scenario
	Workspace  string
	Stdout     string
	Stderr     string
	RunErr     error
	ConfigPath string
	// Journal is the session journal the run wrote, if any.
	Journal *eventlog.Journal
	// History holds the finished tasks recorded by the run.
	History []task.Task
}

// RunSmoke executes a smoke scenario using the provided binaries.
func RunSmoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	if opts.PowblocksBinary == "" {
		return nil, fmt.Errorf("powblocks binary path is required")
	}
	if opts.RuntimeBinary == "" {
		return nil, fmt.Errorf("mockruntime binary path is required")
	}
	if opts.Scenario.Action == "" {
		return nil, fmt.Errorf("scenario action is required")
	}

	workspace := opts.WorkspaceDir
	var err error
	if workspace == "" {
		workspace, err = os.MkdirTemp("", "powblocks-smoke-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	} else if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	cfg := config.GenerateDefault()
	cfg.Runtime.Cmd = append([]string{opts.RuntimeBinary, "-no-heartbeat", "-step-delay", "10ms"}, opts.Scenario.RuntimeArgs...)
	cfg.Transport.Strategy = opts.Scenario.Strategy
	cfg.Transport.PollInterval = 20 * time.Millisecond
	if opts.Scenario.Permissions.Default != "" {
		cfg.Permissions = opts.Scenario.Permissions
	}
	cfg.Storage.DataDir = filepath.Join(workspace, "data")
	cfg.Logging.Level = "warn"

	configPath := filepath.Join(workspace, "powblocks.yaml")
	if err := cfg.SaveToFile(configPath); err != nil {
		return nil, err
	}

	code := opts.Scenario.Code
	if code == "" {
		code = "export function " + opts.Scenario.Action + "() {}\n"
	}
	codePath := filepath.Join(workspace, "block.js")
	if err := os.WriteFile(codePath, []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write code file: %w", err)
	}

	args := []string{"--config", configPath, "--no-color", "run", codePath, "--action", opts.Scenario.Action}
	keys := make([]string, 0, len(opts.Scenario.Input))
	for k := range opts.Scenario.Input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--input", k+"="+opts.Scenario.Input[k])
	}

	stdOut := &bytes.Buffer{}
	stdErr := &bytes.Buffer{}

	cmd := exec.CommandContext(ctx, opts.PowblocksBinary, args...)
	cmd.Dir = workspace
	cmd.Stdout = stdOut
	cmd.Stderr = stdErr
	cmd.Env = mergeEnv(os.Environ(), opts.Env)

	runErr := cmd.Run()

	result := &SmokeResult{
		Scenario:   opts.Scenario,
		Workspace:  workspace,
		Stdout:     stdOut.String(),
		Stderr:     stdErr.String(),
		RunErr:     runErr,
		ConfigPath: configPath,
	}

	if path, err := cfg.Storage.Layout().LatestJournal(); err == nil {
		if j, err := eventlog.Read(path); err == nil {
			result.Journal = j
		}
	}
	if tasks, err := readHistory(ctx, cfg); err == nil {
		result.History = tasks
	}
	return result, nil
}

func readHistory(ctx context.Context, cfg *config.Config) ([]task.Task, error) {
	database, err := db.Open(cfg.Storage.DB())
	if err != nil {
		return nil, err
	}
	defer database.Close()
	return history.NewStore(database, zerolog.Nop()).List(ctx, 0)
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found (starting from %s)", dir)
		}
		dir = parent
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	result := append([]string{}, base...)
	for k, v := range overrides {
		result = setEnv(result, k, v)
	}
	return result
}
