package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/nofx-run/orchestrator/internal/handler"
	"github.com/nofx-run/orchestrator/internal/store"
)

const defaultTimeout = 30 * time.Second

// Handler is the "shell:run" step handler: it executes inputs.command
// (a string run via "sh -c", or an argv array) in inputs.dir, honoring
// inputs.timeout (milliseconds, default 30000).
type Handler struct {
	// WorkingDir is the default working directory when inputs.dir is unset.
	WorkingDir string
}

func (Handler) Match(tool string) bool { return tool == "shell:run" }

func (h Handler) Run(ctx context.Context, rc *handler.RunContext) error {
	running := store.StepRunning
	if err := rc.Store.UpdateStep(ctx, rc.Step.ID, store.StepPatch{Status: &running}); err != nil {
		return err
	}
	if _, err := rc.Events.Record(ctx, rc.RunID, store.EventStepStarted, nil, rc.Step.ID); err != nil {
		return err
	}

	outputs, timedOut, err := h.runCommand(ctx, rc.Step.Inputs)
	if err != nil {
		failed := store.StepFailed
		errOutputs := store.JSON{"error": err.Error()}
		if timedOut {
			errOutputs["error_type"] = "timed_out"
		}
		if uerr := rc.Store.UpdateStep(ctx, rc.Step.ID, store.StepPatch{Status: &failed, Outputs: errOutputs}); uerr != nil {
			return uerr
		}
		_, rerr := rc.Events.Record(ctx, rc.RunID, store.EventStepFailed, errOutputs, rc.Step.ID)
		return rerr
	}

	succeeded := store.StepSucceeded
	if err := rc.Store.UpdateStep(ctx, rc.Step.ID, store.StepPatch{Status: &succeeded, Outputs: outputs}); err != nil {
		return err
	}
	_, err = rc.Events.Record(ctx, rc.RunID, store.EventStepFinished, outputs, rc.Step.ID)
	return err
}

func (h Handler) runCommand(ctx context.Context, inputs store.JSON) (store.JSON, bool, error) {
	timeout := defaultTimeout
	if ms, ok := inputs["timeout"]; ok {
		if v, ok := toFloat(ms); ok && v > 0 {
			timeout = time.Duration(v) * time.Millisecond
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	switch v := inputs["command"].(type) {
	case string:
		cmd = exec.CommandContext(runCtx, "sh", "-c", v)
	case []any:
		args := make([]string, len(v))
		for i, a := range v {
			args[i] = fmt.Sprintf("%v", a)
		}
		if len(args) == 0 {
			return nil, false, fmt.Errorf("command array is empty")
		}
		cmd = exec.CommandContext(runCtx, args[0], args[1:]...)
	default:
		return nil, false, fmt.Errorf("inputs.command is required and must be a string or array")
	}

	dir := h.WorkingDir
	if d, ok := inputs["dir"].(string); ok && d != "" {
		dir = d
	}
	cmd.Dir = dir

	if env, ok := inputs["env"].(map[string]any); ok {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, true, fmt.Errorf("command timed out after %s", timeout)
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, false, fmt.Errorf("command failed (exit %d): %s", exitCode, msg)
	}

	return store.JSON{
		"stdout":      strings.TrimSpace(stdout.String()),
		"stderr":      strings.TrimSpace(stderr.String()),
		"exit_code":   exitCode,
		"duration_ms": duration.Milliseconds(),
	}, false, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
