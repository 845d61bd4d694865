// Package tasks provides the built-in actions configured tasks run with.
package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"cronguard/internal/config"
	"cronguard/internal/job"
	"cronguard/internal/registry"
	logx "cronguard/pkg/logx"
)

// Environment variables describing the window to exec actions.
const (
	EnvTask        = "CRONGUARD_TASK"
	EnvWindowStart = "CRONGUARD_WINDOW_START"
	EnvWindowEnd   = "CRONGUARD_WINDOW_END"
)

const outputTail = 4 << 10

// Entries converts configured tasks into registry entries.
func Entries(tcs []config.TaskConfig, log logx.Logger) ([]registry.Entry, error) {
	out := make([]registry.Entry, 0, len(tcs))
	for _, tc := range tcs {
		def, err := tc.Definition()
		if err != nil {
			return nil, err
		}
		run, err := Build(def.Name, tc.Action, log)
		if err != nil {
			return nil, err
		}
		out = append(out, registry.Entry{Def: def, Run: run})
	}
	return out, nil
}

// Build returns the callable for one action.
func Build(task string, a config.ActionConfig, log logx.Logger) (registry.Func, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("task", task))
	switch strings.ToLower(strings.TrimSpace(a.Type)) {
	case "", "log":
		return Log(log), nil
	case "exec":
		if len(a.Command) == 0 {
			return nil, &job.ConfigurationError{Task: task, Field: "action.command", Reason: "required for exec"}
		}
		timeout, err := config.ParseDurationField("action.timeout", a.Timeout)
		if err != nil {
			return nil, &job.ConfigurationError{Task: task, Field: "action.timeout", Reason: err.Error()}
		}
		return Exec(ExecSpec{Command: a.Command, Dir: a.Dir, Env: a.Env, Timeout: timeout}, log), nil
	default:
		return nil, &job.ConfigurationError{Task: task, Field: "action.type", Reason: fmt.Sprintf("unknown action %q", a.Type)}
	}
}

// Log records the window and succeeds.
func Log(log logx.Logger) registry.Func {
	return func(_ context.Context, w job.Window) error {
		log.Info("window processed",
			logx.Time("start", w.Start),
			logx.Time("end", w.End),
			logx.String("window", w.Canonical()),
		)
		return nil
	}
}

type ExecSpec struct {
	Command []string
	Dir     string
	Env     map[string]string
	// Timeout bounds one run. 0 relies on the execution context alone.
	Timeout time.Duration
}

// Exec runs the command once per window. A non-zero exit fails the window.
func Exec(spec ExecSpec, log logx.Logger) registry.Func {
	return func(ctx context.Context, w job.Window) error {
		if spec.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
		cmd.Dir = spec.Dir
		cmd.Env = windowEnv(spec.Env, w)
		cmd.WaitDelay = 5 * time.Second
		var out tailBuffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		started := time.Now()
		err := cmd.Run()
		took := time.Since(started)
		if err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				log.Warn("command failed",
					logx.Int("exit_code", ee.ExitCode()),
					logx.Duration("took", took),
					logx.String("output", out.String()),
				)
				return fmt.Errorf("%s exited with %d: %s", spec.Command[0], ee.ExitCode(), lastLine(out.String()))
			}
			return fmt.Errorf("run %s: %w", spec.Command[0], err)
		}
		log.Debug("command finished", logx.Duration("took", took), logx.String("output", out.String()))
		return nil
	}
}

func windowEnv(extra map[string]string, w job.Window) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return append(env,
		EnvTask+"="+w.Task,
		EnvWindowStart+"="+w.Start.Format(time.RFC3339),
		EnvWindowEnd+"="+w.End.Format(time.RFC3339),
	)
}

// tailBuffer keeps the last outputTail bytes written to it.
type tailBuffer struct {
	b bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > outputTail {
		p = p[len(p)-outputTail:]
	}
	if over := t.b.Len() + len(p) - outputTail; over > 0 {
		t.b.Next(over)
	}
	t.b.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string { return strings.TrimSpace(t.b.String()) }

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
