package tasks

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"cronguard/internal/config"
	"cronguard/internal/job"
	logx "cronguard/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var window = job.NewWindow("report", time.Date(2024, 3, 1, 9, 45, 0, 0, time.UTC), 15*time.Minute)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
}

func TestLogAction(t *testing.T) {
	var buf bytes.Buffer
	run, err := Build("report", config.ActionConfig{}, logx.NewWriter(&buf, "info"))
	require.NoError(t, err)
	require.NoError(t, run(context.Background(), window))
	assert.Contains(t, buf.String(), "window processed")
	assert.Contains(t, buf.String(), `"task":"report"`)
}

func TestExecPassesWindowEnv(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "env.txt")
	run, err := Build("report", config.ActionConfig{
		Type:    "exec",
		Command: []string{"/bin/sh", "-c", `echo "$CRONGUARD_TASK $CRONGUARD_WINDOW_START $CRONGUARD_WINDOW_END $EXTRA" > "$OUT"`},
		Env:     map[string]string{"OUT": out, "EXTRA": "x"},
	}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, run(context.Background(), window))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "report 2024-03-01T09:45:00Z 2024-03-01T10:00:00Z x", strings.TrimSpace(string(b)))
}

func TestExecNonZeroExitFails(t *testing.T) {
	requireShell(t)
	run, err := Build("report", config.ActionConfig{
		Type:    "exec",
		Command: []string{"/bin/sh", "-c", "echo boom >&2; exit 3"},
	}, logx.Nop())
	require.NoError(t, err)

	err = run(context.Background(), window)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with 3")
	assert.Contains(t, err.Error(), "boom")
}

func TestExecTimeout(t *testing.T) {
	requireShell(t)
	run, err := Build("report", config.ActionConfig{
		Type:    "exec",
		Command: []string{"/bin/sh", "-c", "sleep 5"},
		Timeout: "50ms",
	}, logx.Nop())
	require.NoError(t, err)

	begin := time.Now()
	assert.Error(t, run(context.Background(), window))
	assert.Less(t, time.Since(begin), 3*time.Second)
}

func TestBuildRejectsBadActions(t *testing.T) {
	_, err := Build("report", config.ActionConfig{Type: "exec"}, logx.Nop())
	assert.True(t, job.IsConfigurationError(err))
	_, err = Build("report", config.ActionConfig{Type: "email"}, logx.Nop())
	assert.True(t, job.IsConfigurationError(err))
}

func TestEntries(t *testing.T) {
	entries, err := Entries([]config.TaskConfig{
		{Name: "report", Enabled: true, Interval: 15},
		{Name: "sweep", Enabled: true, Singleton: true, Interval: 1},
	}, logx.Nop())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "report", entries[0].Def.Name)
	assert.True(t, entries[1].Def.Singleton)
	assert.NotNil(t, entries[1].Run)

	_, err = Entries([]config.TaskConfig{{Name: "bad", Interval: 0}}, logx.Nop())
	assert.Error(t, err)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	var tb tailBuffer
	_, _ = tb.Write([]byte(strings.Repeat("a", outputTail)))
	_, _ = tb.Write([]byte("tail"))
	assert.Len(t, tb.String(), outputTail)
	assert.True(t, strings.HasSuffix(tb.String(), "tail"))
}
