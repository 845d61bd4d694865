package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestFloodGuardDropsInfoButKeepsWarnings(t *testing.T) {
	var buf bytes.Buffer
	svc := &Service{limiter: rate.NewLimiter(rate.Limit(1), 1)}
	g := &floodGuard{svc: svc, next: zerolog.MultiLevelWriter(&buf)}

	_, _ = g.WriteLevel(zerolog.InfoLevel, []byte("first\n"))
	_, _ = g.WriteLevel(zerolog.InfoLevel, []byte("second\n"))
	_, _ = g.WriteLevel(zerolog.WarnLevel, []byte("warn\n"))
	_, _ = g.WriteLevel(zerolog.ErrorLevel, []byte("error\n"))

	out := buf.String()
	assert.Contains(t, out, "first")
	assert.NotContains(t, out, "second")
	assert.Contains(t, out, "warn")
	assert.Contains(t, out, "error")
	assert.Equal(t, uint64(1), svc.Dropped())
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(nil))

	line := buf.String()
	assert.Contains(t, line, `"comp":"test"`)
	assert.Contains(t, line, `"n":3`)
	assert.Contains(t, line, `"message":"hello"`)
	assert.NotContains(t, line, `"err"`)
	assert.True(t, strings.Contains(line, "logging_test.go:"), "caller should be short file:line")
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	assert.NotPanics(t, func() { l.Error("ignored", String("k", "v")) })
	assert.False(t, Nop().IsZero())
}

func TestValidLevel(t *testing.T) {
	assert.True(t, ValidLevel("warn"))
	assert.True(t, ValidLevel(""))
	assert.False(t, ValidLevel("loud"))
}
