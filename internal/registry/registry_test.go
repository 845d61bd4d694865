package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronguard/internal/job"
	logx "cronguard/pkg/logx"
)

func def(name string, enabled bool) job.Definition {
	return job.Definition{Name: name, Enabled: enabled, Unit: job.UnitMinute, Interval: 5}
}

func TestNewRegistersEntries(t *testing.T) {
	noop := func(context.Context, job.Window) error { return nil }
	r, err := New(logx.Nop(),
		Entry{Def: def("b", true), Run: noop},
		Entry{Def: def("a", false), Run: noop},
		Entry{Def: def("c", true), Run: noop},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
	assert.Equal(t, []string{"b", "c"}, r.Enabled())
	assert.Equal(t, 3, r.Len())
}

func TestRegisterFirstWins(t *testing.T) {
	first := errors.New("first")
	r, err := New(logx.Nop())
	require.NoError(t, err)

	ok, err := r.Register(def("a", true), func(context.Context, job.Window) error { return first })
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Register(def("a", false), func(context.Context, job.Window) error { return nil })
	require.NoError(t, err)
	assert.False(t, ok)

	task, found := r.Lookup("a")
	require.True(t, found)
	assert.True(t, task.Def.Enabled)
	assert.ErrorIs(t, task.Run(context.Background(), job.Window{}), first)
}

func TestRegisterValidates(t *testing.T) {
	r, err := New(logx.Nop())
	require.NoError(t, err)

	bad := def("a", true)
	bad.Interval = 0
	_, err = r.Register(bad, func(context.Context, job.Window) error { return nil })
	assert.True(t, job.IsConfigurationError(err))

	_, err = r.Register(def("nil-run", true), nil)
	assert.Error(t, err)

	always := def("drained", true)
	always.AlwaysSucceeds = true
	ok, err := r.Register(always, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewFailsOnInvalidEntry(t *testing.T) {
	bad := def("", true)
	_, err := New(logx.Nop(), Entry{Def: bad, Run: func(context.Context, job.Window) error { return nil }})
	assert.Error(t, err)
}
