package job

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatStartIsFixedWidthAndSortable(t *testing.T) {
	times := []time.Time{
		time.UnixMilli(0),
		time.UnixMilli(999),
		time.Date(2001, 9, 9, 1, 46, 40, 0, time.UTC),
		time.Date(2024, 3, 10, 9, 45, 0, 0, time.UTC),
		time.Date(2024, 3, 10, 9, 45, 0, int(time.Millisecond), time.UTC),
	}
	keys := make([]string, 0, len(times))
	for _, tm := range times {
		s := FormatStart(tm)
		assert.Len(t, s, 13)
		keys = append(keys, s)
	}
	assert.True(t, sort.StringsAreSorted(keys))
	assert.NotEqual(t, keys[3], keys[4], "sub-second starts must not collide")
}

func TestParseStart(t *testing.T) {
	want := time.Date(2024, 3, 10, 9, 45, 0, 0, time.UTC)
	got, err := ParseStart(FormatStart(want))
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	_, err = ParseStart("12345")
	assert.Error(t, err)
	_, err = ParseStart("abcdefghijklm")
	assert.Error(t, err)
}

func TestWindowIdentityIgnoresEnd(t *testing.T) {
	start := time.Date(2024, 3, 10, 9, 45, 0, 0, time.UTC)
	a := NewWindow("report", start, 15*time.Minute)
	b := Window{Task: "report", Start: start.In(time.FixedZone("X", 3600)), End: start}
	c := NewWindow("other", start, 15*time.Minute)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
	assert.False(t, a.Equal(c))

	seen := map[Key]bool{a.Key(): true}
	assert.True(t, seen[b.Key()])
}

func TestDefinitionValidate(t *testing.T) {
	ok := Definition{Name: "report-1", Unit: UnitMinute, Interval: 15, StartRule: 0, BacktraceScan: true, BacktraceHours: 2, Rescan: true, RescanInterval: time.Minute}
	require.NoError(t, ok.Validate())
	assert.Equal(t, 15*time.Minute, ok.WindowDuration())

	bad := ok
	bad.Name = "has:colon"
	assert.True(t, IsConfigurationError(bad.Validate()))

	bad = ok
	bad.Rescan, bad.RescanInterval = true, 0
	assert.True(t, IsConfigurationError(bad.Validate()))

	hourly := ok
	hourly.Unit, hourly.StartRule, hourly.Interval = UnitHour, 23, 2
	require.NoError(t, hourly.Validate())
	assert.Equal(t, 2*time.Hour, hourly.WindowDuration())
}

func TestParseUnit(t *testing.T) {
	u, err := ParseUnit("HOUR")
	require.NoError(t, err)
	assert.Equal(t, UnitHour, u)
	u, err = ParseUnit("minute")
	require.NoError(t, err)
	assert.Equal(t, UnitMinute, u)
	_, err = ParseUnit("day")
	assert.True(t, IsConfigurationError(err))
}

func TestStartBeforeEpochNeverAliasesPlaceholder(t *testing.T) {
	pre := NewWindow("t", time.UnixMilli(-900000), 15*time.Minute)
	ph := Placeholder("t")

	assert.NotEqual(t, ph.Canonical(), pre.Canonical())
	assert.Equal(t, "-000000900000", pre.Canonical())
	assert.Len(t, FormatStart(time.UnixMilli(-1)), 13)
	assert.NotEqual(t, ph.Key().String(), pre.Key().String())

	_, err := ParseStart(pre.Canonical())
	assert.Error(t, err)
	assert.Error(t, pre.Check())
	assert.Error(t, NewWindow("", time.UnixMilli(0), time.Minute).Check())
	assert.NoError(t, ph.Check())
	assert.NoError(t, NewWindow("t", time.Date(2024, 3, 10, 9, 45, 0, 0, time.UTC), 15*time.Minute).Check())
}
