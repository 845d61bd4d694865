package job

import (
	"fmt"
	"strconv"
	"time"
)

// startWidth is the fixed width of a canonical start: 13 decimal digits covers
// epoch milliseconds up to the year 2286.
const startWidth = 13

// Window is one scheduled occurrence of a task, the half-open interval [Start, End).
//
// Identity is (Task, Start). End is derived from the task definition and is
// ignored by Key and Equal.
type Window struct {
	Task  string
	Start time.Time
	End   time.Time
}

// Key is the comparable identity of a Window. Use it as a map key instead of
// Window, which embeds time.Time values.
type Key struct {
	Task  string
	Start int64 // epoch millis
}

// NewWindow builds the window that starts at start and lasts d.
func NewWindow(task string, start time.Time, d time.Duration) Window {
	return Window{Task: task, Start: start, End: start.Add(d)}
}

// Placeholder is the fixed lock window used by singleton tasks.
func Placeholder(task string) Window {
	return Window{Task: task, Start: time.UnixMilli(0), End: time.UnixMilli(0)}
}

func (w Window) Key() Key { return Key{Task: w.Task, Start: w.Start.UnixMilli()} }

// Equal reports whether both windows identify the same unit of work.
func (w Window) Equal(o Window) bool { return w.Key() == o.Key() }

// Check rejects windows that have no canonical start: an empty task name or a
// start before the epoch.
func (w Window) Check() error {
	if w.Task == "" {
		return fmt.Errorf("window %s: empty task name", w)
	}
	if w.Start.UnixMilli() < 0 {
		return fmt.Errorf("window %s: start %s precedes the epoch", w.Task, w.Start.UTC().Format(time.RFC3339))
	}
	return nil
}

// Duration is End - Start (zero for the singleton placeholder).
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Canonical returns the canonical start used in store keys.
func (w Window) Canonical() string { return FormatStart(w.Start) }

func (w Window) String() string {
	if w.Start.UnixMilli() == 0 && w.End.UnixMilli() == 0 {
		return w.Task + "@singleton"
	}
	return fmt.Sprintf("%s@[%s,%s)", w.Task, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

func (k Key) String() string { return k.Task + ":" + formatMillis(k.Start) }

// FormatStart encodes t as zero-padded epoch milliseconds. Text order equals
// time order for every non-negative instant.
func FormatStart(t time.Time) string {
	return formatMillis(t.UnixMilli())
}

// Instants before the epoch keep their sign so they never alias the
// placeholder; ParseStart and Check reject them.
func formatMillis(ms int64) string {
	var b []byte
	if ms < 0 {
		b = append(b, '-')
		ms = -ms
	}
	s := strconv.FormatInt(ms, 10)
	for len(b)+len(s) < startWidth {
		b = append(b, '0')
	}
	return string(append(b, s...))
}

// ParseStart decodes a canonical start produced by FormatStart.
func ParseStart(s string) (time.Time, error) {
	if len(s) != startWidth {
		return time.Time{}, fmt.Errorf("canonical start %q: want %d digits", s, startWidth)
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, fmt.Errorf("canonical start %q: not a non-negative integer", s)
	}
	return time.UnixMilli(ms), nil
}

// Status is the observed state of a completion record.
type Status int

const (
	StatusAbsent Status = iota
	StatusPending
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	default:
		return "absent"
	}
}
