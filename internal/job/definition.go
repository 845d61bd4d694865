package job

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Unit is the granularity a task's windows are expressed in.
type Unit int

const (
	UnitMinute Unit = iota
	UnitHour
)

func (u Unit) String() string {
	switch u {
	case UnitMinute:
		return "minute"
	case UnitHour:
		return "hour"
	default:
		return fmt.Sprintf("unit(%d)", int(u))
	}
}

// Duration is the wall-clock length of one unit.
func (u Unit) Duration() time.Duration {
	switch u {
	case UnitHour:
		return time.Hour
	default:
		return time.Minute
	}
}

// ParseUnit accepts "minute"/"minutes"/"m" and "hour"/"hours"/"h".
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minute", "minutes", "m", "":
		return UnitMinute, nil
	case "hour", "hours", "h":
		return UnitHour, nil
	default:
		return 0, &ConfigurationError{Field: "unit", Reason: fmt.Sprintf("unknown unit %q", s)}
	}
}

var reTaskName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Definition is the static configuration of a task. It is immutable once
// registered.
type Definition struct {
	Name string

	Enabled bool
	// AlwaysSucceeds skips invocation and treats the window as done.
	AlwaysSucceeds bool
	// Singleton ignores windows: at most one execution of the task runs
	// cluster-wide at any time.
	Singleton bool

	Unit Unit
	// Interval is the distance between window boundaries, in Unit.
	Interval int
	// BacktraceHours bounds how far back the startup backfill looks.
	BacktraceHours int
	// StartRule is the minute of hour (Unit=minute, 0..60) or hour of day
	// (Unit=hour, 0..23) at which the first window boundary falls.
	StartRule int

	BacktraceScan  bool
	Rescan         bool
	RescanInterval time.Duration

	// Schedule optionally overrides the trigger's derived cron expression.
	Schedule string
}

// WindowDuration is Interval expressed as a duration.
func (d Definition) WindowDuration() time.Duration {
	return time.Duration(d.Interval) * d.Unit.Duration()
}

// Validate checks the invariants every consumer relies on.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return &ConfigurationError{Field: "name", Reason: "required"}
	}
	if !reTaskName.MatchString(d.Name) {
		return &ConfigurationError{Task: d.Name, Field: "name", Reason: "only letters, digits, '-' and '_' are allowed"}
	}
	if d.Unit != UnitMinute && d.Unit != UnitHour {
		return &ConfigurationError{Task: d.Name, Field: "unit", Reason: d.Unit.String()}
	}
	if d.Interval <= 0 {
		return &ConfigurationError{Task: d.Name, Field: "interval", Reason: "must be > 0"}
	}
	if err := d.validateStartRule(); err != nil {
		return err
	}
	if d.BacktraceScan && d.BacktraceHours <= 0 {
		return &ConfigurationError{Task: d.Name, Field: "backtrace_hours", Reason: "must be > 0 when backtrace scan is enabled"}
	}
	if d.Rescan && d.RescanInterval <= 0 {
		return &ConfigurationError{Task: d.Name, Field: "rescan_interval", Reason: "must be > 0 when rescan is enabled"}
	}
	return nil
}

func (d Definition) validateStartRule() error {
	switch d.Unit {
	case UnitMinute:
		if d.StartRule < 0 || d.StartRule > 60 {
			return &ConfigurationError{Task: d.Name, Field: "start_rule", Reason: fmt.Sprintf("%d outside [0,60] for unit minute", d.StartRule)}
		}
	case UnitHour:
		if d.StartRule < 0 || d.StartRule > 23 {
			return &ConfigurationError{Task: d.Name, Field: "start_rule", Reason: fmt.Sprintf("%d outside [0,23] for unit hour", d.StartRule)}
		}
	}
	return nil
}
