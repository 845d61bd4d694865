package job

import (
	"sort"
	"time"
)

// BackfillStarts returns, in ascending order, the start of every window whose
// end boundary falls within the last BacktraceHours before now, aligned to the
// task's StartRule and Interval. The window ending at the most recent elapsed
// boundary is included; a boundary equal to now's minute (or hour) counts as
// elapsed.
func BackfillStarts(d Definition, now time.Time) ([]time.Time, error) {
	if err := d.validateBackfill(); err != nil {
		return nil, err
	}
	anchor := d.anchor(now)
	step := time.Duration(d.Interval) * d.Unit.Duration()
	floor := anchor.Add(-time.Duration(d.BacktraceHours) * time.Hour)
	dur := d.WindowDuration()

	var starts []time.Time
	for b := anchor; !b.Before(floor); b = b.Add(-step) {
		starts = append(starts, b.Add(-dur))
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	return starts, nil
}

// CurrentWindow returns the window that ends at the most recent elapsed
// boundary. Singleton tasks always get the placeholder window.
func CurrentWindow(d Definition, now time.Time) (Window, error) {
	if d.Singleton {
		return Placeholder(d.Name), nil
	}
	if d.Interval <= 0 {
		return Window{}, &ConfigurationError{Task: d.Name, Field: "interval", Reason: "must be > 0"}
	}
	if err := d.validateStartRule(); err != nil {
		return Window{}, err
	}
	anchor := d.anchor(now)
	if d.Unit == UnitHour {
		// The daily anchor only fixes alignment; roll forward to the latest
		// boundary that has passed.
		step := time.Duration(d.Interval) * time.Hour
		hour := truncateHour(now)
		for !anchor.Add(step).After(hour) {
			anchor = anchor.Add(step)
		}
	}
	dur := d.WindowDuration()
	return Window{Task: d.Name, Start: anchor.Add(-dur), End: anchor}, nil
}

// anchor locates the most recent boundary aligned to StartRule.
//
// Minute: walk from StartRule by Interval until past the current minute of the
// hour; the step before that is the anchor. When StartRule is still ahead that
// step lies in the future, so step back by Interval until it has elapsed.
// Hour: today's StartRule hour when it has been reached, else yesterday's.
func (d Definition) anchor(now time.Time) time.Time {
	switch d.Unit {
	case UnitHour:
		h := truncateHour(now)
		a := time.Date(h.Year(), h.Month(), h.Day(), d.StartRule, 0, 0, 0, h.Location())
		if h.Hour() < d.StartRule {
			a = a.AddDate(0, 0, -1)
		}
		return a
	default:
		t := truncateMinute(now)
		m := t.Minute()
		from := d.StartRule
		for from <= m {
			from += d.Interval
		}
		a := t.Add(-time.Duration(m-(from-d.Interval)) * time.Minute)
		step := time.Duration(d.Interval) * time.Minute
		for a.After(t) {
			a = a.Add(-step)
		}
		return a
	}
}

func (d Definition) validateBackfill() error {
	if err := d.validateStartRule(); err != nil {
		return err
	}
	if d.Interval <= 0 {
		return &ConfigurationError{Task: d.Name, Field: "interval", Reason: "must be > 0"}
	}
	if d.BacktraceHours <= 0 {
		return &ConfigurationError{Task: d.Name, Field: "backtrace_hours", Reason: "must be > 0"}
	}
	return nil
}

func truncateMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

func truncateHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}
