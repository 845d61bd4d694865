package trigger

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"cronguard/internal/job"

	"github.com/robfig/cron/v3"
)

// parser accepts 5-field and 6-field (seconds) specs plus descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Spec returns the cron expression that fires at each window boundary of def.
//
// An explicit Schedule wins. It may be a cron expression ("*/5 * * * *",
// "@hourly"), a Go duration ("15m") or HH:MM ("01:30"); the latter two become
// "@every". Otherwise the spec is derived from Unit, Interval and StartRule.
func Spec(def job.Definition) (string, error) {
	if s := strings.TrimSpace(def.Schedule); s != "" {
		return normalize(s)
	}
	if def.Interval <= 0 {
		return "", &job.ConfigurationError{Task: def.Name, Field: "interval", Reason: "must be > 0"}
	}
	i, s := def.Interval, def.StartRule
	switch def.Unit {
	case job.UnitHour:
		switch {
		case i < 24:
			return fmt.Sprintf("0 %d/%d * * *", s%i, i), nil
		case i == 24:
			return fmt.Sprintf("0 %d * * *", s%24), nil
		default:
			return fmt.Sprintf("@every %dh", i), nil
		}
	default:
		switch {
		case i < 60:
			return fmt.Sprintf("%d/%d * * * *", s%i, i), nil
		case i%60 == 0 && i/60 < 24:
			return fmt.Sprintf("%d */%d * * *", s%60, i/60), nil
		default:
			return fmt.Sprintf("@every %dm", i), nil
		}
	}
}

// Validate checks that the spec for def parses.
func Validate(def job.Definition) error {
	spec, err := Spec(def)
	if err != nil {
		return err
	}
	if _, err := parser.Parse(spec); err != nil {
		return &job.ConfigurationError{Task: def.Name, Field: "schedule", Reason: err.Error()}
	}
	return nil
}

func normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		s = strings.TrimSpace(s[len("cron:"):])
		if s == "" {
			return "", fmt.Errorf("cron schedule required after 'cron:'")
		}
		return s, nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return s, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		d, err := time.ParseDuration(m[1] + "h" + m[2] + "m")
		if err != nil || d <= 0 {
			return "", fmt.Errorf("invalid HH:MM schedule %q", raw)
		}
		return "@every " + d.String(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return "", fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
	}
	return "@every " + d.String(), nil
}
