package job

import (
	"errors"
	"fmt"
)

// ConfigurationError reports invalid schedule parameters. It is fatal for the
// task it names: the scanner will not run for that task.
type ConfigurationError struct {
	Task   string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Task == "" {
		return fmt.Sprintf("invalid task config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid task config %q: %s: %s", e.Task, e.Field, e.Reason)
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
