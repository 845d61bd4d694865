package store

import (
	"strings"

	"cronguard/internal/job"
)

const (
	DefaultLockPrefix   = "JobLock"
	DefaultStatusPrefix = "JobProcessStatusList"

	valueCompleted = "true"
	valuePending   = "false"
)

// Layout names the logical keys:
//
//	lease:      {LockPrefix}:{task}:{canonicalStart}
//	completion: {StatusPrefix}:{task} -> {canonicalStart: "true"|"false"}
type Layout struct {
	LockPrefix   string
	StatusPrefix string
}

func (l Layout) withDefaults() Layout {
	if strings.TrimSpace(l.LockPrefix) == "" {
		l.LockPrefix = DefaultLockPrefix
	}
	if strings.TrimSpace(l.StatusPrefix) == "" {
		l.StatusPrefix = DefaultStatusPrefix
	}
	return l
}

func (l Layout) LeaseKey(w job.Window) string {
	return l.LockPrefix + ":" + w.Task + ":" + w.Canonical()
}

func (l Layout) StatusKey(task string) string {
	return l.StatusPrefix + ":" + task
}

func statusValue(done bool) string {
	if done {
		return valueCompleted
	}
	return valuePending
}

func parseStatus(v string, ok bool) job.Status {
	switch {
	case !ok:
		return job.StatusAbsent
	case v == valueCompleted:
		return job.StatusCompleted
	default:
		return job.StatusPending
	}
}
