// Package schedule computes and validates a scheduled task's next-run
// timestamp for each schedule kind (§3, §4.9): a cron expression, a
// fixed-millisecond interval, or a one-shot timestamp. The same validation
// runs whether a task is created over IPC (register/schedule_task, §4.8) or
// re-armed after it fires (§4.9).
package schedule

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentdock/hostd/internal/store"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate reports whether kind/value is a well-formed schedule, without
// computing a next-run. Used at IPC ingestion time (§4.8) to reject a
// malformed schedule before a task row is ever created.
func Validate(kind, value string) error {
	switch kind {
	case store.ScheduleCron:
		_, err := cronParser.Parse(value)
		if err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		return nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("invalid interval value %q: must be a positive integer count of milliseconds", value)
		}
		return nil
	case store.ScheduleOnce:
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return fmt.Errorf("invalid once value %q: must be RFC3339: %w", value, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// InitialNextRun computes the first next-run for a freshly created task. For
// cron and interval schedules this is identical to NextAfterFire (the first
// firing is just the next one from now); for a "once" schedule it is the
// parsed target timestamp itself, since that is the single firing.
func InitialNextRun(kind, value string, now time.Time) (*time.Time, error) {
	if err := Validate(kind, value); err != nil {
		return nil, err
	}
	if kind == store.ScheduleOnce {
		t, _ := time.Parse(time.RFC3339, value)
		t = t.UTC()
		return &t, nil
	}
	return NextAfterFire(kind, value, now)
}

// NextAfterFire computes the next-run to store after a task has just fired
// (§4.9): cron rearms to the next future occurrence of the expression,
// interval rearms to now+value, and once rearms to nil — the caller
// transitions the task to TaskStatusCompleted.
func NextAfterFire(kind, value string, now time.Time) (*time.Time, error) {
	switch kind {
	case store.ScheduleCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		next := sched.Next(now.UTC())
		return &next, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid interval value %q", value)
		}
		next := now.UTC().Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case store.ScheduleOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", kind)
	}
}
