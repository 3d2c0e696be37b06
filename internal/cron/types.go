package cron

import (
	"context"
	"fmt"
	"time"
)

// ScheduleType defines how a job is scheduled.
type ScheduleType string

const (
	ScheduleAt    ScheduleType = "at"    // daily wall-clock time (e.g. "14:30")
	ScheduleEvery ScheduleType = "every" // interval (e.g. "30m", "2h")
	ScheduleCron  ScheduleType = "cron"  // cron expression, seconds field optional
)

type CronSchedule struct {
	Type       ScheduleType `json:"type"`
	Expression string       `json:"expression"`
}

// Expr is shorthand for a cron-typed schedule.
func Expr(expr string) CronSchedule {
	return CronSchedule{Type: ScheduleCron, Expression: expr}
}

// Action is the work a job performs when it fires. A returned error is logged
// by the scheduler and never stops the loop.
type Action func(ctx context.Context) error

// Job is a named recurring action.
type Job struct {
	ID       string
	Schedule CronSchedule
	Action   Action
}

// ConfigurationError reports a job whose schedule cannot produce a future occurrence.
type ConfigurationError struct {
	JobID      string
	Expression string
	Err        error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job %q: invalid schedule %q: %v", e.JobID, e.Expression, e.Err)
	}
	return fmt.Sprintf("job %q: schedule %q has no future occurrence", e.JobID, e.Expression)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Occurrence is a job's next computed run time.
type Occurrence struct {
	JobID string
	At    time.Time
}

// toCronExpr converts a CronSchedule to a robfig/cron expression string.
func toCronExpr(schedule CronSchedule) (string, error) {
	switch schedule.Type {
	case ScheduleCron, "":
		return schedule.Expression, nil
	case ScheduleEvery:
		d, err := time.ParseDuration(schedule.Expression)
		if err != nil {
			return "", fmt.Errorf("invalid duration %q: %w", schedule.Expression, err)
		}
		return fmt.Sprintf("@every %s", d), nil
	case ScheduleAt:
		var h, m int
		if _, err := fmt.Sscanf(schedule.Expression, "%d:%d", &h, &m); err != nil {
			return "", fmt.Errorf("invalid time %q, expected HH:MM: %w", schedule.Expression, err)
		}
		if h < 0 || h > 23 || m < 0 || m > 59 {
			return "", fmt.Errorf("time %q out of range", schedule.Expression)
		}
		return fmt.Sprintf("0 %d %d * * *", m, h), nil
	default:
		return "", fmt.Errorf("unknown schedule type %q", schedule.Type)
	}
}
