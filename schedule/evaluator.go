package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/veilwork/chime/errors"
)

// Evaluator computes the next fire instant for a task's trigger. It is an
// interface boundary so alternative evaluators (timezone-aware, jittered)
// can be substituted without touching the aggregate.
type Evaluator interface {
	// NextRun returns the next fire instant strictly after from, or nil
	// when the trigger will never fire again.
	NextRun(t *Task, from time.Time) (*time.Time, error)
}

// CronEvaluator evaluates standard 5-field cron expressions and one-shot
// scheduled times.
type CronEvaluator struct {
	parser cron.Parser
}

// NewCronEvaluator returns an evaluator for minute-resolution cron
// expressions with the usual descriptors (@daily, @hourly, ...).
func NewCronEvaluator() *CronEvaluator {
	return &CronEvaluator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// NextRun implements Evaluator.
func (e *CronEvaluator) NextRun(t *Task, from time.Time) (*time.Time, error) {
	switch t.TriggerType {
	case TriggerOnce:
		if t.ScheduledTime == nil {
			return nil, errors.NewValidationError("one-shot task %s has no scheduled time", t.ID)
		}
		if !t.ScheduledTime.After(from) && t.LastRunAt != nil {
			// Already fired; a one-shot trigger never fires twice.
			return nil, nil
		}
		st := t.ScheduledTime.UTC()
		return &st, nil

	case TriggerCron:
		sched, err := e.parser.Parse(t.CronExpression)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrValidation, "invalid cron expression %q: %v", t.CronExpression, err)
		}
		next := sched.Next(from).UTC()
		return &next, nil

	default:
		return nil, errors.NewValidationError("unknown trigger type %q", t.TriggerType)
	}
}

// ValidateCronExpression parses an expression without evaluating it,
// for request validation before a task is created or updated.
func (e *CronEvaluator) ValidateCronExpression(expr string) error {
	if _, err := e.parser.Parse(expr); err != nil {
		return errors.Wrapf(errors.ErrValidation, "invalid cron expression %q: %v", expr, err)
	}
	return nil
}
