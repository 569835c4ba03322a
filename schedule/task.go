// Package schedule owns the recurring schedule task aggregate: trigger
// definition, status state machine, run bookkeeping, and a bounded
// execution history.
package schedule

import (
	"time"

	"github.com/google/uuid"

	"github.com/veilwork/chime/errors"
)

// TriggerType describes when a task fires: on a cron expression or once
// at a fixed instant. Immutable after creation.
type TriggerType string

const (
	TriggerCron TriggerType = "cron"
	TriggerOnce TriggerType = "once"
)

// Status constants for schedule tasks. Cancelled and completed are
// terminal: no operation transitions out of them.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// HistoryLimit bounds the execution history kept on a task. Insertion
// beyond the bound evicts the oldest entry.
const HistoryLimit = 10

// ExecutionRecord is one entry in a task's execution history.
type ExecutionRecord struct {
	ExecutedAt time.Time `json:"executed_at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs *int      `json:"duration_ms,omitempty"`
}

// Task is the recurring schedule task aggregate. Other modules reference
// it only through SourceModule/SourceEntityID; scheduling never
// dereferences the owning entity.
type Task struct {
	ID          string
	Name        string
	Description string

	TriggerType    TriggerType
	CronExpression string     // present iff TriggerType == TriggerCron
	ScheduledTime  *time.Time // present iff TriggerType == TriggerOnce

	Status  Status
	Enabled bool

	SourceModule   string
	SourceEntityID string
	Metadata       map[string]string // opaque, passed through to event consumers

	NextRunAt *time.Time
	LastRunAt *time.Time

	ExecutionCount   int
	ExecutionHistory []ExecutionRecord // newest-first, capped at HistoryLimit

	Version   int // optimistic-concurrency counter, bumped on every mutation
	CreatedAt time.Time
	UpdatedAt time.Time

	// loadedVersion is the version the row carried when this copy was
	// read. The store's save guard matches against it, so a stale copy
	// cannot overwrite a concurrent write no matter how many mutations
	// it accumulated in memory.
	loadedVersion int
}

// Trigger is the creation-time trigger definition.
type Trigger struct {
	Type           TriggerType
	CronExpression string
	ScheduledTime  *time.Time
}

// Source identifies the owning business entity (weak reference).
type Source struct {
	Module   string
	EntityID string
}

// NewTask creates a task in the active state. Validation happens before
// any field is set: a cron trigger requires an expression, a one-shot
// trigger requires a scheduled time.
func NewTask(name, description string, trigger Trigger, source Source, metadata map[string]string, enabled bool) (*Task, error) {
	switch trigger.Type {
	case TriggerCron:
		if trigger.CronExpression == "" {
			return nil, errors.NewValidationError("cron trigger requires cron_expression")
		}
	case TriggerOnce:
		if trigger.ScheduledTime == nil {
			return nil, errors.NewValidationError("one-shot trigger requires scheduled_time")
		}
	default:
		return nil, errors.NewValidationError("unknown trigger type %q", trigger.Type)
	}
	if name == "" {
		return nil, errors.NewValidationError("task name is required")
	}
	if source.Module == "" {
		return nil, errors.NewValidationError("source module is required")
	}

	now := time.Now().UTC()
	t := &Task{
		ID:             uuid.NewString(),
		Name:           name,
		Description:    description,
		TriggerType:    trigger.Type,
		CronExpression: trigger.CronExpression,
		Status:         StatusActive,
		Enabled:        enabled,
		SourceModule:   source.Module,
		SourceEntityID: source.EntityID,
		Metadata:       metadata,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if trigger.ScheduledTime != nil {
		st := trigger.ScheduledTime.UTC()
		t.ScheduledTime = &st
		// One-shot tasks fire at their scheduled time; cron tasks wait
		// for the evaluator to fill NextRunAt.
		t.NextRunAt = &st
	}
	return t, nil
}

// terminal reports whether the task is in a terminal status.
func (t *Task) terminal() bool {
	return t.Status == StatusCancelled || t.Status == StatusCompleted
}

// touch bumps the version and refreshes UpdatedAt. Every mutating
// operation goes through here.
func (t *Task) touch() {
	t.Version++
	t.UpdatedAt = time.Now().UTC()
}

// UpdateBasicInfo updates display metadata. Nil arguments leave the
// corresponding field untouched.
func (t *Task) UpdateBasicInfo(name, description *string, metadata map[string]string) error {
	if name != nil && *name == "" {
		return errors.NewValidationError("task name cannot be empty")
	}
	if name != nil {
		t.Name = *name
	}
	if description != nil {
		t.Description = *description
	}
	if metadata != nil {
		t.Metadata = metadata
	}
	t.touch()
	return nil
}

// UpdateCronExpression replaces the cron expression and clears NextRunAt,
// forcing the evaluator to recompute before the next fire.
func (t *Task) UpdateCronExpression(expr string) error {
	if t.TriggerType != TriggerCron {
		return errors.NewInvalidOperationError("cannot set cron expression on %s task %s", t.TriggerType, t.ID)
	}
	if expr == "" {
		return errors.NewValidationError("cron expression cannot be empty")
	}
	t.CronExpression = expr
	t.NextRunAt = nil
	t.touch()
	return nil
}

// UpdateScheduledTime replaces the one-shot instant and schedules the next
// run at it.
func (t *Task) UpdateScheduledTime(at time.Time) error {
	if t.TriggerType != TriggerOnce {
		return errors.NewInvalidOperationError("cannot set scheduled time on %s task %s", t.TriggerType, t.ID)
	}
	st := at.UTC()
	t.ScheduledTime = &st
	t.NextRunAt = &st
	t.touch()
	return nil
}

// Enable re-enables the task; a paused task becomes active again.
// Rejected on terminal states: enabling a cancelled or completed task has
// no defined effect.
func (t *Task) Enable() error {
	if t.terminal() {
		return errors.NewInvalidOperationError("cannot enable %s task %s", t.Status, t.ID)
	}
	t.Enabled = true
	if t.Status == StatusPaused {
		t.Status = StatusActive
	}
	t.touch()
	return nil
}

// Disable turns the task off and forces it to paused, regardless of prior
// non-terminal state.
func (t *Task) Disable() error {
	if t.terminal() {
		return errors.NewInvalidOperationError("cannot disable %s task %s", t.Status, t.ID)
	}
	t.Enabled = false
	t.Status = StatusPaused
	t.touch()
	return nil
}

// Pause moves the task to paused without touching the enabled gate.
func (t *Task) Pause() error {
	if t.terminal() {
		return errors.NewInvalidOperationError("cannot pause %s task %s", t.Status, t.ID)
	}
	t.Status = StatusPaused
	t.touch()
	return nil
}

// Resume reactivates a paused task. No-op when the task is disabled:
// the enabled gate must be lifted first via Enable.
func (t *Task) Resume() error {
	if t.terminal() {
		return errors.NewInvalidOperationError("cannot resume %s task %s", t.Status, t.ID)
	}
	if !t.Enabled {
		return nil
	}
	t.Status = StatusActive
	t.touch()
	return nil
}

// Cancel terminates the task. Idempotent from cancelled; rejected from
// completed (a completed task is a different terminal outcome).
func (t *Task) Cancel() error {
	if t.Status == StatusCancelled {
		return nil
	}
	if t.Status == StatusCompleted {
		return errors.NewInvalidOperationError("cannot cancel completed task %s", t.ID)
	}
	t.Status = StatusCancelled
	t.Enabled = false
	t.touch()
	return nil
}

// Complete marks a one-shot task as done. Cron tasks never complete.
func (t *Task) Complete() error {
	if t.TriggerType != TriggerOnce {
		return errors.NewInvalidOperationError("cannot complete %s task %s", t.TriggerType, t.ID)
	}
	if t.terminal() {
		return errors.NewInvalidOperationError("cannot complete %s task %s", t.Status, t.ID)
	}
	t.Status = StatusCompleted
	t.Enabled = false
	t.touch()
	return nil
}

// SetNextRunAt is the scheduler-only setter for the next fire instant.
// No state transition.
func (t *Task) SetNextRunAt(at *time.Time) {
	if at != nil {
		u := at.UTC()
		at = &u
	}
	t.NextRunAt = at
	t.touch()
}

// RecordExecution appends a run outcome to the front of the history,
// truncates to HistoryLimit, increments the execution count, and sets
// LastRunAt. A successful execution of a one-shot task drives the task to
// completed and disabled.
func (t *Task) RecordExecution(success bool, execErr string, durationMs *int) error {
	now := time.Now().UTC()

	rec := ExecutionRecord{
		ExecutedAt: now,
		Success:    success,
		Error:      execErr,
		DurationMs: durationMs,
	}
	t.ExecutionHistory = append([]ExecutionRecord{rec}, t.ExecutionHistory...)
	if len(t.ExecutionHistory) > HistoryLimit {
		t.ExecutionHistory = t.ExecutionHistory[:HistoryLimit]
	}
	t.ExecutionCount++
	t.LastRunAt = &now

	if success && t.TriggerType == TriggerOnce && !t.terminal() {
		return t.Complete() // Complete touches the version itself
	}

	t.touch()
	return nil
}
