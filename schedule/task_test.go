package schedule

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilwork/chime/errors"
	"github.com/veilwork/chime/internal/util"
)

func newCronTask(t *testing.T) *Task {
	t.Helper()
	task, err := NewTask("daily-digest", "Send the daily digest",
		Trigger{Type: TriggerCron, CronExpression: "0 8 * * *"},
		Source{Module: "notification", EntityID: "digest-1"},
		map[string]string{"accountId": "acct-1"},
		true)
	require.NoError(t, err)
	return task
}

func newOnceTask(t *testing.T, at time.Time) *Task {
	t.Helper()
	task, err := NewTask("meeting-reminder", "",
		Trigger{Type: TriggerOnce, ScheduledTime: &at},
		Source{Module: "reminder", EntityID: "meeting-42"},
		nil,
		true)
	require.NoError(t, err)
	return task
}

func TestNewTaskCron(t *testing.T) {
	task := newCronTask(t)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatusActive, task.Status)
	assert.True(t, task.Enabled)
	assert.Equal(t, 1, task.Version)
	assert.Equal(t, TriggerCron, task.TriggerType)
	assert.Equal(t, "0 8 * * *", task.CronExpression)
	assert.Nil(t, task.NextRunAt, "cron next run is computed by the evaluator, not at creation")
	assert.Equal(t, 0, task.ExecutionCount)
	assert.Empty(t, task.ExecutionHistory)
}

func TestNewTaskOnce(t *testing.T) {
	at := time.Now().Add(time.Hour).UTC()
	task := newOnceTask(t, at)

	assert.Equal(t, TriggerOnce, task.TriggerType)
	require.NotNil(t, task.NextRunAt)
	assert.True(t, task.NextRunAt.Equal(at), "one-shot tasks schedule their run at creation")
}

func TestNewTaskValidation(t *testing.T) {
	tests := []struct {
		name    string
		task    string
		trigger Trigger
		source  Source
	}{
		{
			name:    "empty name",
			task:    "",
			trigger: Trigger{Type: TriggerCron, CronExpression: "* * * * *"},
			source:  Source{Module: "notification", EntityID: "x"},
		},
		{
			name:    "cron without expression",
			task:    "broken",
			trigger: Trigger{Type: TriggerCron},
			source:  Source{Module: "notification", EntityID: "x"},
		},
		{
			name:    "once without scheduled time",
			task:    "broken",
			trigger: Trigger{Type: TriggerOnce},
			source:  Source{Module: "reminder", EntityID: "x"},
		},
		{
			name:    "unknown trigger type",
			task:    "broken",
			trigger: Trigger{Type: TriggerType("weekly")},
			source:  Source{Module: "reminder", EntityID: "x"},
		},
		{
			name:    "missing source module",
			task:    "broken",
			trigger: Trigger{Type: TriggerCron, CronExpression: "* * * * *"},
			source:  Source{EntityID: "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTask(tt.task, "", tt.trigger, tt.source, nil, true)
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
		})
	}
}

func TestDisableEnableRoundTrip(t *testing.T) {
	task := newCronTask(t)
	v := task.Version

	require.NoError(t, task.Disable())
	assert.False(t, task.Enabled)
	assert.Equal(t, StatusPaused, task.Status)
	assert.Equal(t, v+1, task.Version)

	require.NoError(t, task.Enable())
	assert.True(t, task.Enabled)
	assert.Equal(t, StatusActive, task.Status)
	assert.Equal(t, v+2, task.Version)
}

func TestEnableRejectedOnTerminalStates(t *testing.T) {
	cancelled := newCronTask(t)
	require.NoError(t, cancelled.Cancel())
	err := cancelled.Enable()
	require.Error(t, err)
	assert.True(t, errors.IsInvalidOperationError(err))

	completed := newOnceTask(t, time.Now().Add(time.Minute))
	require.NoError(t, completed.Complete())
	err = completed.Enable()
	require.Error(t, err)
	assert.True(t, errors.IsInvalidOperationError(err))
}

func TestCancelIdempotent(t *testing.T) {
	task := newCronTask(t)

	require.NoError(t, task.Cancel())
	assert.Equal(t, StatusCancelled, task.Status)
	v := task.Version

	// Cancelling again succeeds without touching the aggregate
	require.NoError(t, task.Cancel())
	assert.Equal(t, StatusCancelled, task.Status)
	assert.Equal(t, v, task.Version)
}

func TestCancelRejectedAfterCompletion(t *testing.T) {
	task := newOnceTask(t, time.Now().Add(time.Minute))
	require.NoError(t, task.Complete())

	err := task.Cancel()
	require.Error(t, err)
	assert.True(t, errors.IsInvalidOperationError(err))
}

func TestPauseResume(t *testing.T) {
	task := newCronTask(t)

	require.NoError(t, task.Pause())
	assert.Equal(t, StatusPaused, task.Status)
	assert.True(t, task.Enabled, "pause does not flip the enabled gate")

	require.NoError(t, task.Resume())
	assert.Equal(t, StatusActive, task.Status)
}

func TestResumeIgnoredWhileDisabled(t *testing.T) {
	task := newCronTask(t)
	require.NoError(t, task.Disable())
	v := task.Version

	require.NoError(t, task.Resume())
	assert.Equal(t, StatusPaused, task.Status, "resume cannot override the disabled gate")
	assert.Equal(t, v, task.Version)
}

func TestUpdateCronExpressionClearsNextRun(t *testing.T) {
	task := newCronTask(t)
	next := time.Now().Add(time.Hour)
	task.SetNextRunAt(&next)

	require.NoError(t, task.UpdateCronExpression("30 9 * * 1"))
	assert.Equal(t, "30 9 * * 1", task.CronExpression)
	assert.Nil(t, task.NextRunAt, "a schedule change invalidates the computed next run")
}

func TestUpdateCronExpressionRejectedForOnceTask(t *testing.T) {
	task := newOnceTask(t, time.Now().Add(time.Hour))

	err := task.UpdateCronExpression("0 8 * * *")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidOperationError(err))
}

func TestUpdateScheduledTime(t *testing.T) {
	task := newOnceTask(t, time.Now().Add(time.Hour))
	later := time.Now().Add(2 * time.Hour).UTC()

	require.NoError(t, task.UpdateScheduledTime(later))
	require.NotNil(t, task.ScheduledTime)
	assert.True(t, task.ScheduledTime.Equal(later))
	require.NotNil(t, task.NextRunAt)
	assert.True(t, task.NextRunAt.Equal(later))

	cron := newCronTask(t)
	err := cron.UpdateScheduledTime(later)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidOperationError(err))
}

func TestUpdateBasicInfo(t *testing.T) {
	task := newCronTask(t)
	v := task.Version

	require.NoError(t, task.UpdateBasicInfo(util.Ptr("weekly-digest"), nil, map[string]string{"accountId": "acct-2"}))
	assert.Equal(t, "weekly-digest", task.Name)
	assert.Equal(t, "Send the daily digest", task.Description, "nil fields are left alone")
	assert.Equal(t, "acct-2", task.Metadata["accountId"])
	assert.Equal(t, v+1, task.Version)

	err := task.UpdateBasicInfo(util.Ptr(""), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestRecordExecutionHistoryCap(t *testing.T) {
	task := newCronTask(t)

	for i := 0; i < HistoryLimit+5; i++ {
		require.NoError(t, task.RecordExecution(true, "", util.Ptr(i)))
	}

	assert.Equal(t, HistoryLimit+5, task.ExecutionCount, "the counter keeps the full tally")
	require.Len(t, task.ExecutionHistory, HistoryLimit)

	// Newest first: the last recorded duration leads the window
	require.NotNil(t, task.ExecutionHistory[0].DurationMs)
	assert.Equal(t, HistoryLimit+4, *task.ExecutionHistory[0].DurationMs)
	require.NotNil(t, task.ExecutionHistory[HistoryLimit-1].DurationMs)
	assert.Equal(t, 5, *task.ExecutionHistory[HistoryLimit-1].DurationMs)
}

func TestRecordExecutionFailure(t *testing.T) {
	task := newCronTask(t)

	require.NoError(t, task.RecordExecution(false, "smtp timeout", nil))
	require.Len(t, task.ExecutionHistory, 1)
	assert.False(t, task.ExecutionHistory[0].Success)
	assert.Equal(t, "smtp timeout", task.ExecutionHistory[0].Error)
	require.NotNil(t, task.LastRunAt)
	assert.Equal(t, StatusActive, task.Status, "failures do not change the lifecycle state")
}

func TestOnceTaskCompletesAfterSuccess(t *testing.T) {
	task := newOnceTask(t, time.Now().Add(-time.Minute))

	require.NoError(t, task.RecordExecution(true, "", nil))
	assert.Equal(t, StatusCompleted, task.Status)
	assert.False(t, task.Enabled)
	assert.Equal(t, 1, task.ExecutionCount)
}

func TestOnceTaskStaysActiveAfterFailure(t *testing.T) {
	task := newOnceTask(t, time.Now().Add(-time.Minute))

	require.NoError(t, task.RecordExecution(false, "boom", nil))
	assert.Equal(t, StatusActive, task.Status)
	assert.True(t, task.Enabled)
}

func TestCompleteRejectedForCronTask(t *testing.T) {
	task := newCronTask(t)

	err := task.Complete()
	require.Error(t, err)
	assert.True(t, errors.IsInvalidOperationError(err))
}

func TestDailyDigestScenario(t *testing.T) {
	// A recurring digest runs three mornings in a row and stays active
	task := newCronTask(t)

	for day := 1; day <= 3; day++ {
		require.NoError(t, task.RecordExecution(true, "", nil))
	}

	assert.Equal(t, StatusActive, task.Status)
	assert.Equal(t, 3, task.ExecutionCount)
	assert.Len(t, task.ExecutionHistory, 3)
}

func TestVersionBumpsOnEveryMutation(t *testing.T) {
	task := newCronTask(t)
	v := task.Version

	mutations := []func() error{
		func() error { return task.UpdateBasicInfo(util.Ptr("renamed"), nil, nil) },
		func() error { return task.UpdateCronExpression("15 6 * * *") },
		task.Pause,
		task.Resume,
		task.Disable,
		task.Enable,
		func() error { return task.RecordExecution(true, "", nil) },
	}

	for i, mutate := range mutations {
		require.NoError(t, mutate(), fmt.Sprintf("mutation %d", i))
		v++
		assert.Equal(t, v, task.Version)
	}
}
