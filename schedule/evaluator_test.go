package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronEvaluatorNextRun(t *testing.T) {
	eval := NewCronEvaluator()
	task := newCronTask(t) // 0 8 * * *

	from := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	next, err := eval.NextRun(task, from)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), *next)
}

func TestCronEvaluatorDescriptor(t *testing.T) {
	eval := NewCronEvaluator()
	task := newCronTask(t)
	require.NoError(t, task.UpdateCronExpression("@hourly"))

	from := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	next, err := eval.NextRun(task, from)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC), *next)
}

func TestCronEvaluatorInvalidExpression(t *testing.T) {
	eval := NewCronEvaluator()
	task := newCronTask(t)
	task.CronExpression = "not a cron"

	_, err := eval.NextRun(task, time.Now())
	require.Error(t, err)
}

func TestOnceEvaluatorReturnsScheduledTime(t *testing.T) {
	eval := NewCronEvaluator()
	at := time.Now().Add(time.Hour).UTC()
	task := newOnceTask(t, at)

	next, err := eval.NextRun(task, time.Now())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.Equal(at))
}

func TestOnceEvaluatorNilAfterFiring(t *testing.T) {
	eval := NewCronEvaluator()
	task := newOnceTask(t, time.Now().Add(-time.Hour))
	require.NoError(t, task.RecordExecution(true, "", nil))

	next, err := eval.NextRun(task, time.Now())
	require.NoError(t, err)
	assert.Nil(t, next, "a fired one-shot has no next run")
}

func TestValidateCronExpression(t *testing.T) {
	eval := NewCronEvaluator()

	assert.NoError(t, eval.ValidateCronExpression("0 8 * * *"))
	assert.NoError(t, eval.ValidateCronExpression("*/5 * * * *"))
	assert.NoError(t, eval.ValidateCronExpression("@daily"))
	assert.Error(t, eval.ValidateCronExpression(""))
	assert.Error(t, eval.ValidateCronExpression("61 * * * *"))
	assert.Error(t, eval.ValidateCronExpression("banana"))
}
