package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilwork/chime/bus"
	"github.com/veilwork/chime/errors"
)

const (
	// DefaultTickInterval is how often the ticker polls for due tasks
	DefaultTickInterval = 15 * time.Second

	// EventTaskExecuted is published after a task runs successfully
	EventTaskExecuted = "task-executed"

	// EventTaskFailed is published after a task run returns an error
	EventTaskFailed = "task-failed"

	// MetadataAccountID is the metadata key that routes task events to a
	// single account's connections instead of broadcasting
	MetadataAccountID = "accountId"
)

// Runner executes the work behind a due task. Runners are registered per
// source module; a task whose module has no runner still gets its
// execution recorded and its event published.
type Runner func(ctx context.Context, t *Task) error

// TickerStats tracks dispatcher activity
type TickerStats struct {
	TicksProcessed  int64
	TasksExecuted   int64
	TasksFailed     int64
	LastTickAt      time.Time
	LastTickDurMs   int64
	LastErrorAt     time.Time
	LastErrorDetail string
}

// Ticker polls the store for due tasks and executes them. One run per
// task per tick; a failing task does not abort the batch.
type Ticker struct {
	store     *Store
	evaluator Evaluator
	bus       bus.Bus
	logger    *zap.SugaredLogger
	interval  time.Duration

	mu      sync.RWMutex
	runners map[string]Runner
	stats   TickerStats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTicker creates a dispatcher with the default poll interval.
func NewTicker(store *Store, evaluator Evaluator, b bus.Bus, logger *zap.SugaredLogger) *Ticker {
	return &Ticker{
		store:     store,
		evaluator: evaluator,
		bus:       b,
		logger:    logger,
		interval:  DefaultTickInterval,
		runners:   make(map[string]Runner),
	}
}

// SetInterval overrides the poll interval. Must be called before Start.
func (tk *Ticker) SetInterval(d time.Duration) {
	if d > 0 {
		tk.interval = d
	}
}

// RegisterRunner binds a runner to a source module.
func (tk *Ticker) RegisterRunner(sourceModule string, r Runner) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	tk.runners[sourceModule] = r
}

// Start launches the polling loop. It returns immediately; call Stop to
// shut the loop down and wait for an in-flight tick to finish.
func (tk *Ticker) Start(ctx context.Context) {
	ctx, tk.cancel = context.WithCancel(ctx)
	tk.wg.Add(1)

	go func() {
		defer tk.wg.Done()

		tk.logger.Infow("Schedule ticker started", "interval", tk.interval)

		ticker := time.NewTicker(tk.interval)
		defer ticker.Stop()

		// Process immediately on start so a restart doesn't delay
		// overdue tasks by a full interval
		tk.tick(ctx)

		for {
			select {
			case <-ctx.Done():
				tk.logger.Infow("Schedule ticker stopped")
				return
			case <-ticker.C:
				tk.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (tk *Ticker) Stop() {
	if tk.cancel != nil {
		tk.cancel()
	}
	tk.wg.Wait()
}

// Stats returns a snapshot of dispatcher counters.
func (tk *Ticker) Stats() TickerStats {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	return tk.stats
}

// tick runs one dispatch pass: backfill cleared next-run times, then
// execute everything due.
func (tk *Ticker) tick(ctx context.Context) {
	started := time.Now()

	tk.backfillNextRuns(ctx)

	due, err := tk.store.ListTasksDue(ctx, started)
	if err != nil {
		tk.recordError(err)
		tk.logger.Errorw("Failed to list due tasks", "error", err)
		return
	}

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		tk.execute(ctx, t)
	}

	tk.mu.Lock()
	tk.stats.TicksProcessed++
	tk.stats.LastTickAt = started
	tk.stats.LastTickDurMs = time.Since(started).Milliseconds()
	tk.mu.Unlock()

	if len(due) > 0 {
		tk.logger.Debugw("Tick complete", "dueTasks", len(due), "durationMs", time.Since(started).Milliseconds())
	}
}

// backfillNextRuns recomputes next_run_at for active cron tasks whose
// schedule was updated (the update clears the stored value).
func (tk *Ticker) backfillNextRuns(ctx context.Context) {
	pending, err := tk.store.ListTasksPendingNextRun(ctx)
	if err != nil {
		tk.logger.Warnw("Failed to list tasks pending next run", "error", err)
		return
	}

	now := time.Now()
	for _, t := range pending {
		next, err := tk.evaluator.NextRun(t, now)
		if err != nil {
			tk.logger.Warnw("Failed to compute next run", "taskId", t.ID, "cron", t.CronExpression, "error", err)
			continue
		}
		t.SetNextRunAt(next)
		if err := tk.store.SaveTask(t); err != nil {
			tk.logger.Warnw("Failed to save recomputed next run", "taskId", t.ID, "error", err)
		}
	}
}

// execute runs a single due task, records the outcome on the aggregate,
// advances its schedule, and publishes the result event.
func (tk *Ticker) execute(ctx context.Context, t *Task) {
	tk.mu.RLock()
	runner := tk.runners[t.SourceModule]
	tk.mu.RUnlock()

	started := time.Now()
	var runErr error
	if runner != nil {
		runErr = runner(ctx, t)
	}
	durationMs := int(time.Since(started).Milliseconds())

	errDetail := ""
	if runErr != nil {
		errDetail = runErr.Error()
	}
	if err := t.RecordExecution(runErr == nil, errDetail, &durationMs); err != nil {
		tk.recordError(err)
		tk.logger.Errorw("Failed to record execution", "taskId", t.ID, "error", err)
		return
	}

	// Advance the schedule even after a failed run so a broken task
	// waits for its next slot instead of re-firing every tick
	if !t.terminal() {
		next, err := tk.evaluator.NextRun(t, time.Now())
		if err != nil {
			tk.logger.Warnw("Failed to compute next run after execution", "taskId", t.ID, "error", err)
			t.SetNextRunAt(nil)
		} else {
			t.SetNextRunAt(next)
		}
	} else {
		t.SetNextRunAt(nil)
	}

	if err := tk.store.SaveTask(t); err != nil {
		tk.recordError(err)
		tk.logger.Errorw("Failed to save task after execution", "taskId", t.ID, "error", err)
		return
	}

	tk.publishResult(t, runErr, durationMs)

	tk.mu.Lock()
	if runErr == nil {
		tk.stats.TasksExecuted++
	} else {
		tk.stats.TasksFailed++
	}
	tk.mu.Unlock()

	if runErr != nil {
		tk.logger.Warnw("Task execution failed",
			"taskId", t.ID, "name", t.Name, "sourceModule", t.SourceModule,
			"durationMs", durationMs, "error", runErr)
	} else {
		tk.logger.Infow("Task executed",
			"taskId", t.ID, "name", t.Name, "sourceModule", t.SourceModule,
			"durationMs", durationMs)
	}
}

// publishResult emits the execution outcome on the event bus. Tasks
// carrying an accountId in metadata are routed to that account only.
func (tk *Ticker) publishResult(t *Task, runErr error, durationMs int) {
	if tk.bus == nil {
		return
	}

	name := EventTaskExecuted
	payload := map[string]interface{}{
		"taskId":       t.ID,
		"name":         t.Name,
		"sourceModule": t.SourceModule,
		"entityId":     t.SourceEntityID,
		"durationMs":   durationMs,
	}
	if runErr != nil {
		name = EventTaskFailed
		payload["error"] = runErr.Error()
	}

	tk.bus.Publish(bus.Event{
		Name:      name,
		AccountID: t.Metadata[MetadataAccountID],
		Payload:   payload,
		Time:      time.Now(),
	})
}

// RunNow executes a task immediately, outside its schedule. Used by the
// manual trigger endpoint. Terminal and disabled tasks are rejected so a
// manual fire cannot grow the history of a cancelled or completed task.
func (tk *Ticker) RunNow(ctx context.Context, id string) (*Task, error) {
	t, err := tk.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t.terminal() {
		return nil, errors.NewInvalidOperationError("cannot run %s task %s", t.Status, t.ID)
	}
	if !t.Enabled {
		return nil, errors.NewInvalidOperationError("cannot run disabled task %s", t.ID)
	}
	tk.execute(ctx, t)
	return tk.store.GetTask(id)
}

func (tk *Ticker) recordError(err error) {
	tk.mu.Lock()
	tk.stats.LastErrorAt = time.Now()
	tk.stats.LastErrorDetail = err.Error()
	tk.mu.Unlock()
}
