package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/veilwork/chime/errors"
)

// Store handles persistence of schedule tasks. The aggregate serializes to
// a flat row; metadata and execution history are stored as JSON text blobs
// and rehydrated on load.
type Store struct {
	db *sql.DB
}

// NewStore creates a new task store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const taskColumns = `id, name, description, trigger_type, cron_expression, scheduled_time,
	       status, enabled, source_module, source_entity_id, metadata,
	       next_run_at, last_run_at, execution_count, execution_history,
	       version, created_at, updated_at`

// CreateTask inserts a new task row.
func (s *Store) CreateTask(t *Task) error {
	metadata, history, err := marshalBlobs(t)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.Exec(query,
		t.ID,
		t.Name,
		nullIfEmpty(t.Description),
		string(t.TriggerType),
		nullIfEmpty(t.CronExpression),
		nullTime(t.ScheduledTime),
		string(t.Status),
		t.Enabled,
		t.SourceModule,
		t.SourceEntityID,
		metadata,
		nullTime(t.NextRunAt),
		nullTime(t.LastRunAt),
		t.ExecutionCount,
		history,
		t.Version,
		t.CreatedAt.Format(time.RFC3339),
		t.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create task")
	}
	t.loadedVersion = t.Version
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("task %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get task %s", id)
	}
	return t, nil
}

// SaveTask persists a mutated aggregate. The write is guarded by the
// optimistic version counter: only a row still at the version this copy
// was loaded at is updated. A row changed by a concurrent writer is left
// untouched and the call reports ErrConflict. Saving a copy whose
// operations were all no-ops rewrites the row at the same version.
func (s *Store) SaveTask(t *Task) error {
	metadata, history, err := marshalBlobs(t)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET name = ?, description = ?, cron_expression = ?, scheduled_time = ?,
		    status = ?, enabled = ?, metadata = ?,
		    next_run_at = ?, last_run_at = ?,
		    execution_count = ?, execution_history = ?,
		    version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := s.db.Exec(query,
		t.Name,
		nullIfEmpty(t.Description),
		nullIfEmpty(t.CronExpression),
		nullTime(t.ScheduledTime),
		string(t.Status),
		t.Enabled,
		metadata,
		nullTime(t.NextRunAt),
		nullTime(t.LastRunAt),
		t.ExecutionCount,
		history,
		t.Version,
		t.UpdatedAt.Format(time.RFC3339),
		t.ID,
		t.loadedVersion,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save task %s", t.ID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		var exists bool
		if err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ?)", t.ID).Scan(&exists); err != nil {
			return errors.Wrapf(err, "failed to check task %s", t.ID)
		}
		if !exists {
			return errors.NewNotFoundError("task %s", t.ID)
		}
		return errors.Wrapf(errors.ErrConflict, "task %s version %d is stale", t.ID, t.loadedVersion)
	}
	t.loadedVersion = t.Version
	return nil
}

// ListTasks returns tasks newest-first. Limited to 1000 rows to bound
// memory on large installs.
func (s *Store) ListTasks() ([]*Task, error) {
	rows, err := s.db.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC LIMIT 1000`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksDue returns active, enabled tasks whose next run is at or
// before now, oldest due first. Limited to 100 per batch so one tick
// cannot monopolize the dispatcher.
func (s *Store) ListTasksDue(ctx context.Context, now time.Time) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = ? AND enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT 100
	`
	rows, err := s.db.QueryContext(ctx, query, string(StatusActive), now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksPendingNextRun returns active cron tasks whose next run has
// been cleared (after a cron expression update) and needs recomputation.
func (s *Store) ListTasksPendingNextRun(ctx context.Context) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = ? AND enabled = 1 AND trigger_type = ? AND next_run_at IS NULL
		LIMIT 100
	`
	rows, err := s.db.QueryContext(ctx, query, string(StatusActive), string(TriggerCron))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks pending next run")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// GetNextDueTask returns the soonest active, enabled task, or nil when
// nothing is scheduled.
func (s *Store) GetNextDueTask() (*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = ? AND enabled = 1 AND next_run_at IS NOT NULL
		ORDER BY next_run_at ASC
		LIMIT 1
	`
	row := s.db.QueryRow(query, string(StatusActive))
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get next due task")
	}
	return t, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var triggerType, status, createdAt, updatedAt string
	var description, cronExpr, scheduledTime, metadata sql.NullString
	var nextRunAt, lastRunAt, history sql.NullString

	err := row.Scan(
		&t.ID,
		&t.Name,
		&description,
		&triggerType,
		&cronExpr,
		&scheduledTime,
		&status,
		&t.Enabled,
		&t.SourceModule,
		&t.SourceEntityID,
		&metadata,
		&nextRunAt,
		&lastRunAt,
		&t.ExecutionCount,
		&history,
		&t.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.TriggerType = TriggerType(triggerType)
	t.Status = Status(status)
	if description.Valid {
		t.Description = description.String
	}
	if cronExpr.Valid {
		t.CronExpression = cronExpr.String
	}

	// Parse timestamps (errors indicate data corruption or schema mismatch)
	t.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for task %s", t.ID)
	}
	t.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for task %s", t.ID)
	}
	if t.ScheduledTime, err = parseNullTime(scheduledTime); err != nil {
		return nil, errors.Wrapf(err, "failed to parse scheduled_time for task %s", t.ID)
	}
	if t.NextRunAt, err = parseNullTime(nextRunAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_run_at for task %s", t.ID)
	}
	if t.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse last_run_at for task %s", t.ID)
	}

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, errors.Wrapf(err, "failed to parse metadata for task %s", t.ID)
		}
	}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &t.ExecutionHistory); err != nil {
			return nil, errors.Wrapf(err, "failed to parse execution history for task %s", t.ID)
		}
	}

	t.loadedVersion = t.Version
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func marshalBlobs(t *Task) (metadata, history interface{}, err error) {
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to marshal metadata for task %s", t.ID)
		}
		metadata = string(b)
	}
	if len(t.ExecutionHistory) > 0 {
		b, err := json.Marshal(t.ExecutionHistory)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to marshal execution history for task %s", t.ID)
		}
		history = string(b)
	}
	return metadata, history, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
