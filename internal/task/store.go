package task

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/joss/atelier/internal/events"
	"github.com/joss/atelier/internal/logging"
)

// Store persists tasks and task steps in sqlite and is the only
// component allowed to mutate them. Every mutation is published to the
// event bus, best-effort.
type Store struct {
	db   *sql.DB
	path string
	bus  *events.Bus
	log  *logging.Logger
}

// NewStore opens (or creates) the task database under dataDir. The bus
// may be nil when no observers are wired.
func NewStore(dataDir string, bus *events.Bus) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "atelier.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, path: dbPath, bus: bus, log: logging.New("task")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		expectation TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		total_steps INTEGER NOT NULL DEFAULT 0,
		completed_steps INTEGER NOT NULL DEFAULT 0,
		output_directory TEXT NOT NULL DEFAULT '',
		has_index_html INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC);

	CREATE TABLE IF NOT EXISTS task_steps (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		kind TEXT NOT NULL,
		task_description TEXT NOT NULL,
		expectation TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at DATETIME,
		completed_at DATETIME,
		UNIQUE(task_id, step_number),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_steps_task ON task_steps(task_id, step_number);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) publish(eventType, taskID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["task_id"] = taskID
	s.bus.Publish(events.Event{Type: eventType, Channel: "tasks", Data: data})
}

// CreateTask inserts a new pending task.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, expectation, status, progress, current_step, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Expectation, t.Status, t.Progress, t.CurrentStep, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	s.publish("task.created", t.ID, map[string]interface{}{"title": t.Title})
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, expectation, status, progress, current_step, total_steps,
		       completed_steps, output_directory, has_index_html, error_message,
		       created_at, updated_at, completed_at
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.Title, &t.Expectation, &t.Status, &t.Progress,
		&t.CurrentStep, &t.TotalSteps, &t.CompletedSteps, &t.OutputDirectory,
		&t.HasIndexHTML, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, expectation, status, progress, current_step, total_steps,
		       completed_steps, output_directory, has_index_html, error_message,
		       created_at, updated_at, completed_at
		FROM tasks ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.Title, &t.Expectation, &t.Status, &t.Progress,
			&t.CurrentStep, &t.TotalSteps, &t.CompletedSteps, &t.OutputDirectory,
			&t.HasIndexHTML, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// UpdateStatus applies a guarded status transition. Moving to
// completed sets progress=100 and completed_at exactly once; moving to
// failed records the error message. Terminal tasks reject all further
// transitions with ErrTerminal.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, errorMessage string) error {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := validTransition(current.Status, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	if status == StatusCompleted {
		_, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, progress = 100, current_step = 'Finished',
			       completed_at = ?, updated_at = ?
			WHERE id = ? AND status NOT IN ('completed', 'failed')
		`, status, now, now, id)
	} else if status == StatusFailed {
		_, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status NOT IN ('completed', 'failed')
		`, status, errorMessage, now, now, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ?
			WHERE id = ? AND status NOT IN ('completed', 'failed')
		`, status, now, id)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	s.publish("task.status", id, map[string]interface{}{
		"status": string(status),
		"error":  errorMessage,
	})
	return nil
}

// UpdateProgress raises progress and the current-step description.
// Progress is clamped to 0-99 here and never decreases; only a
// completed transition reaches 100.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int, currentStep string, totalSteps, completedSteps int) error {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("%w: task is %s", ErrTerminal, current.Status)
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 99 {
		progress = 99
	}
	if progress < current.Progress {
		progress = current.Progress
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET progress = ?, current_step = ?, total_steps = ?,
		       completed_steps = ?, updated_at = ?
		WHERE id = ?
	`, progress, currentStep, totalSteps, completedSteps, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	s.publish("task.progress", id, map[string]interface{}{
		"progress":     progress,
		"current_step": currentStep,
	})
	return nil
}

// UpdateOutput records where the artifacts landed.
func (s *Store) UpdateOutput(ctx context.Context, id, outputDirectory string, hasIndexHTML bool) error {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("%w: task is %s", ErrTerminal, current.Status)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET output_directory = ?, has_index_html = ?, updated_at = ?
		WHERE id = ?
	`, outputDirectory, hasIndexHTML, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update output: %w", err)
	}
	return nil
}

// CreateStep inserts a pending step record.
func (s *Store) CreateStep(ctx context.Context, st *TaskStep) error {
	if st.Status == "" {
		st.Status = StepPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_steps (id, task_id, step_number, kind, task_description, expectation, reason, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.TaskID, st.StepNumber, st.Kind, st.TaskDescription, st.Expectation, st.Reason, st.Status)
	if err != nil {
		return fmt.Errorf("create step: %w", err)
	}
	s.publish("step.created", st.TaskID, map[string]interface{}{
		"step_number": st.StepNumber,
		"kind":        st.Kind,
	})
	return nil
}

// UpdateStepStatus transitions a step. started_at is set exactly once,
// on the first move to executing; completed_at is set on a terminal
// transition. Terminal steps reject further mutation.
func (s *Store) UpdateStepStatus(ctx context.Context, stepID string, status StepStatus, output, errorMessage string) error {
	var current StepStatus
	var started sql.NullTime
	var taskID string
	var stepNumber int
	err := s.db.QueryRowContext(ctx,
		`SELECT status, started_at, task_id, step_number FROM task_steps WHERE id = ?`, stepID).
		Scan(&current, &started, &taskID, &stepNumber)
	if err == sql.ErrNoRows {
		return fmt.Errorf("step: %w", ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get step: %w", err)
	}
	if current.Terminal() {
		return fmt.Errorf("%w: step is %s", ErrTerminal, current)
	}

	now := time.Now().UTC()
	switch {
	case status == StepExecuting && !started.Valid:
		_, err = s.db.ExecContext(ctx,
			`UPDATE task_steps SET status = ?, started_at = ? WHERE id = ?`, status, now, stepID)
	case status.Terminal():
		_, err = s.db.ExecContext(ctx, `
			UPDATE task_steps SET status = ?, output = ?, error_message = ?, completed_at = ?
			WHERE id = ?
		`, status, output, errorMessage, now, stepID)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE task_steps SET status = ? WHERE id = ?`, status, stepID)
	}
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	s.publish("step.status", taskID, map[string]interface{}{
		"step_number": stepNumber,
		"status":      string(status),
	})
	return nil
}

// ListSteps returns a task's steps in execution order.
func (s *Store) ListSteps(ctx context.Context, taskID string) ([]*TaskStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, step_number, kind, task_description, expectation, reason,
		       status, output, error_message, started_at, completed_at
		FROM task_steps WHERE task_id = ? ORDER BY step_number
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []*TaskStep
	for rows.Next() {
		var st TaskStep
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&st.ID, &st.TaskID, &st.StepNumber, &st.Kind,
			&st.TaskDescription, &st.Expectation, &st.Reason, &st.Status,
			&st.Output, &st.ErrorMessage, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if startedAt.Valid {
			st.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// DeleteTask removes a task and its steps. This is an administrative
// operation; the pipeline never calls it.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task: %w", ErrNotFound)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM task_steps WHERE task_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task steps: %w", err)
	}
	s.publish("task.deleted", id, nil)
	return nil
}

// abortedMessage marks runs found unfinished after a restart.
const abortedMessage = "aborted by restart"

// MarkIncompleteAsFailed fails every non-terminal task and step found
// at startup. Idempotent: a second call marks zero records.
func (s *Store) MarkIncompleteAsFailed(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', error_message = ?, completed_at = ?, updated_at = ?
		WHERE status IN ('pending', 'processing')
	`, abortedMessage, now, now)
	if err != nil {
		return 0, fmt.Errorf("mark tasks failed: %w", err)
	}
	tasks, _ := res.RowsAffected()

	_, err = s.db.ExecContext(ctx, `
		UPDATE task_steps SET status = 'failed', error_message = ?, completed_at = ?
		WHERE status IN ('pending', 'executing')
	`, abortedMessage, now)
	if err != nil {
		return int(tasks), fmt.Errorf("mark steps failed: %w", err)
	}

	if tasks > 0 {
		s.log.Info("recovery_marked_failed", map[string]interface{}{"tasks": tasks})
	}
	return int(tasks), nil
}
