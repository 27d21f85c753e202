package store

import (
	"database/sql"
	"time"

	"github.com/runa-bot/runa/internal/models"
)

// TerminalTaskRetention is how many terminal tasks are kept per
// session; older ones are evicted when a new task is created.
const TerminalTaskRetention = 50

// taskPredecessors defines the only legal prior states for each
// status transition. Any attempt outside this set is a Conflict.
var taskPredecessors = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusRunning:   {models.TaskStatusPending},
	models.TaskStatusSucceeded: {models.TaskStatusRunning},
	models.TaskStatusTimedOut:  {models.TaskStatusRunning},
	// failed covers spawn failures, where the process never started
	models.TaskStatusFailed:    {models.TaskStatusPending, models.TaskStatusRunning},
	models.TaskStatusCancelled: {models.TaskStatusPending, models.TaskStatusRunning},
}

// CreateTask inserts a new background task in pending state and
// evicts terminal tasks of the same session beyond the retention cap.
// The caller supplies the (time-sortable) task ID.
func (s *Store) CreateTask(id, sessionID, command string) (*models.BackgroundTask, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, Unknownf("begin transaction: %v", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, Unknownf("check session: %v", err)
	}
	if exists == 0 {
		return nil, NotFoundf("session %s not found", sessionID)
	}

	now := time.Now().UTC()
	task := &models.BackgroundTask{
		ID:        id,
		SessionID: sessionID,
		Command:   command,
		Status:    models.TaskStatusPending,
		StartedAt: now,
	}

	if _, err := tx.Exec(
		`INSERT INTO background_tasks (id, session_id, command, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		task.ID, task.SessionID, task.Command, task.Status, fmtTime(now),
	); err != nil {
		return nil, Unknownf("insert task: %v", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM background_tasks
		WHERE session_id = ?
		  AND status IN ('succeeded', 'failed', 'timed_out', 'cancelled')
		  AND id NOT IN (
			SELECT id FROM background_tasks
			WHERE session_id = ? AND status IN ('succeeded', 'failed', 'timed_out', 'cancelled')
			ORDER BY started_at DESC, id DESC LIMIT ?
		  )`,
		sessionID, sessionID, TerminalTaskRetention,
	); err != nil {
		return nil, Unknownf("evict old tasks: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, Unknownf("commit transaction: %v", err)
	}
	return task, nil
}

// GetTask retrieves a task by ID. Returns (nil, nil) when absent.
func (s *Store) GetTask(id string) (*models.BackgroundTask, error) {
	var t models.BackgroundTask
	var exitCode sql.NullInt64
	var startedAt string
	var endedAt sql.NullString

	err := s.db.QueryRow(
		`SELECT id, session_id, command, status, exit_code, output, started_at, ended_at FROM background_tasks WHERE id = ?`,
		id,
	).Scan(&t.ID, &t.SessionID, &t.Command, &t.Status, &exitCode, &t.Output, &startedAt, &endedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, Unknownf("query task: %v", err)
	}
	if exitCode.Valid {
		t.ExitCode = int(exitCode.Int64)
	}
	t.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		ended := parseTime(endedAt.String)
		t.EndedAt = &ended
	}
	return &t, nil
}

// TransitionTask moves a task to status, enforcing the lifecycle in
// SQL: the update only matches rows whose current status is a legal
// predecessor, so an illegal transition (including any write to a
// terminal task) affects zero rows and reports Conflict.
func (s *Store) TransitionTask(id string, status models.TaskStatus) error {
	return s.transitionTask(id, status, nil, nil)
}

// FinishTask moves a task to a terminal status recording its exit
// code and captured output.
func (s *Store) FinishTask(id string, status models.TaskStatus, exitCode int, output string) error {
	if !status.Terminal() {
		return Conflictf("status %s is not terminal", status)
	}
	return s.transitionTask(id, status, &exitCode, &output)
}

func (s *Store) transitionTask(id string, status models.TaskStatus, exitCode *int, output *string) error {
	preds, ok := taskPredecessors[status]
	if !ok {
		return Conflictf("invalid task status %q", status)
	}

	query := `UPDATE background_tasks SET status = ?`
	args := []interface{}{status}
	if exitCode != nil {
		query += `, exit_code = ?`
		args = append(args, *exitCode)
	}
	if output != nil {
		query += `, output = ?`
		args = append(args, *output)
	}
	if status.Terminal() {
		query += `, ended_at = ?`
		args = append(args, fmtTime(time.Now().UTC()))
	}

	query += ` WHERE id = ? AND status IN (`
	args = append(args, id)
	for i, p := range preds {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, p)
	}
	query += `)`

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return Unknownf("transition task: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Unknownf("transition task: %v", err)
	}
	if n == 0 {
		// Distinguish a missing task from an illegal transition.
		t, gerr := s.GetTask(id)
		if gerr != nil {
			return gerr
		}
		if t == nil {
			return NotFoundf("task %s not found", id)
		}
		return Conflictf("task %s is %s; cannot transition to %s", id, t.Status, status)
	}
	return nil
}

// ListTasks returns up to limit tasks belonging to owner's sessions,
// most recent first.
func (s *Store) ListTasks(owner models.Owner, limit int) ([]models.BackgroundTask, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT t.id, t.session_id, t.command, t.status, t.exit_code, t.output, t.started_at, t.ended_at
		FROM background_tasks t
		JOIN sessions s ON t.session_id = s.id
		WHERE s.user_id = ? AND s.chat_id = ?
		ORDER BY t.started_at DESC, t.id DESC
		LIMIT ?`,
		owner.UserID, owner.ChatID, limit,
	)
	if err != nil {
		return nil, Unknownf("query tasks: %v", err)
	}
	defer rows.Close()

	var tasks []models.BackgroundTask
	for rows.Next() {
		var t models.BackgroundTask
		var exitCode sql.NullInt64
		var startedAt string
		var endedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Command, &t.Status, &exitCode, &t.Output, &startedAt, &endedAt); err != nil {
			return nil, Unknownf("scan task: %v", err)
		}
		if exitCode.Valid {
			t.ExitCode = int(exitCode.Int64)
		}
		t.StartedAt = parseTime(startedAt)
		if endedAt.Valid {
			ended := parseTime(endedAt.String)
			t.EndedAt = &ended
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, Unknownf("iterate tasks: %v", err)
	}
	return tasks, nil
}

// CountLiveTasks counts owner's pending and running tasks, used to
// enforce the per-chat concurrency cap.
func (s *Store) CountLiveTasks(owner models.Owner) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*)
		FROM background_tasks t
		JOIN sessions s ON t.session_id = s.id
		WHERE s.user_id = ? AND s.chat_id = ? AND t.status IN ('pending', 'running')`,
		owner.UserID, owner.ChatID,
	).Scan(&n)
	if err != nil {
		return 0, Unknownf("count live tasks: %v", err)
	}
	return n, nil
}
