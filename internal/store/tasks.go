package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/harrison/aqueduct/internal/models"
)

// timeLayout is fixed-width UTC so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Transition is one recorded status change of a task.
type Transition struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
	At     time.Time
}

// InsertTask stores a new task record.
func (s *Store) InsertTask(ctx context.Context, t *models.Task) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if t.Params == nil {
		params = []byte("{}")
	}

	query := `INSERT INTO tasks
		(id, experiment, extension, action, params, requester, status, received_at, started_at, ended_at, result_code, stdout, stderr, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var code interface{}
	if t.ResultCode != nil {
		code = *t.ResultCode
	}

	err = s.execWithRetry(ctx, query,
		t.ID,
		t.Experiment,
		t.Extension,
		t.Action,
		string(params),
		t.Requester,
		string(t.Status),
		formatTime(t.ReceivedAt),
		formatTimePtr(t.StartedAt),
		formatTimePtr(t.EndedAt),
		code,
		t.Stdout,
		t.Stderr,
		t.Error,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// TransitionStatus moves a task from one non-terminal status to another,
// recording the change. It returns false without error when the stored status
// no longer equals from, so concurrent writers cannot overwrite each other.
// startedAt is stored when non-nil.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to models.TaskStatus, at time.Time, startedAt *time.Time) (bool, error) {
	var changed bool
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, started_at = COALESCE(?, started_at)
			 WHERE id = ? AND status = ? AND ended_at IS NULL`,
			string(to), formatTimePtr(startedAt), id, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			changed = false
			return nil
		}
		if err := recordTransitionTx(ctx, tx, id, from, to, at); err != nil {
			return err
		}
		changed = true
		return tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("update task %s status: %w", id, err)
	}
	return changed, nil
}

// FinalizeTask writes the terminal state of a task. The update only applies
// while the task has no end time and is still in status from, so the terminal
// result is persisted exactly once. It returns false when nothing was written.
func (s *Store) FinalizeTask(ctx context.Context, t *models.Task, from models.TaskStatus) (bool, error) {
	if !t.Status.IsTerminal() {
		return false, fmt.Errorf("finalize task %s: status %s is not terminal", t.ID, t.Status)
	}
	if t.EndedAt == nil {
		return false, fmt.Errorf("finalize task %s: missing end time", t.ID)
	}

	var code interface{}
	if t.ResultCode != nil {
		code = *t.ResultCode
	}

	var changed bool
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, started_at = COALESCE(?, started_at), ended_at = ?,
			 result_code = ?, stdout = ?, stderr = ?, error = ?
			 WHERE id = ? AND status = ? AND ended_at IS NULL`,
			string(t.Status), formatTimePtr(t.StartedAt), formatTime(*t.EndedAt),
			code, t.Stdout, t.Stderr, t.Error,
			t.ID, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			changed = false
			return nil
		}
		if err := recordTransitionTx(ctx, tx, t.ID, from, t.Status, *t.EndedAt); err != nil {
			return err
		}
		changed = true
		return tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("finalize task %s: %w", t.ID, err)
	}
	return changed, nil
}

func recordTransitionTx(ctx context.Context, tx *sql.Tx, id string, from, to models.TaskStatus, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO task_transitions (task_id, from_status, to_status, at) VALUES (?, ?, ?, ?)`,
		id, string(from), string(to), formatTime(at))
	return err
}

const taskColumns = `id, experiment, extension, action, params, requester, status,
	received_at, started_at, ended_at, result_code, stdout, stderr, error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t          models.Task
		params     string
		status     string
		receivedAt string
		startedAt  sql.NullString
		endedAt    sql.NullString
		resultCode sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.Experiment, &t.Extension, &t.Action, &params, &t.Requester, &status,
		&receivedAt, &startedAt, &endedAt, &resultCode, &t.Stdout, &t.Stderr, &t.Error); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, fmt.Errorf("decode params of task %s: %w", t.ID, err)
	}
	st, ok := models.ParseTaskStatus(status)
	if !ok {
		return nil, fmt.Errorf("task %s has unknown status %q", t.ID, status)
	}
	t.Status = st

	var err error
	if t.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, fmt.Errorf("task %s received_at: %w", t.ID, err)
	}
	if startedAt.Valid {
		v, err := parseTime(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("task %s started_at: %w", t.ID, err)
		}
		t.StartedAt = &v
	}
	if endedAt.Valid {
		v, err := parseTime(endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("task %s ended_at: %w", t.ID, err)
		}
		t.EndedAt = &v
	}
	if resultCode.Valid {
		c := int(resultCode.Int64)
		t.ResultCode = &c
	}
	return &t, nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "task", Name: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks matching filter, newest first. Limit and offset
// are applied as given; callers enforce page-size policy.
func (s *Store) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(column, value string) {
		if value != "" {
			where = append(where, column+" = ?")
			args = append(args, value)
		}
	}
	add("extension", filter.Extension)
	add("action", filter.Action)
	add("experiment", filter.Experiment)
	add("requester", filter.Requester)

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY received_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// Transitions returns the recorded status changes of a task in order.
func (s *Store) Transitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, from_status, to_status, at FROM task_transitions WHERE task_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var from, to, at string
		if err := rows.Scan(&tr.TaskID, &from, &to, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From = models.TaskStatus(from)
		tr.To = models.TaskStatus(to)
		if tr.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("transition time: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// FailUnfinished marks every task still PENDING or STARTED as FAILURE with
// the given reason and returns how many were updated. Used at start-up to
// close out tasks orphaned by a previous process.
func (s *Store) FailUnfinished(ctx context.Context, reason string, at time.Time) (int, error) {
	ids, err := s.unfinishedTasks(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, u := range ids {
		t := &models.Task{ID: u.id, Status: models.StatusFailure, EndedAt: &at, Error: reason}
		ok, err := s.FinalizeTask(ctx, t, u.status)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

type unfinished struct {
	id     string
	status models.TaskStatus
}

func (s *Store) unfinishedTasks(ctx context.Context) ([]unfinished, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status FROM tasks WHERE ended_at IS NULL AND status IN (?, ?)`,
		string(models.StatusPending), string(models.StatusStarted))
	if err != nil {
		return nil, fmt.Errorf("query unfinished tasks: %w", err)
	}
	defer rows.Close()

	var out []unfinished
	for rows.Next() {
		var u unfinished
		var status string
		if err := rows.Scan(&u.id, &status); err != nil {
			return nil, fmt.Errorf("scan unfinished task: %w", err)
		}
		u.status = models.TaskStatus(status)
		out = append(out, u)
	}
	return out, rows.Err()
}
