package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// TodoStatuses lists the statuses in display order.
var TodoStatuses = []string{TodoPending, TodoInProgress, TodoCompleted}

// Todo priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Todo represents a task item
type Todo struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Notes       string     `json:"notes,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TodoPatch lists the fields to change; nil fields are left alone.
type TodoPatch struct {
	Title    *string
	Notes    *string
	Status   *string
	Priority *string
}

// Empty reports whether the patch changes nothing.
func (p TodoPatch) Empty() bool {
	return p.Title == nil && p.Notes == nil && p.Status == nil && p.Priority == nil
}

// TodoChange is emitted for updates so observers can see both sides.
type TodoChange struct {
	Before Todo `json:"before"`
	After  Todo `json:"after"`
}

const todoColumns = `id, title, notes, status, priority, created_at, updated_at, completed_at`

// CreateTodo inserts a new todo and assigns its ID.
func (s *Store) CreateTodo(ctx context.Context, todo *Todo) error {
	now := time.Now().UTC()
	if todo.Status == "" {
		todo.Status = TodoPending
	}
	if todo.Priority == "" {
		todo.Priority = PriorityNormal
	}
	todo.CreatedAt = now
	todo.UpdatedAt = now
	if todo.Status == TodoCompleted {
		todo.CompletedAt = &now
	}

	var id int64
	err := withBusyRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO todos (title, notes, status, priority, created_at, updated_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, todo.Title, todo.Notes, todo.Status, todo.Priority, todo.CreatedAt, todo.UpdatedAt, todo.CompletedAt)
		if err != nil {
			return err
		}
		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return fmt.Errorf("insert todo: %w", err)
	}
	todo.ID = id

	s.notify(newEvent(EventTodoCreated, todo.ID, *todo))
	return nil
}

// GetTodo returns the todo with the given ID, or nil if it does not exist.
func (s *Store) GetTodo(ctx context.Context, id int64) (*Todo, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+todoColumns+` FROM todos WHERE id = ?`, id)
	todo, err := scanTodo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get todo %d: %w", id, err)
	}
	return todo, nil
}

// ListTodos returns todos ordered by ID, optionally filtered by status.
func (s *Store) ListTodos(ctx context.Context, status string) ([]Todo, error) {
	query := `SELECT ` + todoColumns + ` FROM todos`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	todos := make([]Todo, 0)
	for rows.Next() {
		todo, err := scanTodo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		todos = append(todos, *todo)
	}
	return todos, rows.Err()
}

// UpdateTodo applies patch and returns the todo before and after the change.
func (s *Store) UpdateTodo(ctx context.Context, id int64, patch TodoPatch) (before, after *Todo, err error) {
	err = withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		current, err := scanTodo(tx.QueryRowContext(ctx, `SELECT `+todoColumns+` FROM todos WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		next := *current
		if patch.Title != nil {
			next.Title = *patch.Title
		}
		if patch.Notes != nil {
			next.Notes = *patch.Notes
		}
		if patch.Priority != nil {
			next.Priority = *patch.Priority
		}
		if patch.Status != nil && *patch.Status != current.Status {
			next.Status = *patch.Status
			if next.Status == TodoCompleted {
				done := time.Now().UTC()
				next.CompletedAt = &done
			} else {
				next.CompletedAt = nil
			}
		}
		next.UpdatedAt = time.Now().UTC()

		if _, err := tx.ExecContext(ctx, `
			UPDATE todos
			SET title = ?, notes = ?, status = ?, priority = ?, updated_at = ?, completed_at = ?
			WHERE id = ?
		`, next.Title, next.Notes, next.Status, next.Priority, next.UpdatedAt, next.CompletedAt, id); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		before, after = current, &next
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("update todo %d: %w", id, err)
	}

	s.notify(newEvent(EventTodoUpdated, id, TodoChange{Before: *before, After: *after}))
	return before, after, nil
}

// DeleteTodo removes a todo and returns what was deleted.
func (s *Store) DeleteTodo(ctx context.Context, id int64) (*Todo, error) {
	var deleted *Todo
	err := withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		current, err := scanTodo(tx.QueryRowContext(ctx, `SELECT `+todoColumns+` FROM todos WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE id = ?`, id); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		deleted = current
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("delete todo %d: %w", id, err)
	}

	s.notify(newEvent(EventTodoDeleted, id, *deleted))
	return deleted, nil
}

// TodoCounts returns the number of todos per status. Every known status is present.
func (s *Store) TodoCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM todos GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count todos: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int, len(TodoStatuses))
	for _, status := range TodoStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ValidTodoStatus reports whether status is a known todo status.
func ValidTodoStatus(status string) bool {
	for _, s := range TodoStatuses {
		if s == status {
			return true
		}
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTodo(row rowScanner) (*Todo, error) {
	var todo Todo
	var completedAt sql.NullTime
	if err := row.Scan(
		&todo.ID,
		&todo.Title,
		&todo.Notes,
		&todo.Status,
		&todo.Priority,
		&todo.CreatedAt,
		&todo.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		todo.CompletedAt = &t
	}
	return &todo, nil
}
