// Package todo implements the todo CRUD tool catalog backed by storage.
package todo

import (
	"context"
	"errors"
	"strings"

	errandErrors "github.com/odvcencio/errand/pkg/errors"
	"github.com/odvcencio/errand/pkg/storage"
	"github.com/odvcencio/errand/pkg/tool"
)

// Payload kinds understood by the evidence formatter.
const (
	KindTodo    = "todo"
	KindList    = "todo_list"
	KindChange  = "todo_change"
	KindDeleted = "todo_deleted"
)

// Store is the persistence the todo tools need.
//
//go:generate mockgen -package=todo -destination=mock_store_test.go github.com/odvcencio/errand/pkg/tool/todo Store
type Store interface {
	CreateTodo(ctx context.Context, todo *storage.Todo) error
	GetTodo(ctx context.Context, id int64) (*storage.Todo, error)
	ListTodos(ctx context.Context, status string) ([]storage.Todo, error)
	UpdateTodo(ctx context.Context, id int64, patch storage.TodoPatch) (*storage.Todo, *storage.Todo, error)
	DeleteTodo(ctx context.Context, id int64) (*storage.Todo, error)
}

type createArgs struct {
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

type listArgs struct {
	Status string `json:"status,omitempty"`
}

type idArgs struct {
	ID int64 `json:"id"`
}

type updateArgs struct {
	ID       int64   `json:"id"`
	Title    *string `json:"title,omitempty"`
	Notes    *string `json:"notes,omitempty"`
	Status   *string `json:"status,omitempty"`
	Priority *string `json:"priority,omitempty"`
}

var (
	one      = 1
	minID    = 1.0
	statuses = storage.TodoStatuses
	prios    = []string{storage.PriorityLow, storage.PriorityNormal, storage.PriorityHigh}
)

func idProp() tool.PropertySchema {
	return tool.PropertySchema{Type: "integer", Description: "Todo ID", Minimum: &minID}
}

// Tools returns the full todo catalog.
func Tools(store Store) []tool.Tool {
	return []tool.Tool{
		CreateTool(store),
		ListTool(store),
		GetTool(store),
		UpdateTool(store),
		DeleteTool(store),
	}
}

// Register adds the todo catalog to r.
func Register(r *tool.Registry, store Store) error {
	for _, t := range Tools(store) {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// CreateTool builds create_todo.
func CreateTool(store Store) tool.Tool {
	schema := tool.Object(map[string]tool.PropertySchema{
		"title":    {Type: "string", Description: "Short title of the todo", MinLength: &one},
		"notes":    {Type: "string", Description: "Optional free-form notes"},
		"priority": {Type: "string", Description: "Priority", Enum: prios, Default: storage.PriorityNormal},
		"status":   {Type: "string", Description: "Initial status", Enum: statuses, Default: storage.TodoPending},
	}, "title")

	return tool.NewTyped("create_todo", "Create a new todo item. Returns the stored todo with its ID.", schema,
		func(ctx context.Context, args createArgs) (map[string]any, error) {
			todo := &storage.Todo{
				Title:    strings.TrimSpace(args.Title),
				Notes:    args.Notes,
				Priority: args.Priority,
				Status:   args.Status,
			}
			if err := store.CreateTodo(ctx, todo); err != nil {
				return nil, errandErrors.Wrap(err, errandErrors.ErrCodeStorageWrite, "could not create todo")
			}
			return map[string]any{"kind": KindTodo, "action": "created", "todo": Fields(*todo)}, nil
		})
}

// ListTool builds list_todos.
func ListTool(store Store) tool.Tool {
	schema := tool.Object(map[string]tool.PropertySchema{
		"status": {Type: "string", Description: "Only list todos with this status", Enum: statuses},
	})

	return tool.NewTyped("list_todos", "List todo items, optionally filtered by status. Includes exact counts per status.", schema,
		func(ctx context.Context, args listArgs) (map[string]any, error) {
			todos, err := store.ListTodos(ctx, args.Status)
			if err != nil {
				return nil, errandErrors.Wrap(err, errandErrors.ErrCodeStorageRead, "could not list todos")
			}
			counts := make(map[string]any, len(statuses))
			for _, s := range statuses {
				counts[s] = 0
			}
			items := make([]any, 0, len(todos))
			for _, t := range todos {
				n, _ := counts[t.Status].(int)
				counts[t.Status] = n + 1
				items = append(items, Fields(t))
			}
			return map[string]any{
				"kind":   KindList,
				"filter": args.Status,
				"total":  len(todos),
				"counts": counts,
				"items":  items,
			}, nil
		})
}

// GetTool builds get_todo.
func GetTool(store Store) tool.Tool {
	schema := tool.Object(map[string]tool.PropertySchema{"id": idProp()}, "id")

	return tool.NewTyped("get_todo", "Fetch one todo item by ID.", schema,
		func(ctx context.Context, args idArgs) (map[string]any, error) {
			todo, err := store.GetTodo(ctx, args.ID)
			if err != nil {
				return nil, errandErrors.Wrap(err, errandErrors.ErrCodeStorageRead, "could not read todo")
			}
			if todo == nil {
				return nil, notFound(args.ID)
			}
			return map[string]any{"kind": KindTodo, "action": "fetched", "todo": Fields(*todo)}, nil
		})
}

// UpdateTool builds update_todo.
func UpdateTool(store Store) tool.Tool {
	schema := tool.Object(map[string]tool.PropertySchema{
		"id":       idProp(),
		"title":    {Type: "string", Description: "New title", MinLength: &one},
		"notes":    {Type: "string", Description: "New notes"},
		"status":   {Type: "string", Description: "New status", Enum: statuses},
		"priority": {Type: "string", Description: "New priority", Enum: prios},
	}, "id")

	return tool.NewTyped("update_todo", "Change fields of an existing todo. Returns the values before and after the change.", schema,
		func(ctx context.Context, args updateArgs) (map[string]any, error) {
			patch := storage.TodoPatch{Title: args.Title, Notes: args.Notes, Status: args.Status, Priority: args.Priority}
			if patch.Empty() {
				return nil, errandErrors.New(errandErrors.ErrCodeInvalidArguments, "update_todo needs at least one field to change")
			}
			if patch.Title != nil {
				trimmed := strings.TrimSpace(*patch.Title)
				patch.Title = &trimmed
			}
			before, after, err := store.UpdateTodo(ctx, args.ID, patch)
			if errors.Is(err, storage.ErrNotFound) {
				return nil, notFound(args.ID)
			}
			if err != nil {
				return nil, errandErrors.Wrap(err, errandErrors.ErrCodeStorageWrite, "could not update todo")
			}
			return map[string]any{
				"kind":   KindChange,
				"id":     after.ID,
				"before": Fields(*before),
				"after":  Fields(*after),
			}, nil
		})
}

// DeleteTool builds delete_todo.
func DeleteTool(store Store) tool.Tool {
	schema := tool.Object(map[string]tool.PropertySchema{"id": idProp()}, "id")

	return tool.NewTyped("delete_todo", "Delete a todo item by ID. Returns the deleted item.", schema,
		func(ctx context.Context, args idArgs) (map[string]any, error) {
			deleted, err := store.DeleteTodo(ctx, args.ID)
			if errors.Is(err, storage.ErrNotFound) {
				return nil, notFound(args.ID)
			}
			if err != nil {
				return nil, errandErrors.Wrap(err, errandErrors.ErrCodeStorageWrite, "could not delete todo")
			}
			return map[string]any{"kind": KindDeleted, "todo": Fields(*deleted)}, nil
		})
}

// Fields renders a todo as the payload shape shared by every kind.
func Fields(t storage.Todo) map[string]any {
	return map[string]any{
		"id":       t.ID,
		"title":    t.Title,
		"notes":    t.Notes,
		"status":   t.Status,
		"priority": t.Priority,
	}
}

func notFound(id int64) error {
	return errandErrors.Newf(errandErrors.ErrCodeNotFound, "todo %d does not exist", id).WithContext("id", id)
}
