package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "errand.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTodoStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	todo := &Todo{Title: "Groceries"}
	require.NoError(t, store.CreateTodo(ctx, todo))
	require.NotZero(t, todo.ID)
	assert.Equal(t, TodoPending, todo.Status)
	assert.Equal(t, PriorityNormal, todo.Priority)

	got, err := store.GetTodo(ctx, todo.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Groceries", got.Title)

	status := TodoCompleted
	title := "Groceries for the week"
	before, after, err := store.UpdateTodo(ctx, todo.ID, TodoPatch{Status: &status, Title: &title})
	require.NoError(t, err)
	assert.Equal(t, TodoPending, before.Status)
	assert.Equal(t, "Groceries", before.Title)
	assert.Equal(t, TodoCompleted, after.Status)
	assert.Equal(t, title, after.Title)
	assert.NotNil(t, after.CompletedAt)

	deleted, err := store.DeleteTodo(ctx, todo.ID)
	require.NoError(t, err)
	assert.Equal(t, title, deleted.Title)

	missing, err := store.GetTodo(ctx, todo.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTodoStore_MissingRows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	status := TodoCompleted
	_, _, err := store.UpdateTodo(ctx, 42, TodoPatch{Status: &status})
	assert.True(t, errors.Is(err, ErrNotFound), "update: %v", err)

	_, err = store.DeleteTodo(ctx, 42)
	assert.True(t, errors.Is(err, ErrNotFound), "delete: %v", err)
}

func TestTodoStore_ListAndCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, todo := range []*Todo{
		{Title: "Groceries"},
		{Title: "Laundry", Status: TodoInProgress},
		{Title: "Taxes", Status: TodoCompleted},
		{Title: "Dentist"},
	} {
		require.NoError(t, store.CreateTodo(ctx, todo))
	}

	all, err := store.ListTodos(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "Groceries", all[0].Title)
	assert.Equal(t, "Dentist", all[3].Title)

	pending, err := store.ListTodos(ctx, TodoPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	counts, err := store.TodoCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		TodoPending:    2,
		TodoInProgress: 1,
		TodoCompleted:  1,
	}, counts)
}

func TestTodoStore_EmptyCountsHaveEveryStatus(t *testing.T) {
	store := newTestStore(t)
	counts, err := store.TodoCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{TodoPending: 0, TodoInProgress: 0, TodoCompleted: 0}, counts)
}

func TestTodoStore_Observers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var mu sync.Mutex
	var seen []EventType
	done := make(chan struct{}, 3)
	store.AddObserver(ObserverFunc(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		done <- struct{}{}
	}))

	todo := &Todo{Title: "Groceries"}
	require.NoError(t, store.CreateTodo(ctx, todo))
	status := TodoInProgress
	_, _, err := store.UpdateTodo(ctx, todo.ID, TodoPatch{Status: &status})
	require.NoError(t, err)
	_, err = store.DeleteTodo(ctx, todo.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("observer not notified")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []EventType{EventTodoCreated, EventTodoUpdated, EventTodoDeleted}, seen)
}

func TestNew_MemoryDSN(t *testing.T) {
	store, err := New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	version, err := store.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
	require.NoError(t, store.Ping(context.Background()))
}
