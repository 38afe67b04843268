package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/errand/pkg/api"
	"github.com/odvcencio/errand/pkg/config"
	"github.com/odvcencio/errand/pkg/conversation"
	"github.com/odvcencio/errand/pkg/logging"
	"github.com/odvcencio/errand/pkg/progress"
	"github.com/odvcencio/errand/pkg/storage"
	"github.com/odvcencio/errand/pkg/terminal"
	"github.com/odvcencio/errand/pkg/toolrunner"
)

func TestDispatchVersionAndHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, dispatch([]string{"version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "errand "+version)

	stdout.Reset()
	assert.Equal(t, 0, dispatch([]string{"--help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "Exit codes:")

	stderr.Reset()
	assert.Equal(t, exitUsage, dispatch(nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage:")
}

func TestDispatchUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitUsage, dispatch([]string{"frobnicate"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "unknown command: frobnicate")

	stderr.Reset()
	assert.Equal(t, exitUsage, dispatch([]string{"--nope"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "unknown flag: --nope")
}

func TestChatRequiresMessage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitUsage, dispatch([]string{"chat", "--server", "http://127.0.0.1:1"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "chat needs a message")
}

func TestExitCodeForError(t *testing.T) {
	assert.Equal(t, 0, exitCodeForError(nil))
	assert.Equal(t, exitFailure, exitCodeForError(errors.New("boom")))
	assert.Equal(t, exitPartial, exitCodeForError(withExitCode(errors.New("partial"), exitPartial)))

	wrapped := errors.Join(errors.New("outer"), withExitCode(errors.New("aborted"), exitAborted))
	assert.Equal(t, exitAborted, exitCodeForError(wrapped))
	assert.Nil(t, withExitCode(nil, exitAborted))
}

func TestChatExit(t *testing.T) {
	assert.NoError(t, chatExit("completed", false, nil))
	assert.Equal(t, exitPartial, exitCodeForError(chatExit("iteration_limit_reached", true, nil)))
	assert.Equal(t, exitPartial, exitCodeForError(chatExit("deadline_exceeded", true, nil)))

	err := chatExit("aborted", false, errors.New("MODEL_API_ERROR: upstream down"))
	assert.Equal(t, exitAborted, exitCodeForError(err))
	assert.Contains(t, err.Error(), "upstream down")
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "add milk to my list", title("  add   milk\tto my list "))
	long := title(strings.Repeat("a", 100))
	assert.Len(t, []rune(long), 60)
	assert.True(t, strings.HasSuffix(long, "…"))
}

// fakeRunner answers every message with one progress event and a fixed reply.
type fakeRunner struct {
	state   toolrunner.State
	partial bool
	got     []string
}

func (f *fakeRunner) Run(_ context.Context, req toolrunner.Request) (*toolrunner.Result, error) {
	f.got = append(f.got, req.Message)
	if req.Emitter != nil {
		req.Emitter.Emit(progress.Event{Phase: progress.PhasePlanning, Iteration: 1})
	}
	reply := "Added milk."
	if f.partial {
		reply = "Ran out of rounds."
	}
	return &toolrunner.Result{
		RunID:   "run-1",
		Text:    reply,
		State:   f.state,
		Partial: f.partial,
		Turns: []conversation.Turn{
			conversation.RequesterText(req.Message),
			conversation.AssistantText(reply),
		},
	}, nil
}

func newRemote(t *testing.T, runner api.Runner) (*httptest.Server, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "errand.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := api.NewServer(api.ServerConfig{Runner: runner, Store: store})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func TestChatRemote(t *testing.T) {
	runner := &fakeRunner{state: toolrunner.StateCompleted}
	ts, store := newRemote(t, runner)

	var buf bytes.Buffer
	out := terminal.NewWithOutput(&buf, terminal.Options{Plain: true})
	err := chatRemote(context.Background(), out, chatOptions{server: ts.URL}, "add milk")
	require.NoError(t, err)

	got := buf.String()
	assert.Contains(t, got, "[planning] iteration 1")
	assert.Contains(t, got, "Added milk.")
	assert.Equal(t, []string{"add milk"}, runner.got)

	// The run's turns were stored under the conversation the command created.
	line := strings.SplitN(strings.TrimPrefix(got[strings.Index(got, "conversation "):], "conversation "), "\n", 2)[0]
	turns, err := store.LoadTurns(context.Background(), line)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestChatRemotePartialExitCode(t *testing.T) {
	runner := &fakeRunner{state: toolrunner.StateIterationLimitReached, partial: true}
	ts, _ := newRemote(t, runner)

	var buf bytes.Buffer
	out := terminal.NewWithOutput(&buf, terminal.Options{Plain: true})
	err := chatRemote(context.Background(), out, chatOptions{server: ts.URL}, "clean up")
	require.Error(t, err)
	assert.Equal(t, exitPartial, exitCodeForError(err))
	assert.Contains(t, buf.String(), "partial result (iteration limit reached)")
	assert.Contains(t, buf.String(), "Ran out of rounds.")
}

func TestChatRemoteUnknownConversation(t *testing.T) {
	ts, _ := newRemote(t, &fakeRunner{state: toolrunner.StateCompleted})

	var buf bytes.Buffer
	out := terminal.NewWithOutput(&buf, terminal.Options{Plain: true})
	err := chatRemote(context.Background(), out, chatOptions{server: ts.URL, conversationID: "missing"}, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestTodosCommandListsStoredTodos(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "errand.db")
	cfg.Logging.Dir = filepath.Join(dir, "logs")
	cfg.Telemetry.Metrics = false

	store, err := storage.New(cfg.Storage.Path)
	require.NoError(t, err)
	require.NoError(t, store.CreateTodo(context.Background(), &storage.Todo{Title: "buy milk"}))
	require.NoError(t, store.Close())

	prevLoad, prevOut := loadConfigFn, cmdOut
	t.Cleanup(func() { loadConfigFn, cmdOut = prevLoad, prevOut })
	loadConfigFn = func(string) (*config.Config, error) { return cfg, nil }
	var buf bytes.Buffer
	cmdOut = &buf

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, dispatch([]string{"todos"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, buf.String(), "list_todos: 1 todo")
	assert.Contains(t, buf.String(), "buy milk")

	buf.Reset()
	require.Equal(t, 0, dispatch([]string{"todos", "--status", "completed"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, buf.String(), "0 todos with status completed")

	assert.Equal(t, exitUsage, dispatch([]string{"todos", "--status", "bogus"}, &stdout, &stderr))
}

func TestErrorsCommandTailsErrorLog(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Logging.Dir = dir

	prevLoad, prevOut := loadConfigFn, cmdOut
	t.Cleanup(func() { loadConfigFn, cmdOut = prevLoad, prevOut })
	loadConfigFn = func(string) (*config.Config, error) { return cfg, nil }
	var buf bytes.Buffer
	cmdOut = &buf

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, dispatch([]string{"errors"}, &stdout, &stderr), stderr.String())
	assert.Equal(t, "no errors logged\n", buf.String())

	logger, err := logging.NewLogger(dir, "s1")
	require.NoError(t, err)
	_ = logger.WithRun("run-9").Error(logging.CategoryModel, "run_aborted", "upstream down", map[string]any{"status": 502})
	require.NoError(t, logger.Close())

	buf.Reset()
	require.Equal(t, 0, dispatch([]string{"errors", "-n", "5"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, buf.String(), "[model] run_aborted run=run-9: upstream down status=502")
}
