package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odvcencio/errand/pkg/conversation"
	errandErrors "github.com/odvcencio/errand/pkg/errors"
	"github.com/odvcencio/errand/pkg/logging"
	"github.com/odvcencio/errand/pkg/progress"
	"github.com/odvcencio/errand/pkg/storage"
	"github.com/odvcencio/errand/pkg/toolrunner"
)

const maxBodyBytes = 1 << 20

// RunRequest is the body of POST /conversations/{id}/runs and of a WebSocket
// run message.
type RunRequest struct {
	Message       string `json:"message"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	DeadlineMS    int64  `json:"deadline_ms,omitempty"`
}

func (r RunRequest) validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return errandErrors.New(errandErrors.ErrCodeInvalidInput, "message must not be empty")
	}
	if r.MaxIterations < 0 {
		return errandErrors.New(errandErrors.ErrCodeInvalidInput, "max_iterations must not be negative")
	}
	if r.DeadlineMS < 0 {
		return errandErrors.New(errandErrors.ErrCodeInvalidInput, "deadline_ms must not be negative")
	}
	return nil
}

// RunResponse reports a finished run.
type RunResponse struct {
	ConversationID string     `json:"conversation_id"`
	RunID          string     `json:"run_id"`
	Text           string     `json:"text"`
	State          string     `json:"state"`
	Iterations     int        `json:"iterations"`
	ModelCalls     int        `json:"model_calls"`
	ToolsExecuted  []string   `json:"tools_executed"`
	Partial        bool       `json:"partial"`
	FatalError     string     `json:"fatal_error,omitempty"`
	Evidence       []string   `json:"evidence,omitempty"`
	DurationMS     int64      `json:"duration_ms"`
	Error          *ErrorBody `json:"error,omitempty"`
}

func newRunResponse(conversationID string, res *toolrunner.Result) *RunResponse {
	tools := res.ToolsExecuted
	if tools == nil {
		tools = []string{}
	}
	return &RunResponse{
		ConversationID: conversationID,
		RunID:          res.RunID,
		Text:           res.Text,
		State:          res.State.String(),
		Iterations:     res.Iterations,
		ModelCalls:     res.ModelCalls,
		ToolsExecuted:  tools,
		Partial:        res.Partial,
		FatalError:     res.FatalError,
		Evidence:       res.Evidence,
		DurationMS:     res.Duration.Milliseconds(),
	}
}

// ConversationResponse is a conversation header plus its turns.
type ConversationResponse struct {
	*storage.Conversation
	Turns []conversation.Turn `json:"turns"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		writeError(w, err)
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), uuid.NewString(), strings.TrimSpace(body.Title))
	if err != nil {
		writeError(w, errandErrors.Wrap(err, errandErrors.ErrCodeStorageWrite, "create conversation"))
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.lookup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	turns, err := s.store.LoadTurns(r.Context(), id)
	if err != nil {
		writeError(w, errandErrors.Wrap(err, errandErrors.ErrCodeStorageRead, "load turns"))
		return
	}
	writeJSON(w, http.StatusOK, ConversationResponse{Conversation: conv, Turns: turns})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body RunRequest
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, err)
		return
	}

	history, release, err := s.begin(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamSSE(w, r, id, history, body)
		return
	}

	resp, err := s.execute(r.Context(), id, history, body, nil)
	switch {
	case resp != nil && err != nil:
		writeJSON(w, statusFor(err), resp)
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleListTodos(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !storage.ValidTodoStatus(status) {
		writeError(w, errandErrors.Newf(errandErrors.ErrCodeInvalidInput, "unknown status %q", status))
		return
	}
	todos, err := s.store.ListTodos(r.Context(), status)
	if err != nil {
		writeError(w, errandErrors.Wrap(err, errandErrors.ErrCodeStorageRead, "list todos"))
		return
	}
	counts, err := s.store.TodoCounts(r.Context())
	if err != nil {
		writeError(w, errandErrors.Wrap(err, errandErrors.ErrCodeStorageRead, "count todos"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"todos":  todos,
		"counts": counts,
		"total":  len(todos),
	})
}

func (s *Server) lookup(ctx context.Context, id string) (*storage.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, errandErrors.Wrap(err, errandErrors.ErrCodeStorageRead, "get conversation")
	}
	if conv == nil {
		return nil, errandErrors.Newf(errandErrors.ErrCodeNotFound, "conversation %s not found", id)
	}
	return conv, nil
}

// begin claims the conversation for one run and loads its history. The
// returned release must be called when the run is over.
func (s *Server) begin(ctx context.Context, id string) ([]conversation.Turn, func(), error) {
	if _, err := s.lookup(ctx, id); err != nil {
		return nil, nil, err
	}
	if !s.acquire(id) {
		return nil, nil, errandErrors.Newf(errandErrors.ErrCodeRunInProgress,
			"a run is already in progress for conversation %s", id)
	}
	release := func() { s.release(id) }

	history, err := s.store.LoadTurns(ctx, id)
	if err != nil {
		release()
		return nil, nil, errandErrors.Wrap(err, errandErrors.ErrCodeStorageRead, "load turns")
	}
	return history, release, nil
}

// execute runs the message and persists the new turns. A non-nil response
// with a non-nil error describes an aborted run.
func (s *Server) execute(ctx context.Context, id string, history []conversation.Turn, body RunRequest, emitter progress.Emitter) (*RunResponse, error) {
	res, runErr := s.runner.Run(ctx, toolrunner.Request{
		Message:        body.Message,
		History:        history,
		ConversationID: id,
		MaxIterations:  body.MaxIterations,
		Deadline:       time.Duration(body.DeadlineMS) * time.Millisecond,
		Emitter:        emitter,
	})
	if res == nil {
		return nil, runErr
	}

	// The run has already changed the todo list; its turns are stored even
	// when the requester went away.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.AppendTurns(persistCtx, id, len(history), res.Turns); err != nil {
		s.logger.Error(logging.CategoryStorage, "persist_failed", err.Error(), map[string]any{
			"conversation_id": id,
			"run_id":          res.RunID,
		})
		if errors.Is(err, storage.ErrConflict) {
			return nil, errandErrors.Wrap(err, errandErrors.ErrCodeRunInProgress, "conversation changed during the run")
		}
		return nil, errandErrors.Wrap(err, errandErrors.ErrCodeStorageWrite, "persist turns")
	}

	resp := newRunResponse(id, res)
	if runErr != nil {
		body := errorBody(runErr)
		resp.Error = &body
	}
	return resp, runErr
}

func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return errandErrors.Wrap(err, errandErrors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}
