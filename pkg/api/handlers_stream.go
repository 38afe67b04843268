package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/odvcencio/errand/pkg/conversation"
	errandErrors "github.com/odvcencio/errand/pkg/errors"
	"github.com/odvcencio/errand/pkg/logging"
	"github.com/odvcencio/errand/pkg/progress"
	"github.com/odvcencio/errand/pkg/telemetry"
)

// Frame types shared by the SSE and WebSocket streams.
const (
	FrameConnected = "connected"
	FrameProgress  = "progress"
	FrameResult    = "result"
	FrameError     = "error"
	FrameHeartbeat = "heartbeat"
	FramePong      = "pong"
	FrameTelemetry = "telemetry"
)

// Frame is one message on a run stream.
type Frame struct {
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Progress  *progress.Event  `json:"progress,omitempty"`
	Result    *RunResponse     `json:"result,omitempty"`
	Error     *ErrorBody       `json:"error,omitempty"`
	Event     *telemetry.Event `json:"event,omitempty"`
}

// payload is the SSE data for the frame.
func (f Frame) payload() any {
	switch {
	case f.Progress != nil:
		return f.Progress
	case f.Result != nil:
		return f.Result
	case f.Error != nil:
		return f.Error
	case f.Event != nil:
		return f.Event
	}
	return map[string]any{"timestamp": f.Timestamp}
}

// ClientMessage is read from WebSocket clients.
type ClientMessage struct {
	Type string `json:"type"` // run, ping
	RunRequest
}

// streamRun executes a run and forwards its progress, heartbeats and the
// final result to send. Send errors do not stop the run; it is cancelled
// through ctx when the client goes away.
func (s *Server) streamRun(ctx context.Context, id string, history []conversation.Turn, body RunRequest, send func(Frame) error) {
	events := make(chan progress.Event, 16)
	queue := progress.NewQueue(progress.ChannelSink(events), progress.WithBuffer(s.buffer))

	type finished struct {
		resp *RunResponse
		err  error
	}
	done := make(chan finished, 1)
	go func() {
		resp, err := s.execute(ctx, id, history, body, queue)
		_ = queue.Close(ctx)
		done <- finished{resp, err}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			_ = send(progressFrame(ev))
		case <-ticker.C:
			_ = send(Frame{Type: FrameHeartbeat, Timestamp: time.Now()})
		case out := <-done:
		drain:
			for {
				select {
				case ev := <-events:
					_ = send(progressFrame(ev))
				default:
					break drain
				}
			}
			if out.resp != nil {
				_ = send(Frame{Type: FrameResult, Timestamp: time.Now(), Result: out.resp})
				return
			}
			body := errorBody(out.err)
			_ = send(Frame{Type: FrameError, Timestamp: time.Now(), Error: &body})
			return
		}
	}
}

func progressFrame(ev progress.Event) Frame {
	return Frame{Type: FrameProgress, Timestamp: ev.Time, Progress: &ev}
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, id string, history []conversation.Turn, body RunRequest) {
	flusher, ok := startSSE(w)
	if !ok {
		writeError(w, errandErrors.New(errandErrors.ErrCodeInternal, "streaming not supported"))
		return
	}
	s.streamRun(r.Context(), id, history, body, func(f Frame) error {
		return writeSSE(w, flusher, f)
	})
}

// handleEvents streams the telemetry hub as SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, errandErrors.New(errandErrors.ErrCodeInternal, "event hub not configured"))
		return
	}
	flusher, ok := startSSE(w)
	if !ok {
		writeError(w, errandErrors.New(errandErrors.ErrCodeInternal, "streaming not supported"))
		return
	}

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	filter := r.URL.Query().Get("run_id")
	if err := writeSSE(w, flusher, Frame{Type: FrameConnected, Timestamp: time.Now()}); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeSSE(w, flusher, Frame{Type: FrameHeartbeat, Timestamp: time.Now()}); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && ev.RunID != filter {
				continue
			}
			if err := writeSSE(w, flusher, Frame{Type: FrameTelemetry, Timestamp: ev.Timestamp, Event: &ev}); err != nil {
				return
			}
		}
	}
}

// handleWebSocket runs each client "run" message on the conversation and
// streams frames back. Runs on one connection are sequential.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.lookup(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Warn(logging.CategoryAPI, "ws_upgrade_failed", err.Error(), map[string]any{"conversation_id": id})
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := func(f Frame) error {
		writeCtx, cancelWrite := context.WithTimeout(ctx, 10*time.Second)
		defer cancelWrite()
		return wsjson.Write(writeCtx, conn, f)
	}
	if err := send(Frame{Type: FrameConnected, Timestamp: time.Now()}); err != nil {
		return
	}

	requests := make(chan ClientMessage)
	go func() {
		defer cancel()
		for {
			var msg ClientMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			select {
			case requests <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(Frame{Type: FrameHeartbeat, Timestamp: time.Now()}); err != nil {
				return
			}
		case msg := <-requests:
			switch msg.Type {
			case "ping":
				_ = send(Frame{Type: FramePong, Timestamp: time.Now()})
			case "run", "":
				s.wsRun(ctx, id, msg.RunRequest, send)
			default:
				body := ErrorBody{Code: string(errandErrors.ErrCodeInvalidInput), Message: fmt.Sprintf("unknown message type %q", msg.Type)}
				_ = send(Frame{Type: FrameError, Timestamp: time.Now(), Error: &body})
			}
		}
	}
}

func (s *Server) wsRun(ctx context.Context, id string, body RunRequest, send func(Frame) error) {
	fail := func(err error) {
		eb := errorBody(err)
		_ = send(Frame{Type: FrameError, Timestamp: time.Now(), Error: &eb})
	}
	if err := body.validate(); err != nil {
		fail(err)
		return
	}
	history, release, err := s.begin(ctx, id)
	if err != nil {
		fail(err)
		return
	}
	defer release()
	s.streamRun(ctx, id, history, body, send)
}

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, f Frame) error {
	data, err := json.Marshal(f.payload())
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
