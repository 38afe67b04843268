package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/odvcencio/errand/pkg/api"
	"github.com/odvcencio/errand/pkg/progress"
	"github.com/odvcencio/errand/pkg/terminal"
	"github.com/odvcencio/errand/pkg/toolrunner"
)

type chatOptions struct {
	server         string
	conversationID string
	maxIterations  int
	deadline       time.Duration
}

func runChatCommand(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	server := fs.String("server", "", "send the message to a running errand server instead of running locally")
	conversationID := fs.String("conversation", "", "continue an existing conversation")
	maxIterations := fs.Int("max-iterations", 0, "tool rounds before a partial answer (0 uses the configured default)")
	deadline := fs.Duration("deadline", 0, "wall-clock limit for the run (0 uses the configured default)")
	plain := fs.Bool("plain", false, "disable colors and markdown rendering")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if message == "" {
		return withExitCode(errors.New("chat needs a message"), exitUsage)
	}
	opts := chatOptions{
		server:         *server,
		conversationID: *conversationID,
		maxIterations:  *maxIterations,
		deadline:       *deadline,
	}

	out := terminal.New()
	if *plain {
		out = terminal.NewWithOutput(os.Stdout, terminal.Options{Plain: true})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.server != "" {
		return chatRemote(ctx, out, opts, message)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{withModel: true})
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return chatLocal(ctx, a, out, opts, message)
}

// printer shows progress as the run emits it.
type printer struct{ out *terminal.Writer }

func (p printer) Emit(ev progress.Event) { p.out.Progress(ev) }

func chatLocal(ctx context.Context, a *app, out *terminal.Writer, opts chatOptions, message string) error {
	id := opts.conversationID
	if id == "" {
		conv, err := a.store.CreateConversation(ctx, uuid.NewString(), title(message))
		if err != nil {
			return err
		}
		id = conv.ID
	} else {
		conv, err := a.store.GetConversation(ctx, id)
		if err != nil {
			return err
		}
		if conv == nil {
			return withExitCode(fmt.Errorf("conversation %s not found", id), exitUsage)
		}
	}
	history, err := a.store.LoadTurns(ctx, id)
	if err != nil {
		return err
	}

	res, runErr := a.runner.Run(ctx, toolrunner.Request{
		Message:        message,
		History:        history,
		ConversationID: id,
		MaxIterations:  opts.maxIterations,
		Deadline:       opts.deadline,
		Emitter:        printer{out},
	})
	if res == nil {
		return runErr
	}
	if err := a.store.AppendTurns(context.WithoutCancel(ctx), id, len(history), res.Turns); err != nil {
		return err
	}

	out.Dim("conversation %s", id)
	if err := out.Answer(res.Text, res.State.String(), res.Partial); err != nil {
		return err
	}
	return chatExit(res.State.String(), res.Partial, runErr)
}

// chatRemote creates the conversation over HTTP when needed, then runs the
// message over the conversation's WebSocket.
func chatRemote(ctx context.Context, out *terminal.Writer, opts chatOptions, message string) error {
	base, err := url.Parse(strings.TrimRight(opts.server, "/"))
	if err != nil || base.Host == "" {
		return withExitCode(fmt.Errorf("invalid server url %q", opts.server), exitUsage)
	}

	id := opts.conversationID
	if id == "" {
		id, err = createRemoteConversation(ctx, base, title(message))
		if err != nil {
			return err
		}
	}

	wsURL := *base
	switch base.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = base.Path + "/api/v1/conversations/" + url.PathEscape(id) + "/ws"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect %s: %s", wsURL.String(), resp.Status)
		}
		return fmt.Errorf("connect %s: %w", wsURL.String(), err)
	}
	defer conn.Close()

	// Unblock ReadJSON when the command is interrupted.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var hello api.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if hello.Type != api.FrameConnected {
		return fmt.Errorf("unexpected first frame %q", hello.Type)
	}

	req := api.ClientMessage{
		Type: "run",
		RunRequest: api.RunRequest{
			Message:       message,
			MaxIterations: opts.maxIterations,
			DeadlineMS:    opts.deadline.Milliseconds(),
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send run: %w", err)
	}

	for {
		var frame api.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		switch frame.Type {
		case api.FrameProgress:
			if frame.Progress != nil {
				out.Progress(*frame.Progress)
			}
		case api.FrameError:
			if frame.Error == nil {
				return errors.New("server reported an error")
			}
			return fmt.Errorf("%s: %s", frame.Error.Code, frame.Error.Message)
		case api.FrameResult:
			if frame.Result == nil {
				return errors.New("empty result frame")
			}
			r := frame.Result
			out.Dim("conversation %s", id)
			if err := out.Answer(r.Text, r.State, r.Partial); err != nil {
				return err
			}
			var runErr error
			if r.Error != nil {
				runErr = fmt.Errorf("%s: %s", r.Error.Code, r.Error.Message)
			}
			return chatExit(r.State, r.Partial, runErr)
		}
	}
}

func createRemoteConversation(ctx context.Context, base *url.URL, title string) (string, error) {
	payload, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String()+"/api/v1/conversations", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create conversation: %s", resp.Status)
	}
	var conv api.ConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return "", fmt.Errorf("decode conversation: %w", err)
	}
	if conv.Conversation == nil || conv.ID == "" {
		return "", errors.New("create conversation: response has no id")
	}
	return conv.ID, nil
}

// chatExit maps a finished run to the command's exit status. The answer has
// already been printed, so the returned error only carries the code.
func chatExit(state string, partial bool, runErr error) error {
	switch {
	case state == toolrunner.StateAborted.String():
		if runErr == nil {
			runErr = errors.New("run aborted")
		}
		return withExitCode(runErr, exitAborted)
	case partial:
		return withExitCode(fmt.Errorf("run stopped early: %s", strings.ReplaceAll(state, "_", " ")), exitPartial)
	}
	return nil
}

func title(message string) string {
	const limit = 60
	message = strings.Join(strings.Fields(message), " ")
	if r := []rune(message); len(r) > limit {
		return string(r[:limit-1]) + "…"
	}
	return message
}
