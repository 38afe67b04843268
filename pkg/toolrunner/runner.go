// Package toolrunner drives the bounded model/tool loop for one requester
// message: call the model, fan its tool invocations out concurrently, hand
// the outcomes back, and repeat until the model answers or a bound is hit.
package toolrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/errand/pkg/conversation"
	"github.com/odvcencio/errand/pkg/encoding/toon"
	errandErrors "github.com/odvcencio/errand/pkg/errors"
	"github.com/odvcencio/errand/pkg/evidence"
	"github.com/odvcencio/errand/pkg/logging"
	"github.com/odvcencio/errand/pkg/model"
	"github.com/odvcencio/errand/pkg/progress"
	"github.com/odvcencio/errand/pkg/telemetry"
	"github.com/odvcencio/errand/pkg/tool"
)

const (
	DefaultMaxIterations = 3
	MaxIterationsCeiling = 5
	DefaultDeadline      = 20 * time.Second
)

// DefaultSystemPrompt instructs the model to ground its answer in tool results.
const DefaultSystemPrompt = `You manage the user's todo list with the provided tools.
Call every tool you need; independent calls may be issued together in one response.
Describe records only as the tool results show them. Quote titles, statuses and counts exactly.
If a tool call failed or was skipped, say so plainly.`

// Config configures a Runner. Model and Registry are required.
type Config struct {
	Model    model.Client
	Registry *tool.Registry

	ModelName    string
	SystemPrompt string
	Temperature  float64

	DefaultMaxIterations int
	Deadline             time.Duration
	ToolTimeout          time.Duration
	MaxParallelTools     int

	// Codec attaches structured payloads to rendered evidence; nil renders text only.
	Codec *toon.Codec

	Emitter progress.Emitter
	Logger  *logging.Logger
	Metrics *telemetry.Metrics
	Hub     *telemetry.Hub
	Clock   func() time.Time
}

// Request is one requester message together with the conversation so far.
type Request struct {
	Message        string
	History        []conversation.Turn
	ConversationID string

	// MaxIterations of 0 selects the default; values above the ceiling are clamped.
	MaxIterations int
	// Deadline overrides the configured run deadline when positive.
	Deadline time.Duration
	// Emitter receives this run's progress in addition to the configured one.
	Emitter progress.Emitter
}

// Result is the run response.
type Result struct {
	RunID         string              `json:"run_id"`
	Text          string              `json:"text"`
	State         State               `json:"state"`
	Iterations    int                 `json:"iterations"`
	ModelCalls    int                 `json:"model_calls"`
	ToolsExecuted []string            `json:"tools_executed"`
	Partial       bool                `json:"partial"`
	FatalError    string              `json:"fatal_error,omitempty"`
	Outcomes      []Outcome           `json:"-"`
	Evidence      []string            `json:"evidence,omitempty"`
	Turns         []conversation.Turn `json:"-"`
	Duration      time.Duration       `json:"duration_ns"`
}

// Runner executes runs. It holds no per-run state and may serve concurrent
// runs for different conversations.
type Runner struct {
	config Config
	fanout FanOut
	clock  func() time.Time
}

// New creates a runner with the provided config.
func New(cfg Config) (*Runner, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("model client required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry required")
	}
	if cfg.DefaultMaxIterations <= 0 {
		cfg.DefaultMaxIterations = DefaultMaxIterations
	}
	if cfg.DefaultMaxIterations > MaxIterationsCeiling {
		cfg.DefaultMaxIterations = MaxIterationsCeiling
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = defaultMaxParallel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Runner{
		config: cfg,
		fanout: FanOut{
			Catalog:     cfg.Registry,
			Timeout:     cfg.ToolTimeout,
			MaxParallel: cfg.MaxParallelTools,
		},
		clock: clock,
	}, nil
}

// ResolveMaxIterations applies the default and the ceiling.
func ResolveMaxIterations(requested, fallback int) (int, error) {
	switch {
	case requested < 0:
		return 0, errandErrors.Newf(errandErrors.ErrCodeInvalidInput,
			"max iterations must be between 1 and %d, got %d", MaxIterationsCeiling, requested)
	case requested == 0:
		requested = fallback
	}
	if requested <= 0 {
		requested = DefaultMaxIterations
	}
	if requested > MaxIterationsCeiling {
		requested = MaxIterationsCeiling
	}
	return requested, nil
}

// Run processes one requester message. The returned error is non-nil only
// when the history or input is invalid (nothing happened) or the run was
// aborted; every other terminal state is described by the Result.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, errandErrors.New(errandErrors.ErrCodeInvalidInput, "message must not be empty")
	}
	maxIterations, err := ResolveMaxIterations(req.MaxIterations, r.config.DefaultMaxIterations)
	if err != nil {
		return nil, err
	}

	store, err := conversation.FromTurns(req.History)
	if err != nil {
		return nil, err
	}
	base := store.Len()
	if err := store.Append(conversation.RequesterText(req.Message)); err != nil {
		return nil, err
	}

	deadline := r.config.Deadline
	if req.Deadline > 0 {
		deadline = req.Deadline
	}
	started := r.clock()
	rs := newRunState(ulid.Make().String(), req.ConversationID, maxIterations, started, started.Add(deadline))

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	runCtx, span := telemetry.StartSpan(runCtx, "run",
		telemetry.AttrRunID.String(rs.RunID),
		telemetry.AttrConversationID.String(rs.ConversationID),
	)
	defer span.End()

	run := &run{
		Runner:  r,
		rs:      rs,
		store:   store,
		emitter: r.emitterFor(req),
		logger:  r.config.Logger.WithRun(rs.RunID),
	}

	r.config.Metrics.RunStarted()
	r.config.Hub.Publish(telemetry.Event{
		Type:           telemetry.EventRunStarted,
		RunID:          rs.RunID,
		ConversationID: rs.ConversationID,
		Data:           map[string]any{"max_iterations": maxIterations, "deadline_ms": deadline.Milliseconds()},
	})
	run.logger.Info(logging.CategoryRun, "run_started", "", map[string]any{
		"conversation_id": rs.ConversationID,
		"max_iterations":  maxIterations,
		"deadline":        deadline.String(),
	})

	state, fatal := run.loop(runCtx, ctx)
	result := run.finish(state, fatal)
	result.Turns = store.Since(base)

	elapsed := r.clock().Sub(started)
	result.Duration = elapsed
	span.SetAttributes(
		telemetry.AttrRunState.String(state.String()),
		telemetry.AttrIteration.Int(rs.Iteration),
	)
	r.config.Metrics.RunFinished(state.String(), rs.Iteration, elapsed)
	r.config.Hub.Publish(telemetry.Event{
		Type:           telemetry.EventRunFinished,
		RunID:          rs.RunID,
		ConversationID: rs.ConversationID,
		Data: map[string]any{
			"state":      state.String(),
			"iterations": rs.Iteration,
			"partial":    result.Partial,
		},
	})
	details := map[string]any{
		"state":       state.String(),
		"iterations":  rs.Iteration,
		"model_calls": result.ModelCalls,
		"tools":       result.ToolsExecuted,
		"elapsed_ms":  elapsed.Milliseconds(),
	}
	if fatal != nil {
		telemetry.RecordError(runCtx, fatal)
		details["error"] = fatal.Error()
		if e, ok := errandErrors.As(fatal); ok && e.Code == errandErrors.ErrCodeInternal {
			details["stack"] = e.StackTrace()
		}
		run.logger.Error(logging.CategoryRun, "run_aborted", fatal.Error(), details)
		return result, fatal
	}
	run.logger.Info(logging.CategoryRun, "run_finished", "", details)
	return result, nil
}

func (r *Runner) emitterFor(req Request) progress.Emitter {
	switch {
	case req.Emitter != nil && r.config.Emitter != nil:
		return multiEmitter{r.config.Emitter, req.Emitter}
	case req.Emitter != nil:
		return req.Emitter
	case r.config.Emitter != nil:
		return r.config.Emitter
	}
	return progress.Discard
}

type multiEmitter []progress.Emitter

func (m multiEmitter) Emit(ev progress.Event) {
	for _, e := range m {
		e.Emit(ev)
	}
}

// run carries one execution through the loop.
type run struct {
	*Runner
	rs       *RunState
	store    *conversation.Store
	emitter  progress.Emitter
	logger   *logging.Logger
	outcomes []Outcome
	calls    int
}

// loop iterates until a terminal state. parent is the caller's context, used
// to tell a caller cancellation apart from the run deadline.
func (r *run) loop(ctx, parent context.Context) (State, error) {
	fanout := r.fanout
	fanout.Emitter = r.emitter
	tools := model.ToolDefinitions(r.config.Registry)

	for {
		if r.rs.Iteration >= r.rs.MaxIterations {
			return StateIterationLimitReached, nil
		}
		if !r.clock().Before(r.rs.Deadline) || errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			return StateDeadlineExceeded, nil
		}
		if parent.Err() != nil {
			return StateAborted, errandErrors.Wrap(parent.Err(), errandErrors.ErrCodeInternal, "run cancelled")
		}

		r.emit(progress.PhasePlanning, "", 0, "calling model")
		reply, err := r.callModel(ctx, tools)
		if err != nil {
			if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return StateDeadlineExceeded, nil
			}
			return StateAborted, err
		}

		if len(reply.Invocations) == 0 {
			text := toon.SanitizeOutput(reply.Text)
			if strings.TrimSpace(text) == "" {
				return StateAborted, errandErrors.New(errandErrors.ErrCodeModelEmpty,
					"model returned neither text nor tool invocations")
			}
			if err := r.store.Append(conversation.AssistantText(text)); err != nil {
				return StateAborted, err
			}
			r.rs.MoreActionsNeeded = false
			return StateCompleted, nil
		}

		r.rs.MoreActionsNeeded = true
		invocations := assignIDs(reply.Invocations, r.rs.Iteration+1)
		outcomes := fanout.Execute(ctx, r.rs, invocations, reply.ArgErrors)
		r.outcomes = append(r.outcomes, outcomes...)

		assistant := conversation.Turn{Role: conversation.RoleAssistant}
		if text := toon.SanitizeOutput(reply.Text); strings.TrimSpace(text) != "" {
			assistant.Blocks = append(assistant.Blocks, conversation.TextBlock(text))
		}
		assistant.Blocks = append(assistant.Blocks, invocations...)
		handback := conversation.Turn{Role: conversation.RoleRequester}
		for _, o := range outcomes {
			handback.Blocks = append(handback.Blocks, o.Block())
		}
		if err := r.store.Append(assistant); err != nil {
			return StateAborted, err
		}
		if err := r.store.Append(handback); err != nil {
			return StateAborted, err
		}

		r.rs.Iteration++
		r.logger.Debug(logging.CategoryRun, "iteration_finished", "", map[string]any{
			"iteration": r.rs.Iteration,
			"outcomes":  outcomeStrings(outcomes),
		})
	}
}

func (r *run) callModel(ctx context.Context, tools []map[string]any) (*model.Reply, error) {
	req := model.ChatRequest{
		Model:       r.config.ModelName,
		Messages:    model.ToMessages(r.config.SystemPrompt, r.store.Snapshot(), r.render),
		Temperature: r.config.Temperature,
		Tools:       tools,
	}
	if len(tools) > 0 {
		req.ToolChoice = "auto"
	}

	spanCtx, span := telemetry.StartSpan(ctx, "model.chat",
		telemetry.AttrModel.String(r.config.ModelName),
		telemetry.AttrIteration.Int(r.rs.Iteration+1),
	)
	defer span.End()

	start := time.Now()
	resp, err := r.config.Model.ChatCompletion(spanCtx, req)
	r.calls++
	elapsed := time.Since(start)
	if err != nil {
		outcome := telemetry.OutcomeFailure
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = telemetry.OutcomeTimeout
		}
		r.config.Metrics.ModelCall(outcome, elapsed)
		telemetry.RecordError(spanCtx, err)
		if _, ok := errandErrors.As(err); !ok {
			err = errandErrors.Wrap(err, errandErrors.ErrCodeModelAPIError, "model endpoint failed")
		}
		return nil, err
	}
	r.config.Metrics.ModelCall(telemetry.OutcomeSuccess, elapsed)

	reply, err := model.FromResponse(resp)
	if err != nil {
		return nil, err
	}
	r.logger.Debug(logging.CategoryModel, "model_call", "", map[string]any{
		"iteration":      r.rs.Iteration + 1,
		"invocations":    len(reply.Invocations),
		"latency_ms":     elapsed.Milliseconds(),
		"history_tokens": r.store.TokenCount(),
	})
	return reply, nil
}

// render is what the model sees for an outcome: the evidence text, plus the
// raw payload when a codec is configured.
func (r *run) render(b conversation.Block) string {
	text := evidence.Format(b)
	if b.Failed() {
		return text
	}
	return r.config.Codec.Attach(text, b.Payload)
}

func (r *run) emit(phase progress.Phase, toolName string, elapsed time.Duration, detail string) {
	r.emitter.Emit(progress.Event{
		RunID:          r.rs.RunID,
		ConversationID: r.rs.ConversationID,
		Iteration:      r.rs.Iteration + 1,
		Phase:          phase,
		Tool:           toolName,
		Elapsed:        elapsed,
		Detail:         detail,
	})
}

// finish appends the closing assistant turn for partial and aborted runs and
// assembles the result.
func (r *run) finish(state State, fatal error) *Result {
	blocks := make([]conversation.Block, len(r.outcomes))
	for i, o := range r.outcomes {
		blocks[i] = o.Block()
	}

	result := &Result{
		RunID:         r.rs.RunID,
		State:         state,
		Iterations:    r.rs.Iteration,
		ModelCalls:    r.calls,
		ToolsExecuted: r.rs.ToolsExecuted(),
		Partial:       state.Partial(),
		Outcomes:      r.outcomes,
		Evidence:      evidence.FormatAll(blocks),
	}

	switch state {
	case StateCompleted:
		last, _ := r.store.Last()
		result.Text = last.Text()
		r.emit(progress.PhaseSummarizing, "", 0, state.String())
		return result
	case StateIterationLimitReached, StateDeadlineExceeded:
		r.emit(progress.PhaseSummarizing, "", 0, state.String())
		result.Text = evidence.Summarize(r.partialLabel(state), blocks)
	case StateAborted:
		result.FatalError = fatal.Error()
		result.Text = abortNotice(fatal, len(blocks) > 0)
	}

	closing := conversation.AssistantText(result.Text)
	closing.Incomplete = true
	if err := r.store.Append(closing); err != nil {
		r.logger.Error(logging.CategoryRun, "closing_turn_rejected", err.Error(), nil)
	}
	return result
}

func (r *run) partialLabel(state State) string {
	if state == StateIterationLimitReached {
		return fmt.Sprintf("Stopped after reaching the limit of %d iterations; the request may not be fully handled.",
			r.rs.MaxIterations)
	}
	return fmt.Sprintf("Stopped at the %s deadline; the request may not be fully handled.",
		r.rs.Deadline.Sub(r.rs.Started).Round(time.Millisecond))
}

func abortNotice(err error, actionsTaken bool) string {
	reason := err.Error()
	if e, ok := errandErrors.As(err); ok {
		reason = e.Message
	}
	if actionsTaken {
		return "The request was only partially completed: " + reason +
			". Some tool actions had already been executed before the failure."
	}
	return "Nothing happened: " + reason + ". No tool actions were executed; you can resend the request."
}

// assignIDs gives anonymous or repeated invocation ids a deterministic
// replacement of the form call_<iteration>_<index>.
func assignIDs(invocations []conversation.Block, iteration int) []conversation.Block {
	out := make([]conversation.Block, len(invocations))
	seen := make(map[string]bool, len(invocations))
	for i, inv := range invocations {
		if inv.InvocationID == "" || seen[inv.InvocationID] {
			id := fmt.Sprintf("call_%d_%d", iteration, i+1)
			for n := 2; seen[id]; n++ {
				id = fmt.Sprintf("call_%d_%d_%d", iteration, i+1, n)
			}
			inv.InvocationID = id
		}
		seen[inv.InvocationID] = true
		if inv.Arguments == nil {
			inv.Arguments = map[string]any{}
		}
		out[i] = inv
	}
	return out
}

func outcomeStrings(outcomes []Outcome) []string {
	out := make([]string, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.String()
	}
	return out
}
