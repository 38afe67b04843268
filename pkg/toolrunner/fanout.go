package toolrunner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/errand/pkg/conversation"
	errandErrors "github.com/odvcencio/errand/pkg/errors"
	"github.com/odvcencio/errand/pkg/progress"
	"github.com/odvcencio/errand/pkg/tool"
)

const (
	defaultToolTimeout = 10 * time.Second
	defaultMaxParallel = 5
)

// Catalog executes a single tool call. *tool.Registry implements it.
type Catalog interface {
	Execute(ctx context.Context, call tool.Call) (map[string]any, error)
}

// Outcome is the result of one invocation in a batch.
type Outcome struct {
	InvocationID string
	Tool         string
	Success      bool
	Payload      map[string]any
	Failure      *conversation.Failure
	Latency      time.Duration
	Duplicate    bool
}

// Block converts the outcome into a tool_outcome content block.
func (o Outcome) Block() conversation.Block {
	if o.Success {
		return conversation.OutcomeBlock(o.InvocationID, o.Tool, o.Payload)
	}
	b := conversation.FailureBlock(o.InvocationID, o.Tool, o.Failure.Code, o.Failure.Message)
	b.Duplicate = o.Duplicate
	return b
}

// FanOut dispatches one model response's invocations. It keeps no state
// between batches; the executed-signature set lives in the RunState.
type FanOut struct {
	Catalog     Catalog
	Timeout     time.Duration
	MaxParallel int
	Emitter     progress.Emitter
}

// Execute runs a batch and returns one outcome per invocation, in invocation
// order. argErrors marks invocations, by index, whose arguments could not be
// decoded; they are reported as failures without reaching the catalog.
// Individual failures never affect siblings.
func (f *FanOut) Execute(ctx context.Context, rs *RunState, batch []conversation.Block, argErrors map[int]error) []Outcome {
	outcomes := make([]Outcome, len(batch))
	var pending []int

	// Signatures are claimed in invocation order so "the second occurrence"
	// is well defined even though execution is concurrent.
	for i, inv := range batch {
		outcomes[i] = Outcome{InvocationID: inv.InvocationID, Tool: inv.Tool}
		if !rs.markExecuted(Signature(inv.Tool, inv.Arguments)) {
			outcomes[i].Duplicate = true
			outcomes[i].Failure = &conversation.Failure{
				Code:    string(errandErrors.ErrCodeDuplicateInvocation),
				Message: "identical call already executed in this run",
			}
			f.emit(rs, inv.Tool, 0, "duplicate skipped")
			continue
		}
		rs.recordTool(inv.Tool)
		if err := argErrors[i]; err != nil {
			outcomes[i].Failure = failureOf(err)
			f.emit(rs, inv.Tool, 0, "failed: "+outcomes[i].Failure.Code)
			continue
		}
		pending = append(pending, i)
	}

	limit := f.MaxParallel
	if limit <= 0 {
		limit = defaultMaxParallel
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, i := range pending {
		g.Go(func() error {
			outcomes[i] = f.call(ctx, rs, batch[i])
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

type callResult struct {
	payload map[string]any
	err     error
}

func (f *FanOut) call(ctx context.Context, rs *RunState, inv conversation.Block) Outcome {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: errandErrors.Newf(errandErrors.ErrCodeToolExecution, "%s panicked: %v", inv.Tool, r)}
			}
		}()
		payload, err := f.Catalog.Execute(callCtx, tool.Call{
			RunID:  rs.RunID,
			CallID: inv.InvocationID,
			Name:   inv.Tool,
			Args:   inv.Arguments,
		})
		done <- callResult{payload: payload, err: err}
	}()

	out := Outcome{InvocationID: inv.InvocationID, Tool: inv.Tool}
	var res callResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = interruption(ctx, inv.Tool, timeout)
	}
	out.Latency = time.Since(start)

	if res.err != nil {
		if callCtx.Err() != nil && !errandErrors.IsCode(res.err, errandErrors.ErrCodeToolTimeout) &&
			(errors.Is(res.err, context.DeadlineExceeded) || errors.Is(res.err, context.Canceled)) {
			res.err = interruption(ctx, inv.Tool, timeout)
		}
		out.Failure = failureOf(res.err)
		f.emit(rs, inv.Tool, out.Latency, "failed: "+out.Failure.Code)
		return out
	}

	out.Success = true
	out.Payload = res.payload
	if out.Payload == nil {
		out.Payload = map[string]any{}
	}
	f.emit(rs, inv.Tool, out.Latency, "ok")
	return out
}

// interruption explains why a call's context ended.
func interruption(runCtx context.Context, toolName string, timeout time.Duration) error {
	switch {
	case errors.Is(runCtx.Err(), context.Canceled):
		return errandErrors.Newf(errandErrors.ErrCodeToolExecution, "%s cancelled with the run", toolName)
	case runCtx.Err() != nil:
		return errandErrors.Newf(errandErrors.ErrCodeDeadlineExceeded, "%s cancelled: run deadline reached", toolName)
	default:
		return errandErrors.Newf(errandErrors.ErrCodeToolTimeout, "%s timed out after %s", toolName, timeout)
	}
}

func failureOf(err error) *conversation.Failure {
	if e, ok := errandErrors.As(err); ok {
		return &conversation.Failure{Code: string(e.Code), Message: e.Message}
	}
	return &conversation.Failure{Code: string(errandErrors.ErrCodeToolExecution), Message: err.Error()}
}

func (f *FanOut) emit(rs *RunState, toolName string, elapsed time.Duration, detail string) {
	if f.Emitter == nil {
		return
	}
	f.Emitter.Emit(progress.Event{
		RunID:          rs.RunID,
		ConversationID: rs.ConversationID,
		Iteration:      rs.Iteration + 1,
		Phase:          progress.PhaseExecuting,
		Tool:           toolName,
		Elapsed:        elapsed,
		Detail:         detail,
	})
}

// String renders an outcome for logs.
func (o Outcome) String() string {
	switch {
	case o.Duplicate:
		return fmt.Sprintf("%s(%s) duplicate", o.Tool, o.InvocationID)
	case o.Success:
		return fmt.Sprintf("%s(%s) ok in %s", o.Tool, o.InvocationID, o.Latency)
	default:
		return fmt.Sprintf("%s(%s) %s", o.Tool, o.InvocationID, o.Failure.Code)
	}
}
