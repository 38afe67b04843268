package tool

import (
	"context"
	"errors"
	"time"

	errandErrors "github.com/odvcencio/errand/pkg/errors"
	"github.com/odvcencio/errand/pkg/logging"
	"github.com/odvcencio/errand/pkg/telemetry"
)

// Telemetry records a span, metrics and hub events for every execution.
// Any of metrics or hub may be nil.
func Telemetry(metrics *telemetry.Metrics, hub *telemetry.Hub) Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (map[string]any, error) {
			if ctx.StartTime.IsZero() {
				ctx.StartTime = time.Now()
			}
			base := ctx.Context
			if base == nil {
				base = context.Background()
			}
			spanCtx, span := telemetry.StartSpan(base, "tool."+ctx.ToolName,
				telemetry.AttrToolName.String(ctx.ToolName),
				telemetry.AttrToolCallID.String(ctx.CallID),
				telemetry.AttrRunID.String(ctx.RunID),
			)
			defer span.End()
			ctx.Context = spanCtx

			hub.Publish(telemetry.Event{
				Type:  telemetry.EventToolStarted,
				RunID: ctx.RunID,
				Data:  map[string]any{"tool": ctx.ToolName, "callId": ctx.CallID},
			})

			payload, err := next(ctx)
			elapsed := time.Since(ctx.StartTime)

			outcome := outcomeLabel(err)
			span.SetAttributes(telemetry.AttrToolOutcome.String(outcome))
			metrics.ToolCall(ctx.ToolName, outcome, elapsed)

			eventType := telemetry.EventToolCompleted
			data := map[string]any{"tool": ctx.ToolName, "callId": ctx.CallID, "elapsedMs": elapsed.Milliseconds()}
			if err != nil {
				telemetry.RecordError(spanCtx, err)
				eventType = telemetry.EventToolFailed
				data["code"] = string(errandErrors.GetCode(err))
			}
			hub.Publish(telemetry.Event{Type: eventType, RunID: ctx.RunID, Data: data})
			return payload, err
		}
	}
}

// Logging writes one structured log line per execution.
func Logging(logger *logging.Logger) Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (map[string]any, error) {
			start := time.Now()
			payload, err := next(ctx)
			details := map[string]any{
				"tool":       ctx.ToolName,
				"call_id":    ctx.CallID,
				"elapsed_ms": time.Since(start).Milliseconds(),
			}
			if err != nil {
				details["code"] = string(errandErrors.GetCode(err))
				_ = logger.WithRun(ctx.RunID).Warn(logging.CategoryTool, "tool_failed", err.Error(), details)
			} else {
				_ = logger.WithRun(ctx.RunID).Debug(logging.CategoryTool, "tool_succeeded", "", details)
			}
			return payload, err
		}
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.Is(err, context.DeadlineExceeded), errandErrors.IsCode(err, errandErrors.ErrCodeToolTimeout):
		return telemetry.OutcomeTimeout
	default:
		return telemetry.OutcomeFailure
	}
}
