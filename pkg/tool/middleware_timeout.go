package tool

import (
	"context"
	"errors"
	"time"

	errandErrors "github.com/odvcencio/errand/pkg/errors"
)

// Timeout applies a per-tool or default timeout by updating the context.
// A tool that fails because its own timeout expired reports TOOL_TIMEOUT.
func Timeout(defaultTimeout time.Duration, perTool map[string]time.Duration) Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (map[string]any, error) {
			if ctx == nil {
				return next(ctx)
			}
			timeout := defaultTimeout
			if t, ok := perTool[ctx.ToolName]; ok {
				timeout = t
			}
			if timeout <= 0 {
				return next(ctx)
			}

			base := ctx.Context
			if base == nil {
				base = context.Background()
			}
			timeoutCtx, cancel := context.WithTimeout(base, timeout)
			defer cancel()

			ctx.Context = timeoutCtx
			payload, err := next(ctx)
			if err != nil && base.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) &&
				!errandErrors.IsCode(err, errandErrors.ErrCodeToolTimeout) {
				return nil, errandErrors.Wrap(err, errandErrors.ErrCodeToolTimeout,
					ctx.ToolName+" timed out after "+timeout.String())
			}
			return payload, err
		}
	}
}
