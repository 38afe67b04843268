package tool

import (
	"fmt"
	"runtime/debug"

	errandErrors "github.com/odvcencio/errand/pkg/errors"
	"github.com/odvcencio/errand/pkg/logging"
)

// PanicRecovery converts a panicking tool into a TOOL_EXECUTION error and
// logs the stack. logger may be nil.
func PanicRecovery(logger *logging.Logger) Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (payload map[string]any, err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				name := "tool"
				runID, callID := "", ""
				if ctx != nil {
					if ctx.ToolName != "" {
						name = ctx.ToolName
					}
					runID, callID = ctx.RunID, ctx.CallID
					if ctx.Metadata == nil {
						ctx.Metadata = map[string]any{}
					}
					ctx.Metadata["panic_value"] = fmt.Sprintf("%v", r)
				}
				_ = logger.WithRun(runID).Error(logging.CategoryTool, "tool_panicked", fmt.Sprintf("%v", r), map[string]any{
					"tool":    name,
					"call_id": callID,
					"stack":   string(debug.Stack()),
				})
				payload = nil
				err = errandErrors.New(errandErrors.ErrCodeToolExecution, name+" panicked").
					WithContext("panic", fmt.Sprintf("%v", r))
			}()
			return next(ctx)
		}
	}
}
