package tool

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	errandErrors "github.com/odvcencio/errand/pkg/errors"
	"github.com/odvcencio/errand/pkg/logging"
	"github.com/odvcencio/errand/pkg/telemetry"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Executor) Executor {
			return func(ctx *ExecutionContext) (map[string]any, error) {
				order = append(order, name)
				return next(ctx)
			}
		}
	}

	exec := Chain(mark("outer"), mark("inner"))(func(ctx *ExecutionContext) (map[string]any, error) {
		order = append(order, "tool")
		return nil, nil
	})
	if _, err := exec(&ExecutionContext{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 || order[0] != "outer" || order[1] != "inner" || order[2] != "tool" {
		t.Fatalf("order = %v", order)
	}
}

func TestTimeoutAppliesDeadline(t *testing.T) {
	mw := Timeout(25*time.Millisecond, map[string]time.Duration{"slow": time.Hour})
	exec := mw(func(ctx *ExecutionContext) (map[string]any, error) {
		deadline, ok := ctx.Context.Deadline()
		if !ok {
			t.Fatal("expected deadline to be set")
		}
		if ctx.ToolName == "fast" && time.Until(deadline) > time.Second {
			t.Fatal("default timeout not applied")
		}
		if ctx.ToolName == "slow" && time.Until(deadline) < time.Minute {
			t.Fatal("per-tool timeout not applied")
		}
		return nil, nil
	})

	for _, name := range []string{"fast", "slow"} {
		if _, err := exec(&ExecutionContext{Context: context.Background(), ToolName: name}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestTimeoutReportsToolTimeout(t *testing.T) {
	exec := Timeout(10*time.Millisecond, nil)(func(ctx *ExecutionContext) (map[string]any, error) {
		<-ctx.Context.Done()
		return nil, ctx.Context.Err()
	})
	_, err := exec(&ExecutionContext{Context: context.Background(), ToolName: "slow"})
	if !errandErrors.IsCode(err, errandErrors.ErrCodeToolTimeout) {
		t.Fatalf("err = %v, want TOOL_TIMEOUT", err)
	}

	parent, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exec(&ExecutionContext{Context: parent, ToolName: "slow"})
	if errandErrors.IsCode(err, errandErrors.ErrCodeToolTimeout) {
		t.Fatal("parent cancellation should not be reported as the tool's own timeout")
	}
}

func TestTimeoutSkipsWhenZero(t *testing.T) {
	exec := Timeout(0, nil)(func(ctx *ExecutionContext) (map[string]any, error) {
		if _, ok := ctx.Context.Deadline(); ok {
			t.Fatal("expected no deadline")
		}
		return nil, nil
	})
	if _, err := exec(&ExecutionContext{Context: context.Background()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTelemetryMiddleware(t *testing.T) {
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	hub := telemetry.NewHub()
	defer hub.Close()
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	exec := Telemetry(metrics, hub)(func(ctx *ExecutionContext) (map[string]any, error) {
		if ctx.ToolName == "get_todo" {
			return nil, errandErrors.New(errandErrors.ErrCodeNotFound, "todo 9 not found")
		}
		return map[string]any{}, nil
	})

	_, _ = exec(&ExecutionContext{Context: context.Background(), ToolName: "create_todo", CallID: "c1", RunID: "r1"})
	_, _ = exec(&ExecutionContext{Context: context.Background(), ToolName: "get_todo", CallID: "c2", RunID: "r1"})

	if got := testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("create_todo", telemetry.OutcomeSuccess)); got != 1 {
		t.Errorf("success count = %v", got)
	}
	if got := testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("get_todo", telemetry.OutcomeFailure)); got != 1 {
		t.Errorf("failure count = %v", got)
	}

	var types []telemetry.EventType
	for i := 0; i < 4; i++ {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatal("missing hub event")
		}
	}
	want := []telemetry.EventType{
		telemetry.EventToolStarted, telemetry.EventToolCompleted,
		telemetry.EventToolStarted, telemetry.EventToolFailed,
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestPanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWriterLogger(&buf, "s")
	exec := PanicRecovery(logger)(func(ctx *ExecutionContext) (map[string]any, error) {
		if ctx.ToolName == "boom" {
			panic("kaboom")
		}
		return map[string]any{"ok": true}, nil
	})

	ctx := &ExecutionContext{Context: context.Background(), ToolName: "boom", RunID: "run-1"}
	payload, err := exec(ctx)
	if payload != nil {
		t.Fatalf("payload = %v, want nil", payload)
	}
	if !errandErrors.IsCode(err, errandErrors.ErrCodeToolExecution) {
		t.Fatalf("err = %v, want TOOL_EXECUTION", err)
	}
	if !strings.Contains(err.Error(), "boom panicked") {
		t.Errorf("err = %v", err)
	}
	if ctx.Metadata["panic_value"] != "kaboom" {
		t.Errorf("metadata = %v", ctx.Metadata)
	}
	if !strings.Contains(buf.String(), "tool_panicked") || !strings.Contains(buf.String(), "goroutine") {
		t.Errorf("stack not logged: %q", buf.String())
	}

	if _, err := exec(&ExecutionContext{Context: context.Background(), ToolName: "fine"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
