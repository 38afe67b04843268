package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/odvcencio/errand/pkg/conversation"
	"github.com/odvcencio/errand/pkg/evidence"
	"github.com/odvcencio/errand/pkg/storage"
	"github.com/odvcencio/errand/pkg/tool"
)

// cmdOut receives command output that tests need to capture.
var cmdOut io.Writer = os.Stdout

func runTodosCommand(args []string) error {
	fs := flag.NewFlagSet("todos", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	status := fs.String("status", "", "only show todos with this status")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if *status != "" && !storage.ValidTodoStatus(*status) {
		return withExitCode(fmt.Errorf("unknown status %q (want one of %v)", *status, storage.TodoStatuses), exitUsage)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	// Same tool the agent uses, so the listing matches what it reports.
	callArgs := map[string]any{}
	if *status != "" {
		callArgs["status"] = *status
	}
	payload, err := a.registry.Execute(ctx, tool.Call{Name: "list_todos", Args: callArgs})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmdOut, evidence.Format(conversation.OutcomeBlock("cli", "list_todos", payload)))
	return err
}
