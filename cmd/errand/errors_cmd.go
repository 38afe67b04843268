package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/odvcencio/errand/pkg/logging"
)

func runErrorsCommand(args []string) error {
	fs := flag.NewFlagSet("errors", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	count := fs.Int("n", 20, "number of recent errors to show")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.Logging.Dir, "errors.jsonl")
	events, err := logging.ReadRecentEvents(path, *count)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(cmdOut, "no errors logged")
			return nil
		}
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(cmdOut, "no errors logged")
		return nil
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s [%s] %s", ev.Timestamp.Local().Format("2006-01-02 15:04:05"), ev.Category, ev.EventType)
		if ev.RunID != "" {
			line += " run=" + ev.RunID
		}
		if ev.Message != "" {
			line += ": " + ev.Message
		}
		keys := make([]string, 0, len(ev.Details))
		for k := range ev.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			line += fmt.Sprintf(" %s=%v", k, ev.Details[k])
		}
		fmt.Fprintln(cmdOut, line)
	}
	return nil
}
