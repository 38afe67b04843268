// Command errand runs the todo errand agent: a local chat, an HTTP server,
// a view of the stored todos and the recent error log.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odvcencio/errand/pkg/config"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// loadConfigFn allows tests to supply configuration without touching $HOME.
var loadConfigFn = loadConfig

func main() {
	os.Exit(dispatch(os.Args[1:], os.Stdout, os.Stderr))
}

func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printHelp(stderr)
		return exitUsage
	}
	switch args[0] {
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "errand %s (commit %s, built %s)\n", version, commit, buildDate)
		return 0
	case "--help", "-h", "help":
		printHelp(stdout)
		return 0
	case "serve":
		return runCommand(runServeCommand, args[1:], stderr)
	case "chat":
		return runCommand(runChatCommand, args[1:], stderr)
	case "todos":
		return runCommand(runTodosCommand, args[1:], stderr)
	case "errors":
		return runCommand(runErrorsCommand, args[1:], stderr)
	default:
		if strings.HasPrefix(args[0], "-") {
			fmt.Fprintf(stderr, "Error: unknown flag: %s\n", args[0])
		} else {
			fmt.Fprintf(stderr, "Error: unknown command: %s\n", args[0])
		}
		fmt.Fprintln(stderr, "Run 'errand --help' for usage.")
		return exitUsage
	}
}

func runCommand(handler func([]string) error, args []string, stderr io.Writer) int {
	if err := handler(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromPath(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, withExitCode(err, exitConfig)
	}
	return cfg, nil
}

func printHelp(w io.Writer) {
	fmt.Fprint(w, `errand - a todo assistant that works through tools

Usage:
  errand chat [--server URL] [--conversation ID] [--max-iterations N] message...
  errand serve [--listen ADDR]
  errand todos [--status STATUS]
  errand errors [-n COUNT]
  errand version

Flags common to every command:
  --config PATH   load configuration from PATH instead of ~/.errand and ./.errand

Exit codes:
  0  success
  1  unexpected failure
  2  usage or configuration error
  3  the run was aborted (model endpoint failure)
  4  the run stopped early with a partial result
`)
}
