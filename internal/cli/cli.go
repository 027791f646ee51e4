// Package cli parses command-line arguments into an app configuration.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/vk/cellgrid/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating the program should exit cleanly (help or no
// arguments), or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("cellgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
cellgrid - a reactive notebook cell execution engine.

Usage:
  cellgrid [options] [NOTEBOOK_PATH]

Arguments:
  NOTEBOOK_PATH
    Path to a single .hcl notebook file or a directory of .hcl files.

Options:
`)
		flagSet.PrintDefaults()
	}

	notebookFlag := flagSet.String("notebook", "", "Path to the notebook file or directory.")
	nFlag := flagSet.String("n", "", "Path to the notebook file or directory (shorthand).")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := flagSet.Int("workers", 10, "Maximum concurrent cell runs per batch.")
	skipUnchangedFlag := flagSet.Bool("skip-unchanged", false, "Skip downstream cells whose inputs did not change value.")
	listenURLFlag := flagSet.String("listen-url", "", "socket.io URL to receive input events from. Empty disables listening.")
	listenEventsFlag := flagSet.String("listen-events", "", "Comma-separated socket.io event names forwarded as inputs.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := ""
	if *notebookFlag != "" {
		path = *notebookFlag
	} else if *nFlag != "" {
		path = *nFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}

	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	var events []string
	if *listenEventsFlag != "" {
		for _, e := range strings.Split(*listenEventsFlag, ",") {
			if e = strings.TrimSpace(e); e != "" {
				events = append(events, e)
			}
		}
	}

	config, err := app.NewConfig(app.Config{
		NotebookPath:  path,
		LogFormat:     logFormat,
		LogLevel:      logLevel,
		Workers:       *workersFlag,
		SkipUnchanged: *skipUnchangedFlag,
		ListenURL:     *listenURLFlag,
		ListenEvents:  events,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}
