package app

import "fmt"

// Config holds everything an App needs to open and run a notebook.
type Config struct {
	NotebookPath string
	LogFormat    string
	LogLevel     string
	// Workers caps per-batch run concurrency.
	Workers int
	// SkipUnchanged enables the value-equality short-circuit: downstream
	// cells whose inputs were re-committed with identical values are not
	// re-run. Off by default; the engine's contract is to re-run the full
	// downstream closure.
	SkipUnchanged bool
	// ListenURL, when set, keeps the app running with a socket.io input
	// source attached to the bound-input router.
	ListenURL string
	// ListenEvents names the socket.io events forwarded as input changes.
	ListenEvents []string
}

// NewConfig validates a Config and applies defaults.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.NotebookPath == "" {
		return nil, fmt.Errorf("notebook path is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ListenURL != "" && len(cfg.ListenEvents) == 0 {
		return nil, fmt.Errorf("listen-url requires at least one listen event")
	}
	return &cfg, nil
}
