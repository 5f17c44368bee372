package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/defaults"
)

func initCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a working directory with an example config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(stdout, dir)
		},
	}
}

// runInit creates the data directory and writes the example config.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing ActiveBuddy workspace in %s\n", dir)

	dbDir := filepath.Join(dir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dbDir, err)
	}

	// The config holds secrets once filled in.
	configPath := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, kept)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set TELEGRAM_TOKEN, OPENROUTER_API_KEY and the STRAVA_* variables,")
	fmt.Fprintln(w, "or edit config.yaml, then run: activebuddy serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. It reports whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
