// ActiveBuddy is a conversational sports-coach bot.
//
// It answers Telegram messages through an LLM that can read the user's
// recent Strava activities, check the weather and remember facts about
// the athlete. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	activebuddy init [dir]              Write an example config.yaml
//	activebuddy serve                   Start the webhook and OAuth server
//	activebuddy ask <chat-id> <text>    Run one agent cycle (for testing)
//	activebuddy connect <chat-id>       Print the Strava consent link
//	activebuddy profile <chat-id>       Show the stored profile
//	activebuddy version                 Print version and build information
//	activebuddy -o json version         Output version information as JSON
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/buildinfo"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/config"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run].
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	output     string // text or json
}

// run is the real entry point. Cancelling ctx shuts the server down.
// Logs go to stdout; run returns errors for main to print.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "activebuddy",
		Short: "ActiveBuddy - AI sports coach for Telegram",
		Long: `ActiveBuddy is a Telegram coach bot. It answers with an LLM that can
read recent Strava activities, check the weather and remember facts
about the athlete.

Config search order:
  --config, ./config.yaml, ~/.config/activebuddy/config.yaml,
  /etc/activebuddy/config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if flags.output != "text" && flags.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", flags.output)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		initCmd(stdout),
		serveCmd(flags, stdout, stderr),
		askCmd(flags, stdout),
		connectCmd(flags, stdout),
		profileCmd(flags, stdout),
		versionCmd(flags, stdout),
	)
	return root
}

// loadConfig finds and loads the config file.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the config's level and format.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return config.NewLogger(w, level, cfg.LogFormat).With("version", buildinfo.Version), nil
}
