package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/buildinfo"
)

func askCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <chat-id> <text>",
		Short: "Run one agent cycle for a chat and print the reply",
		Long: `Run one agent cycle for a chat and print the reply.

The cycle reads and updates the chat's stored history and profile
exactly as a Telegram message would, without the access gate.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if cfg.LLM.APIKey == "" {
				return fmt.Errorf("missing required config: llm.api_key")
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.loop.Run(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			if flags.output == "json" {
				return writeJSON(stdout, map[string]any{
					"request_id": resp.RequestID,
					"content":    resp.Content,
					"fallback":   resp.Fallback,
					"tool_calls": len(resp.ToolCalls),
					"elapsed":    resp.Elapsed.String(),
				})
			}
			fmt.Fprintln(stdout, resp.Content)
			return nil
		},
	}
}

func connectCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	var noQR bool
	cmd := &cobra.Command{
		Use:   "connect <chat-id>",
		Short: "Print the Strava consent link for a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if !cfg.Strava.Configured() {
				return fmt.Errorf("missing required config: strava.client_id, strava.client_secret")
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			link := a.tokens.AuthorizeURL(args[0])
			if flags.output == "json" {
				return writeJSON(stdout, map[string]string{"chat_id": args[0], "url": link})
			}

			fmt.Fprintln(stdout, link)
			if noQR {
				return nil
			}
			qr, err := qrcode.New(link, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("render QR code: %w", err)
			}
			fmt.Fprint(stdout, qr.ToSmallString(false))
			return nil
		},
	}
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "print only the URL")
	return cmd
}

func profileCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "profile <chat-id>",
		Short: "Show the stored profile and Strava status for a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			chatID := args[0]
			profile, err := a.store.Profile(cmd.Context(), chatID)
			if err != nil {
				return fmt.Errorf("read profile: %w", err)
			}
			status := a.tokens.Status(cmd.Context(), chatID)

			if flags.output == "json" {
				return writeJSON(stdout, map[string]any{
					"chat_id": chatID,
					"strava":  status,
					"profile": profile,
				})
			}
			fmt.Fprintf(stdout, "Strava: %s\n", status)
			if len(profile) == 0 {
				fmt.Fprintln(stdout, "Profile is empty.")
				return nil
			}
			return writeJSON(stdout, profile)
		},
	}
}

func versionCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runVersion(stdout, flags.output)
		},
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// writeJSON prints v indented, leaving non-ASCII and HTML characters as is.
func writeJSON(w io.Writer, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
