package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/GoCodeAlone/baton/internal/version"
	"github.com/GoCodeAlone/baton/update"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:9090"

// app carries the global flags into every subcommand.
type app struct {
	server  string
	session string
	token   string
	timeout time.Duration
	noColor bool
	theme   Theme
}

func (a *app) client() *Client {
	return &Client{
		BaseURL:    strings.TrimRight(a.server, "/"),
		Token:      a.token,
		Session:    a.session,
		HTTPClient: &http.Client{Timeout: a.timeout},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// newRootCmd creates the root baton command with all subcommands attached.
func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "baton",
		Short:         "Baton multi-agent task broker client",
		Long:          "baton talks to a batond broker: check in as an agent session,\nclaim and move tasks, ask for help and hand work over.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.theme = newTheme(!a.noColor && colorEnabled(os.Stdout))
		},
	}
	cmd.SetVersionTemplate("baton {{.Version}}\n")

	f := cmd.PersistentFlags()
	f.StringVar(&a.server, "server", envOr("BATON_SERVER", defaultServer), "broker URL (or $BATON_SERVER)")
	f.StringVar(&a.session, "session", os.Getenv("BATON_SESSION"), "session ID from checkin (or $BATON_SESSION)")
	f.StringVar(&a.token, "token", os.Getenv("BATON_TOKEN"), "JWT auth token (or $BATON_TOKEN)")
	f.DurationVar(&a.timeout, "timeout", 15*time.Second, "HTTP request timeout")
	f.BoolVar(&a.noColor, "no-color", false, "disable coloured output")

	cmd.AddCommand(
		newCheckInCmd(a),
		newHeartbeatCmd(a),
		newCheckOutCmd(a),
		newSessionsCmd(a),
		newStatusCmd(a),
		newTasksCmd(a),
		newTaskCmd(a),
		newHandoffCmd(a),
		newFailuresCmd(a),
		newWatchCmd(a),
		newVersionCmd(),
		newUpdateCmd(),
	)
	cmd.SetHelpCommand(newHelpCmd(a, cmd))
	return cmd
}

func newVersionCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "baton %s\n", version.String())
			if !check {
				return nil
			}
			rel, err := update.NewChecker(version.Version).Latest(ctxOf(cmd))
			if err != nil {
				return fmt.Errorf("check for update: %w", err)
			}
			if rel == nil {
				fmt.Fprintln(out, "up to date")
			} else {
				fmt.Fprintf(out, "%s available, run `baton update`\n", rel.Version)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "check GitHub for a newer release")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Replace this binary with the latest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := update.NewChecker(version.Version)
			rel, err := c.Latest(ctxOf(cmd))
			if err != nil {
				return fmt.Errorf("update: %w", err)
			}
			if rel == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "already up to date")
				return nil
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			if err := c.Install(ctxOf(cmd), rel, exe); err != nil {
				return fmt.Errorf("update: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated to %s\n", rel.Version)
			return nil
		},
	}
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
