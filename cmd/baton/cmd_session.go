package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/baton/broker"
	"github.com/GoCodeAlone/baton/session"
	"github.com/GoCodeAlone/baton/task"
	"github.com/spf13/cobra"
)

var errNoSession = errors.New("no session: run `baton checkin` and set --session or $BATON_SESSION")

// requireSession fails early for commands that act as a session.
func (a *app) requireSession() error {
	if a.session == "" {
		return errNoSession
	}
	return nil
}

func newCheckInCmd(a *app) *cobra.Command {
	var (
		name string
		caps []string
	)
	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Register an agent session",
		Long:  "Registers a new session and prints its ID. Export it as BATON_SESSION\nso later commands act as this session.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var s session.Session
			body := map[string]any{"agent_name": name, "capabilities": caps}
			if err := a.client().post(ctxOf(cmd), "/api/sessions", body, &s); err != nil {
				return fmt.Errorf("checkin: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checked in as %s\n", s.AgentName)
			fmt.Fprintf(out, "export BATON_SESSION=%s\n", s.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name (required)")
	cmd.Flags().StringSliceVar(&caps, "cap", nil, "capability tag, repeatable")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newHeartbeatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat",
		Short: "Refresh the session and extend its lock leases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			var s session.Session
			if err := a.client().post(ctxOf(cmd), "/api/sessions/heartbeat", nil, &s); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Heartbeat at %s\n", s.LastHeartbeat.Local().Format(time.RFC3339))
			return nil
		},
	}
}

func newCheckOutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checkout",
		Short: "End the session, returning claimed work to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			var resp struct {
				Requeued []*task.Task `json:"requeued"`
			}
			if err := a.client().delete(ctxOf(cmd), "/api/sessions", &resp); err != nil {
				return fmt.Errorf("checkout: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Checked out")
			for _, t := range resp.Requeued {
				fmt.Fprintf(out, "  requeued %s  %s\n", t.ID, t.Title)
			}
			return nil
		},
	}
}

func newSessionsCmd(a *app) *cobra.Command {
	var online bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List agent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/sessions"
			if online {
				path += "?online=true"
			}
			var list []*session.Session
			if err := a.client().get(ctxOf(cmd), path, &list); err != nil {
				return fmt.Errorf("sessions: %w", err)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return nil
			}
			now := time.Now()
			rows := make([][]string, 0, len(list))
			for _, s := range list {
				rows = append(rows, []string{
					s.ID,
					s.AgentName,
					a.theme.status(string(s.Status)),
					ago(now, s.LastHeartbeat),
					orDash(strings.Join(s.Capabilities, ",")),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), a.theme.table([]string{"id", "agent", "status", "heartbeat", "capabilities"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&online, "online", false, "only online sessions")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show broker status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Status  string         `json:"status"`
				Version string         `json:"version"`
				Broker  *broker.Status `json:"broker"`
			}
			if err := a.client().get(ctxOf(cmd), "/api/status", &resp); err != nil {
				return fmt.Errorf("status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:  %s\n", resp.Status)
			fmt.Fprintf(out, "version: %s\n", resp.Version)
			if resp.Broker == nil {
				return nil
			}
			fmt.Fprintf(out, "online sessions: %d\n", resp.Broker.OnlineSessions)
			fmt.Fprintf(out, "subscribers:     %d\n", resp.Broker.Subscribers)
			rows := make([][]string, 0, len(resp.Broker.Tasks))
			for _, st := range []task.Status{
				task.StatusQueued, task.StatusClaimed, task.StatusInProgress, task.StatusBlocked,
				task.StatusDone, task.StatusFailed, task.StatusCanceled,
			} {
				rows = append(rows, []string{heading(string(st)), fmt.Sprint(resp.Broker.Tasks[st])})
			}
			fmt.Fprint(out, a.theme.table([]string{"tasks", "count"}, rows))
			return nil
		},
	}
}
