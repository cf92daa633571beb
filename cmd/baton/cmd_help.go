package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/GoCodeAlone/baton/collab"
	"github.com/spf13/cobra"
)

// newHelpCmd replaces cobra's help command. Its subcommands manage help
// requests between agents; "baton help <command>" still shows usage.
func newHelpCmd(a *app, root *cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "help [command]",
		Short: "Ask other agents for help, or show usage for a command",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return root.Help()
			}
			target, _, err := root.Find(args)
			if err != nil || target == nil || target == root {
				return fmt.Errorf("unknown command %q", args[0])
			}
			return target.Help()
		},
	}
	cmd.AddCommand(
		newHelpRequestCmd(a),
		newHelpAcceptCmd(a),
		newHelpCompleteCmd(a),
		newHelpListCmd(a),
		newHelpMatchCmd(a),
	)
	return cmd
}

func newHelpRequestCmd(a *app) *cobra.Command {
	var body struct {
		HelpType string `json:"help_type,omitempty"`
		Urgency  string `json:"urgency,omitempty"`
		Context  string `json:"context,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "request <task-id>",
		Short: "Ask for help on a task you hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			var hr collab.HelpRequest
			if err := a.client().post(ctxOf(cmd), "/api/tasks/"+url.PathEscape(args[0])+"/help", body, &hr); err != nil {
				return fmt.Errorf("help request: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Help request %s opened (%s, %s)\n", hr.ID, hr.HelpType, hr.Urgency)
			return nil
		},
	}
	cmd.Flags().StringVar(&body.HelpType, "type", "", "kind of help, e.g. review or debugging")
	cmd.Flags().StringVar(&body.Urgency, "urgency", "", "low, normal, high or critical")
	cmd.Flags().StringVar(&body.Context, "context", "", "what the helper needs to know")
	return cmd
}

func newHelpAcceptCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <request-id>",
		Short: "Accept an open help request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			var hr collab.HelpRequest
			if err := a.client().post(ctxOf(cmd), "/api/help/"+url.PathEscape(args[0])+"/accept", nil, &hr); err != nil {
				return fmt.Errorf("help accept: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Helping on task %s\n", hr.TaskID)
			return nil
		},
	}
}

func newHelpCompleteCmd(a *app) *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "complete <request-id>",
		Short: "Close a help request you opened",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			var hr collab.HelpRequest
			body := map[string]string{"outcome": outcome}
			if err := a.client().post(ctxOf(cmd), "/api/help/"+url.PathEscape(args[0])+"/complete", body, &hr); err != nil {
				return fmt.Errorf("help complete: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Help request %s %s\n", hr.ID, a.theme.status(string(hr.Status)))
			return nil
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "what resolved it")
	return cmd
}

func newHelpListCmd(a *app) *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open help requests, or all requests for a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/help"
			if taskID != "" {
				path += "?task_id=" + url.QueryEscape(taskID)
			}
			var list []*collab.HelpRequest
			if err := a.client().get(ctxOf(cmd), path, &list); err != nil {
				return fmt.Errorf("help list: %w", err)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no help requests")
				return nil
			}
			rows := make([][]string, 0, len(list))
			for _, hr := range list {
				rows = append(rows, []string{
					hr.ID, hr.TaskID, hr.HelpType, hr.Urgency,
					a.theme.status(string(hr.Status)), orDash(hr.HelperSessionID),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), a.theme.table([]string{"id", "task", "type", "urgency", "status", "helper"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "show every request for this task")
	return cmd
}

func newHelpMatchCmd(a *app) *cobra.Command {
	var tags, exclude []string
	cmd := &cobra.Command{
		Use:   "match <description>",
		Short: "Suggest the online agent best suited to help",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"description": strings.Join(args, " "), "tags": tags, "exclude": exclude}
			var m collab.Match
			if err := a.client().post(ctxOf(cmd), "/api/agents/match", body, &m); err != nil {
				return fmt.Errorf("help match: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) score %d\n", m.Session.AgentName, m.Session.ID, m.Score)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "required capability, repeatable")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "session IDs to skip")
	return cmd
}
