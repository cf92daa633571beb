package main

import (
	"fmt"
	"net/url"

	"github.com/GoCodeAlone/baton/diag"
	"github.com/GoCodeAlone/baton/task"
	"github.com/spf13/cobra"
)

func newTasksCmd(a *app) *cobra.Command {
	var status, assignee, label string
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if assignee != "" {
				q.Set("assignee", assignee)
			}
			if label != "" {
				q.Set("label", label)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			path := "/api/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var tasks []*task.Task
			if err := a.client().get(ctxOf(cmd), path, &tasks); err != nil {
				return fmt.Errorf("tasks: %w", err)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tasks")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), tasksTable(a.theme, tasks))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma-separated statuses")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee session ID")
	cmd.Flags().StringVar(&label, "label", "", "label")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum tasks")
	return cmd
}

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and move a task",
	}
	cmd.AddCommand(
		newTaskCreateCmd(a),
		newTaskShowCmd(a),
		newTaskClaimCmd(a),
		newTaskNextCmd(a),
	)
	for _, t := range []struct {
		action, short, textFlag, textUsage string
	}{
		{"start", "Begin work on a claimed task", "", ""},
		{"block", "Mark the task blocked", "reason", "why the task is blocked"},
		{"resume", "Resume a blocked task", "", ""},
		{"complete", "Mark the task done", "result", "result summary"},
		{"fail", "Mark the task failed", "reason", "error message"},
		{"release", "Return the task to the queue", "", ""},
		{"cancel", "Cancel the task", "reason", "cancellation reason"},
	} {
		cmd.AddCommand(newTransitionCmd(a, t.action, t.short, t.textFlag, t.textUsage))
	}
	return cmd
}

func newTaskCreateCmd(a *app) *cobra.Command {
	var body struct {
		ID          string   `json:"id,omitempty"`
		Title       string   `json:"title"`
		Description string   `json:"description,omitempty"`
		Priority    string   `json:"priority,omitempty"`
		DependsOn   []string `json:"depends_on,omitempty"`
		Labels      []string `json:"labels,omitempty"`
		Reserved    string   `json:"reserved,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			body.Title = args[0]
			var t task.Task
			if err := a.client().post(ctxOf(cmd), "/api/tasks", body, &t); err != nil {
				return fmt.Errorf("task create: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created task %s\n", t.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&body.ID, "id", "", "task ID (generated when empty)")
	f.StringVar(&body.Description, "description", "", "description")
	f.StringVar(&body.Priority, "priority", "", "low, medium, high or urgent")
	f.StringSliceVar(&body.DependsOn, "depends-on", nil, "task IDs that must be done first")
	f.StringSliceVar(&body.Labels, "label", nil, "label, repeatable")
	f.StringVar(&body.Reserved, "reserved", "", "external channel the task is delegated to")
	return cmd
}

func newTaskShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := a.client().get(ctxOf(cmd), "/api/tasks/"+url.PathEscape(args[0]), &t); err != nil {
				return fmt.Errorf("task show: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), taskDetail(a.theme, &t))
			return nil
		},
	}
}

func newTaskClaimCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a specific task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			var t task.Task
			if err := a.client().post(ctxOf(cmd), "/api/tasks/"+url.PathEscape(args[0])+"/claim", nil, &t); err != nil {
				return fmt.Errorf("task claim: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Claimed %s: %s\n", t.ID, t.Title)
			return nil
		},
	}
}

func newTaskNextCmd(a *app) *cobra.Command {
	var opts struct {
		IncludeBatched     bool `json:"include_batched"`
		PreferCapabilities bool `json:"prefer_capabilities"`
	}
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim the highest-priority eligible task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			var t task.Task
			if err := a.client().post(ctxOf(cmd), "/api/tasks/claim-next", opts, &t); err != nil {
				return fmt.Errorf("task next: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Claimed %s: %s\n", t.ID, t.Title)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.IncludeBatched, "include-batched", false, "also consider reserved tasks")
	cmd.Flags().BoolVar(&opts.PreferCapabilities, "prefer-capabilities", false, "prefer tasks labelled with this session's capabilities")
	return cmd
}

// newTransitionCmd builds "task <action> <id>". textFlag, when set, names the
// optional free-text flag the action carries.
func newTransitionCmd(a *app, action, short, textFlag, textUsage string) *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			body := map[string]string{}
			if textFlag != "" && text != "" {
				body[textFlag] = text
			}
			var t task.Task
			path := "/api/tasks/" + url.PathEscape(args[0]) + "/" + action
			if err := a.client().post(ctxOf(cmd), path, body, &t); err != nil {
				return fmt.Errorf("task %s: %w", action, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", t.ID, a.theme.status(string(t.Status)))
			return nil
		},
	}
	if textFlag != "" {
		cmd.Flags().StringVar(&text, textFlag, "", textUsage)
	}
	return cmd
}

func newFailuresCmd(a *app) *cobra.Command {
	var taskID string
	var limit int
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List recorded task failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{"limit": {fmt.Sprint(limit)}}
			if taskID != "" {
				q.Set("task_id", taskID)
			}
			var recs []*diag.FailureRecord
			if err := a.client().get(ctxOf(cmd), "/api/failures?"+q.Encode(), &recs); err != nil {
				return fmt.Errorf("failures: %w", err)
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no failures")
				return nil
			}
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				rows = append(rows, []string{r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.TaskID, string(r.Kind), r.ErrorMessage})
			}
			fmt.Fprint(cmd.OutOrStdout(), a.theme.table([]string{"time", "task", "kind", "error"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "only this task")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records")
	return cmd
}
