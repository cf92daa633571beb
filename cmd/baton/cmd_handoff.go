package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/GoCodeAlone/baton/handoff"
	"github.com/spf13/cobra"
)

// readPayload accepts inline JSON or @path to a JSON file.
func readPayload(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return data, nil
}

func newHandoffCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Pass working context for a task to another session",
	}
	cmd.AddCommand(newHandoffSendCmd(a), newHandoffGetCmd(a))
	return cmd
}

func newHandoffSendCmd(a *app) *cobra.Command {
	var to, payload string
	cmd := &cobra.Command{
		Use:   "send <task-id>",
		Short: "Relay a handoff object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			raw, err := readPayload(payload)
			if err != nil {
				return err
			}
			body := map[string]any{"to_session": to}
			if raw != nil {
				body["payload"] = raw
			}
			var resp struct {
				Delivered bool `json:"delivered"`
			}
			if err := a.client().post(ctxOf(cmd), "/api/tasks/"+url.PathEscape(args[0])+"/handoff", body, &resp); err != nil {
				return fmt.Errorf("handoff send: %w", err)
			}
			if resp.Delivered {
				fmt.Fprintf(cmd.OutOrStdout(), "Handoff delivered to %s\n", to)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Handoff stored; the recipient will read it on demand")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient session ID")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload, or @file")
	return cmd
}

func newHandoffGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Read the handoff left for you",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			var obj handoff.Object
			if err := a.client().get(ctxOf(cmd), "/api/tasks/"+url.PathEscape(args[0])+"/handoff", &obj); err != nil {
				return fmt.Errorf("handoff get: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "From %s (read %d", obj.FromSession, obj.Reads)
			if obj.Archived {
				fmt.Fprint(out, ", archived")
			}
			fmt.Fprintln(out, ")")
			var pretty any
			if err := json.Unmarshal(obj.Payload, &pretty); err == nil {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(pretty)
			}
			fmt.Fprintln(out, string(obj.Payload))
			return nil
		},
	}
}
