package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/GoCodeAlone/baton/comms"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		kinds     []string
		heartbeat time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream broker events",
		Long: "Streams events over the broker's WebSocket. With --session, targeted\n" +
			"handoffs arrive too, and --heartbeat keeps the session alive over the stream.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.watch(ctxOf(cmd), cmd.OutOrStdout(), kinds, heartbeat)
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "event kind to show, repeatable (default all)")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 0, "send a session heartbeat at this interval")
	return cmd
}

// watch prints events until ctx is canceled or the server closes the stream.
func (a *app) watch(ctx context.Context, out io.Writer, kinds []string, heartbeat time.Duration) error {
	c := a.client()
	q := url.Values{}
	if c.Session != "" {
		q.Set("session", c.Session)
	}
	for _, k := range kinds {
		q.Add("kind", k)
	}
	target := c.wsURL("/ws")
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("watch: server returned %d", resp.StatusCode)
		}
		return fmt.Errorf("watch: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	if heartbeat > 0 && c.Session != "" {
		go func() {
			ticker := time.NewTicker(heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := conn.WriteJSON(map[string]string{"type": "heartbeat"}); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		var ev comms.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		}
		fmt.Fprintln(out, a.formatEvent(ev))
	}
}

func (a *app) formatEvent(ev comms.Event) string {
	line := fmt.Sprintf("%s #%d %s", ev.Timestamp.Local().Format("15:04:05"), ev.Seq, a.theme.Header.Render(string(ev.Kind)))
	if ev.TaskID != "" {
		line += " task=" + ev.TaskID
	}
	if ev.SessionID != "" {
		line += " session=" + ev.SessionID
	}
	return line
}
