// Package ws streams broker events to observers over Server-Sent Events and
// WebSocket. Each connection holds its own hub subscription; nothing is
// replayed on reconnect.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/GoCodeAlone/baton/comms"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	bufferSize = 128
)

// Subscriber opens hub subscriptions.
type Subscriber interface {
	Subscribe(opts comms.SubscribeOptions) *comms.Subscription
}

// Heartbeater refreshes a session. WebSocket clients may heartbeat over the
// stream instead of the HTTP API.
type Heartbeater interface {
	Heartbeat(ctx context.Context, sessionID string) error
}

// HeartbeatFunc adapts a function to Heartbeater.
type HeartbeatFunc func(ctx context.Context, sessionID string) error

func (f HeartbeatFunc) Heartbeat(ctx context.Context, sessionID string) error { return f(ctx, sessionID) }

// Streamer serves event streams.
type Streamer struct {
	hub      Subscriber
	beats    Heartbeater
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewStreamer creates a Streamer over hub. beats may be nil.
func NewStreamer(hub Subscriber, beats Heartbeater, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		hub:    hub,
		beats:  beats,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Streamer) subscribe(r *http.Request) *comms.Subscription {
	opts := comms.SubscribeOptions{SessionID: r.URL.Query().Get("session"), Buffer: bufferSize}
	for _, k := range r.URL.Query()["kind"] {
		opts.Kinds = append(opts.Kinds, comms.Kind(k))
	}
	return s.hub.Subscribe(opts)
}

// ServeSSE streams events as text/event-stream. The optional "session" query
// parameter enables targeted events; repeated "kind" parameters filter.
func (s *Streamer) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	sub := s.subscribe(r)
	defer sub.Close()

	fmt.Fprint(w, "event: connected\ndata: {}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				s.logger.Warn("sse subscriber dropped", slog.String("session", sub.SessionID()))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("sse marshal", slog.Any("err", err))
				continue
			}
			// encoding/json never emits raw newlines, so one data line suffices.
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data) //nolint:errcheck
			flusher.Flush()
		}
	}
}

// clientMessage is what a WebSocket client may send.
type clientMessage struct {
	Type string `json:"type"` // "heartbeat"
}

// ServeWS upgrades to a WebSocket and writes each event as a JSON text frame.
func (s *Streamer) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", slog.Any("err", err))
		return
	}
	sub := s.subscribe(r)
	ctx, cancel := context.WithCancel(r.Context())

	go s.readPump(ctx, cancel, conn, sub.SessionID())
	s.writePump(ctx, conn, sub)
	cancel()
	sub.Close()
	_ = conn.Close()
}

func (s *Streamer) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read", slog.String("session", sessionID), slog.Any("err", err))
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "heartbeat" && sessionID != "" && s.beats != nil {
			if err := s.beats.Heartbeat(ctx, sessionID); err != nil {
				s.logger.Warn("stream heartbeat", slog.String("session", sessionID), slog.Any("err", err))
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

func (s *Streamer) writePump(ctx context.Context, conn *websocket.Conn, sub *comms.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
