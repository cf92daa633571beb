package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/baton/comms"
	"github.com/gorilla/websocket"
)

func waitForSubscribers(t *testing.T, hub *comms.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", hub.Subscribers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeSSE(t *testing.T) {
	hub := comms.NewHub()
	s := NewStreamer(hub, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(s.ServeSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?session=S1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func() string {
		select {
		case l := <-lines:
			return l
		case <-time.After(2 * time.Second):
			t.Fatal("timed out reading stream")
			return ""
		}
	}
	if l := next(); l != "event: connected" {
		t.Fatalf("first line = %q", l)
	}
	_ = next() // data: {}
	_ = next() // blank

	hub.Publish(comms.Event{Kind: comms.KindTaskCreated, TaskID: "T1"})
	hub.Send("S1", comms.Event{Kind: comms.KindHandoffDelivered, TaskID: "T1"})

	for _, kind := range []comms.Kind{comms.KindTaskCreated, comms.KindHandoffDelivered} {
		if l := next(); !strings.HasPrefix(l, "id: ") {
			t.Fatalf("expected id line, got %q", l)
		}
		if l := next(); l != "event: "+string(kind) {
			t.Fatalf("event line = %q, want %s", l, kind)
		}
		data := strings.TrimPrefix(next(), "data: ")
		var ev comms.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		if ev.Kind != kind || ev.TaskID != "T1" {
			t.Errorf("event = %+v", ev)
		}
		_ = next()
	}
}

func TestServeWS(t *testing.T) {
	hub := comms.NewHub()
	beats := make(chan string, 1)
	s := NewStreamer(hub, HeartbeatFunc(func(_ context.Context, id string) error {
		beats <- id
		return nil
	}), nil)
	srv := httptest.NewServer(http.HandlerFunc(s.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?session=S1&kind=task.claimed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	waitForSubscribers(t, hub, 1)

	hub.Publish(comms.Event{Kind: comms.KindTaskCreated, TaskID: "T0"})
	hub.Publish(comms.Event{Kind: comms.KindTaskClaimed, TaskID: "T1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev comms.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Kind != comms.KindTaskClaimed || ev.TaskID != "T1" {
		t.Errorf("event = %+v, want filtered task.claimed", ev)
	}

	if err := conn.WriteJSON(map[string]string{"type": "heartbeat"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	select {
	case id := <-beats:
		if id != "S1" {
			t.Errorf("heartbeat for %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat not forwarded")
	}

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := hub.Subscribers(); n != 0 {
		t.Errorf("subscription leaked: %d", n)
	}
}
