package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoCodeAlone/baton/collab"
	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/diag"
	"github.com/GoCodeAlone/baton/storage"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := storage.Open(storage.MemoryPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	c, err := NewCatalog(db)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func TestCatalog_ExactThenFullText(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	exact, err := c.Save(ctx, Solution{Signature: "failed:dial tcp <n>.<n>.<n>.<n>:<n>: connection refused", Summary: "start the database"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	fuzzy, _ := c.Save(ctx, Solution{Signature: "failed:connection refused by proxy", Summary: "check proxy settings"})
	_, _ = c.Save(ctx, Solution{Signature: "reclaimed:disk full", Summary: "free some space"})

	got, err := c.Lookup(ctx, "failed:dial tcp <n>.<n>.<n>.<n>:<n>: connection refused")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("Lookup returned %d solutions, want at least 2", len(got))
	}
	if got[0].ID != exact.ID {
		t.Errorf("first = %q, want exact match first", got[0].Summary)
	}
	found := false
	for _, s := range got {
		if s.ID == fuzzy.ID {
			found = true
		}
		if s.Summary == "free some space" {
			t.Errorf("unrelated solution returned")
		}
	}
	if !found {
		t.Error("full-text match missing")
	}
}

func TestCatalog_NoMatch(t *testing.T) {
	c := newTestCatalog(t)
	got, err := c.Lookup(context.Background(), "reclaimed")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d solutions from empty catalog", len(got))
	}
	if _, err := c.Save(context.Background(), Solution{Signature: "x"}); err == nil {
		t.Error("expected error for missing summary")
	}
}

func TestFTSQuery(t *testing.T) {
	cases := map[string]string{
		"failed:timeout after <n>s": `"failed" OR "timeout" OR "after"`,
		"reclaimed":                 `"reclaimed"`,
		"<id> <hex> <n>":            ``,
		"":                          ``,
	}
	for in, want := range cases {
		if got := ftsQuery(in); got != want {
			t.Errorf("ftsQuery(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestListener_SuggestsForFailures(t *testing.T) {
	hub := comms.NewHub()
	asked := make(chan string, 4)
	suggested := make(chan []Solution, 4)

	a := AssistantFunc(func(_ context.Context, sig string) ([]Solution, error) {
		asked <- sig
		if sig == "failed:boom" {
			return []Solution{{Summary: "defuse"}}, nil
		}
		return nil, errors.New("no idea")
	})
	l := NewListener(hub, a, OnSuggestion(func(_ *diag.FailureRecord, s []Solution) { suggested <- s }))

	ctx, cancel := context.WithCancel(context.Background())
	done := l.Start(ctx)

	hub.Publish(comms.Event{Kind: comms.KindTaskCreated, TaskID: "T0"})
	hub.Publish(comms.Event{Kind: comms.KindDiagnosticFailure, TaskID: "T1",
		Data: &diag.FailureRecord{TaskID: "T1", Signature: "failed:boom"}})
	hub.Publish(comms.Event{Kind: comms.KindDiagnosticFailure, TaskID: "T2",
		Data: diag.FailureRecord{TaskID: "T2", Signature: "failed:other"}})

	for _, want := range []string{"failed:boom", "failed:other"} {
		select {
		case got := <-asked:
			if got != want {
				t.Errorf("asked %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("assistant not asked about %s", want)
		}
	}
	select {
	case s := <-suggested:
		if len(s) != 1 || s[0].Summary != "defuse" {
			t.Errorf("suggested = %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no suggestion delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestNopAssistant(t *testing.T) {
	got, err := NopAssistant{}.Lookup(context.Background(), "anything")
	if got != nil || err != nil {
		t.Errorf("NopAssistant = %v, %v", got, err)
	}
}

func TestHarvester_FilesHelpOutcome(t *testing.T) {
	c := newTestCatalog(t)
	hub := comms.NewHub()
	rec, err := diag.NewRecorder(c.db, hub)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := NewHarvester(hub, rec, c, nil).Start(ctx)

	failure, err := rec.Record(ctx, diag.FailureRecord{TaskID: "T1", SessionID: "S1", ErrorMessage: "migration 42 failed", Kind: diag.KindFailed})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	// No outcome and no failure history are both ignored.
	hub.Publish(comms.Event{Kind: comms.KindHelpCompleted, TaskID: "T1", Data: &collab.HelpRequest{ID: "H0", TaskID: "T1"}})
	hub.Publish(comms.Event{Kind: comms.KindHelpCompleted, TaskID: "T9", Data: &collab.HelpRequest{ID: "H9", TaskID: "T9", Outcome: "n/a"}})
	hub.Publish(comms.Event{Kind: comms.KindHelpCompleted, TaskID: "T1",
		Data: &collab.HelpRequest{ID: "H1", TaskID: "T1", Outcome: "drop the stale lock table", Context: "schema drift"}})

	deadline := time.Now().Add(2 * time.Second)
	var got []Solution
	for time.Now().Before(deadline) {
		if got, _ = c.Lookup(ctx, failure.Signature); len(got) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 1 || got[0].Summary != "drop the stale lock table" || got[0].Source != "help:H1" {
		t.Fatalf("catalog = %+v", got)
	}

	cancel()
	<-done
}
