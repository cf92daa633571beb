package claim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/diag"
	"github.com/GoCodeAlone/baton/lock"
	"github.com/GoCodeAlone/baton/session"
	"github.com/GoCodeAlone/baton/storage"
	"github.com/GoCodeAlone/baton/task"
)

type fixture struct {
	engine   *Engine
	tasks    *task.SQLiteStore
	locks    *lock.Manager
	sessions *session.Registry
	failures *diag.Recorder
	hub      *comms.Hub
	sub      *comms.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(storage.MemoryPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var n atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}

	tasks, err := task.NewSQLiteStore(db, task.WithClock(clock))
	if err != nil {
		t.Fatalf("task store: %v", err)
	}
	locks, err := lock.NewManager(db)
	if err != nil {
		t.Fatalf("lock manager: %v", err)
	}
	sessions, err := session.NewRegistry(db, locks)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	hub := comms.NewHub()
	failures, err := diag.NewRecorder(db, hub)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	f := &fixture{
		tasks:    tasks,
		locks:    locks,
		sessions: sessions,
		failures: failures,
		hub:      hub,
		sub:      hub.Subscribe(comms.SubscribeOptions{Buffer: 256}),
	}
	f.engine = NewEngine(tasks, locks,
		WithPublisher(hub), WithSessions(sessions), WithRecorder(failures), WithLease(time.Minute))
	return f
}

func (f *fixture) create(t *testing.T, tk *task.Task) string {
	t.Helper()
	id, err := f.tasks.Create(context.Background(), tk)
	if err != nil {
		t.Fatalf("Create %s: %v", tk.ID, err)
	}
	return id
}

func (f *fixture) events() []comms.Event {
	var out []comms.Event
	for {
		select {
		case ev := <-f.sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestClaimSpecific(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, &task.Task{ID: "T1", Title: "one"})

	got, err := f.engine.ClaimSpecific(ctx, "T1", "S1")
	if err != nil {
		t.Fatalf("ClaimSpecific: %v", err)
	}
	if got.Status != task.StatusClaimed || got.Assignee != "S1" {
		t.Errorf("task = %+v", got)
	}
	active, _ := f.locks.Active(ctx, "T1")
	if active == nil || active.SessionID != "S1" {
		t.Fatalf("active lock = %+v", active)
	}
	if lease := active.ExpiresAt.Sub(active.AcquiredAt); lease != time.Minute {
		t.Errorf("lease = %v, want 1m", lease)
	}

	evs := f.events()
	if len(evs) != 1 || evs[0].Kind != comms.KindTaskClaimed || evs[0].TaskID != "T1" {
		t.Errorf("events = %+v", evs)
	}

	_, err = f.engine.ClaimSpecific(ctx, "T1", "S2")
	var ac *AlreadyClaimedError
	if !errors.As(err, &ac) || ac.Holder != "S1" {
		t.Fatalf("second claim err = %v, want AlreadyClaimed by S1", err)
	}
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Error("errors.Is(err, ErrAlreadyClaimed) = false")
	}
}

func TestClaimSpecific_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.ClaimSpecific(ctx, "missing", "S1"); !errors.Is(err, task.ErrUnknownTask) {
		t.Errorf("missing: err = %v", err)
	}

	f.create(t, &task.Task{ID: "T0", Title: "dep"})
	f.create(t, &task.Task{ID: "T1", Title: "gated", DependsOn: []string{"T0"}})
	if _, err := f.engine.ClaimSpecific(ctx, "T1", "S1"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("gated: err = %v, want ErrInvalidTransition", err)
	}

	if _, err := f.engine.Cancel(ctx, "T0", "S1", "not needed"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := f.engine.ClaimSpecific(ctx, "T0", "S1"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("terminal: err = %v, want ErrInvalidTransition", err)
	}
}

// cancelingLocker writes the lock and then cancels the claimer's context, as
// when a client disconnects in the middle of a claim.
type cancelingLocker struct {
	*lock.Manager
	cancel context.CancelFunc
}

func (c *cancelingLocker) Acquire(ctx context.Context, taskID, sessionID string, typ lock.Type, ttl time.Duration) (*lock.Lock, error) {
	l, err := c.Manager.Acquire(ctx, taskID, sessionID, typ, ttl)
	c.cancel()
	return l, err
}

// failingLocker refuses every acquire.
type failingLocker struct{ *lock.Manager }

func (failingLocker) Acquire(context.Context, string, string, lock.Type, time.Duration) (*lock.Lock, error) {
	return nil, errors.New("disk full")
}

func TestClaimSpecific_CanceledMidClaimLeavesTaskClaimable(t *testing.T) {
	f := newFixture(t)
	f.create(t, &task.Task{ID: "T1", Title: "one"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := NewEngine(f.tasks, &cancelingLocker{Manager: f.locks, cancel: cancel}, WithLease(time.Minute))
	if _, err := engine.ClaimSpecific(ctx, "T1", "S1"); err == nil {
		t.Fatal("claim on a canceled context succeeded")
	}

	bg := context.Background()
	got, _ := f.tasks.Get(bg, "T1")
	if got.Status != task.StatusQueued || got.Assignee != "" {
		t.Errorf("T1 = %s/%q, want queued", got.Status, got.Assignee)
	}
	if active, _ := f.locks.Active(bg, "T1"); active != nil {
		t.Errorf("lock left behind: %+v", active)
	}
	if _, err := f.engine.ClaimSpecific(bg, "T1", "S2"); err != nil {
		t.Errorf("S2 claim: %v", err)
	}
}

func TestClaimSpecific_LockFailureKeepsTaskQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, &task.Task{ID: "T1", Title: "one"})

	engine := NewEngine(f.tasks, failingLocker{f.locks})
	if _, err := engine.ClaimSpecific(ctx, "T1", "S1"); err == nil {
		t.Fatal("claim without a lock succeeded")
	}
	got, _ := f.tasks.Get(ctx, "T1")
	if got.Status != task.StatusQueued || got.Version != 1 {
		t.Errorf("T1 = %s v%d, want untouched", got.Status, got.Version)
	}
}

func TestClaimSpecific_Concurrent(t *testing.T) {
	for round := 0; round < 10; round++ {
		f := newFixture(t)
		ctx := context.Background()
		f.create(t, &task.Task{ID: "T1", Title: "race"})

		sessions := []string{"S1", "S2", "S3", "S4"}
		var wg sync.WaitGroup
		results := make([]error, len(sessions))
		for i, s := range sessions {
			wg.Add(1)
			go func(i int, s string) {
				defer wg.Done()
				_, results[i] = f.engine.ClaimSpecific(ctx, "T1", s)
			}(i, s)
		}
		wg.Wait()

		winners := 0
		var winner string
		for i, err := range results {
			if err == nil {
				winners++
				winner = sessions[i]
			}
		}
		if winners != 1 {
			t.Fatalf("round %d: %d winners, want 1 (%v)", round, winners, results)
		}
		for i, err := range results {
			if err == nil {
				continue
			}
			var ac *AlreadyClaimedError
			if !errors.As(err, &ac) {
				t.Fatalf("round %d: loser %s err = %v, want AlreadyClaimed", round, sessions[i], err)
			}
			if ac.Holder != winner {
				t.Errorf("round %d: holder = %s, want %s", round, ac.Holder, winner)
			}
		}
		stored, _ := f.tasks.Get(ctx, "T1")
		if stored.Assignee != winner {
			t.Errorf("round %d: assignee = %s, want %s", round, stored.Assignee, winner)
		}
	}
}

func TestClaimNext_OrderAndGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, &task.Task{ID: "T0", Title: "base", Priority: task.PriorityLow})
	f.create(t, &task.Task{ID: "T1", Title: "gated", Priority: task.PriorityUrgent, DependsOn: []string{"T0"}})
	f.create(t, &task.Task{ID: "H1", Title: "high one", Priority: task.PriorityHigh})
	f.create(t, &task.Task{ID: "H2", Title: "high two", Priority: task.PriorityHigh})
	f.create(t, &task.Task{ID: "B1", Title: "batched", Priority: task.PriorityUrgent, Reserved: "bulk"})

	want := []string{"H1", "H2", "T0"}
	for _, id := range want {
		got, err := f.engine.ClaimNext(ctx, "S1", NextOptions{})
		if err != nil {
			t.Fatalf("ClaimNext (want %s): %v", id, err)
		}
		if got.ID != id {
			t.Fatalf("ClaimNext = %s, want %s", got.ID, id)
		}
	}
	if _, err := f.engine.ClaimNext(ctx, "S1", NextOptions{}); !errors.Is(err, ErrNoEligibleTask) {
		t.Fatalf("err = %v, want ErrNoEligibleTask while T1 is gated", err)
	}

	if _, err := f.engine.Complete(ctx, "T0", "S1", "ok"); err != nil {
		t.Fatalf("Complete T0: %v", err)
	}
	got, err := f.engine.ClaimNext(ctx, "S2", NextOptions{})
	if err != nil || got.ID != "T1" {
		t.Fatalf("after T0 done: got %v err %v, want T1", got, err)
	}

	got, err = f.engine.ClaimNext(ctx, "S2", NextOptions{IncludeBatched: true})
	if err != nil || got.ID != "B1" {
		t.Fatalf("IncludeBatched: got %v err %v, want B1", got, err)
	}
}

func TestClaimNext_PreferCapabilities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.sessions.CheckIn(ctx, "sql-agent", []string{"sql"})
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	f.create(t, &task.Task{ID: "A", Title: "frontend", Priority: task.PriorityHigh, Labels: []string{"css"}})
	f.create(t, &task.Task{ID: "B", Title: "migration", Priority: task.PriorityHigh, Labels: []string{"sql"}})
	f.create(t, &task.Task{ID: "C", Title: "urgent", Priority: task.PriorityUrgent})

	got, _ := f.engine.ClaimNext(ctx, s.ID, NextOptions{PreferCapabilities: true})
	if got.ID != "C" {
		t.Fatalf("first = %s, priority must still win", got.ID)
	}
	got, _ = f.engine.ClaimNext(ctx, s.ID, NextOptions{PreferCapabilities: true})
	if got.ID != "B" {
		t.Fatalf("second = %s, want capability match B", got.ID)
	}
}

func TestClaimNext_PreferCapabilitiesIgnoresCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.sessions.CheckIn(ctx, "db-agent", []string{"Postgres"})
	f.create(t, &task.Task{ID: "A", Title: "styles", Labels: []string{"css"}})
	f.create(t, &task.Task{ID: "B", Title: "index", Labels: []string{"POSTGRES"}})

	got, err := f.engine.ClaimNext(ctx, s.ID, NextOptions{PreferCapabilities: true})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got.ID != "B" {
		t.Errorf("claimed %s, want B", got.ID)
	}
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, &task.Task{ID: "T1", Title: "work"})

	if _, err := f.engine.ClaimSpecific(ctx, "T1", "S1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.engine.Start(ctx, "T1", "S2"); !errors.Is(err, task.ErrNotAuthorized) {
		t.Errorf("Start by non-holder err = %v, want ErrNotAuthorized", err)
	}
	if _, err := f.engine.Resume(ctx, "T1", "S1"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("Resume claimed err = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.engine.Start(ctx, "T1", "S1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b, err := f.engine.Block(ctx, "T1", "S1", "waiting on API key")
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if b.BlockedReason != "waiting on API key" {
		t.Errorf("BlockedReason = %q", b.BlockedReason)
	}
	r, err := f.engine.Resume(ctx, "T1", "S1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if r.BlockedReason != "" {
		t.Errorf("BlockedReason not cleared")
	}
	done, err := f.engine.Complete(ctx, "T1", "S1", "shipped")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != task.StatusDone || done.Result != "shipped" {
		t.Errorf("done = %+v", done)
	}
	if locks, _ := f.locks.List(ctx, "T1"); len(locks) != 0 {
		t.Errorf("locks after complete = %d", len(locks))
	}
	if _, err := f.engine.Fail(ctx, "T1", "S1", "late"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("Fail after done err = %v, want ErrInvalidTransition", err)
	}
}

func TestComplete_ReleasesHelperLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, &task.Task{ID: "T3", Title: "help me"})

	if _, err := f.engine.ClaimSpecific(ctx, "T3", "S1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.locks.Acquire(ctx, "T3", "S2", lock.TypeHelper, time.Minute); err != nil {
		t.Fatalf("helper: %v", err)
	}
	if _, err := f.engine.Complete(ctx, "T3", "S1", ""); err != nil {
		t.Fatalf("Complete from claimed: %v", err)
	}
	if _, err := f.locks.Get(ctx, "T3", "S2"); !errors.Is(err, lock.ErrNoLock) {
		t.Errorf("helper lock still present: %v", err)
	}
}

func TestFail_RecordsDiagnostic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, &task.Task{ID: "T1", Title: "flaky"})

	_, _ = f.engine.ClaimSpecific(ctx, "T1", "S1")
	failed, err := f.engine.Fail(ctx, "T1", "S1", "exit status 1")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != task.StatusFailed || failed.Error != "exit status 1" {
		t.Errorf("failed = %+v", failed)
	}
	recs, _ := f.failures.List(ctx, "T1", 0)
	if len(recs) != 1 || recs[0].Kind != diag.KindFailed || recs[0].SessionID != "S1" {
		t.Errorf("records = %+v", recs)
	}

	var sawFailure bool
	for _, ev := range f.events() {
		if ev.Kind == comms.KindDiagnosticFailure && ev.TaskID == "T1" {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("no diagnostic.failure event")
	}
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, &task.Task{ID: "T1", Title: "x"})

	_, _ = f.engine.ClaimSpecific(ctx, "T1", "S1")
	rel, err := f.engine.Release(ctx, "T1", "S1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if rel.Status != task.StatusQueued || rel.Assignee != "" {
		t.Errorf("released = %+v", rel)
	}
	if _, err := f.engine.ClaimSpecific(ctx, "T1", "S2"); err != nil {
		t.Errorf("reclaim after release: %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, &task.Task{ID: "T1", Title: "held"})
	f.create(t, &task.Task{ID: "T2", Title: "queued"})

	_, _ = f.engine.ClaimSpecific(ctx, "T1", "S1")
	if _, err := f.engine.Cancel(ctx, "T1", "S2", ""); !errors.Is(err, task.ErrNotAuthorized) {
		t.Errorf("non-holder cancel err = %v, want ErrNotAuthorized", err)
	}
	c, err := f.engine.Cancel(ctx, "T1", "S1", "obsolete")
	if err != nil {
		t.Fatalf("holder cancel: %v", err)
	}
	if c.Status != task.StatusCanceled {
		t.Errorf("status = %s", c.Status)
	}
	if _, err := f.engine.Cancel(ctx, "T2", "S9", ""); err != nil {
		t.Errorf("cancel queued: %v", err)
	}
	if _, err := f.engine.Cancel(ctx, "T2", "S9", ""); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("cancel terminal err = %v, want ErrInvalidTransition", err)
	}
}

func TestAbandon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, &task.Task{ID: "C", Title: "claimed"})
	f.create(t, &task.Task{ID: "P", Title: "in progress"})
	f.create(t, &task.Task{ID: "B", Title: "blocked"})

	for _, id := range []string{"C", "P", "B"} {
		if _, err := f.engine.ClaimSpecific(ctx, id, "S1"); err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
	}
	_, _ = f.engine.Start(ctx, "P", "S1")
	_, _ = f.engine.Start(ctx, "B", "S1")
	_, _ = f.engine.Block(ctx, "B", "S1", "external")

	requeued, err := f.engine.Abandon(ctx, "S1")
	if err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if len(requeued) != 2 {
		t.Errorf("requeued %d, want 2", len(requeued))
	}
	for _, id := range []string{"C", "P"} {
		tk, _ := f.tasks.Get(ctx, id)
		if tk.Status != task.StatusQueued || tk.Assignee != "" {
			t.Errorf("%s = %s/%s, want queued", id, tk.Status, tk.Assignee)
		}
	}
	b, _ := f.tasks.Get(ctx, "B")
	if b.Status != task.StatusBlocked {
		t.Errorf("B status = %s, want blocked", b.Status)
	}
	if left, _ := f.locks.ListBySession(ctx, "S1"); len(left) != 0 {
		t.Errorf("S1 still holds %d locks", len(left))
	}

	// The orphaned blocked task can be canceled by anyone.
	if _, err := f.engine.Cancel(ctx, "B", "S2", "abandoned"); err != nil {
		t.Errorf("cancel orphan: %v", err)
	}
}
