package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/GoCodeAlone/baton/broker"
	"github.com/GoCodeAlone/baton/collab"
	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/handoff"
	"github.com/GoCodeAlone/baton/lock"
	"github.com/GoCodeAlone/baton/server/api"
	"github.com/GoCodeAlone/baton/session"
	"github.com/GoCodeAlone/baton/storage"
	"github.com/GoCodeAlone/baton/task"
)

// --- Test helpers ---

func newHandlers(t *testing.T) (*api.Handlers, *http.ServeMux) {
	t.Helper()
	db, err := storage.Open(storage.MemoryPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := broker.New(db, comms.NewHub(), broker.WithLogger(logger))
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	mux := http.NewServeMux()
	h := &api.Handlers{Broker: b, Logger: logger, Version: "test"}
	h.RegisterRoutes(mux)
	return h, mux
}

func do(t *testing.T, mux *http.ServeMux, method, path, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(api.SessionHeader, sessionID)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func expect(t *testing.T, rr *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rr.Code != code {
		t.Fatalf("expected %d, got %d: %s", code, rr.Code, rr.Body.String())
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Holder string `json:"holder"`
}

func checkIn(t *testing.T, mux *http.ServeMux, name string) string {
	t.Helper()
	rr := do(t, mux, http.MethodPost, "/api/sessions", "", `{"agent_name":"`+name+`","capabilities":["go"]}`)
	expect(t, rr, http.StatusCreated)
	return decodeBody[session.Session](t, rr).ID
}

// --- Tests ---

func TestCheckInAndList(t *testing.T) {
	_, mux := newHandlers(t)

	rr := do(t, mux, http.MethodGet, "/api/sessions", "", "")
	expect(t, rr, http.StatusOK)
	if got := decodeBody[[]session.Session](t, rr); got == nil {
		t.Error("expected empty array, not null")
	}

	id := checkIn(t, mux, "alpha")
	rr = do(t, mux, http.MethodPost, "/api/sessions/heartbeat", id, "")
	expect(t, rr, http.StatusOK)

	rr = do(t, mux, http.MethodGet, "/api/sessions?online=true", "", "")
	expect(t, rr, http.StatusOK)
	if got := decodeBody[[]session.Session](t, rr); len(got) != 1 || got[0].ID != id {
		t.Errorf("sessions = %+v", got)
	}

	rr = do(t, mux, http.MethodPost, "/api/sessions", "", `{}`)
	expect(t, rr, http.StatusBadRequest)
}

func TestUnknownSessionIs401(t *testing.T) {
	_, mux := newHandlers(t)
	rr := do(t, mux, http.MethodPost, "/api/tasks", "ghost", `{"title":"x"}`)
	expect(t, rr, http.StatusUnauthorized)
	if b := decodeBody[errorBody](t, rr); b.Code != "unknown_session" {
		t.Errorf("code = %q", b.Code)
	}
}

func TestCreateAndListTasks(t *testing.T) {
	_, mux := newHandlers(t)
	s1 := checkIn(t, mux, "alpha")

	rr := do(t, mux, http.MethodPost, "/api/tasks", s1, `{"id":"T1","title":"Test task","priority":"high","labels":["go"]}`)
	expect(t, rr, http.StatusCreated)
	created := decodeBody[task.Task](t, rr)
	if created.ID != "T1" || created.Status != task.StatusQueued || created.Version != 1 {
		t.Errorf("created = %+v", created)
	}

	rr = do(t, mux, http.MethodPost, "/api/tasks", s1, `{"id":"T1","title":"again"}`)
	expect(t, rr, http.StatusConflict)
	rr = do(t, mux, http.MethodPost, "/api/tasks", s1, `{"title":""}`)
	expect(t, rr, http.StatusBadRequest)

	rr = do(t, mux, http.MethodGet, "/api/tasks?status=queued&label=go", "", "")
	expect(t, rr, http.StatusOK)
	if tasks := decodeBody[[]task.Task](t, rr); len(tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(tasks))
	}

	rr = do(t, mux, http.MethodGet, "/api/tasks/missing", "", "")
	expect(t, rr, http.StatusNotFound)
}

func TestClaimConflictNamesHolder(t *testing.T) {
	_, mux := newHandlers(t)
	s1 := checkIn(t, mux, "alpha")
	s2 := checkIn(t, mux, "beta")
	expect(t, do(t, mux, http.MethodPost, "/api/tasks", s1, `{"id":"T1","title":"x"}`), http.StatusCreated)

	expect(t, do(t, mux, http.MethodPost, "/api/tasks/T1/claim", s1, ""), http.StatusOK)
	rr := do(t, mux, http.MethodPost, "/api/tasks/T1/claim", s2, "")
	expect(t, rr, http.StatusConflict)
	b := decodeBody[errorBody](t, rr)
	if b.Code != "already_claimed" || b.Holder != s1 {
		t.Errorf("body = %+v, want already_claimed by %s", b, s1)
	}

	rr = do(t, mux, http.MethodPost, "/api/tasks/T1/start", s2, "")
	expect(t, rr, http.StatusForbidden)
}

func TestClaimNextAndLifecycle(t *testing.T) {
	_, mux := newHandlers(t)
	s1 := checkIn(t, mux, "alpha")

	rr := do(t, mux, http.MethodPost, "/api/tasks/claim-next", s1, "")
	expect(t, rr, http.StatusNotFound)
	if b := decodeBody[errorBody](t, rr); b.Code != "no_eligible_task" {
		t.Errorf("code = %q", b.Code)
	}

	expect(t, do(t, mux, http.MethodPost, "/api/tasks", s1, `{"id":"T1","title":"x","reserved":"batch"}`), http.StatusCreated)
	expect(t, do(t, mux, http.MethodPost, "/api/tasks/claim-next", s1, ""), http.StatusNotFound)

	rr = do(t, mux, http.MethodPost, "/api/tasks/claim-next?include_batched=true", s1, "")
	expect(t, rr, http.StatusOK)
	if got := decodeBody[task.Task](t, rr); got.ID != "T1" || got.Assignee != s1 {
		t.Errorf("claimed = %+v", got)
	}

	expect(t, do(t, mux, http.MethodPost, "/api/tasks/T1/start", s1, ""), http.StatusOK)
	rr = do(t, mux, http.MethodPost, "/api/tasks/T1/block", s1, `{"reason":"waiting on review"}`)
	expect(t, rr, http.StatusOK)
	if got := decodeBody[task.Task](t, rr); got.BlockedReason != "waiting on review" {
		t.Errorf("blocked = %+v", got)
	}
	expect(t, do(t, mux, http.MethodPost, "/api/tasks/T1/resume", s1, ""), http.StatusOK)

	rr = do(t, mux, http.MethodPost, "/api/tasks/T1/complete", s1, `{"result":"shipped"}`)
	expect(t, rr, http.StatusOK)
	if got := decodeBody[task.Task](t, rr); got.Status != task.StatusDone || got.Result != "shipped" {
		t.Errorf("completed = %+v", got)
	}

	rr = do(t, mux, http.MethodPost, "/api/tasks/T1/start", s1, "")
	expect(t, rr, http.StatusUnprocessableEntity)
	expect(t, do(t, mux, http.MethodPost, "/api/tasks/T1/explode", s1, ""), http.StatusNotFound)
}

func TestFailRecordsDiagnostic(t *testing.T) {
	_, mux := newHandlers(t)
	s1 := checkIn(t, mux, "alpha")
	expect(t, do(t, mux, http.MethodPost, "/api/tasks", s1, `{"id":"T1","title":"x"}`), http.StatusCreated)
	expect(t, do(t, mux, http.MethodPost, "/api/tasks/T1/claim", s1, ""), http.StatusOK)
	expect(t, do(t, mux, http.MethodPost, "/api/tasks/T1/fail", s1, `{"reason":"exit status 2"}`), http.StatusOK)

	rr := do(t, mux, http.MethodGet, "/api/failures?task_id=T1", "", "")
	expect(t, rr, http.StatusOK)
	var recs []map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0]["error_message"] != "exit status 2" {
		t.Errorf("failures = %+v", recs)
	}
}

func TestHelpFlow(t *testing.T) {
	_, mux := newHandlers(t)
	s1 := checkIn(t, mux, "alpha")
	s2 := checkIn(t, mux, "beta")
	expect(t, do(t, mux, http.MethodPost, "/api/tasks", s1, `{"id":"T3","title":"x"}`), http.StatusCreated)
	expect(t, do(t, mux, http.MethodPost, "/api/tasks/T3/claim", s1, ""), http.StatusOK)

	rr := do(t, mux, http.MethodPost, "/api/tasks/T3/help", s2, `{"help_type":"review"}`)
	expect(t, rr, http.StatusForbidden)

	rr = do(t, mux, http.MethodPost, "/api/tasks/T3/help", s1, `{"help_type":"review","urgency":"high"}`)
	expect(t, rr, http.StatusCreated)
	req := decodeBody[collab.HelpRequest](t, rr)

	rr = do(t, mux, http.MethodGet, "/api/help", "", "")
	expect(t, rr, http.StatusOK)
	if open := decodeBody[[]collab.HelpRequest](t, rr); len(open) != 1 {
		t.Errorf("open = %d, want 1", len(open))
	}

	expect(t, do(t, mux, http.MethodPost, "/api/help/"+req.ID+"/accept", s2, ""), http.StatusOK)
	rr = do(t, mux, http.MethodPost, "/api/help/"+req.ID+"/accept", s2, "")
	expect(t, rr, http.StatusUnprocessableEntity)

	rr = do(t, mux, http.MethodGet, "/api/tasks/T3/locks", "", "")
	expect(t, rr, http.StatusOK)
	if locks := decodeBody[[]lock.Lock](t, rr); len(locks) != 2 {
		t.Errorf("locks = %+v", locks)
	}

	expect(t, do(t, mux, http.MethodPost, "/api/help/"+req.ID+"/complete", s2, `{"outcome":"x"}`), http.StatusForbidden)
	expect(t, do(t, mux, http.MethodPost, "/api/help/"+req.ID+"/complete", s1, `{"outcome":"thanks"}`), http.StatusOK)
	expect(t, do(t, mux, http.MethodGet, "/api/help/missing", "", ""), http.StatusNotFound)

	rr = do(t, mux, http.MethodPost, "/api/agents/match", "", `{"description":"go refactor","exclude":["`+s1+`"]}`)
	expect(t, rr, http.StatusOK)
	if m := decodeBody[collab.Match](t, rr); m.Session == nil || m.Session.ID != s2 {
		t.Errorf("match = %+v", m)
	}
}

func TestHandoffFlow(t *testing.T) {
	_, mux := newHandlers(t)
	s1 := checkIn(t, mux, "alpha")
	s2 := checkIn(t, mux, "beta")
	expect(t, do(t, mux, http.MethodPost, "/api/tasks", s1, `{"id":"T1","title":"x"}`), http.StatusCreated)
	expect(t, do(t, mux, http.MethodPost, "/api/tasks/T1/claim", s1, ""), http.StatusOK)

	expect(t, do(t, mux, http.MethodGet, "/api/tasks/T1/handoff", s2, ""), http.StatusNotFound)

	rr := do(t, mux, http.MethodPost, "/api/tasks/T1/handoff", s1, `{"to_session":"`+s2+`","payload":{"branch":"feat/x"}}`)
	expect(t, rr, http.StatusAccepted)
	if got := decodeBody[map[string]bool](t, rr); got["delivered"] {
		t.Error("delivered without a stream connection")
	}

	rr = do(t, mux, http.MethodGet, "/api/tasks/T1/handoff", s2, "")
	expect(t, rr, http.StatusOK)
	obj := decodeBody[handoff.Object](t, rr)
	if string(obj.Payload) != `{"branch":"feat/x"}` || obj.Reads != 1 {
		t.Errorf("handoff = %+v (%s)", obj, obj.Payload)
	}
	expect(t, do(t, mux, http.MethodGet, "/api/tasks/T1/handoff", s1, ""), http.StatusForbidden)
}

func TestCheckOut(t *testing.T) {
	_, mux := newHandlers(t)
	s1 := checkIn(t, mux, "alpha")
	expect(t, do(t, mux, http.MethodPost, "/api/tasks", s1, `{"id":"T1","title":"x"}`), http.StatusCreated)
	expect(t, do(t, mux, http.MethodPost, "/api/tasks/T1/claim", s1, ""), http.StatusOK)

	rr := do(t, mux, http.MethodDelete, "/api/sessions", s1, "")
	expect(t, rr, http.StatusOK)
	got := decodeBody[map[string][]task.Task](t, rr)
	if len(got["requeued"]) != 1 || got["requeued"][0].Status != task.StatusQueued {
		t.Errorf("requeued = %+v", got)
	}
	expect(t, do(t, mux, http.MethodPost, "/api/sessions/heartbeat", s1, ""), http.StatusUnauthorized)
}

func TestStatusEndpoint(t *testing.T) {
	_, mux := newHandlers(t)
	rr := do(t, mux, http.MethodGet, "/api/status", "", "")
	expect(t, rr, http.StatusOK)
	resp := decodeBody[map[string]any](t, rr)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("status = %+v", resp)
	}

	rr = do(t, mux, http.MethodGet, "/api/version", "", "")
	expect(t, rr, http.StatusOK)
	if v := decodeBody[map[string]string](t, rr); v["version"] != "test" {
		t.Errorf("version = %+v", v)
	}
}
