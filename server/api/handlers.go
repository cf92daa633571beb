// Package api implements the JSON HTTP API over the broker.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/baton/broker"
	"github.com/GoCodeAlone/baton/claim"
	"github.com/GoCodeAlone/baton/collab"
	"github.com/GoCodeAlone/baton/diag"
	"github.com/GoCodeAlone/baton/handoff"
	"github.com/GoCodeAlone/baton/lock"
	"github.com/GoCodeAlone/baton/session"
	"github.com/GoCodeAlone/baton/task"
)

// SessionHeader carries the calling session's ID.
const SessionHeader = "X-Baton-Session"

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Broker  *broker.Broker
	Logger  *slog.Logger
	Version string
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.checkIn)
	mux.HandleFunc("POST /api/sessions/heartbeat", h.heartbeat)
	mux.HandleFunc("DELETE /api/sessions", h.checkOut)
	mux.HandleFunc("GET /api/sessions", h.listSessions)

	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("POST /api/tasks/claim-next", h.claimNext)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/claim", h.claimSpecific)
	mux.HandleFunc("POST /api/tasks/{id}/{action}", h.transition)
	mux.HandleFunc("GET /api/tasks/{id}/locks", h.listLocks)
	mux.HandleFunc("POST /api/tasks/{id}/help", h.requestHelp)
	mux.HandleFunc("POST /api/tasks/{id}/handoff", h.relayHandoff)
	mux.HandleFunc("GET /api/tasks/{id}/handoff", h.getHandoff)
	mux.HandleFunc("GET /api/tasks/{id}/handoff/history", h.handoffHistory)

	mux.HandleFunc("GET /api/help", h.listHelp)
	mux.HandleFunc("GET /api/help/{id}", h.getHelp)
	mux.HandleFunc("POST /api/help/{id}/accept", h.acceptHelp)
	mux.HandleFunc("POST /api/help/{id}/complete", h.completeHelp)
	mux.HandleFunc("POST /api/agents/match", h.matchAgent)

	mux.HandleFunc("GET /api/failures", h.listFailures)
	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Holder string `json:"holder,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeBrokerError maps broker errors onto HTTP statuses.
func (h *Handlers) writeBrokerError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var claimed *claim.AlreadyClaimedError
	var held *lock.HeldError
	switch {
	case errors.As(err, &claimed):
		status, body.Code, body.Holder = http.StatusConflict, "already_claimed", claimed.Holder
	case errors.As(err, &held):
		status, body.Code, body.Holder = http.StatusConflict, "lock_held", held.Holder
	case errors.Is(err, lock.ErrLockHeld):
		status, body.Code = http.StatusConflict, "lock_held"
	case errors.Is(err, task.ErrConflict):
		status, body.Code = http.StatusConflict, "conflict"
	case errors.Is(err, task.ErrExists):
		status, body.Code = http.StatusConflict, "exists"
	case errors.Is(err, task.ErrInvalidTransition):
		status, body.Code = http.StatusUnprocessableEntity, "invalid_transition"
	case errors.Is(err, collab.ErrInvalidState):
		status, body.Code = http.StatusUnprocessableEntity, "invalid_state"
	case errors.Is(err, session.ErrUnknownSession):
		status, body.Code = http.StatusUnauthorized, "unknown_session"
	case errors.Is(err, task.ErrNotAuthorized):
		status, body.Code = http.StatusForbidden, "not_authorized"
	case errors.Is(err, claim.ErrNoEligibleTask):
		status, body.Code = http.StatusNotFound, "no_eligible_task"
	case errors.Is(err, task.ErrUnknownTask):
		status, body.Code = http.StatusNotFound, "unknown_task"
	case errors.Is(err, collab.ErrNotFound):
		status, body.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, handoff.ErrNoHandoff):
		status, body.Code = http.StatusNotFound, "no_handoff"
	case errors.Is(err, task.ErrInvalid):
		status, body.Code = http.StatusBadRequest, "invalid"
	default:
		h.Logger.Error("api request failed", slog.Any("err", err))
	}
	writeJSON(w, status, body)
}

func sessionID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(SessionHeader))
}

// decode reads an optional JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// --- Session handlers ---

type checkInRequest struct {
	AgentName    string   `json:"agent_name"`
	Capabilities []string `json:"capabilities"`
}

func (h *Handlers) checkIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AgentName == "" {
		writeError(w, http.StatusBadRequest, "agent_name is required")
		return
	}
	s, err := h.Broker.CheckIn(r.Context(), req.AgentName, req.Capabilities)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	s, err := h.Broker.Heartbeat(r.Context(), sessionID(r))
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) checkOut(w http.ResponseWriter, r *http.Request) {
	requeued, err := h.Broker.CheckOut(r.Context(), sessionID(r))
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	if requeued == nil {
		requeued = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": requeued})
}

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	online := r.URL.Query().Get("online") == "true"
	list, err := h.Broker.ListSessions(r.Context(), online)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	if list == nil {
		list = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		Assignee: q.Get("assignee"),
		Label:    q.Get("label"),
	}
	for _, s := range q["status"] {
		for _, part := range strings.Split(s, ",") {
			if part != "" {
				filter.Statuses = append(filter.Statuses, task.Status(part))
			}
		}
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := h.Broker.ListTasks(r.Context(), filter)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type createTaskRequest struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Priority    task.Priority `json:"priority"`
	DependsOn   []string      `json:"depends_on"`
	Labels      []string      `json:"labels"`
	Reserved    string        `json:"reserved"`
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Broker.CreateTask(r.Context(), sessionID(r), &task.Task{
		ID:          req.ID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		DependsOn:   req.DependsOn,
		Labels:      req.Labels,
		Reserved:    req.Reserved,
	})
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Broker.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) claimSpecific(w http.ResponseWriter, r *http.Request) {
	t, err := h.Broker.ClaimSpecific(r.Context(), sessionID(r), r.PathValue("id"))
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) claimNext(w http.ResponseWriter, r *http.Request) {
	var opts claim.NextOptions
	if err := decode(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if r.URL.Query().Get("include_batched") == "true" {
		opts.IncludeBatched = true
	}
	if r.URL.Query().Get("prefer_capabilities") == "true" {
		opts.PreferCapabilities = true
	}
	t, err := h.Broker.ClaimNext(r.Context(), sessionID(r), opts)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// transitionRequest carries the optional text for block, complete, fail and
// cancel.
type transitionRequest struct {
	Reason string `json:"reason"`
	Result string `json:"result"`
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ctx, sid, id := r.Context(), sessionID(r), r.PathValue("id")

	var t *task.Task
	var err error
	switch r.PathValue("action") {
	case "start":
		t, err = h.Broker.StartTask(ctx, sid, id)
	case "block":
		t, err = h.Broker.BlockTask(ctx, sid, id, req.Reason)
	case "resume":
		t, err = h.Broker.ResumeTask(ctx, sid, id)
	case "complete":
		t, err = h.Broker.CompleteTask(ctx, sid, id, req.Result)
	case "fail":
		t, err = h.Broker.FailTask(ctx, sid, id, req.Reason)
	case "release":
		t, err = h.Broker.ReleaseTask(ctx, sid, id)
	case "cancel":
		t, err = h.Broker.CancelTask(ctx, sid, id, req.Reason)
	default:
		writeError(w, http.StatusNotFound, "unknown action "+r.PathValue("action"))
		return
	}
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) listLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.Broker.ListLocks(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	if locks == nil {
		locks = []*lock.Lock{}
	}
	writeJSON(w, http.StatusOK, locks)
}

// --- Help handlers ---

type helpRequest struct {
	HelpType string `json:"help_type"`
	Urgency  string `json:"urgency"`
	Context  string `json:"context"`
}

func (h *Handlers) requestHelp(w http.ResponseWriter, r *http.Request) {
	var req helpRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	hr, err := h.Broker.RequestHelp(r.Context(), sessionID(r), r.PathValue("id"), req.HelpType, req.Urgency, req.Context)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hr)
}

func (h *Handlers) listHelp(w http.ResponseWriter, r *http.Request) {
	list, err := h.Broker.ListHelp(r.Context(), r.URL.Query().Get("task_id"))
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	if list == nil {
		list = []*collab.HelpRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) getHelp(w http.ResponseWriter, r *http.Request) {
	hr, err := h.Broker.GetHelp(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hr)
}

func (h *Handlers) acceptHelp(w http.ResponseWriter, r *http.Request) {
	hr, err := h.Broker.AcceptHelp(r.Context(), sessionID(r), r.PathValue("id"))
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hr)
}

func (h *Handlers) completeHelp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	hr, err := h.Broker.CompleteHelp(r.Context(), sessionID(r), r.PathValue("id"), req.Outcome)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hr)
}

type matchRequest struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Exclude     []string `json:"exclude"`
}

func (h *Handlers) matchAgent(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	m, err := h.Broker.FindBestAgent(r.Context(), req.Description, req.Tags, req.Exclude...)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "no online agent")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- Handoff handlers ---

type relayRequest struct {
	ToSession string          `json:"to_session"`
	Payload   json.RawMessage `json:"payload"`
}

func (h *Handlers) relayHandoff(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	delivered, err := h.Broker.RelayHandoff(r.Context(), sessionID(r), r.PathValue("id"), req.ToSession, req.Payload)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"delivered": delivered})
}

func (h *Handlers) getHandoff(w http.ResponseWriter, r *http.Request) {
	obj, err := h.Broker.GetHandoffContext(r.Context(), sessionID(r), r.PathValue("id"))
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (h *Handlers) handoffHistory(w http.ResponseWriter, r *http.Request) {
	list, err := h.Broker.HandoffHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	if list == nil {
		list = []*handoff.Object{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- Diagnostics / status ---

func (h *Handlers) listFailures(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	recs, err := h.Broker.ListFailures(r.Context(), r.URL.Query().Get("task_id"), limit)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	if recs == nil {
		recs = []*diag.FailureRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	recent := 0
	if n, err := strconv.Atoi(r.URL.Query().Get("recent")); err == nil {
		recent = n
	}
	st, err := h.Broker.Status(r.Context(), recent)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.Version,
		"broker":  st,
	})
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
