package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/agent"
	"github.com/nidhogg/nuka-hive/internal/audit"
	"github.com/nidhogg/nuka-hive/internal/fault"
	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/task"
	"github.com/nidhogg/nuka-hive/internal/transport"
	"github.com/nidhogg/nuka-hive/internal/voting"
)

// AgentHeader names the calling agent for privileged requests.
const AgentHeader = "X-Agent-ID"

// DeadLetterSource lists parked transport messages.
type DeadLetterSource interface {
	DeadLetters(ctx context.Context, n int64) ([]transport.DeadLetter, error)
}

// Check is a named health check.
type Check func(ctx context.Context) error

// Deps are the components the API exposes. Metrics and DeadLetters are
// optional.
type Deps struct {
	Tasks       *task.Engine
	Votes       *voting.Engine
	Trail       *audit.Trail
	Directory   *agent.Directory
	DeadLetters DeadLetterSource
	Metrics     http.Handler
	Checks      map[string]Check
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{deps: deps, logger: logger.With(zap.String("component", "api"))}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", AgentHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/tasks", h.submitTask)
		r.Post("/tasks/batch", h.submitBatch)
		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/cancel", h.cancelTask)
		r.Post("/tasks/{id}/override", h.overrideTask)
		r.Post("/tasks/{id}/retry", h.retryTask)

		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}", h.getAgent)

		r.Get("/sessions", h.listSessions)
		r.Post("/sessions", h.initiateSession)
		r.Get("/sessions/{id}", h.getSession)
		r.Post("/sessions/{id}/votes", h.castVote)
		r.Post("/sessions/{id}/close", h.closeSession)
		r.Get("/sessions/{id}/audit", h.sessionAudit)
		r.Get("/sessions/{id}/verify", h.verifySession)

		r.Get("/deadletters", h.deadLetters)
	})
	if h.deps.Metrics != nil {
		r.Handle("/metrics", h.deps.Metrics)
	}

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "UP"
	checks := make(map[string]string, len(h.deps.Checks))
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "DEGRADED"
			continue
		}
		checks[name] = "UP"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status, "checks": checks})
}

type submitRequest struct {
	ID         string          `json:"id,omitempty"`
	Title      string          `json:"title"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	MaxRetries *int            `json:"max_retries,omitempty"`
	TimeoutMS  int64           `json:"timeout_ms,omitempty"`
}

func (req submitRequest) spec(submittedBy string) task.Spec {
	return task.Spec{
		ID:          req.ID,
		Title:       req.Title,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxRetries:  req.MaxRetries,
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
		SubmittedBy: submittedBy,
	}
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := h.deps.Tasks.SubmitTask(r.Context(), req.spec(r.Header.Get(AgentHeader)))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type batchRequest struct {
	Tasks []submitRequest `json:"tasks"`
}

func (h *Handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	specs := make([]task.Spec, len(req.Tasks))
	for i, t := range req.Tasks {
		specs[i] = t.spec(r.Header.Get(AgentHeader))
	}
	ids, err := h.deps.Tasks.SubmitBatch(r.Context(), specs)
	if err != nil {
		if len(ids) > 0 {
			h.logger.Warn("batch partially submitted", zap.Strings("submitted", ids), zap.Error(err))
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]string{"ids": ids})
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{AgentID: q.Get("agent")}
	for _, s := range q["status"] {
		f.Statuses = append(f.Statuses, task.Status(s))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, fault.Invalid("limit", "%q is not a non-negative integer", v))
			return
		}
		f.Limit = n
	}
	tasks, err := h.deps.Tasks.List(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.deps.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if err := h.deps.Tasks.CancelTask(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (h *Handler) overrideTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Tasks.Override(r.Context(), r.Header.Get(AgentHeader), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued"})
}

func (h *Handler) retryTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	newID, err := h.deps.Tasks.RetryTask(r.Context(), r.Header.Get(AgentHeader), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": newID, "retry_of": id})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Directory.List(message.Role(r.URL.Query().Get("role"))))
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.deps.Directory.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Votes.List())
}

func (h *Handler) initiateSession(w http.ResponseWriter, r *http.Request) {
	var req voting.Request
	if !decode(w, r, &req) {
		return
	}
	req.InitiatorID = r.Header.Get(AgentHeader)
	s, err := h.deps.Votes.InitiateSession(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

type sessionView struct {
	Session voting.Session `json:"session"`
	Result  *voting.Result `json:"result,omitempty"`
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.deps.Votes.Get(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	view := sessionView{Session: s}
	if res, err := h.deps.Votes.Result(id); err == nil {
		view.Result = &res
	}
	writeJSON(w, http.StatusOK, view)
}

type voteRequest struct {
	AgentID string          `json:"agent_id"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Handler) castVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		req.AgentID = r.Header.Get(AgentHeader)
	}
	if err := h.deps.Votes.CastVote(r.Context(), chi.URLParam(r, "id"), req.AgentID, req.Payload); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Votes.CloseSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) sessionAudit(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Trail.GetSessionResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) verifySession(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Trail.VerifyIntegrity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		var ierr *fault.IntegrityError
		if errors.As(err, &ierr) {
			writeJSON(w, http.StatusConflict, report)
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deps.DeadLetters == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "transport not connected"})
		return
	}
	n := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed <= 0 {
			h.writeError(w, fault.Invalid("limit", "%q is not a positive integer", v))
			return
		}
		n = parsed
	}
	letters, err := h.deps.DeadLetters.DeadLetters(r.Context(), n)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, letters)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		verr *fault.ValidationError
		serr *fault.SystemError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, voting.ErrSessionClosed):
		status = http.StatusConflict
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, voting.ErrSessionNotFound),
		errors.Is(err, agent.ErrAgentNotFound), errors.Is(err, audit.ErrNoResult):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrForbidden), errors.Is(err, voting.ErrForbidden):
		status = http.StatusForbidden
	case errors.As(err, &serr), errors.Is(err, transport.ErrTransport):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		h.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
