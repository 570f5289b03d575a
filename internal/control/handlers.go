package control

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"stagehand/internal/invoker"
	rtsup "stagehand/internal/runtime/supervisor"
	"stagehand/internal/storage"
	"stagehand/internal/task/engine"
	logx "stagehand/pkg/logx"
)

type handlers struct {
	deps    Deps
	log     logx.Logger
	limiter *rate.Limiter
}

type healthResponse struct {
	Status     string          `json:"status"`
	Time       time.Time       `json:"time"`
	Supervisor *rtsup.Snapshot `json:"supervisor,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Time: time.Now().UTC()}
	if h.deps.Supervisor != nil {
		snap := h.deps.Supervisor.Snapshot()
		resp.Supervisor = &snap
		if snap.FirstError != "" {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if h.deps.Engine != nil {
		out["engine"] = h.deps.Engine.Snapshot()
	}
	if h.deps.Supervisor != nil {
		out["supervisor"] = h.deps.Supervisor.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

type triggerView struct {
	Name           string        `json:"name"`
	Enabled        bool          `json:"enabled"`
	Schedule       string        `json:"schedule"`
	ManualDispatch bool          `json:"manual_dispatch"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	Running        bool          `json:"running"`
	Next           time.Time     `json:"next,omitzero"`
	Prev           time.Time     `json:"prev,omitzero"`
}

func (h *handlers) listTriggers(w http.ResponseWriter, r *http.Request) {
	if h.deps.Invoker == nil {
		writeError(w, http.StatusServiceUnavailable, "invoker not configured")
		return
	}
	ts := h.deps.Invoker.Triggers()
	out := make([]triggerView, 0, len(ts))
	for _, t := range ts {
		v := triggerView{
			Name:           t.Name,
			Enabled:        t.Enabled,
			Schedule:       t.Schedule,
			ManualDispatch: t.ManualDispatch,
			Timeout:        t.Timeout,
		}
		if h.deps.Schedules != nil {
			if info, ok := h.deps.Schedules.Schedule(t.Name); ok {
				v.Next, v.Prev = info.Next, info.Prev
			}
		}
		if h.deps.Engine != nil {
			v.Running = h.deps.Engine.StateFor(t.Name).Busy()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) dispatch(w http.ResponseWriter, r *http.Request) {
	if h.deps.Invoker == nil {
		writeError(w, http.StatusServiceUnavailable, "invoker not configured")
		return
	}
	name := chi.URLParam(r, "name")
	if !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "dispatch rate limit exceeded")
		return
	}

	id, err := h.deps.Invoker.Dispatch(r.Context(), name)
	if err != nil {
		status := dispatchStatus(err)
		h.log.Info("dispatch rejected", logx.String("trigger", name), logx.Int("status", status), logx.Err(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "trigger": name})
}

func dispatchStatus(err error) int {
	switch {
	case errors.Is(err, invoker.ErrUnknownTrigger):
		return http.StatusNotFound
	case errors.Is(err, invoker.ErrDispatchDisabled):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrOverlapSkip):
		return http.StatusConflict
	case errors.Is(err, engine.ErrQueueFull),
		errors.Is(err, engine.ErrDisabled),
		errors.Is(err, engine.ErrStopped),
		errors.Is(err, engine.ErrStopping),
		errors.Is(err, invoker.ErrNoEngine):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled.Error())
		return
	}
	q := r.URL.Query()
	f := storage.RunFilter{Kind: q.Get("kind"), Name: q.Get("name")}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	runs, err := h.deps.Store.ListRuns(r.Context(), f)
	if err != nil {
		h.log.Warn("list runs failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}
