// Package api exposes the queue over HTTP: enqueue for application
// callers, and list/stats/retry/cancel/forward for the operator console.
// Delivery internals are never reachable from here; enqueue is the only
// write path into the queue from outside.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"mailroom/internal/queue"
)

type Handler struct {
	Store queue.Store
	Log   *zap.Logger
}

// Router wires all routes.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/emails", h.Enqueue).Methods(http.MethodPost)
	r.HandleFunc("/api/emails", h.List).Methods(http.MethodGet)
	r.HandleFunc("/api/emails/cancel", h.CancelMany).Methods(http.MethodPost)
	r.HandleFunc("/api/emails/retry", h.RetryMany).Methods(http.MethodPost)
	r.HandleFunc("/api/emails/{id}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/emails/{id}/cancel", h.Cancel).Methods(http.MethodPost)
	r.HandleFunc("/api/emails/{id}/retry", h.Retry).Methods(http.MethodPost)
	r.HandleFunc("/api/emails/{id}/forward", h.Forward).Methods(http.MethodPost)
	r.HandleFunc("/api/stats", h.GetStats).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	return r
}

// Enqueue validates and persists a new pending job. No send happens on
// this path; the worker discovers the row by polling.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var spec queue.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, err := queue.NewJob(spec)
	if err != nil {
		var verr *queue.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.Store.Enqueue(r.Context(), job); err != nil {
		h.Log.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not persist job")
		return
	}

	h.Log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("recipient", job.RecipientEmail),
		zap.Int("priority", job.Priority),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.ListFilter{
		Status:    queue.Status(q.Get("status")),
		Recipient: q.Get("recipient"),
		Limit:     intParam(q.Get("limit"), 50),
		Offset:    intParam(q.Get("offset"), 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+string(filter.Status))
		return
	}

	jobs, err := h.Store.List(r.Context(), filter)
	if err != nil {
		h.Log.Error("list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*queue.EmailJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.Stats(r.Context())
	if err != nil {
		h.Log.Error("stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Store.Cancel(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	h.Log.Info("job cancelled", zap.String("job_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(queue.StatusCancelled)})
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Store.Retry(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	h.Log.Info("job queued for retry", zap.String("job_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(queue.StatusPending)})
}

type bulkRequest struct {
	IDs []string `json:"ids"`
}

func (h *Handler) CancelMany(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	n, err := h.Store.CancelMany(r.Context(), req.IDs)
	if err != nil {
		h.Log.Error("bulk cancel failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (h *Handler) RetryMany(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	n, err := h.Store.RetryMany(r.Context(), req.IDs)
	if err != nil {
		h.Log.Error("bulk retry failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

type forwardRequest struct {
	RecipientEmail string `json:"recipient_email"`
	RecipientName  string `json:"recipient_name"`
}

// Forward clones a job to a new recipient. The original row keeps its
// history, including sent_at.
func (h *Handler) Forward(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	addr, err := queue.ValidateAddress(req.RecipientEmail)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := mux.Vars(r)["id"]
	job, err := h.Store.Forward(r.Context(), id, addr, req.RecipientName)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	h.Log.Info("job forwarded",
		zap.String("job_id", id),
		zap.String("new_job_id", job.ID),
		zap.String("recipient", job.RecipientEmail),
	)
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
