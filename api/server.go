package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/corral/broker"
	"github.com/projecteru2/corral/driver"
	"github.com/projecteru2/corral/repository"
)

// Handler is the assignment/admin HTTP surface of the broker. The end
// user front end calls it to obtain machines and report session
// events; operators use the read endpoints.
type Handler struct {
	broker  *broker.Broker
	metrics *metrics
}

// New builds the HTTP handler tree for the given broker.
func New(b *broker.Broker) http.Handler {
	h := &Handler{broker: b, metrics: newMetrics(b)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /machines/assign", h.handleAssign)
	mux.HandleFunc("GET /machines", h.handleList)
	mux.HandleFunc("GET /machines/{id}", h.handleGet)
	mux.HandleFunc("GET /machines/{id}/status", h.handleStatus)
	mux.HandleFunc("DELETE /machines/{id}", h.handleDestroy)
	mux.HandleFunc("POST /sessions/open", h.handleSessionOpen)
	mux.HandleFunc("POST /sessions/close", h.handleSessionClose)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", h.metrics.httpHandler())
	return mux
}

type userRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	machine, err := h.broker.MachineForUser(r.Context(), req.UserID)
	switch {
	case err == nil:
		h.metrics.claims.WithLabelValues("ok").Inc()
		writeJSON(w, http.StatusOK, machine)
	case errors.Is(err, repository.ErrNoMachineFound):
		h.metrics.claims.WithLabelValues("starved").Inc()
		writeError(w, http.StatusServiceUnavailable, "no free machine, try again shortly")
	case errors.Is(err, driver.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "broker not initialized")
	default:
		h.metrics.claims.WithLabelValues("error").Inc()
		log.WithFunc("api.handleAssign").Warnf(r.Context(), "assign for %s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "assignment failed")
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	machines, err := h.broker.Machines(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	machine, err := h.broker.Machine(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "machine not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, machine)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.broker.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "machine not found")
			return
		}
		writeError(w, http.StatusBadGateway, "backend status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (h *Handler) handleDestroy(w http.ResponseWriter, r *http.Request) {
	err := h.broker.Destroy(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "machine not found")
			return
		}
		log.WithFunc("api.handleDestroy").Warnf(r.Context(), "destroy %s: %v", r.PathValue("id"), err)
		writeError(w, http.StatusInternalServerError, "destroy failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

func (h *Handler) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	h.handleSessionEvent(w, r, h.broker.SessionOpen)
}

func (h *Handler) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	h.handleSessionEvent(w, r, h.broker.SessionEnded)
}

func (h *Handler) handleSessionEvent(w http.ResponseWriter, r *http.Request, renew func(context.Context, string) error) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if err := renew(r.Context(), req.UserID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user has no machine")
			return
		}
		writeError(w, http.StatusInternalServerError, "lease renewal failed")
		return
	}
	h.metrics.renewals.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "renewed"})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
