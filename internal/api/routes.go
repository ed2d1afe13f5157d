package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cboydstun/bounce-v3-sub002/internal/network"
	"github.com/cboydstun/bounce-v3-sub002/internal/queue"
	syncengine "github.com/cboydstun/bounce-v3-sub002/internal/sync"
)

// Handler exposes the queue and sync engine to the UI layer over HTTP.
type Handler struct {
	queue    *queue.ActionQueue
	engine   *syncengine.Engine
	observer *network.Observer
}

func NewHandler(q *queue.ActionQueue, engine *syncengine.Engine, observer *network.Observer) *Handler {
	return &Handler{
		queue:    q,
		engine:   engine,
		observer: observer,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/actions", h.EnqueueAction)
		r.Get("/queue/status", h.QueueStatus)
		r.Get("/queue/actions", h.ListActions)
		r.Post("/queue/retry-failed", h.RetryFailed)
		r.Delete("/queue/failed", h.ClearFailed)
		r.Delete("/queue", h.ClearQueue)
		r.Post("/sync/trigger", h.TriggerSync)
		r.Get("/sync/conflicts", h.ListConflicts)
		r.Post("/sync/conflicts/{id}/resolve", h.ResolveConflict)
		r.Get("/network/status", h.NetworkStatus)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) EnqueueAction(w http.ResponseWriter, r *http.Request) {
	var draft queue.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.queue.Enqueue(draft)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(h.queue.Status())
}

func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(h.queue.List())
}

func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	count := h.queue.RetryFailed()
	json.NewEncoder(w).Encode(map[string]int{"retried": count})
}

func (h *Handler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	count := h.queue.ClearFailed()
	json.NewEncoder(w).Encode(map[string]int{"cleared": count})
}

func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	count := h.queue.Clear()
	json.NewEncoder(w).Encode(map[string]int{"cleared": count})
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result := h.engine.ProcessQueue(r.Context())
	json.NewEncoder(w).Encode(result)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := h.engine.Conflicts()
	if conflicts == nil {
		conflicts = []*syncengine.Conflict{}
	}
	json.NewEncoder(w).Encode(conflicts)
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Strategy syncengine.Strategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.ResolveConflict(r.Context(), id, body.Strategy); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "resolved"})
}

func (h *Handler) NetworkStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(h.observer.Status())
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}
