package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/illmade-knight/go-swrcache/pkg/cache"
	"github.com/illmade-knight/go-swrcache/pkg/invalidation"
	"github.com/illmade-knight/go-swrcache/pkg/resource"
	"github.com/illmade-knight/go-swrcache/pkg/revalidate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Broadcaster sends invalidations to the other instances.
type Broadcaster interface {
	Publish(ctx context.Context, n invalidation.Notice) (string, error)
}

// AdminHandler exposes cache metrics, invalidation, revalidation triggers and resource reports.
type AdminHandler struct {
	registry    *cache.Registry
	binder      *resource.Binder
	bus         *revalidate.Bus
	broadcaster Broadcaster
	metrics     *prometheus.Registry
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewAdminHandler creates the handler. broadcaster may be nil for a single instance.
func NewAdminHandler(registry *cache.Registry, binder *resource.Binder, bus *revalidate.Bus, broadcaster Broadcaster, logger zerolog.Logger) (*AdminHandler, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if binder == nil {
		return nil, errors.New("binder cannot be nil")
	}
	if bus == nil {
		return nil, errors.New("bus cannot be nil")
	}

	metrics := prometheus.NewRegistry()
	if err := metrics.Register(cache.NewCollector(registry)); err != nil {
		return nil, err
	}
	metrics.MustRegister(collectors.NewGoCollector())

	return &AdminHandler{
		registry:    registry,
		binder:      binder,
		bus:         bus,
		broadcaster: broadcaster,
		metrics:     metrics,
		timeout:     5 * time.Second,
		logger:      logger.With().Str("component", "AdminHandler").Logger(),
	}, nil
}

// Register adds the admin routes to mux.
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /cache/metrics", h.cacheMetrics)
	mux.HandleFunc("POST /cache/invalidate", h.invalidate)
	mux.HandleFunc("POST /events/{kind}", h.event)
	mux.HandleFunc("GET /resources", h.listResources)
	mux.HandleFunc("GET /resources/{name}", h.resourceReport)
	mux.HandleFunc("POST /resources/{name}/revalidate", h.revalidateResource)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.metrics, promhttp.HandlerOpts{EnableOpenMetrics: true}))
}

func (h *AdminHandler) cacheMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Metrics())
}

type invalidateResponse struct {
	Store          cache.StoreType `json:"store"`
	Key            string          `json:"key,omitempty"`
	Removed        int             `json:"removed"`
	BroadcastID    string          `json:"broadcastId,omitempty"`
	BroadcastError string          `json:"broadcastError,omitempty"`
}

// invalidate deletes ?key= from ?store=, or clears the store when key is empty. The local change
// stands even if the broadcast fails.
func (h *AdminHandler) invalidate(w http.ResponseWriter, r *http.Request) {
	storeName := r.URL.Query().Get("store")
	key := r.URL.Query().Get("key")
	storeType := h.registry.Resolve(storeName)
	store := h.registry.Store(string(storeType))

	resp := invalidateResponse{Store: storeType, Key: key}
	op := invalidation.OpDelete
	if key == "" {
		op = invalidation.OpClear
		resp.Removed = store.Clear()
	} else if store.Delete(key) {
		resp.Removed = 1
	}
	h.bus.Publish(revalidate.Event{Kind: revalidate.EventInvalidate, Store: string(storeType), Key: key})

	if h.broadcaster != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		msgID, err := h.broadcaster.Publish(ctx, invalidation.Notice{Store: string(storeType), Key: key, Op: op})
		if err != nil {
			h.logger.Error().Err(err).Str("store", string(storeType)).Str("key", key).Msg("Failed to broadcast invalidation.")
			resp.BroadcastError = err.Error()
		}
		resp.BroadcastID = msgID
	}

	h.logger.Info().Str("store", string(storeType)).Str("key", key).Int("removed", resp.Removed).Msg("Invalidated cache.")
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) event(w http.ResponseWriter, r *http.Request) {
	kind := revalidate.EventKind(r.PathValue("kind"))
	if kind != revalidate.EventFocus && kind != revalidate.EventReconnect {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown event kind"})
		return
	}
	n := h.bus.Publish(revalidate.Event{Kind: kind})
	writeJSON(w, http.StatusAccepted, map[string]any{"kind": kind, "handlers": n})
}

func (h *AdminHandler) listResources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.binder.Names())
}

func (h *AdminHandler) resourceReport(w http.ResponseWriter, r *http.Request) {
	res, ok := h.binder.Lookup(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "resource not found"})
		return
	}
	writeJSON(w, http.StatusOK, res.Report())
}

func (h *AdminHandler) revalidateResource(w http.ResponseWriter, r *http.Request) {
	res, ok := h.binder.Lookup(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "resource not found"})
		return
	}
	done := res.Revalidate()
	if r.URL.Query().Get("wait") == "true" {
		select {
		case <-done:
		case <-r.Context().Done():
		}
	}
	writeJSON(w, http.StatusAccepted, res.Report())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
