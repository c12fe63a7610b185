package history

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"procodus.dev/sensor-monitor/internal/store"
)

// Handlers serves the historical JSON endpoints.
type Handlers struct {
	logger *slog.Logger
	store  store.Gateway
}

// NewHandlers creates the HTTP handlers.
func NewHandlers(logger *slog.Logger, gw store.Gateway) (*Handlers, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if gw == nil {
		return nil, errors.New("store cannot be nil")
	}
	return &Handlers{logger: logger, store: gw}, nil
}

// Readings handles GET /api/historical-data/.
func (h *Handlers) Readings(w http.ResponseWriter, r *http.Request) {
	q, err := paramsFromRequest(r).Parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rs, err := h.store.Readings(r.Context(), q)
	if err != nil {
		h.logger.Error("failed to query readings", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("history unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, newReadingsResponse(rs))
}

// Alerts handles GET /api/security-events/.
func (h *Handlers) Alerts(w http.ResponseWriter, r *http.Request) {
	q, err := paramsFromRequest(r).Parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	es, err := h.store.Alerts(r.Context(), q)
	if err != nil {
		h.logger.Error("failed to query alerts", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("history unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, newAlertsResponse(es))
}

func paramsFromRequest(r *http.Request) QueryParams {
	v := r.URL.Query()
	return QueryParams{
		SensorID: v.Get("sensor_id"),
		Start:    v.Get("start"),
		End:      v.Get("end"),
		Limit:    v.Get("limit"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
