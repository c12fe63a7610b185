package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"procodus.dev/sensor-monitor/internal/hub"
	"procodus.dev/sensor-monitor/internal/session"
	"procodus.dev/sensor-monitor/internal/store"
)

const (
	dashboardReadings = 20
	dashboardAlerts   = 10
	queryTimeout      = 5 * time.Second
)

// StatusResponse is served by /api/status.
type StatusResponse struct {
	Device      string         `json:"device"`
	SensorID    string         `json:"sensorId"`
	Subscribers map[string]int `json:"subscribers"`
}

// handleIndex serves the dashboard. A failing store still renders the page
// with live updates only.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	view := DashboardView{
		Sensor:      s.config.Sensor,
		DeviceState: s.config.Device.State().String(),
		Subscribers: s.subscriberCounts(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	q := store.Query{SensorID: s.config.Sensor.ID, Limit: dashboardReadings}
	rs, err := s.config.Store.Readings(ctx, q)
	if err != nil {
		s.logger.Warn("dashboard readings unavailable", "error", err)
		view.HistoryError = "History is temporarily unavailable."
	}
	for _, rd := range rs {
		view.Readings = append(view.Readings, newReadingRow(rd))
	}

	q.Limit = dashboardAlerts
	es, err := s.config.Store.Alerts(ctx, q)
	if err != nil {
		s.logger.Warn("dashboard alerts unavailable", "error", err)
		view.HistoryError = "History is temporarily unavailable."
	}
	for i := range es {
		view.Alerts = append(view.Alerts, es[i].ToPayload())
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.renderDashboard(r.Context(), w, view); err != nil {
		s.logger.Error("failed to render dashboard", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// handleHealth serves health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		s.logger.Error("failed to write health response", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Device:      s.config.Device.State().String(),
		SensorID:    s.config.Sensor.ID,
		Subscribers: s.subscriberCounts(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to write status response", "error", err)
	}
}

func (s *Server) subscriberCounts() map[string]int {
	counts := make(map[string]int, len(hub.Channels))
	for _, c := range hub.Channels {
		counts[string(c)] = s.config.Hub.Count(c)
	}
	return counts
}

// handleWebSocket upgrades and runs a session on fallback unless the
// request names channels. Sessions on both channels get envelopes.
func (s *Server) handleWebSocket(fallback hub.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channels, err := requestChannels(r, fallback)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied to the client.
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		opts := s.config.WebSocket
		opts.Envelope = opts.Envelope || len(channels) > 1 || r.URL.Query().Get("envelope") != ""
		t := session.NewWebSocketTransport(conn, opts)
		defer func() { _ = t.Close() }()

		s.runSession(r.Context(), t, channels)
	}
}

// handleEvents streams both channels (or ?channels=) as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	channels, err := requestChannels(r, hub.Channels...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t, err := session.NewEventStreamTransport(w, r, s.config.WebSocket.WriteWait)
	if err != nil {
		s.logger.Error("event stream unsupported", "error", err)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	s.runSession(r.Context(), t, channels)
}

func (s *Server) runSession(ctx context.Context, t session.Transport, channels []hub.Channel) {
	sess, err := session.New(&session.Config{
		Logger:    s.logger,
		Hub:       s.config.Hub,
		Transport: t,
		Channels:  channels,
		Metrics:   s.config.SessionMetrics,
	})
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		return
	}

	err = sess.Run(ctx)
	var derr *session.DeliveryError
	switch {
	case err == nil:
	case errors.Is(err, session.ErrDropped):
		s.logger.Info("slow client disconnected", "session", sess.ID(), "transport", t.Name())
	case errors.As(err, &derr):
		s.logger.Debug("client write failed", "session", sess.ID(), "error", derr.Err)
	default:
		s.logger.Warn("session failed", "session", sess.ID(), "error", err)
	}
}

func requestChannels(r *http.Request, fallback ...hub.Channel) ([]hub.Channel, error) {
	var names []string
	for _, n := range strings.Split(r.URL.Query().Get("channels"), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return session.ParseChannels(names, fallback...)
}
