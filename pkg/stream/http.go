package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/itohio/enose/pkg/metrics"
)

// NewHTTPHandler returns the HTTP surface: the WebSocket stream at wsPath,
// Prometheus metrics at /metrics and a health probe at /healthz.
func NewHTTPHandler(hub *Hub, handler CommandHandler, m *metrics.Metrics, wsPath string, logger *slog.Logger) http.Handler {
	if wsPath == "" {
		wsPath = "/ws"
	}

	mux := http.NewServeMux()
	mux.Handle(wsPath, NewWebSocketHandler(hub, handler, logger))
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status  string `json:"status"`
			Clients int    `json:"clients"`
		}{"ok", hub.Clients()})
	})
	return mux
}
