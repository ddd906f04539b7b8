package http

import (
	"encoding/json"
	"net/http"

	"github.com/obiente/translate/gotranscribe/internal/transcribe"
	"github.com/obiente/translate/gotranscribe/internal/ws"
)

// StateReporter exposes the engine's lifecycle state for health checks.
type StateReporter interface {
	State() transcribe.State
}

func NewRouter(engine StateReporter, wss *ws.Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "state": engine.State().String()})
	})
	// File transcription WebSocket
	mux.HandleFunc("/ws/transcribe", wss.Handle)
	return mux
}
