// Package server provides HTTP server construction for chat-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chat-sync/internal/auth"
)

// Health reports the client's connection state for /healthz.
type Health interface {
	Authenticated() bool
	LiveState() string
	RetryCount() int
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	MCPHandler http.Handler
	APIKeys    *auth.Keys
	Health     Health
	Logger     *slog.Logger
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Authenticated bool   `json:"authenticated"`
	Live          string `json:"live"`
	Retries       int    `json:"retries"`
}

// NewMux builds the HTTP mux with the MCP endpoint and a health check.
// /mcp requires one of the configured API keys, /healthz is open.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/mcp", auth.Middleware(cfg.APIKeys, cfg.Logger)(cfg.MCPHandler))
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Health, cfg.Logger))

	return mux
}

func handleHealth(h Health, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Authenticated: h.Authenticated(),
			Live:          h.LiveState(),
			Retries:       h.RetryCount(),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Debug("writing health response", slog.String("error", err.Error()))
		}
	}
}
