package net

import (
	"encoding/json"
	nethttp "net/http"
	"time"

	"lockstep/server/internal/telemetry"
)

type HTTPHandlerConfig struct {
	Logger telemetry.Logger
	// Sessions serves /ws.
	Sessions nethttp.Handler
	// Metrics serves /metrics, typically promhttp.
	Metrics nethttp.Handler
	// Diagnostics returns the body of /diagnostics.
	Diagnostics func() any
	// Ready reports whether the host finished rehydrating.
	Ready func() bool
}

func NewHTTPHandler(cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if cfg.Ready != nil && !cfg.Ready() {
			w.WriteHeader(nethttp.StatusServiceUnavailable)
			w.Write([]byte("starting"))
			return
		}
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		payload := struct {
			Status     string `json:"status"`
			ServerTime int64  `json:"serverTime"`
			Scheduler  any    `json:"scheduler,omitempty"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
		}
		if cfg.Diagnostics != nil {
			payload.Scheduler = cfg.Diagnostics()
		}

		data, err := json.Marshal(payload)
		if err != nil {
			logger.Printf("[http] encode diagnostics: %v", err)
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}
	if cfg.Sessions != nil {
		mux.Handle("/ws", cfg.Sessions)
	}
	return mux
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
