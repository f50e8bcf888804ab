package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/wsrelay/internal/kv"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/web"
)

// metricsMux serves Prometheus metrics plus health, state and dashboard endpoints.
func (a *app) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, collectStats(a))
	})
	mux.HandleFunc("GET /api/keys/{key}", a.handleKeyLookup)
	mux.HandleFunc("GET /dashboard", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(a)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", st.ToTemplateMap()); err != nil {
			obs.Error("dashboard.render", obs.Fields{"err": err.Error()})
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.closing.Load() || !a.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// handleKeyLookup reports where a relay key is pending or paired, across
// every instance sharing the presence store.
func (a *app) handleKeyLookup(w http.ResponseWriter, r *http.Request) {
	p := a.engine.Presence()
	if p == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "presence disabled"})
		return
	}
	rec, err := p.Lookup(r.Context(), r.PathValue("key"))
	switch {
	case errors.Is(err, kv.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown key"})
	case err != nil:
		obs.Error("presence.lookup", obs.Fields{"err": err.Error()})
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "presence store unavailable"})
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
