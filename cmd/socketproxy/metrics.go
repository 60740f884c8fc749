package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/matst80/socketproxy/internal/obs"
	"github.com/matst80/socketproxy/internal/report"
	"github.com/matst80/socketproxy/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes serves Prometheus metrics plus the info, dashboard and health endpoints.
func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("all") == "" {
			_ = json.NewEncoder(w).Encode(a.snapshot())
			return
		}
		peers, err := a.store.List(r.Context())
		if err != nil {
			obs.Error("info.list", obs.Fields{"err": err.Error()})
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(peers)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		local := a.snapshot()
		peers, err := a.store.List(r.Context())
		if err != nil {
			obs.Warn("dashboard.peers", obs.Fields{"err": err.Error()})
			peers = []report.Snapshot{local}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Dashboard(w, local, peers); err != nil {
			w.WriteHeader(http.StatusNotImplemented)
			_, _ = w.Write([]byte("dashboard template missing"))
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !a.isReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// serveMetrics runs the side server until ctx is done.
func (a *app) serveMetrics(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	obs.Info("metrics.listen", obs.Fields{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
		return err
	}
	return nil
}
