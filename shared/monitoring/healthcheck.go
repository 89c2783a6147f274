package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"titleforge/shared/logging"
)

type HealthServer struct {
	monitor *Monitor
	port    string
	log     *logging.Logger
	server  *http.Server
}

func NewHealthServer(monitor *Monitor, port string, log *logging.Logger) *HealthServer {
	if port == "" {
		port = "8080"
	}
	h := &HealthServer{
		monitor: monitor,
		port:    port,
		log:     logging.OrDefault(log),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.healthHandler)
	mux.HandleFunc("/status", h.statusHandler)
	h.server = &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// Start serves in the background until ctx is done.
func (h *HealthServer) Start(ctx context.Context) {
	h.log.Infof("Health check server starting on port %s", h.port)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.WithError(err).Error("Health server error")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Shutdown(shutdownCtx)
	}()
}

// Handler exposes the routes for tests.
func (h *HealthServer) Handler() http.Handler {
	return h.server.Handler
}

func (h *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if h.monitor.IsHealthy() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK - %s", h.monitor.GetStatusSummary())
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "Service unhealthy - %s", h.monitor.GetStatusSummary())
	}
}

func (h *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%s", h.monitor.GetStatusSummary())
}
