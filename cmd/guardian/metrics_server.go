package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storyguard/internal/health"
	"storyguard/internal/monitor"
	"storyguard/internal/recovery"
)

// metricsServer exposes the Prometheus scrape endpoint plus JSON status
// views of the recovery engine, breakers, and fused health.
//
//   - GET /metrics   Prometheus metrics
//   - GET /status    fused SystemHealth plus engine stats
//   - GET /breakers  per-service circuit breaker states
type metricsServer struct {
	addr       string
	engine     *recovery.Engine
	mon        *monitor.Monitor
	aggregator *health.Aggregator
	logger     *slog.Logger
}

// statusResponse is the GET /status payload.
type statusResponse struct {
	Health    health.SystemHealth `json:"health"`
	Stats     recovery.Stats      `json:"stats"`
	Snapshot  *monitor.Snapshot   `json:"snapshot,omitempty"`
	Trends    map[string]string   `json:"trends"`
	Timestamp time.Time           `json:"timestamp"`
}

func newMetricsServer(port int, engine *recovery.Engine, mon *monitor.Monitor, aggregator *health.Aggregator, logger *slog.Logger) *metricsServer {
	return &metricsServer{
		addr:       fmt.Sprintf(":%d", port),
		engine:     engine,
		mon:        mon,
		aggregator: aggregator,
		logger:     logger,
	}
}

// Start runs the server until the context is cancelled. It returns
// http.ErrServerClosed on graceful shutdown.
func (s *metricsServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/breakers", s.handleBreakers)

	server := &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("metrics server starting", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics server shutdown failed", slog.Any("error", err))
			return err
		}
		s.logger.Info("metrics server stopped")
		return http.ErrServerClosed
	case err := <-errChan:
		return err
	}
}

func (s *metricsServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Health: s.aggregator.Current(),
		Stats:  s.engine.Stats(),
		Trends: map[string]string{
			"memory": string(s.mon.MemoryTrend()),
			"cpu":    string(s.mon.CPUTrend()),
		},
		Timestamp: time.Now(),
	}
	if snap, ok := s.mon.Latest(); ok {
		resp.Snapshot = &snap
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *metricsServer) handleBreakers(w http.ResponseWriter, r *http.Request) {
	type breakerView struct {
		Failures    int       `json:"failures"`
		Open        bool      `json:"open"`
		LastFailure time.Time `json:"last_failure,omitempty"`
	}

	snaps := s.engine.Breakers().Snapshots()
	out := make(map[string]breakerView, len(snaps))
	for service, st := range snaps {
		out[service] = breakerView{Failures: st.Failures, Open: st.Open, LastFailure: st.LastFailure}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *metricsServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", slog.Any("error", err))
	}
}
