// Package monitor exposes Prometheus metrics for the capture pipeline on an
// optional side listener.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// CaptureCycles counts finished capture cycles by command and outcome.
	CaptureCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopedash_capture_cycles_total",
			Help: "Capture cycles by command and outcome.",
		},
		[]string{"command", "outcome"},
	)

	// CaptureDuration tracks the wall time of one capture cycle.
	CaptureDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scopedash_capture_duration_seconds",
			Help:    "Wall time of one capture cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Connected reports whether the serial port is currently open.
	Connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scopedash_scope_connected",
			Help: "Whether the serial port is currently open.",
		},
	)

	// WSClients counts connected dashboard clients.
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scopedash_ws_clients",
			Help: "Connected dashboard clients.",
		},
	)

	// PublishedCaptures counts capture results handed to the Redis publisher.
	PublishedCaptures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scopedash_published_captures_total",
			Help: "Capture results handed to the publisher.",
		},
	)
)

var registerOnce sync.Once

// Register adds the metrics to the default registry. Safe to call more than
// once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(CaptureCycles, CaptureDuration, Connected, WSClients, PublishedCaptures)
	})
}

// Serve exposes /metrics and /health on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	Register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("monitor: metrics listener up")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
