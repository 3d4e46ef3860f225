package rotation

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsRotatedTotal *prometheus.CounterVec
	phaseDuration       *prometheus.HistogramVec
	runsTotal           *prometheus.CounterVec

	metricsOnce sync.Once
)

// Record statuses reported to rekey_records_rotated_total.
const (
	recordRotated = "rotated"
	recordSkipped = "skipped"
	recordFailed  = "failed"
	recordDryRun  = "dry_run"
)

// InitMetrics registers the rotation metrics with the default registry. It
// is safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		recordsRotatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rekey_records_rotated_total",
				Help: "Total number of records processed by rotation runs",
			},
			[]string{"category", "status"},
		)

		phaseDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rekey_phase_duration_seconds",
				Help:    "Duration of rotation phases in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 30, 120, 600},
			},
			[]string{"category"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rekey_runs_total",
				Help: "Total number of rotation runs",
			},
			[]string{"status"},
		)
	})
}

// Metrics records rotation progress. A nil *Metrics records nothing.
type Metrics struct{}

// NewMetrics registers the metrics and returns a recorder.
func NewMetrics() *Metrics {
	InitMetrics()
	return &Metrics{}
}

func (m *Metrics) recordRecord(category, status string) {
	if m == nil {
		return
	}
	recordsRotatedTotal.WithLabelValues(category, status).Inc()
}

func (m *Metrics) recordPhase(category string, d time.Duration) {
	if m == nil {
		return
	}
	phaseDuration.WithLabelValues(category).Observe(d.Seconds())
}

func (m *Metrics) recordRun(status string) {
	if m == nil {
		return
	}
	runsTotal.WithLabelValues(status).Inc()
}

// MetricsServer serves the default registry over HTTP.
type MetricsServer struct {
	server *http.Server
	errc   chan error
}

// StartMetricsServer listens on addr and serves /metrics until Stop.
func StartMetricsServer(addr string) *MetricsServer {
	InitMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s := &MetricsServer{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		errc: make(chan error, 1),
	}
	go func() {
		err := s.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.errc <- err
	}()
	return s
}

// Stop shuts the server down and returns the error ListenAndServe failed
// with, if any.
func (s *MetricsServer) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.errc
}
