package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the pipeline reports to. Stage names match aaerr.Stage.
type Recorder interface {
	IncStage(stage, status string)
	IncSponsorRequest(outcome string)
	ObserveSponsorAttempts(attempts int)
	ObserveStageDuration(stage string, d time.Duration)
}

// PipelineMetrics records user operation pipeline activity in prometheus.
type PipelineMetrics struct {
	stageTotal      *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	sponsorRequests *prometheus.CounterVec
	sponsorAttempts prometheus.Histogram
}

const apNamespace = "ap"

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	return &PipelineMetrics{
		stageTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: "userop",
				Name:      "stage_total",
				Help:      "The number of pipeline stages run, by stage and status.",
			}, []string{"stage", "status"}),

		stageDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Subsystem: "userop",
				Name:      "stage_duration_seconds",
				Help:      "Wall time spent in each pipeline stage.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"stage"}),

		sponsorRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: "sponsor",
				Name:      "requests_total",
				Help:      "Sponsor HTTP requests by outcome. A rising unavailable count means the paymaster service is degraded.",
			}, []string{"outcome"}),

		sponsorAttempts: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Subsystem: "sponsor",
				Name:      "attempts",
				Help:      "Attempts needed per sponsorship.",
				Buckets:   []float64{1, 2, 3, 4, 5, 8},
			}),
	}
}

func (m *PipelineMetrics) IncStage(stage, status string) {
	m.stageTotal.WithLabelValues(stage, status).Inc()
}

func (m *PipelineMetrics) IncSponsorRequest(outcome string) {
	m.sponsorRequests.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) ObserveSponsorAttempts(attempts int) {
	m.sponsorAttempts.Observe(float64(attempts))
}

func (m *PipelineMetrics) ObserveStageDuration(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// NoopMetrics drops everything.
type NoopMetrics struct{}

func (NoopMetrics) IncStage(string, string)                    {}
func (NoopMetrics) IncSponsorRequest(string)                   {}
func (NoopMetrics) ObserveSponsorAttempts(int)                 {}
func (NoopMetrics) ObserveStageDuration(string, time.Duration) {}

// EnsureRecorder returns r, or a NoopMetrics when r is nil.
func EnsureRecorder(r Recorder) Recorder {
	if r == nil {
		return NoopMetrics{}
	}
	return r
}

// Serve exposes reg on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger sdklogging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("Starting metrics server", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()
}
