package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	IngestFetchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_fetched_total",
		Help: "Количество записей, полученных от платформы",
	}, []string{"platform", "source"})

	IngestWrittenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_written_total",
		Help: "Количество записей, записанных в хранилище",
	}, []string{"platform", "source"})

	IngestSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_skipped_total",
		Help: "Количество записей, отфильтрованных при нормализации",
	}, []string{"platform", "source", "reason"})

	IngestBatchSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_batch_seconds",
		Help:    "Время обработки одной пачки от запроса до коммита",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})

	RateLimitHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_hits_total",
		Help: "Количество отказов платформы по лимиту запросов",
	}, []string{"platform"})

	IngestJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_jobs_total",
		Help: "Количество обработанных задач инжеста",
	}, []string{"platform", "status"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 65, 70, 75, 80, 85, 90, 95, 100, 105, 110, 115, 120, 125, 130, 135, 140, 145, 150, 155, 160, 165, 170, 175, 180, 185, 190, 195, 200, 250, 300, 350, 400, 450, 500, 550, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		IngestFetchedTotal,
		IngestWrittenTotal,
		IngestSkippedTotal,
		IngestBatchSeconds,
		RateLimitHitsTotal,
		IngestJobsTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveBatch записывает метрики одной обработанной пачки.
func ObserveBatch(platform, source string, fetched, written, skipped int, start time.Time) {
	IngestFetchedTotal.WithLabelValues(platform, source).Add(float64(fetched))
	IngestWrittenTotal.WithLabelValues(platform, source).Add(float64(written))
	if skipped > 0 {
		IngestSkippedTotal.WithLabelValues(platform, source, "filtered").Add(float64(skipped))
	}
	IngestBatchSeconds.WithLabelValues(platform).Observe(time.Since(start).Seconds())
}

// IncRateLimitHit увеличивает счётчик отказов по лимиту.
func IncRateLimitHit(platform string) {
	RateLimitHitsTotal.WithLabelValues(platform).Inc()
}

// IncJob увеличивает счётчик задач инжеста.
func IncJob(platform, status string) {
	IngestJobsTotal.WithLabelValues(platform, status).Inc()
}
