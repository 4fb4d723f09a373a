package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	FramesExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_frames_extracted_total",
		Help: "Total number of frames extracted from source videos",
	})

	FramesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veil_frames_processed_total",
		Help: "Frames processed per stage",
	}, []string{"stage"})

	FacesDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_faces_detected_total",
		Help: "Total number of face boxes recorded in manifests",
	})

	DetectionFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_detection_failures_total",
		Help: "Frames whose detection failed and were recorded with no faces",
	})

	DetectorRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_detector_restarts_total",
		Help: "Detector workers respawned after a transport failure",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "veil_stage_duration_seconds",
		Help:    "Duration of each pipeline stage",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage"})
)

// ObserveStage records the time elapsed since start for a pipeline stage.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics and /healthz on addr until ctx is cancelled.
// An empty addr disables the endpoint.
func Serve(ctx context.Context, addr string, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("metrics server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return srv
}
