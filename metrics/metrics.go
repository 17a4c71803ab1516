package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the recorder exports.
type Metrics struct {
	// Uplink
	ChannelConnected  prometheus.Gauge
	ChannelConnects   prometheus.Counter
	ChannelReconnects prometheus.Counter
	ChannelFailures   prometheus.Counter
	InboundEvents     *prometheus.CounterVec

	// Streaming chunks
	ChunksSent    prometheus.Counter
	ChunksDropped prometheus.Counter
	ChunkBytes    prometheus.Histogram

	// Sessions
	SessionsStarted  prometheus.Counter
	SessionsRejected *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	FinalizeDuration *prometheus.HistogramVec
	FinalizeFailures *prometheus.CounterVec

	// Collaborator calls
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
}

// New registers all collectors with reg. Pass prometheus.DefaultRegisterer
// in the binary and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChannelConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "whisperdeck_channel_connected",
			Help: "1 while the streaming channel is connected",
		}),
		ChannelConnects: f.NewCounter(prometheus.CounterOpts{
			Name: "whisperdeck_channel_connects_total",
			Help: "Successful channel handshakes",
		}),
		ChannelReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "whisperdeck_channel_reconnect_attempts_total",
			Help: "Reconnect attempts after a lost or failed connection",
		}),
		ChannelFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "whisperdeck_channel_give_ups_total",
			Help: "Times the channel exhausted its reconnect attempts",
		}),
		InboundEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "whisperdeck_inbound_events_total",
			Help: "Inbound channel events by name",
		}, []string{"event"}),

		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "whisperdeck_chunks_sent_total",
			Help: "Streaming chunks written to the channel",
		}),
		ChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "whisperdeck_chunks_dropped_total",
			Help: "Streaming chunks dropped while disconnected",
		}),
		ChunkBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "whisperdeck_chunk_bytes",
			Help:    "Size of streaming chunks including the header",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10),
		}),

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "whisperdeck_sessions_started_total",
			Help: "Recording sessions that entered capturing",
		}),
		SessionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "whisperdeck_sessions_rejected_total",
			Help: "Start requests rejected, by reason",
		}, []string{"reason"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "whisperdeck_session_capture_seconds",
			Help:    "Time spent capturing per session",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		FinalizeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "whisperdeck_finalize_stage_seconds",
			Help:    "Duration of each finalize stage",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		FinalizeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "whisperdeck_finalize_failures_total",
			Help: "Finalize runs that failed, by stage",
		}, []string{"stage"}),

		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "whisperdeck_upstream_requests_total",
			Help: "Collaborator calls by operation and outcome",
		}, []string{"op", "outcome"}),
		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "whisperdeck_upstream_request_seconds",
			Help:    "Collaborator call latency by operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// Discard returns collectors bound to a throwaway registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
