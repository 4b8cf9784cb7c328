// Package metrics registers the process's Prometheus counters and gauges,
// one struct field per collector registered once at construction, and
// serves them on a loopback-only listener.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the pipeline stages update.
type Metrics struct {
	PacketsParsed   *prometheus.CounterVec
	ParseDrops      prometheus.Counter
	Reconnects      prometheus.Counter
	TracksCorrelated prometheus.Counter
	StaleAgedOut    *prometheus.CounterVec
	SendSuccess     prometheus.Counter
	SendFailure     prometheus.Counter
	SendBackoffSecs prometheus.Histogram
	PingSuccess     prometheus.Counter
	PingFailure     prometheus.Counter
	AuditDrops      prometheus.Counter
}

// New creates and registers all metrics against a fresh registry, so tests
// can construct independent Metrics instances without colliding on the
// global default registry.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		PacketsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_packets_parsed_total",
			Help: "Decoder lines successfully parsed, by packet type.",
		}, []string{"type"}),
		ParseDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_parse_drops_total",
			Help: "Decoder lines that failed to parse.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_decoder_reconnects_total",
			Help: "Number of times the decoder TCP connection was reestablished.",
		}),
		TracksCorrelated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_tracks_correlated_total",
			Help: "K1/K2 packet pairs successfully bound into flight tracks.",
		}),
		StaleAgedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_stale_packets_aged_out_total",
			Help: "Unmatched packets marked failed after exceeding stale_threshold, by packet type.",
		}, []string{"type"}),
		SendSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_send_success_total",
			Help: "Track batches accepted (2xx) by the ingest endpoint.",
		}),
		SendFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_send_failure_total",
			Help: "Track batches that failed to send (network, 4xx, or 5xx).",
		}),
		SendBackoffSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_send_backoff_seconds",
			Help:    "Backoff duration applied after a failed send cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		PingSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_ping_success_total",
			Help: "Status heartbeats accepted by the status endpoint.",
		}),
		PingFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_ping_failure_total",
			Help: "Status heartbeats that failed to send.",
		}),
		AuditDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_audit_log_drops_total",
			Help: "Audit log entries dropped after the store's single retry also failed.",
		}),
	}

	reg.MustRegister(
		m.PacketsParsed, m.ParseDrops, m.Reconnects, m.TracksCorrelated,
		m.StaleAgedOut, m.SendSuccess, m.SendFailure, m.SendBackoffSecs,
		m.PingSuccess, m.PingFailure, m.AuditDrops,
	)
	return m, reg
}

// Serve starts a loopback-only HTTP server exposing reg's metrics at
// /metrics. It is not a user-facing interface and binds to the loopback
// address only. It blocks until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return &net.AddrError{Err: "metrics address is not a loopback address", Addr: addr}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
