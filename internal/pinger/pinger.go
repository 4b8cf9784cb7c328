// Package pinger posts a signed status heartbeat to the remote status
// endpoint on a fixed cadence, reusing internal/signing the same way
// internal/sender does but against internal/status's live snapshot instead
// of stored tracks, and with no local persistence of outcome.
package pinger

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/radarlink/ingest-client/internal/metrics"
	"github.com/radarlink/ingest-client/internal/obslog"
	"github.com/radarlink/ingest-client/internal/signing"
	"github.com/radarlink/ingest-client/internal/status"
)

// Config configures a Pinger.
type Config struct {
	URL         string
	ClientID    int
	SecretKey   string
	BearerToken string
	Timeout     time.Duration
	Interval    time.Duration
}

// Pinger sends the current status snapshot to api.status_url on Interval.
type Pinger struct {
	cfg     Config
	board   *status.Board
	log     *obslog.Logger
	client  *http.Client
	metrics *metrics.Metrics
}

// New creates a Pinger.
func New(cfg Config, board *status.Board, log *obslog.Logger) *Pinger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Pinger{cfg: cfg, board: board, log: log, client: &http.Client{Timeout: cfg.Timeout}}
}

// SetMetrics attaches a metrics sink. Safe to skip in tests.
func (p *Pinger) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// Run sends one ping immediately and then every Interval until ctx is
// cancelled. Failures are logged and otherwise ignored — no local state
// tracks ping outcome.
func (p *Pinger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.ping(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.ping(ctx)
		}
	}
}

func (p *Pinger) ping(ctx context.Context) {
	if err := p.send(ctx); err != nil {
		p.log.Warn("status ping failed", err.Error())
		if p.metrics != nil {
			p.metrics.PingFailure.Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.PingSuccess.Inc()
	}
}

func (p *Pinger) send(ctx context.Context) error {
	snap := p.board.Load()
	body := map[string]any{
		"client_id":      p.cfg.ClientID,
		"system_info":    snap.SystemInfo,
		"tcp_connected":  snap.TCPConnected,
		"uptime_seconds": snap.Uptime(),
		"stages": map[string]any{
			"dependencies":   snap.Stages.Dependencies,
			"config":         snap.Stages.Config,
			"database":       snap.Stages.Database,
			"time_sync":      snap.Stages.TimeSync,
			"decoder":        snap.Stages.Decoder,
			"tcp_connection": snap.Stages.TCPConnection,
		},
	}

	payload, err := signing.Body(body)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	sig := signing.Sign(p.cfg.SecretKey, payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.BearerToken)
	req.Header.Set("X-Signature", sig)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	return nil
}
