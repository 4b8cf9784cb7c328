// Package sender batches pending flight tracks, signs them, and POSTs them
// to the remote ingest endpoint on a fixed cadence, backing off
// exponentially on failure and resetting on the next success.
package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/radarlink/ingest-client/internal/metrics"
	"github.com/radarlink/ingest-client/internal/obslog"
	"github.com/radarlink/ingest-client/internal/signing"
	"github.com/radarlink/ingest-client/internal/store"
)

// Store is the subset of *store.Store the Sender needs.
type Store interface {
	SelectPendingTracks(ctx context.Context, limit int) ([]store.FlightTrack, error)
	MarkTracks(ctx context.Context, ids []int64, outcome store.SentState, errMsg string, sentAt *time.Time) error
}

// Config configures a Sender.
type Config struct {
	URL         string
	ClientID    int
	SecretKey   string
	BearerToken string
	Timeout     time.Duration
	Interval    time.Duration
	BatchSize   int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Sender batches and ships pending tracks on a fixed cadence, backing off
// on transient failure.
type Sender struct {
	cfg     Config
	store   Store
	log     *obslog.Logger
	client  *http.Client
	metrics *metrics.Metrics
	backoff time.Duration
}

// New creates a Sender.
func New(cfg Config, st Store, log *obslog.Logger) *Sender {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Sender{
		cfg:    cfg,
		store:  st,
		log:    log,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// SetMetrics attaches a metrics sink. Safe to skip in tests.
func (s *Sender) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Run drives the batch-send loop until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	for {
		sent, err := s.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := s.cfg.Interval
		if err != nil {
			s.log.Warn("send cycle failed, backing off", err.Error())
			wait = s.nextBackoff()
			if s.metrics != nil {
				s.metrics.SendBackoffSecs.Observe(wait.Seconds())
			}
		} else if sent {
			s.backoff = 0
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// cycle sends one batch. The returned bool reports whether any tracks were
// found and processed (used to decide whether to reset backoff).
func (s *Sender) cycle(ctx context.Context) (bool, error) {
	tracks, err := s.store.SelectPendingTracks(ctx, s.cfg.BatchSize)
	if err != nil {
		return false, fmt.Errorf("select pending tracks: %w", err)
	}
	if len(tracks) == 0 {
		return false, nil
	}

	body := buildBody(s.cfg.ClientID, tracks)
	payload, err := signing.Body(body)
	if err != nil {
		return false, fmt.Errorf("encode batch: %w", err)
	}
	sig := signing.Sign(s.cfg.SecretKey, payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.BearerToken)
	req.Header.Set("X-Signature", sig)

	resp, err := s.client.Do(req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.SendFailure.Inc()
		}
		return true, fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	ids := make([]int64, len(tracks))
	for i, tr := range tracks {
		ids[i] = tr.ID
	}
	now := time.Now()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := s.store.MarkTracks(ctx, ids, store.SentDone, "", &now); err != nil {
			return true, fmt.Errorf("mark tracks done: %w", err)
		}
		if s.metrics != nil {
			s.metrics.SendSuccess.Inc()
		}
		return true, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Permanent rejection: do not retry, record and move on.
		msg := fmt.Sprintf("rejected by server: status %d", resp.StatusCode)
		if err := s.store.MarkTracks(ctx, ids, store.SentFailed, msg, &now); err != nil {
			return true, fmt.Errorf("mark tracks failed: %w", err)
		}
		if s.metrics != nil {
			s.metrics.SendFailure.Inc()
		}
		return true, nil

	default:
		// 5xx or unexpected status: leave tracks pending, caller backs off
		// and the next cycle retries the same batch.
		if s.metrics != nil {
			s.metrics.SendFailure.Inc()
		}
		return true, fmt.Errorf("server error: status %d", resp.StatusCode)
	}
}

// buildBody assembles the signed payload as a map so encoding/json's
// alphabetical key ordering gives a reproducible byte sequence (see
// internal/signing).
func buildBody(clientID int, tracks []store.FlightTrack) map[string]any {
	entries := make([]map[string]any, len(tracks))
	for i, tr := range tracks {
		entries[i] = map[string]any{
			"callsign":  tr.Callsign,
			"height_m":  tr.HeightM,
			"fuel_pct":  tr.FuelPct,
			"timestamp": tr.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	return map[string]any{
		"client_id": clientID,
		"tracks":    entries,
	}
}

// nextBackoff doubles the current backoff (seeded at BaseBackoff), caps it
// at MaxBackoff, and adds up to 20% jitter so multiple clients retrying
// after the same outage don't hammer the endpoint in lockstep.
func (s *Sender) nextBackoff() time.Duration {
	if s.backoff <= 0 {
		s.backoff = s.cfg.BaseBackoff
	} else {
		s.backoff *= 2
	}
	if s.backoff > s.cfg.MaxBackoff {
		s.backoff = s.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(s.backoff) / 5 + 1))
	return s.backoff + jitter
}
