// Package timesync defines the pluggable system clock synchronisation
// contract used during bringup and on a periodic re-sync cadence. A
// Provider implementation can be swapped between a no-op and an NTP-backed
// check without touching the caller.
package timesync

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"

	"github.com/radarlink/ingest-client/internal/obslog"
)

// Provider synchronises the system clock, or reports why it could not.
type Provider interface {
	Sync(ctx context.Context) error
}

// NoopProvider assumes the system clock is already correct (used in tests
// and environments where NTP is unreachable by policy).
type NoopProvider struct{}

// Sync always succeeds.
func (NoopProvider) Sync(ctx context.Context) error { return nil }

// NTPProvider checks system clock offset against an NTP server. It does
// not itself adjust the system clock (that requires elevated privileges
// out of scope for this process); it reports a non-fatal warning through
// the caller if the offset exceeds MaxDrift.
type NTPProvider struct {
	Server   string
	MaxDrift time.Duration
}

// Sync queries the configured NTP server and returns an error if the
// measured offset exceeds MaxDrift, or if the query itself fails.
func (p NTPProvider) Sync(ctx context.Context) error {
	server := p.Server
	if server == "" {
		server = "pool.ntp.org"
	}
	drift := p.MaxDrift
	if drift <= 0 {
		drift = 2 * time.Second
	}

	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("ntp query %s: %w", server, err)
	}
	if err := resp.Validate(); err != nil {
		return fmt.Errorf("ntp response from %s: %w", server, err)
	}
	if resp.ClockOffset < -drift || resp.ClockOffset > drift {
		return fmt.Errorf("clock offset %s exceeds max drift %s (server %s)", resp.ClockOffset, drift, server)
	}
	return nil
}

// RunPeriodic re-syncs every interval until ctx is cancelled, logging (but
// never escalating) failures. Bringup should call Sync directly once
// before starting this loop, since a bringup failure is only a WARN, never
// fatal.
func RunPeriodic(ctx context.Context, p Provider, interval time.Duration, log *obslog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Sync(ctx); err != nil {
				log.Warn("periodic time sync failed", err.Error())
			}
		}
	}
}
