// Package correlator pairs unbound K1 and K2 packets within a time window
// into FlightTrack records on a fixed cadence, using a deterministic
// nearest-neighbor greedy match over event_time-ordered batches.
package correlator

import (
	"context"
	"sort"
	"time"

	"github.com/radarlink/ingest-client/internal/metrics"
	"github.com/radarlink/ingest-client/internal/obslog"
	"github.com/radarlink/ingest-client/internal/status"
	"github.com/radarlink/ingest-client/internal/store"
)

// Store is the subset of *store.Store the Correlator needs.
type Store interface {
	SelectUnboundPackets(ctx context.Context, packetType store.PacketType, limit int) ([]store.RawPacket, error)
	CreateTrackAndBind(ctx context.Context, k1ID, k2ID int64, fields store.TrackFields) (int64, error)
	MarkPacketsFailed(ctx context.Context, ids []int64) error
}

// Config configures a Correlator.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	Window         time.Duration
	StaleThreshold time.Duration
}

// Correlator runs the fixed-cadence correlation cycle.
type Correlator struct {
	store   Store
	log     *obslog.Logger
	board   *status.Board
	metrics *metrics.Metrics
	cfg     Config
}

// New creates a Correlator.
func New(cfg Config, st Store, log *obslog.Logger, board *status.Board) *Correlator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 60 * time.Second
	}
	return &Correlator{store: st, log: log, board: board, cfg: cfg}
}

// SetMetrics attaches a metrics sink. Safe to skip in tests.
func (c *Correlator) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// Run ticks every cfg.Interval until ctx is cancelled, running one
// correlation cycle per tick.
func (c *Correlator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.cycle(ctx); err != nil {
				c.log.Error(err, "correlation cycle aborted, retrying next tick", "")
			}
		}
	}
}

// cycle loads unbound K1/K2 batches ordered by event_time, greedily matches
// each K1 to its nearest unconsumed K2 within the correlation window, binds
// accepted pairs into a FlightTrack, and ages out packets past the stale
// threshold that never found a match.
func (c *Correlator) cycle(ctx context.Context) error {
	k1s, err := c.store.SelectUnboundPackets(ctx, store.TypeK1, c.cfg.BatchSize)
	if err != nil {
		return err
	}
	k2s, err := c.store.SelectUnboundPackets(ctx, store.TypeK2, c.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(k1s) == 0 && len(k2s) == 0 {
		return nil
	}

	// Both slices already arrive ordered by event_time ascending from the
	// Store; re-sort defensively so the greedy match is deterministic even
	// if that contract ever changes.
	sort.Slice(k1s, func(i, j int) bool { return k1s[i].EventTime.Before(k1s[j].EventTime) })
	sort.Slice(k2s, func(i, j int) bool { return k2s[i].EventTime.Before(k2s[j].EventTime) })

	consumed := make(map[int64]bool, len(k2s))
	var staleK1, staleK2 []int64
	var newestK2 time.Time
	for _, k2 := range k2s {
		if k2.EventTime.After(newestK2) {
			newestK2 = k2.EventTime
		}
	}

	for _, k1 := range k1s {
		best := findBestMatch(k1, k2s, consumed, c.cfg.Window)
		if best == nil {
			if !newestK2.IsZero() && newestK2.Sub(k1.EventTime) > c.cfg.StaleThreshold {
				staleK1 = append(staleK1, k1.ID)
			}
			continue
		}
		consumed[best.ID] = true

		fields := store.TrackFields{
			Callsign:  valueOrEmpty(k1.Callsign),
			HeightM:   valueOrZero(best.HeightM),
			FuelPct:   valueOrZero(best.FuelPct),
			Timestamp: best.EventTime, // K2 carries the dynamic quantities (height, fuel)
		}
		if _, err := c.store.CreateTrackAndBind(ctx, k1.ID, best.ID, fields); err != nil {
			if err == store.ErrAlreadyBound {
				c.log.Info("track bind collision, retrying next cycle", "")
				continue
			}
			return err
		}
		if c.metrics != nil {
			c.metrics.TracksCorrelated.Inc()
		}
	}

	var newestK1 time.Time
	for _, k1 := range k1s {
		if k1.EventTime.After(newestK1) {
			newestK1 = k1.EventTime
		}
	}
	for _, k2 := range k2s {
		if consumed[k2.ID] {
			continue
		}
		if !newestK1.IsZero() && newestK1.Sub(k2.EventTime) > c.cfg.StaleThreshold {
			staleK2 = append(staleK2, k2.ID)
		}
	}

	if len(staleK1) > 0 {
		if err := c.store.MarkPacketsFailed(ctx, staleK1); err != nil {
			return err
		}
		c.log.Info("marked stale K1 packets as unmatched", "")
		if c.metrics != nil {
			c.metrics.StaleAgedOut.WithLabelValues(string(store.TypeK1)).Add(float64(len(staleK1)))
		}
	}
	if len(staleK2) > 0 {
		if err := c.store.MarkPacketsFailed(ctx, staleK2); err != nil {
			return err
		}
		c.log.Info("marked stale K2 packets as unmatched", "")
		if c.metrics != nil {
			c.metrics.StaleAgedOut.WithLabelValues(string(store.TypeK2)).Add(float64(len(staleK2)))
		}
	}

	return nil
}

// findBestMatch returns the unconsumed K2 with the smallest |Δt| within
// window, tie-broken by earlier event_time then smaller id.
func findBestMatch(k1 store.RawPacket, k2s []store.RawPacket, consumed map[int64]bool, window time.Duration) *store.RawPacket {
	var best *store.RawPacket
	var bestDelta time.Duration

	for i := range k2s {
		k2 := &k2s[i]
		if consumed[k2.ID] {
			continue
		}
		delta := k1.EventTime.Sub(k2.EventTime)
		if delta < 0 {
			delta = -delta
		}
		if delta > window {
			continue
		}
		if best == nil || delta < bestDelta ||
			(delta == bestDelta && k2.EventTime.Before(best.EventTime)) ||
			(delta == bestDelta && k2.EventTime.Equal(best.EventTime) && k2.ID < best.ID) {
			best = k2
			bestDelta = delta
		}
	}
	return best
}

func valueOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func valueOrZero(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}
