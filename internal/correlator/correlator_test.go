package correlator

import (
	"context"
	"testing"
	"time"

	"github.com/radarlink/ingest-client/internal/obslog"
	"github.com/radarlink/ingest-client/internal/store"
)

type fakeStore struct {
	k1s, k2s []store.RawPacket
	tracks   []store.TrackFields
	bound    map[int64]bool
	failed   []int64
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{bound: make(map[int64]bool)}
}

func (f *fakeStore) addK1(eventTime time.Time, callsign string) int64 {
	f.nextID++
	id := f.nextID
	cs := callsign
	f.k1s = append(f.k1s, store.RawPacket{ID: id, Type: store.TypeK1, EventTime: eventTime, Callsign: &cs})
	return id
}

func (f *fakeStore) addK2(eventTime time.Time, height, fuel int) int64 {
	f.nextID++
	id := f.nextID
	h, fu := height, fuel
	f.k2s = append(f.k2s, store.RawPacket{ID: id, Type: store.TypeK2, EventTime: eventTime, HeightM: &h, FuelPct: &fu})
	return id
}

func (f *fakeStore) SelectUnboundPackets(ctx context.Context, t store.PacketType, limit int) ([]store.RawPacket, error) {
	var src []store.RawPacket
	if t == store.TypeK1 {
		src = f.k1s
	} else {
		src = f.k2s
	}
	var out []store.RawPacket
	for _, p := range src {
		if !f.bound[p.ID] {
			out = append(out, p)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) CreateTrackAndBind(ctx context.Context, k1ID, k2ID int64, fields store.TrackFields) (int64, error) {
	if f.bound[k1ID] || f.bound[k2ID] {
		return 0, store.ErrAlreadyBound
	}
	f.bound[k1ID] = true
	f.bound[k2ID] = true
	f.tracks = append(f.tracks, fields)
	return int64(len(f.tracks)), nil
}

func (f *fakeStore) MarkPacketsFailed(ctx context.Context, ids []int64) error {
	f.failed = append(f.failed, ids...)
	for _, id := range ids {
		f.bound[id] = true // stop being scanned, mirroring sent=failed leaving bound_to_track null but out of the unbound selection
	}
	return nil
}

func TestHappyPairS1(t *testing.T) {
	fs := newFakeStore()
	k1Time := time.Date(2026, 7, 31, 11, 11, 38, 0, time.UTC)
	k2Time := time.Date(2026, 7, 31, 11, 11, 40, 0, time.UTC)
	fs.addK1(k1Time, "10437")
	fs.addK2(k2Time, 5360, 40)

	c := New(Config{Interval: time.Second, Window: 5 * time.Second}, fs, obslog.New("correlator", -1), nil)
	if err := c.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if len(fs.tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(fs.tracks))
	}
	got := fs.tracks[0]
	if got.Callsign != "10437" || got.HeightM != 5360 || got.FuelPct != 40 || !got.Timestamp.Equal(k2Time) {
		t.Fatalf("unexpected track fields: %+v", got)
	}
}

func TestWindowMissS2(t *testing.T) {
	fs := newFakeStore()
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	fs.addK1(base, "10437")
	fs.addK2(base.Add(10*time.Second), 5360, 40)

	c := New(Config{Interval: time.Second, Window: 5 * time.Second, StaleThreshold: time.Hour}, fs, obslog.New("correlator", -1), nil)
	if err := c.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(fs.tracks) != 0 {
		t.Fatalf("expected no tracks (Δt=10s > window=5s), got %d", len(fs.tracks))
	}
	if len(fs.failed) != 0 {
		t.Fatalf("expected no staleness yet (threshold=1h), got %v", fs.failed)
	}
}

func TestStaleAgingS2(t *testing.T) {
	fs := newFakeStore()
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	fs.addK1(base, "10437")
	fs.addK2(base.Add(2*time.Minute), 5360, 40) // outside window; the first K1 is older than this K2 by more than stale_threshold
	fs.addK1(base.Add(4*time.Minute), "10438")  // no K2 in window; this K2 is older than it by more than stale_threshold

	c := New(Config{Interval: time.Second, Window: 5 * time.Second, StaleThreshold: 60 * time.Second}, fs, obslog.New("correlator", -1), nil)
	if err := c.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(fs.tracks) != 0 {
		t.Fatalf("expected no tracks, got %d", len(fs.tracks))
	}
	if len(fs.failed) != 2 {
		t.Fatalf("expected the first K1 and the K2 aged out as stale, got %v", fs.failed)
	}
}

func TestTieBreakS3(t *testing.T) {
	fs := newFakeStore()
	k1Time := time.Date(2026, 7, 31, 12, 0, 10, 0, time.UTC)
	k2ATime := time.Date(2026, 7, 31, 12, 0, 8, 0, time.UTC)
	k2BTime := time.Date(2026, 7, 31, 12, 0, 12, 0, time.UTC)
	fs.addK1(k1Time, "10437")
	idA := fs.addK2(k2ATime, 1000, 10)
	fs.addK2(k2BTime, 2000, 20)

	c := New(Config{Interval: time.Second, Window: 5 * time.Second}, fs, obslog.New("correlator", -1), nil)
	if err := c.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(fs.tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(fs.tracks))
	}
	if fs.tracks[0].HeightM != 1000 {
		t.Fatalf("expected tie-break to prefer earlier K2 (id=%d, height=1000), got height=%d", idA, fs.tracks[0].HeightM)
	}
}

func TestDeterministicAcrossCallOrder(t *testing.T) {
	fs := newFakeStore()
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	fs.addK1(base, "A1")
	fs.addK1(base.Add(3*time.Second), "A2")
	fs.addK2(base.Add(1*time.Second), 100, 1)
	fs.addK2(base.Add(4*time.Second), 200, 2)

	c := New(Config{Interval: time.Second, Window: 5 * time.Second}, fs, obslog.New("correlator", -1), nil)
	if err := c.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(fs.tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d: %+v", len(fs.tracks), fs.tracks)
	}
	if fs.tracks[0].Callsign != "A1" || fs.tracks[0].HeightM != 100 {
		t.Fatalf("expected A1 paired with first K2, got %+v", fs.tracks[0])
	}
	if fs.tracks[1].Callsign != "A2" || fs.tracks[1].HeightM != 200 {
		t.Fatalf("expected A2 paired with second K2, got %+v", fs.tracks[1])
	}
}
