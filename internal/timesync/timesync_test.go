package timesync

import (
	"context"
	"testing"
	"time"

	"github.com/radarlink/ingest-client/internal/obslog"
)

func TestNoopProviderAlwaysSucceeds(t *testing.T) {
	var p NoopProvider
	if err := p.Sync(context.Background()); err != nil {
		t.Fatalf("noop provider should never fail, got %v", err)
	}
}

type failingProvider struct{ calls int }

func (f *failingProvider) Sync(ctx context.Context) error {
	f.calls++
	return errAlwaysFails
}

var errAlwaysFails = &syncError{"sync always fails in this test"}

type syncError struct{ msg string }

func (e *syncError) Error() string { return e.msg }

func TestRunPeriodicLogsAndContinuesOnFailure(t *testing.T) {
	fp := &failingProvider{}
	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()

	RunPeriodic(ctx, fp, 20*time.Millisecond, obslog.New("timesync", -1))

	if fp.calls < 2 {
		t.Fatalf("expected at least 2 periodic sync attempts, got %d", fp.calls)
	}
}

func TestRunPeriodicStopsOnCancel(t *testing.T) {
	fp := &failingProvider{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		RunPeriodic(ctx, fp, time.Millisecond, obslog.New("timesync", -1))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected RunPeriodic to return promptly after ctx cancellation")
	}
}
