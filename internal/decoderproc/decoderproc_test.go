package decoderproc

import (
	"context"
	"testing"
	"time"

	"github.com/radarlink/ingest-client/internal/obslog"
)

func TestStopTerminatesGracefully(t *testing.T) {
	// sleep has no SIGTERM handler installed; the default disposition for
	// SIGTERM is process termination, which is enough to exercise the
	// graceful (no SIGKILL needed) path.
	p := New(Config{Executable: "sleep", CommandArgs: "30", KillGrace: 2 * time.Second}, obslog.New("decoderproc", -1))

	exited, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case err := <-exited:
		if err != nil {
			t.Fatalf("expected nil error after deliberate stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected exited channel to fire after Stop returned")
	}
}

func TestUnexpectedExitSurfacesError(t *testing.T) {
	p := New(Config{Executable: "/bin/sh", CommandArgs: "-c \"exit 1\"", KillGrace: time.Second}, obslog.New("decoderproc", -1))

	exited, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-exited:
		if err == nil {
			t.Fatal("expected an error for unexpected child exit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected exited channel to fire after child exits on its own")
	}
}
