// Package decoderproc owns the external decoder child process: launch,
// unexpected-exit detection, and graceful shutdown.
package decoderproc

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/radarlink/ingest-client/internal/obslog"
)

// Config configures the decoder child process.
type Config struct {
	Executable  string
	CommandArgs string
	KillGrace   time.Duration
}

// Process supervises the decoder child process.
type Process struct {
	cfg Config
	log *obslog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan error
	stopped bool
}

// New creates a Process. The child is not started until Start is called.
func New(cfg Config, log *obslog.Logger) *Process {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	return &Process{cfg: cfg, log: log}
}

// Start launches the decoder executable with its configured arguments.
// The returned channel receives exactly one value: an error when the child
// exits on its own, or nil when it exits after Stop was called.
func (p *Process) Start(ctx context.Context) (<-chan error, error) {
	args := strings.Fields(p.cfg.CommandArgs)
	cmd := exec.CommandContext(ctx, p.cfg.Executable, args...)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.exited = make(chan error, 1)
	exited := p.exited
	p.mu.Unlock()

	go func() {
		waitErr := cmd.Wait()
		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			exited <- nil
			return
		}
		if waitErr == nil {
			waitErr = fmt.Errorf("decoder exited unexpectedly with status 0")
		} else {
			waitErr = fmt.Errorf("decoder exited unexpectedly: %w", waitErr)
		}
		p.log.Error(waitErr, "decoder process terminated", "")
		exited <- waitErr
	}()

	return exited, nil
}

// Stop sends SIGTERM, waits up to KillGrace for the Start goroutine's Wait
// to observe exit, then sends SIGKILL if the child is still running. It
// never calls cmd.Wait itself — exec.Cmd forbids calling Wait twice — and
// instead waits on the channel the Start goroutine's single Wait feeds, then
// puts the value back so the channel returned by Start still delivers it.
func (p *Process) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	exited := p.exited
	p.stopped = true
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal decoder SIGTERM: %w", err)
	}

	select {
	case v := <-exited:
		exited <- v
		return nil
	case <-time.After(p.cfg.KillGrace):
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill decoder: %w", err)
		}
		exited <- <-exited
		return nil
	}
}
