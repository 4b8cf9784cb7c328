// Package supervisor owns process-wide bringup order, concurrent worker
// lifetimes, and signal-driven shutdown: sequential dependency checks
// (store, time sync, decoder, TCP probe) followed by concurrent worker
// goroutines collected on a shared error channel.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/radarlink/ingest-client/internal/config"
	"github.com/radarlink/ingest-client/internal/correlator"
	"github.com/radarlink/ingest-client/internal/decoderproc"
	"github.com/radarlink/ingest-client/internal/metrics"
	"github.com/radarlink/ingest-client/internal/obslog"
	"github.com/radarlink/ingest-client/internal/parser"
	"github.com/radarlink/ingest-client/internal/pinger"
	"github.com/radarlink/ingest-client/internal/sender"
	"github.com/radarlink/ingest-client/internal/status"
	"github.com/radarlink/ingest-client/internal/store"
	"github.com/radarlink/ingest-client/internal/timesync"
)

// Supervisor wires every component's bringup and lifetime.
type Supervisor struct {
	cfg *config.Config

	board *status.Board
	st    *store.Store
	proc  *decoderproc.Process

	metrics    *metrics.Metrics
	metricsReg *prometheus.Registry

	logs struct {
		supervisor *obslog.Logger
		parser     *obslog.Logger
		correlator *obslog.Logger
		sender     *obslog.Logger
		pinger     *obslog.Logger
		decoder    *obslog.Logger
		timesync   *obslog.Logger
	}

	timeProvider timesync.Provider
}

// New constructs a Supervisor from a loaded configuration. Bringup
// (Run) has not happened yet.
func New(cfg *config.Config) *Supervisor {
	s := &Supervisor{cfg: cfg}
	s.logs.supervisor = obslog.New("supervisor", zerolog.InfoLevel)
	s.logs.parser = obslog.New("parser", zerolog.InfoLevel)
	s.logs.correlator = obslog.New("correlator", zerolog.InfoLevel)
	s.logs.sender = obslog.New("sender", zerolog.InfoLevel)
	s.logs.pinger = obslog.New("pinger", zerolog.InfoLevel)
	s.logs.decoder = obslog.New("decoderproc", zerolog.InfoLevel)
	s.logs.timesync = obslog.New("timesync", zerolog.InfoLevel)
	s.board = status.NewBoard(fmt.Sprintf("ingest-client/%s", cfg.App.Version))
	s.metrics, s.metricsReg = metrics.New()
	return s
}

// Run performs sequential bringup (config already loaded → store → time
// sync → decoder launch → TCP probe), then launches the workers
// concurrently, and blocks until ctx is cancelled or a worker fails fatally.
// Shutdown gives workers 10s to exit and the decoder 5s before SIGKILL.
func (s *Supervisor) Run(ctx context.Context) error {
	s.board.SetStage(func(st *status.Stages) { st.Config = true })

	st, err := store.Open(ctx, s.cfg.Database.File, s.logs.supervisor.Raw())
	if err != nil {
		return fmt.Errorf("bringup: open store: %w", err)
	}
	s.st = st
	defer st.Close()
	s.board.SetStage(func(stg *status.Stages) { stg.Database = true })

	for _, l := range []*obslog.Logger{
		s.logs.supervisor, s.logs.parser, s.logs.correlator,
		s.logs.sender, s.logs.pinger, s.logs.decoder, s.logs.timesync,
	} {
		l.WithSink(st)
	}

	s.timeProvider = timesync.NTPProvider{}
	if err := s.timeProvider.Sync(ctx); err != nil {
		s.logs.supervisor.Warn("initial time sync failed, continuing with system clock", err.Error())
	}
	s.board.SetStage(func(stg *status.Stages) { stg.TimeSync = true })

	s.proc = decoderproc.New(decoderproc.Config{
		Executable:  s.cfg.Decoder.Executable,
		CommandArgs: s.cfg.Decoder.CommandArgs,
		KillGrace:   5 * time.Second,
	}, s.logs.decoder)
	decoderExited, err := s.proc.Start(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("bringup: start decoder: %w", err)
	}
	s.board.SetStage(func(stg *status.Stages) { stg.Decoder = true })

	if err := s.probeTCP(ctx); err != nil {
		s.proc.Stop()
		return fmt.Errorf("bringup: decoder TCP probe: %w", err)
	}
	s.board.SetStage(func(stg *status.Stages) { stg.TCPConnection = true })
	s.board.SetStage(func(stg *status.Stages) { stg.Dependencies = true })

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var wg sync.WaitGroup
	errCh := make(chan error, 7)

	p := parser.New(parser.Config{
		Host:           s.cfg.Decoder.Host,
		Port:           s.cfg.Decoder.Port,
		ConnectTimeout: s.cfg.Decoder.Timeout,
		ReconnectDelay: s.cfg.Decoder.ReconnectDelay,
		IdleTimeout:    60 * time.Second,
	}, st, s.logs.parser, s.board)

	corr := correlator.New(correlator.Config{
		Interval:       s.cfg.Cycles.AnalyserInterval,
		BatchSize:      s.cfg.Cycles.BatchSize,
		Window:         s.cfg.Cycles.CorrelationWindow,
		StaleThreshold: s.cfg.Cycles.StaleThreshold,
	}, st, s.logs.correlator, s.board)

	snd := sender.New(sender.Config{
		URL:         s.cfg.API.URL,
		ClientID:    s.cfg.API.ClientID,
		SecretKey:   s.cfg.API.SecretKey,
		BearerToken: s.cfg.API.BearerToken,
		Timeout:     s.cfg.API.Timeout,
		Interval:    s.cfg.Cycles.SenderInterval,
		BatchSize:   s.cfg.Cycles.BatchSize,
	}, st, s.logs.sender)

	png := pinger.New(pinger.Config{
		URL:         s.cfg.API.StatusURL,
		ClientID:    s.cfg.API.ClientID,
		SecretKey:   s.cfg.API.SecretKey,
		BearerToken: s.cfg.API.BearerToken,
		Timeout:     s.cfg.API.Timeout,
		Interval:    s.cfg.API.PingInterval,
	}, s.board, s.logs.pinger)

	p.SetMetrics(s.metrics)
	corr.SetMetrics(s.metrics)
	snd.SetMetrics(s.metrics)
	png.SetMetrics(s.metrics)

	runWorker := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(workerCtx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	runWorker("parser", p.Run)
	runWorker("correlator", corr.Run)
	runWorker("sender", snd.Run)
	runWorker("pinger", png.Run)
	runWorker("metrics", func(c context.Context) error {
		return metrics.Serve(c, s.cfg.App.MetricsAddr, s.metricsReg)
	})
	runWorker("timesync", func(c context.Context) error {
		timesync.RunPeriodic(c, s.timeProvider, s.cfg.Cycles.NTPSyncInterval, s.logs.timesync)
		return nil
	})
	runWorker("audit-drop-sampler", func(c context.Context) error {
		s.sampleAuditDrops(c)
		return nil
	})

	var fatalErr error
	select {
	case <-ctx.Done():
	case err := <-decoderExited:
		if err != nil {
			fatalErr = fmt.Errorf("decoder process: %w", err)
		}
	case err := <-errCh:
		fatalErr = err
	}

	cancelWorkers()

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(10 * time.Second):
		s.logs.supervisor.Warn("workers did not exit within grace period", "")
	}

	if err := s.proc.Stop(); err != nil {
		s.logs.supervisor.Error(err, "failed to stop decoder process cleanly", "")
	}

	return fatalErr
}

// probeTCP waits until the decoder's TCP listener accepts a connection, or
// MaxAttempts is exhausted.
func (s *Supervisor) probeTCP(ctx context.Context) error {
	attempts := s.cfg.Decoder.MaxAttempts
	if attempts <= 0 {
		attempts = 10
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Decoder.Host, s.cfg.Decoder.Port)

	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d := net.Dialer{Timeout: s.cfg.Decoder.Timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Decoder.ReconnectDelay):
		}
	}
	return fmt.Errorf("decoder not reachable at %s after %d attempts: %w", addr, attempts, lastErr)
}

// sampleAuditDrops periodically sums obslog.Logger.Drops() across every
// component logger and adds the delta to the AuditDrops counter, since
// Drops is a monotonic per-logger counter and the Prometheus counter must
// only ever move forward by the same amount.
func (s *Supervisor) sampleAuditDrops(ctx context.Context) {
	loggers := []*obslog.Logger{
		s.logs.supervisor, s.logs.parser, s.logs.correlator,
		s.logs.sender, s.logs.pinger, s.logs.decoder, s.logs.timesync,
	}
	var lastTotal uint64

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var total uint64
			for _, l := range loggers {
				total += l.Drops()
			}
			if total > lastTotal {
				s.metrics.AuditDrops.Add(float64(total - lastTotal))
				lastTotal = total
			}
		}
	}
}
