package parser

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/radarlink/ingest-client/internal/metrics"
	"github.com/radarlink/ingest-client/internal/obslog"
	"github.com/radarlink/ingest-client/internal/status"
	"github.com/radarlink/ingest-client/internal/store"
)

// connState is the Parser's connection state machine:
// Disconnected → Connecting → Connected → Disconnected.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// Store is the subset of *store.Store the Parser needs.
type Store interface {
	InsertPacket(ctx context.Context, p store.RawPacket) (int64, error)
}

// Parser owns the persistent TCP connection to the decoder and decodes its
// line stream into RawPacket rows. It tracks connection state behind an
// atomic flag and reconnects automatically on drop.
type Parser struct {
	host           string
	port           int
	connectTimeout time.Duration
	reconnectDelay time.Duration
	idleTimeout    time.Duration

	store         Store
	log           *obslog.Logger
	board         *status.Board
	metrics       *metrics.Metrics
	everConnected bool
	warnEvery     func(fn func(count uint64))
}

// Config configures a new Parser.
type Config struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	IdleTimeout    time.Duration
}

// New creates a Parser. board may be nil in tests that don't care about
// published connectivity state.
func New(cfg Config, st Store, log *obslog.Logger, board *status.Board) *Parser {
	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = 60 * time.Second
	}
	return &Parser{
		host:           cfg.Host,
		port:           cfg.Port,
		connectTimeout: cfg.ConnectTimeout,
		reconnectDelay: cfg.ReconnectDelay,
		idleTimeout:    idle,
		store:          st,
		log:            log,
		board:          board,
		warnEvery:      obslog.RateLimited(100),
	}
}

// SetMetrics attaches a metrics sink. Safe to skip in tests that don't
// assert on counters.
func (p *Parser) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// Run drives the connect/read/reconnect loop until ctx is cancelled.
func (p *Parser) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		p.setConnected(false)

		conn, err := p.connect(ctx)
		if err != nil {
			p.log.Warn("decoder connect failed", err.Error())
			if !p.sleep(ctx, p.reconnectDelay) {
				return nil
			}
			continue
		}

		if p.everConnected && p.metrics != nil {
			p.metrics.Reconnects.Inc()
		}
		p.everConnected = true
		p.setConnected(true)
		err = p.readLoop(ctx, conn)
		conn.Close()
		p.setConnected(false)

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			p.log.Warn("decoder connection lost", err.Error())
		}
		if !p.sleep(ctx, p.reconnectDelay) {
			return nil
		}
	}
}

func (p *Parser) connect(ctx context.Context) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", p.host, p.port)
	d := net.Dialer{Timeout: p.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

func (p *Parser) readLoop(ctx context.Context, conn net.Conn) error {
	reader := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(p.idleTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			if len(line) > 0 {
				p.handleLine(ctx, line)
			}
			return err
		}
		p.handleLine(ctx, line)
	}
}

func (p *Parser) handleLine(ctx context.Context, raw string) {
	line := strings.TrimRight(raw, "\r\n")
	if line == "" {
		return
	}

	decoded, ok := ParseLine(line)
	if !ok || decoded.Validate() != nil {
		if p.metrics != nil {
			p.metrics.ParseDrops.Inc()
		}
		p.warnEvery(func(count uint64) {
			p.log.Warn("unparseable decoder line", fmt.Sprintf("drops=%d sample=%q", count, line))
		})
		return
	}

	eventTime := EventTime(decoded, time.Now())
	var packet store.RawPacket
	if decoded.Type == "K1" {
		packet = store.NewK1Packet(eventTime, decoded.Callsign, nil)
	} else {
		packet = store.NewK2Packet(eventTime, decoded.HeightM, decoded.FuelPct)
	}

	// Blocks on a slow Store rather than dropping reads: the decoder stream
	// is bounded and the Store writer is single-threaded.
	if _, err := p.store.InsertPacket(ctx, packet); err != nil {
		p.log.Error(err, "failed to persist packet", line)
		return
	}
	if p.metrics != nil {
		p.metrics.PacketsParsed.WithLabelValues(decoded.Type).Inc()
	}
}

func (p *Parser) setConnected(connected bool) {
	if p.board != nil {
		p.board.SetTCPConnected(connected)
	}
}

func (p *Parser) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
