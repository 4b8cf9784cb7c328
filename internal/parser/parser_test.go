package parser

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/radarlink/ingest-client/internal/obslog"
	"github.com/radarlink/ingest-client/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	packets []store.RawPacket
}

func (f *fakeStore) InsertPacket(ctx context.Context, p store.RawPacket) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, p)
	return int64(len(f.packets)), nil
}

func (f *fakeStore) snapshot() []store.RawPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.RawPacket, len(f.packets))
	copy(out, f.packets)
	return out
}

func TestParserConnectsAndPersistsLines(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	fs := &fakeStore{}
	log := obslog.New("parser", -1)
	p := New(Config{
		Host:           host,
		Port:           port,
		ConnectTimeout: time.Second,
		ReconnectDelay: 50 * time.Millisecond,
		IdleTimeout:    5 * time.Second,
	}, fs, log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	var serverConn net.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("decoder never accepted")
	}

	serverConn.Write([]byte("K1 11:11:38.370.366 [ 8832] {018} **** :10437\n"))
	serverConn.Write([]byte("garbage line\n"))
	serverConn.Write([]byte("K2 11:11:40.082.632 [ 8706] {017} **** FL 5360m [F176]+ F:40%\n"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fs.snapshot()) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	packets := fs.snapshot()
	if len(packets) != 2 {
		t.Fatalf("expected 2 persisted packets (garbage dropped), got %d: %+v", len(packets), packets)
	}
	if packets[0].Type != store.TypeK1 || *packets[0].Callsign != "10437" {
		t.Fatalf("unexpected first packet: %+v", packets[0])
	}
	if packets[1].Type != store.TypeK2 || *packets[1].HeightM != 5360 || *packets[1].FuelPct != 40 {
		t.Fatalf("unexpected second packet: %+v", packets[1])
	}

	cancel()
	serverConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("parser did not stop after cancel")
	}
}

func TestParserReconnectsAfterDrop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	conns := make(chan net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()

	fs := &fakeStore{}
	log := obslog.New("parser", -1)
	p := New(Config{
		Host:           host,
		Port:           port,
		ConnectTimeout: time.Second,
		ReconnectDelay: 20 * time.Millisecond,
		IdleTimeout:    5 * time.Second,
	}, fs, log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	first := <-conns
	first.Write([]byte("K1 11:11:38.370.366 [ 8832] {018} **** :10437\n"))
	first.Close() // simulate mid-stream disconnect

	second := <-conns
	second.Write([]byte("K2 11:11:40.082.632 [ 8706] {017} **** FL 5360m [F176]+ F:40%\n"))
	defer second.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fs.snapshot()) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := len(fs.snapshot()); got != 2 {
		t.Fatalf("expected reconnect to deliver both packets, got %d", got)
	}
}
