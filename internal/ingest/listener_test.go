package ingest

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/restrike/restrike-vta/internal/journal"
	"github.com/restrike/restrike-vta/internal/pss"
)

type countingObserver struct {
	mu     sync.Mutex
	bytes  int
	parsed int
	diags  int
}

func (o *countingObserver) ObserveDatagram(bytes int, parsed bool, diags []pss.Diagnostic) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bytes += bytes
	if parsed {
		o.parsed++
	}
	o.diags += len(diags)
}

func startLocal(t *testing.T, opts ...Option) (*Listener, *journal.Journal[pss.Event]) {
	t.Helper()
	j := journal.New[pss.Event](journal.DefaultCapacity)
	l := NewListener(pss.NewHolder(pss.Builtin()), j, opts...)
	err := l.Start(context.Background(), Config{
		Port:        0,
		ReadTimeout: 20 * time.Millisecond,
		Network:     NetworkConfig{SelectedInterface: "127.0.0.1"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(l.Stop)
	return l, j
}

func send(t *testing.T, to net.Addr, payloads ...string) {
	t.Helper()
	conn, err := net.Dial("udp", to.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	for _, p := range payloads {
		if _, err := conn.Write([]byte(p)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestListener_ReceivesAndStamps(t *testing.T) {
	obs := &countingObserver{}
	var hooked []Datagram
	var hookMu sync.Mutex
	l, j := startLocal(t, WithObserver(obs), WithDatagramHook(func(d Datagram) {
		hookMu.Lock()
		hooked = append(hooked, d)
		hookMu.Unlock()
	}))

	if st := l.Status(); st.State != StateRunning || st.Addr == "" {
		t.Fatalf("status = %+v", st)
	}

	send(t, l.Addr(), "POINTS;1;body\nPOINTS;1;head", "WARNINGS;0;1")
	waitFor(t, func() bool { return j.Len() == 3 })

	events := l.RecentEvents()
	for i, ev := range events {
		meta := ev.Meta()
		if meta.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d", i, meta.Seq)
		}
		if meta.Source == "" || meta.ReceivedAt.IsZero() {
			t.Errorf("event %d missing origin: %+v", i, meta)
		}
	}
	if events[2].Kind() != pss.KindWarnings {
		t.Errorf("last event kind = %s", events[2].Kind())
	}

	st := l.Stats()
	if st.PacketsReceived != 2 || st.PacketsParsed != 2 || st.ParseErrors != 0 || st.UniqueClients != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.BytesTotal != uint64(len("POINTS;1;body\nPOINTS;1;head")+len("WARNINGS;0;1")) {
		t.Errorf("bytes = %d", st.BytesTotal)
	}

	clients := l.Clients()
	if len(clients) != 1 || clients[0].Packets != 2 {
		t.Errorf("clients = %+v", clients)
	}

	hookMu.Lock()
	if len(hooked) != 2 || string(hooked[1].Payload) != "WARNINGS;0;1" {
		t.Errorf("hook saw %d datagrams", len(hooked))
	}
	hookMu.Unlock()

	obs.mu.Lock()
	if obs.parsed != 2 {
		t.Errorf("observer parsed = %d", obs.parsed)
	}
	obs.mu.Unlock()
}

func TestListener_MalformedDatagramKeepsLoopAlive(t *testing.T) {
	l, j := startLocal(t)

	send(t, l.Addr(), "POINTS;7;body", "NOPE;1", "CLOCK;1:30;start")
	waitFor(t, func() bool { return l.Stats().PacketsReceived == 3 })
	// the unknown stream is kept as a raw event under the warn policy
	waitFor(t, func() bool { return j.Len() == 2 })

	st := l.Stats()
	if st.ParseErrors != 2 {
		t.Errorf("parse errors = %d, want 2", st.ParseErrors)
	}
	if st.PacketsParsed != 2 {
		t.Errorf("parsed = %d, want 2", st.PacketsParsed)
	}
	if kinds := []pss.Kind{j.Snapshot()[0].Kind(), j.Snapshot()[1].Kind()}; kinds[0] != pss.KindRaw || kinds[1] != pss.KindClock {
		t.Errorf("kinds = %v", kinds)
	}
	if len(l.RecentDiagnostics()) == 0 {
		t.Error("expected retained diagnostics")
	}
}

func TestListener_StopTransitions(t *testing.T) {
	l, _ := startLocal(t)
	addr := l.Addr()

	l.Stop()
	if st := l.Status(); st.State != StateStopped {
		t.Errorf("state after stop = %s", st.State)
	}
	if l.Addr() != nil {
		t.Error("address should be cleared after stop")
	}

	// the port is released
	conn, err := net.ListenPacket("udp", addr.String())
	if err != nil {
		t.Fatalf("port not released: %v", err)
	}
	conn.Close()

	// stop is idempotent
	l.Stop()
}

func TestListener_BindFailure(t *testing.T) {
	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	l := NewListener(pss.NewHolder(pss.Builtin()), journal.New[pss.Event](10))
	err = l.Start(context.Background(), Config{
		Port:    busy.LocalAddr().(*net.UDPAddr).Port,
		Network: NetworkConfig{SelectedInterface: "127.0.0.1"},
	})
	if err == nil {
		l.Stop()
		t.Fatal("expected bind failure")
	}
	if st := l.Status(); st.State != StateError || st.Message == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestListener_DoubleStart(t *testing.T) {
	l, _ := startLocal(t)
	if err := l.Start(context.Background(), Config{Network: NetworkConfig{SelectedInterface: "127.0.0.1"}}); err == nil {
		t.Error("second Start should fail")
	}
}

func TestListener_OversizedDatagramFlagged(t *testing.T) {
	l, _ := startLocal(t)

	send(t, l.Addr(), "WINNER;"+strings.Repeat("A", 9000))
	waitFor(t, func() bool { return l.Stats().PacketsReceived == 1 })

	if got := l.Stats().BytesTotal; got <= pss.DefaultMaxPacketSize {
		t.Errorf("bytes read = %d, want more than the %d byte limit", got, pss.DefaultMaxPacketSize)
	}
	var truncated bool
	for _, d := range l.RecentDiagnostics() {
		if d.Kind == pss.DiagTruncated {
			truncated = true
		}
	}
	if !truncated {
		t.Errorf("no Truncated diagnostic in %+v", l.RecentDiagnostics())
	}
}

// failingConn reports a socket error on every read.
type failingConn struct {
	net.PacketConn
	mu     sync.Mutex
	reads  int
	closed bool
}

func (c *failingConn) ReadFrom([]byte) (int, net.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	return 0, nil, errors.New("connection refused")
}

func (c *failingConn) SetReadDeadline(time.Time) error { return nil }

func (c *failingConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}
}

func (c *failingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestListener_SocketErrorHaltsLoop(t *testing.T) {
	conn := &failingConn{}
	l := NewListener(pss.NewHolder(pss.Builtin()), journal.New[pss.Event](10),
		WithPacketListener(func(*net.UDPAddr) (net.PacketConn, error) { return conn, nil }))
	err := l.Start(context.Background(), Config{Network: NetworkConfig{SelectedInterface: "127.0.0.1"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(l.Stop)

	waitFor(t, func() bool { return l.Status().State == StateError })
	if msg := l.Status().Message; !strings.Contains(msg, "connection refused") {
		t.Errorf("status message = %q", msg)
	}
	waitFor(t, func() bool { return l.Addr() == nil })

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.reads != 1 {
		t.Errorf("reads = %d, want the loop to stop after the first error", conn.reads)
	}
	if !conn.closed {
		t.Error("socket not closed")
	}
}
