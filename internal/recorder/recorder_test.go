package recorder

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/restrike/restrike-vta/internal/ingest"
)

func writeCapture(t *testing.T, payloads []string, gap time.Duration) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.ndjson")
	rec, err := NewRecorder(path)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	base := time.Date(2024, 5, 3, 14, 0, 0, 0, time.UTC)
	for i, p := range payloads {
		d := ingest.Datagram{ReceivedAt: base.Add(time.Duration(i) * gap), Source: "10.0.0.5:6000", Payload: []byte(p)}
		if err := rec.Record(d); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if rec.Count() != len(payloads) {
		t.Errorf("Count = %d", rec.Count())
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestRecorder_WritesNDJSON(t *testing.T) {
	path := writeCapture(t, []string{"POINTS;1;body", "CLOCK;1:30;stop"}, time.Second)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"payload":"POINTS;1;body"`) || !strings.Contains(lines[0], `"run":"`) {
		t.Errorf("line 0 = %s", lines[0])
	}

	r := NewReplayer(path, 1, false)
	n, err := r.CountEntries()
	if err != nil || n != 2 {
		t.Errorf("CountEntries = %d, %v", n, err)
	}
	first, err := r.FirstEntry()
	if err != nil || first.Payload != "POINTS;1;body" || first.Source != "10.0.0.5:6000" {
		t.Errorf("FirstEntry = %+v, %v", first, err)
	}
}

func TestRecordFromChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.ndjson")
	rec, err := NewRecorder(path)
	if err != nil {
		t.Fatal(err)
	}
	in := make(chan ingest.Datagram, 3)
	for i := 0; i < 3; i++ {
		in <- ingest.Datagram{ReceivedAt: time.Now(), Payload: []byte("X;1")}
	}
	close(in)

	seen := 0
	if err := rec.RecordFromChannel(context.Background(), in, func() { seen++ }); err != nil {
		t.Fatalf("RecordFromChannel: %v", err)
	}
	if seen != 3 {
		t.Errorf("onEntry calls = %d", seen)
	}
	n, _ := NewReplayer(path, 1, false).CountEntries()
	if n != 3 {
		t.Errorf("entries = %d", n)
	}
}

func TestReplay_SpeedScalesGaps(t *testing.T) {
	path := writeCapture(t, []string{"A;1", "B;2", "C;3"}, 200*time.Millisecond)

	out := make(chan Entry, 10)
	start := time.Now()
	if err := NewReplayer(path, 10, false).Replay(context.Background(), out); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	elapsed := time.Since(start)
	close(out)

	var got []string
	for e := range out {
		got = append(got, e.Payload)
	}
	if strings.Join(got, ",") != "A;1,B;2,C;3" {
		t.Errorf("order = %v", got)
	}
	// Two 200ms gaps at 10x.
	if elapsed < 30*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("elapsed = %v", elapsed)
	}
}

func TestReplay_LoopStopsOnCancel(t *testing.T) {
	path := writeCapture(t, []string{"A;1"}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Entry)
	done := make(chan error, 1)
	go func() { done <- NewReplayer(path, 1, true).Replay(ctx, out) }()

	for i := 0; i < 3; i++ {
		select {
		case <-out:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not repeat")
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Replay did not stop")
	}
}

func TestReplay_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ndjson")
	if err := os.WriteFile(path, []byte("{not json}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := NewReplayer(path, 1, false).Replay(context.Background(), make(chan Entry, 1))
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("err = %v", err)
	}
}

func TestSendUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	in := make(chan Entry, 2)
	in <- Entry{Payload: "POINTS;1;body"}
	in <- Entry{Payload: "POINTS;2;head"}
	close(in)

	n, err := SendUDP(context.Background(), pc.LocalAddr().String(), in)
	if err != nil || n != 2 {
		t.Fatalf("SendUDP = %d, %v", n, err)
	}

	buf := make([]byte, 64)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"POINTS;1;body", "POINTS;2;head"} {
		k, _, err := pc.ReadFrom(buf)
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		if string(buf[:k]) != want {
			t.Errorf("got %q, want %q", buf[:k], want)
		}
	}
}
