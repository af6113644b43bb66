package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/restrike/restrike-vta/internal/pss"
)

func TestObserveDatagram(t *testing.T) {
	m := New()
	m.ObserveDatagram(10, true, nil)
	m.ObserveDatagram(5, false, []pss.Diagnostic{{Kind: pss.DiagUnknownStream}, {Kind: pss.DiagUnknownStream}})
	m.ObserveDatagram(7, true, []pss.Diagnostic{{Kind: pss.DiagTruncated}})

	if got := testutil.ToFloat64(m.udpBytes); got != 22 {
		t.Errorf("bytes = %v, want 22", got)
	}
	if got := testutil.ToFloat64(m.udpPackets.WithLabelValues("parsed")); got != 2 {
		t.Errorf("parsed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.udpPackets.WithLabelValues("rejected")); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.codecDiags.WithLabelValues("UnknownStream")); got != 2 {
		t.Errorf("UnknownStream = %v, want 2", got)
	}
}

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest("OBS_REC", "StartRecord", "ok", 20*time.Millisecond)
	m.ObserveRequest("OBS_REC", "StartRecord", "Remote", 20*time.Millisecond)
	m.ObserveRequest("OBS_REC", "StartRecord", "ok", 20*time.Millisecond)

	if got := testutil.ToFloat64(m.obsRequests.WithLabelValues("OBS_REC", "StartRecord", "ok")); got != 2 {
		t.Errorf("ok = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(m.obsLatency); n != 1 {
		t.Errorf("latency series = %d, want 1", n)
	}
}

func TestConnectionState(t *testing.T) {
	m := New()
	m.SetConnectionState("a", "authenticated")
	m.SetConnectionState("b", "bogus")

	if got := testutil.ToFloat64(m.obsState.WithLabelValues("a")); got != 4 {
		t.Errorf("a = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.obsState.WithLabelValues("b")); got != -1 {
		t.Errorf("b = %v, want -1", got)
	}
	m.ForgetConnection("a")
	m.ForgetConnection("b")
	if n := testutil.CollectAndCount(m.obsState); n != 0 {
		t.Errorf("state series after forget = %d", n)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.PathGenerated()
	m.SubscriberDropped(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"restrike_paths_generated_total 1",
		"restrike_journal_subscribers_dropped_total 1",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.PathGenerated()
	if got := testutil.ToFloat64(b.pathsGenerated); got != 0 {
		t.Errorf("second instance saw %v", got)
	}
}
