package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/restrike/restrike-vta/internal/pss"
	"github.com/restrike/restrike-vta/internal/store"
)

type fakeSource struct {
	rows []store.EventRow
	path *store.PathRow
	err  error
}

func (f *fakeSource) EventsForMatch(_ context.Context, matchID string) ([]store.EventRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []store.EventRow
	for _, r := range f.rows {
		if r.MatchID == matchID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) GeneratedPathFor(_ context.Context, matchID string) (store.PathRow, bool, error) {
	if f.path == nil || f.path.MatchID != matchID {
		return store.PathRow{}, false, nil
	}
	return *f.path, true, nil
}

var t0 = time.Date(2024, 5, 3, 14, 22, 7, 0, time.UTC)

func matchRows(lines ...string) []store.EventRow {
	rows := make([]store.EventRow, len(lines))
	for i, l := range lines {
		rows[i] = store.EventRow{
			Seq:        uint64(i + 1),
			ReceivedAt: t0.Add(time.Duration(i) * time.Second),
			Source:     "10.0.0.9:5000",
			Line:       l,
			MatchID:    "M-7",
		}
	}
	return rows
}

func TestBuild_FoldsStoredEvents(t *testing.T) {
	src := &fakeSource{
		rows: matchRows(
			"MATCH;M-7;7;Senior Male;-68kg;3;2:00",
			"ATHLETE;1;KOR;LEE",
			"ATHLETE;2;FRA;MARTIN",
			"POINTS;1;head",
			"POINTS;1",
			"POINTS;1;body",
		),
		path: &store.PathRow{MatchID: "M-7", Session: "s1", Directory: "/v/7", Filename: "7_LEE.mp4", FullPath: "/v/7/7_LEE.mp4", CreatedAt: t0},
	}

	r, err := Build(context.Background(), src, pss.Builtin(), "M-7", t0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if r.Schema != SchemaID || r.ExportID == "" {
		t.Errorf("unexpected header: %+v", r)
	}
	if len(r.Events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(r.Events))
	}
	if r.Events[3].Seq != 4 || r.Events[3].Kind != pss.KindPoints {
		t.Errorf("unexpected event: %+v", r.Events[3])
	}
	if len(r.Diagnostics) != 1 || r.Diagnostics[0].Kind != pss.DiagMissingField || r.Diagnostics[0].Seq != 5 {
		t.Errorf("unexpected diagnostics: %v", r.Diagnostics)
	}
	if r.Final.MatchID != "M-7" || r.Final.Score != [2]int{5, 0} {
		t.Errorf("unexpected final state: %+v", r.Final)
	}
	if r.Final.Athletes[1].ShortName != "MARTIN" {
		t.Errorf("expected athlete 2 MARTIN, got %+v", r.Final.Athletes[1])
	}
	if r.Recording == nil || r.Recording.FullPath != "/v/7/7_LEE.mp4" {
		t.Errorf("unexpected recording: %+v", r.Recording)
	}
}

func TestBuild_UnknownMatch(t *testing.T) {
	src := &fakeSource{rows: matchRows("MATCH;M-7;7")}
	if _, err := Build(context.Background(), src, pss.Builtin(), "M-8", t0); err == nil {
		t.Fatal("expected error for a match without events")
	}
}

func TestBuild_SourceError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Build(context.Background(), &fakeSource{err: boom}, pss.Builtin(), "M-7", t0)
	if !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	r := &Report{Schema: SchemaID, ExportID: "x", MatchID: "M-1", CreatedAt: t0}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.MatchID = ""
	var verr *ValidationError
	if err := r.Validate(); !errors.As(err, &verr) || verr.Field != "match_id" {
		t.Errorf("expected match_id validation error, got %v", err)
	}
}

func sampleReport(id string) *Report {
	return &Report{Schema: SchemaID, ExportID: id, MatchID: "M/7", CreatedAt: t0}
}

func TestStreamWriter_NDJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := NewStreamWriter(&buf, "ndjson").Write(sampleReport("nd-1")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	out := buf.Bytes()
	if bytes.Count(out, []byte("\n")) != 1 || out[len(out)-1] != '\n' {
		t.Errorf("expected a single line, got %q", out)
	}
	var parsed Report
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if parsed.ExportID != "nd-1" {
		t.Errorf("expected export_id nd-1, got %q", parsed.ExportID)
	}
}

func TestFileWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "exports")
	w, err := NewFileWriter(dir, "json")
	if err != nil {
		t.Fatalf("failed to create file writer: %v", err)
	}
	r := sampleReport("file-1")
	if err := w.Write(r); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	path := filepath.Join(dir, "match_M_7_file-1.json")
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected %s: %v", path, err)
	}
	var parsed Report
	if err := json.Unmarshal(content, &parsed); err != nil {
		t.Fatalf("file content is not valid JSON: %v", err)
	}
	if parsed.MatchID != "M/7" {
		t.Errorf("expected match_id M/7, got %q", parsed.MatchID)
	}
}

func TestMultiWriter(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	multi := NewMultiWriter(NewStreamWriter(&buf1, "json"), NewStreamWriter(&buf2, "json"))
	if err := multi.Write(sampleReport("multi")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if buf1.Len() == 0 || buf1.String() != buf2.String() {
		t.Error("both buffers should have identical content")
	}
	if err := multi.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
