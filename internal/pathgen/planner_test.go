package pathgen

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

type call struct{ category, name, value string }

type fakeOBS struct {
	calls []call
	fail  map[string]error
}

func (f *fakeOBS) SetProfileParameter(_ context.Context, category, name, value string) error {
	f.calls = append(f.calls, call{category, name, value})
	return f.fail[category+"."+name]
}

func newTestPlanner(dirs *[]string) *Planner {
	return NewPlanner(
		Config{VideosRoot: `C:\Videos`, DefaultFormat: "mp4", IncludeMinutesSeconds: true},
		WithClock(func() time.Time { return wallClock }),
		WithMkdir(func(dir string) error {
			*dirs = append(*dirs, dir)
			return nil
		}),
	)
}

func TestPlanner_AppliesProfileParameters(t *testing.T) {
	var dirs []string
	p := newTestPlanner(&dirs)
	client := &fakeOBS{}
	info := MatchInfo{MatchID: "m-101", Tournament: "WC 2024", Day: "Day 1", Number: "101", Athlete1: "LEE", Athlete2: "KIM"}

	path, applied, err := p.Plan(context.Background(), "rec-1", info, client)
	if err != nil || !applied {
		t.Fatalf("Plan = %v applied=%v", err, applied)
	}
	if len(dirs) != 1 || dirs[0] != `C:\Videos\WC 2024\Day 1\101` {
		t.Errorf("mkdir calls = %v", dirs)
	}
	want := []call{
		{"Output", "RecFilePath", path.Directory},
		{"Output", "FilenameFormatting", path.Stem()},
		{"AdvOut", "FilenameFormatting", path.Stem()},
	}
	if len(client.calls) != len(want) {
		t.Fatalf("calls = %+v", client.calls)
	}
	for i := range want {
		if client.calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, client.calls[i], want[i])
		}
	}
	if last, ok := p.Last(); !ok || last != path {
		t.Errorf("Last = %+v, %v", last, ok)
	}
}

func TestPlanner_IdempotentPerMatchAndSession(t *testing.T) {
	var dirs []string
	p := newTestPlanner(&dirs)
	client := &fakeOBS{}
	info := MatchInfo{MatchID: "m-1", Number: "1"}

	first, _, _ := p.Plan(context.Background(), "rec-1", info, client)
	again, applied, err := p.Plan(context.Background(), "rec-1", info, client)
	if err != nil || applied {
		t.Fatalf("second plan applied=%v err=%v", applied, err)
	}
	if again != first {
		t.Error("second plan returned a different path")
	}
	if len(client.calls) != 3 {
		t.Errorf("OBS programmed %d times", len(client.calls)/3)
	}

	// a new recording session programs again
	if _, applied, _ := p.Plan(context.Background(), "rec-2", info, client); !applied {
		t.Error("new session should apply")
	}
	// so does a new match
	if _, applied, _ := p.Plan(context.Background(), "rec-2", MatchInfo{MatchID: "m-2", Number: "2"}, client); !applied {
		t.Error("new match should apply")
	}
}

func TestPlanner_AdvancedOutputFailureIsNonFatal(t *testing.T) {
	var dirs []string
	p := newTestPlanner(&dirs)
	client := &fakeOBS{fail: map[string]error{"AdvOut.FilenameFormatting": errors.New("unknown parameter")}}

	if _, applied, err := p.Plan(context.Background(), "s", MatchInfo{MatchID: "m"}, client); err != nil || !applied {
		t.Fatalf("Plan = %v applied=%v", err, applied)
	}
}

func TestPlanner_RecPathFailureIsFatalAndRetried(t *testing.T) {
	var dirs []string
	p := newTestPlanner(&dirs)
	client := &fakeOBS{fail: map[string]error{"Output.RecFilePath": errors.New("boom")}}
	info := MatchInfo{MatchID: "m"}

	if _, _, err := p.Plan(context.Background(), "s", info, client); err == nil {
		t.Fatal("expected error")
	}
	client.fail = nil
	if _, applied, err := p.Plan(context.Background(), "s", info, client); err != nil || !applied {
		t.Errorf("retry Plan = %v applied=%v", err, applied)
	}
}

func TestPlanner_MkdirFailure(t *testing.T) {
	p := NewPlanner(Config{VideosRoot: "x"}, WithMkdir(func(string) error { return errors.New("read-only") }))
	client := &fakeOBS{}
	if _, _, err := p.Plan(context.Background(), "s", MatchInfo{MatchID: "m"}, client); err == nil {
		t.Fatal("expected mkdir error")
	}
	if len(client.calls) != 0 {
		t.Error("OBS must not be programmed when the directory is missing")
	}
}

func TestPlanner_CreatesRealDirectory(t *testing.T) {
	root := t.TempDir()
	p := NewPlanner(Config{VideosRoot: root}, WithClock(func() time.Time { return wallClock }))
	path, _, err := p.Plan(context.Background(), "s", MatchInfo{MatchID: "m", Tournament: "Open", Day: "Sat", Number: "12"}, &fakeOBS{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if path.Directory != root+"/Open/Sat/12" {
		t.Errorf("directory = %q", path.Directory)
	}
	if _, err := os.Stat(path.Directory); err != nil {
		t.Errorf("directory not created: %v", err)
	}
}
