package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "restrike.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	v, err := s.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restrike.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := s.UpsertConnection(ctx, Connection{Name: "OBS_REC", Host: "localhost", Port: 4455}); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	conns, err := s.Connections(ctx)
	if err != nil {
		t.Fatalf("Connections: %v", err)
	}
	if len(conns) != 1 || conns[0].Name != "OBS_REC" {
		t.Errorf("connections after reopen = %+v", conns)
	}
}

func TestConnections_OrderAndUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"b", "a", "c"} {
		if err := s.UpsertConnection(ctx, Connection{Name: name, Host: "h-" + name, Port: 4455, Enabled: true}); err != nil {
			t.Fatalf("UpsertConnection(%s): %v", name, err)
		}
	}
	// Updating keeps the position.
	if err := s.UpsertConnection(ctx, Connection{
		Name: "b", Host: "new", Port: 4456, Password: "pw", AutoReconnect: true,
		ReconnectDelaySeconds: 3, MaxReconnectAttempts: 7, TimeoutSeconds: 9,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	conns, err := s.Connections(ctx)
	if err != nil {
		t.Fatalf("Connections: %v", err)
	}
	var names []string
	for _, c := range conns {
		names = append(names, c.Name)
	}
	if len(names) != 3 || names[0] != "b" || names[1] != "a" || names[2] != "c" {
		t.Fatalf("order = %v, want [b a c]", names)
	}
	b := conns[0]
	if b.Host != "new" || b.Port != 4456 || b.Password != "pw" || b.Enabled || !b.AutoReconnect ||
		b.ReconnectDelaySeconds != 3 || b.MaxReconnectAttempts != 7 || b.TimeoutSeconds != 9 {
		t.Errorf("updated row = %+v", b)
	}
	if b.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestDeleteConnection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.UpsertConnection(ctx, Connection{Name: "x", Host: "h", Port: 1})

	ok, err := s.DeleteConnection(ctx, "x")
	if err != nil || !ok {
		t.Fatalf("DeleteConnection = %v, %v", ok, err)
	}
	ok, err = s.DeleteConnection(ctx, "x")
	if err != nil || ok {
		t.Errorf("second delete = %v, %v; want false, nil", ok, err)
	}
}

func TestTournament(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Tournament(ctx); err != nil || ok {
		t.Fatalf("empty Tournament = %v, %v", ok, err)
	}
	if err := s.SaveTournament(ctx, Tournament{Name: "WC 2024", Day: "Day 1", VideosRoot: `C:\Videos`}); err != nil {
		t.Fatalf("SaveTournament: %v", err)
	}
	if err := s.SaveTournament(ctx, Tournament{Name: "WC 2024", Day: "Day 2", VideosRoot: `C:\Videos`}); err != nil {
		t.Fatalf("SaveTournament: %v", err)
	}
	tr, ok, err := s.Tournament(ctx)
	if err != nil || !ok {
		t.Fatalf("Tournament = %v, %v", ok, err)
	}
	if tr.Name != "WC 2024" || tr.Day != "Day 2" || tr.VideosRoot != `C:\Videos` {
		t.Errorf("tournament = %+v", tr)
	}
}

func TestEvents_RecentOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i := 1; i <= 5; i++ {
		if _, err := s.AppendEvent(ctx, EventRow{
			Seq: uint64(i), ReceivedAt: base.Add(time.Duration(i) * time.Second),
			Source: "10.0.0.5:6000", Stream: "PT1", Kind: "points", Line: "PT1;1", MatchID: "101",
		}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	rows, err := s.RecentEventRows(ctx, 3)
	if err != nil {
		t.Fatalf("RecentEventRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	for i, want := range []uint64{3, 4, 5} {
		if rows[i].Seq != want {
			t.Errorf("rows[%d].Seq = %d, want %d", i, rows[i].Seq, want)
		}
	}
	if !rows[2].ReceivedAt.Equal(base.Add(5 * time.Second)) {
		t.Errorf("ReceivedAt = %v", rows[2].ReceivedAt)
	}

	all, err := s.EventsForMatch(ctx, "101")
	if err != nil || len(all) != 5 {
		t.Errorf("EventsForMatch = %d rows, %v", len(all), err)
	}
}

func TestSessionTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	steps := [][2]string{{"disconnected", "connecting"}, {"connecting", "connected"}, {"connected", "authenticated"}}
	for _, st := range steps {
		if err := s.AppendSessionTransition(ctx, SessionRow{Connection: "OBS_REC", FromState: st[0], ToState: st[1], At: now}); err != nil {
			t.Fatalf("AppendSessionTransition: %v", err)
		}
	}
	_ = s.AppendSessionTransition(ctx, SessionRow{Connection: "OBS_STR", FromState: "disconnected", ToState: "connecting", At: now})

	rows, err := s.SessionTransitions(ctx, "OBS_REC", 10)
	if err != nil {
		t.Fatalf("SessionTransitions: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[2].ToState != "authenticated" {
		t.Errorf("last transition = %+v", rows[2])
	}
}

func TestGeneratedPaths(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GeneratedPathFor(ctx, "101"); err != nil || ok {
		t.Fatalf("missing path = %v, %v", ok, err)
	}
	for _, f := range []string{"first.mp4", "second.mp4"} {
		if err := s.RecordGeneratedPath(ctx, PathRow{MatchID: "101", Session: "s1", Directory: "/v", Filename: f, FullPath: "/v/" + f}); err != nil {
			t.Fatalf("RecordGeneratedPath: %v", err)
		}
	}
	p, ok, err := s.GeneratedPathFor(ctx, "101")
	if err != nil || !ok {
		t.Fatalf("GeneratedPathFor = %v, %v", ok, err)
	}
	if p.Filename != "second.mp4" || p.CreatedAt.IsZero() {
		t.Errorf("latest path = %+v", p)
	}
}
