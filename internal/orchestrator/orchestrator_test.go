package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restrike/restrike-vta/internal/apperr"
	"github.com/restrike/restrike-vta/internal/config"
	"github.com/restrike/restrike-vta/internal/obs"
	"github.com/restrike/restrike-vta/internal/obs/obstest"
	"github.com/restrike/restrike-vta/internal/store"
)

type mkdirs struct {
	mu   sync.Mutex
	dirs []string
}

func (m *mkdirs) mkdir(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs = append(m.dirs, dir)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.UDP.Port = 0
	cfg.UDP.AutoDetect = false
	cfg.UDP.SelectedInterface = "127.0.0.1"
	cfg.Paths.VideosRoot = "/videos"
	cfg.Tournament = config.TournamentConfig{Name: "WC 2024", Day: "Day 1"}
	cfg.Store.Path = filepath.Join(t.TempDir(), "restrike.db")
	return cfg
}

type running struct {
	stop func() error
}

func start(t *testing.T, orc *Orchestrator) running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- orc.Run(ctx) }()

	require.Eventually(t, func() bool { return orc.Listener().Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-errc:
			case <-time.After(3 * time.Second):
				t.Error("Run did not return after cancel")
			}
		})
		return runErr
	}
	t.Cleanup(func() { stop() })
	return running{stop: stop}
}

func send(t *testing.T, addr net.Addr, lines ...string) {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	for _, l := range lines {
		_, err := conn.Write([]byte(l))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
}

func profileValues(srv *obstest.Server) map[string]string {
	out := make(map[string]string)
	for _, r := range srv.RequestsOf("SetProfileParameter") {
		var d struct {
			Category string `json:"parameterCategory"`
			Name     string `json:"parameterName"`
			Value    string `json:"parameterValue"`
		}
		json.Unmarshal(r.Data, &d)
		out[d.Category+"."+d.Name] = d.Value
	}
	return out
}

func TestRun_PlansRecordingPathOnNewMatch(t *testing.T) {
	srv := obstest.NewServer("")
	defer srv.Close()

	cfg := testConfig(t)
	cfg.OBS.Connections = []config.OBSConnection{{Name: "OBS_REC", Host: srv.Host(), Port: srv.Port(), Enabled: true}}

	dirs := &mkdirs{}
	clock := func() time.Time { return time.Date(2024, 5, 3, 14, 22, 7, 0, time.UTC) }
	orc, err := New(cfg, WithMkdir(dirs.mkdir), WithClock(clock))
	require.NoError(t, err)
	r := start(t, orc)

	require.Eventually(t, func() bool {
		orc.mu.Lock()
		defer orc.mu.Unlock()
		return orc.recSession != ""
	}, 3*time.Second, 10*time.Millisecond)

	send(t, orc.Listener().Addr(),
		"ATHLETE;1;MRN;N. DESMOND;DESMOND, N;MRN",
		"ATHLETE;2;SUI;M. THIBAULT;THIBAULT, M;SUI",
		"MATCH;M-101;101;Senior Male;-58kg;3;2:00",
		"POINTS;1;body",
	)

	require.Eventually(t, func() bool { return len(srv.RequestsOf("SetProfileParameter")) >= 3 }, 3*time.Second, 10*time.Millisecond)
	vals := profileValues(srv)
	assert.Equal(t, "/videos/WC 2024/Day 1/101", vals["Output.RecFilePath"])
	assert.Equal(t, "101_N._DESMOND_MRN_vs_M._THIBAULT_SUI_2024-05-03_14-22-07", vals["Output.FilenameFormatting"])
	assert.Equal(t, vals["Output.FilenameFormatting"], vals["AdvOut.FilenameFormatting"])

	require.Eventually(t, func() bool { return orc.MatchSnapshot().CurrentScore(1) == 2 }, 2*time.Second, 10*time.Millisecond)

	// The same match again does not reprogram OBS.
	send(t, orc.Listener().Addr(), "MATCH;M-101;101;Senior Male;-58kg;3;2:00")
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, srv.RequestsOf("SetProfileParameter"), 3)

	st := orc.Status()
	assert.Equal(t, "M-101", st.MatchID)
	require.NotNil(t, st.LastPath)
	assert.Equal(t, "101_N._DESMOND_MRN_vs_M._THIBAULT_SUI_2024-05-03_14-22-07.mp4", st.LastPath.Filename)

	require.Eventually(t, func() bool {
		p, ok, err := orc.Store().GeneratedPathFor(context.Background(), "M-101")
		return err == nil && ok && p.Directory == "/videos/WC 2024/Day 1/101"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.stop())
	assert.Equal(t, []string{"/videos/WC 2024/Day 1/101"}, dirs.dirs)
}

func TestRun_PlansPathForEveryMatch(t *testing.T) {
	srv := obstest.NewServer("")
	defer srv.Close()

	cfg := testConfig(t)
	cfg.OBS.Connections = []config.OBSConnection{{Name: "OBS_REC", Host: srv.Host(), Port: srv.Port(), Enabled: true}}

	clock := func() time.Time { return time.Date(2024, 5, 3, 14, 22, 7, 0, time.UTC) }
	orc, err := New(cfg, WithMkdir(func(string) error { return nil }), WithClock(clock))
	require.NoError(t, err)
	r := start(t, orc)

	require.Eventually(t, func() bool {
		orc.mu.Lock()
		defer orc.mu.Unlock()
		return orc.recSession != ""
	}, 3*time.Second, 10*time.Millisecond)

	send(t, orc.Listener().Addr(),
		"ATHLETE;1;MRN;N. DESMOND;DESMOND, N;MRN",
		"ATHLETE;2;SUI;M. THIBAULT;THIBAULT, M;SUI",
		"MATCH;M-101;101",
	)
	require.Eventually(t, func() bool { return len(srv.RequestsOf("SetProfileParameter")) >= 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "101_N._DESMOND_MRN_vs_M._THIBAULT_SUI_2024-05-03_14-22-07", profileValues(srv)["Output.FilenameFormatting"])

	send(t, orc.Listener().Addr(),
		"ATHLETE;1;KOR;J. LEE;LEE, J;KOR",
		"ATHLETE;2;ESP;A. GARCIA;GARCIA, A;ESP",
		"MATCH;M-102;102",
	)
	require.Eventually(t, func() bool { return len(srv.RequestsOf("SetProfileParameter")) >= 6 }, 3*time.Second, 10*time.Millisecond)
	vals := profileValues(srv)
	assert.Equal(t, "/videos/WC 2024/Day 1/102", vals["Output.RecFilePath"])
	assert.Equal(t, "102_J._LEE_KOR_vs_A._GARCIA_ESP_2024-05-03_14-22-07", vals["Output.FilenameFormatting"])

	snap := orc.MatchSnapshot()
	assert.Equal(t, "M-102", snap.MatchID)
	assert.Equal(t, "J. LEE", snap.Athlete(1).ShortName)
	require.NoError(t, r.stop())
}

func TestRun_PersistsEventsAndSessions(t *testing.T) {
	srv := obstest.NewServer("")
	defer srv.Close()

	cfg := testConfig(t)
	cfg.OBS.Connections = []config.OBSConnection{{Name: "OBS_SINGLE", Host: srv.Host(), Port: srv.Port(), Enabled: true}}
	orc, err := New(cfg, WithMkdir(func(string) error { return nil }))
	require.NoError(t, err)
	r := start(t, orc)

	require.Eventually(t, func() bool {
		st := orc.ConnectionStatuses()
		return len(st) == 1 && st[0].Status.State == obs.StateAuthenticated
	}, 3*time.Second, 10*time.Millisecond)

	send(t, orc.Listener().Addr(), "MATCH;M-7;7", "WARNINGS;1;0")

	require.Eventually(t, func() bool {
		rows, err := orc.Store().RecentEventRows(context.Background(), 10)
		return err == nil && len(rows) == 2
	}, 2*time.Second, 10*time.Millisecond)
	rows, _ := orc.Store().RecentEventRows(context.Background(), 10)
	assert.Equal(t, "match_info", rows[0].Kind)
	assert.Equal(t, "M-7", rows[0].MatchID)
	assert.Equal(t, "WARNINGS", rows[1].Stream)

	require.Eventually(t, func() bool {
		sessions, err := orc.Store().SessionTransitions(context.Background(), "OBS_SINGLE", 10)
		return err == nil && len(sessions) > 0 && sessions[len(sessions)-1].ToState == string(obs.StateAuthenticated)
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, orc.RecentPSSEvents(), 2)
	require.NoError(t, r.stop())
}

func TestRun_StopsWithinGrace(t *testing.T) {
	cfg := testConfig(t)
	orc, err := New(cfg)
	require.NoError(t, err)
	r := start(t, orc)

	begin := time.Now()
	require.NoError(t, r.stop())
	assert.Less(t, time.Since(begin), 1500*time.Millisecond)
}

func TestRun_BindFailure(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	cfg := testConfig(t)
	cfg.UDP.Port = pc.LocalAddr().(*net.UDPAddr).Port
	orc, err := New(cfg)
	require.NoError(t, err)

	err = orc.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindIo, apperr.KindOf(err))
}

func TestNew_BadSchemaPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schema.Path = filepath.Join(t.TempDir(), "missing.txt")
	_, err := New(cfg)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfig, apperr.KindOf(err))
}

func TestNew_RegistryPrefersStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.OBS.Connections = []config.OBSConnection{{Name: "from-config", Host: "localhost", Enabled: true}}

	st, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.UpsertConnection(ctx, store.Connection{Name: "from-store-1", Host: "10.0.0.2", Port: 4455, Enabled: true}))
	require.NoError(t, st.UpsertConnection(ctx, store.Connection{Name: "from-store-2", Host: "10.0.0.3", Port: 4455, Enabled: true}))
	require.NoError(t, st.SaveTournament(ctx, store.Tournament{Name: "Open", Day: "Day 3", VideosRoot: `D:\Rec`}))
	require.NoError(t, st.Close())

	orc, err := New(cfg)
	require.NoError(t, err)
	defer orc.Store().Close()

	assert.Equal(t, []string{"from-store-1", "from-store-2"}, orc.Fleet().Names())
	assert.Equal(t, "OBS_REC", string(orc.Fleet().Role("from-store-1")))
	assert.Equal(t, `D:\Rec`, orc.planner.Config().VideosRoot)
	assert.Equal(t, "Day 3", orc.tournament.Day)
}

func TestFromConfigConnection_Defaults(t *testing.T) {
	c := FromConfigConnection(config.OBSConnection{Name: "x"})
	assert.Equal(t, "localhost", c.Host)
	assert.Equal(t, 4455, c.Port)
	assert.Equal(t, 30*time.Second, c.Timeout)
	assert.Equal(t, 5*time.Second, c.ReconnectDelay)
	assert.Equal(t, 5, c.MaxReconnectAttempts)
}
