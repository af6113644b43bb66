// Package orchestrator composes the PSS ingest path, the match model, the
// OBS fleet, the path planner and persistence, and owns the subscriptions
// between them.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/restrike/restrike-vta/internal/apperr"
	"github.com/restrike/restrike-vta/internal/config"
	"github.com/restrike/restrike-vta/internal/fleet"
	"github.com/restrike/restrike-vta/internal/ingest"
	"github.com/restrike/restrike-vta/internal/journal"
	"github.com/restrike/restrike-vta/internal/logger"
	"github.com/restrike/restrike-vta/internal/match"
	"github.com/restrike/restrike-vta/internal/metrics"
	"github.com/restrike/restrike-vta/internal/obs"
	"github.com/restrike/restrike-vta/internal/pathgen"
	"github.com/restrike/restrike-vta/internal/pss"
	"github.com/restrike/restrike-vta/internal/store"
)

// ShutdownGrace bounds how long Run waits for components after its
// context ends.
const ShutdownGrace = time.Second

// Status is the published process status.
type Status struct {
	fleet.Aggregate

	Ingest    ingest.Status          `json:"ingest"`
	Stats     ingest.Stats           `json:"stats"`
	Schema    string                 `json:"schema_version"`
	MatchID   string                 `json:"match_id,omitempty"`
	LastPath  *pathgen.GeneratedPath `json:"last_path,omitempty"`
	StartedAt time.Time              `json:"started_at,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	log    logger.Logger
	ifaces ingest.InterfaceLister
	mkdir  func(string) error
	now    func() time.Time
	hook   func(ingest.Datagram)
}

// WithLogger sets the root logger; components get named children.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithInterfaces replaces network interface enumeration.
func WithInterfaces(l ingest.InterfaceLister) Option {
	return func(o *options) { o.ifaces = l }
}

// WithMkdir replaces directory creation in the planner.
func WithMkdir(fn func(string) error) Option {
	return func(o *options) { o.mkdir = fn }
}

// WithClock overrides the wall clock used by the model and the planner.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithDatagramHook receives a copy of every datagram the listener reads.
func WithDatagramHook(fn func(ingest.Datagram)) Option {
	return func(o *options) { o.hook = fn }
}

// Orchestrator owns every long-lived component of the process.
type Orchestrator struct {
	cfg *config.Config
	log logger.Logger

	schema   *pss.Holder
	events   *journal.Journal[pss.Event]
	model    *match.Model
	listener *ingest.Listener
	fleet    *fleet.Fleet
	planner  *pathgen.Planner
	store    *store.Store
	metrics  *metrics.Metrics

	planReq chan struct{}

	mu         sync.Mutex
	tournament store.Tournament
	recSession string
	startedAt  time.Time
	running    bool
}

// New builds every component from cfg. It fails on an unreadable schema,
// an unopenable store or an invalid connection registry.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	const op = "orchestrator.New"
	o := options{log: logger.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	schema, err := LoadSchema(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	orc := &Orchestrator{
		cfg:     cfg,
		log:     o.log.Named("orchestrator"),
		schema:  pss.NewHolder(schema),
		metrics: m,
		planReq: make(chan struct{}, 1),
	}
	orc.events = journal.New[pss.Event](cfg.Journal.Capacity,
		journal.WithSubscriberBuffer(cfg.Journal.SubscriberBuffer),
		journal.WithDropHandler(m.SubscriberDropped))

	orc.model = match.NewModel(orc.schema,
		match.WithLogger(o.log.Named("match")),
		match.WithClock(o.now))

	lopts := []ingest.Option{ingest.WithLogger(o.log.Named("udp")), ingest.WithObserver(m)}
	if o.ifaces != nil {
		lopts = append(lopts, ingest.WithInterfaces(o.ifaces))
	}
	if o.hook != nil {
		lopts = append(lopts, ingest.WithDatagramHook(o.hook))
	}
	orc.listener = ingest.NewListener(orc.schema, orc.events, lopts...)

	orc.fleet = fleet.New(
		fleet.WithLogger(o.log.Named("fleet")),
		fleet.WithRequestTimeout(time.Duration(cfg.OBS.RequestTimeoutSeconds)*time.Second),
		fleet.WithRequestObserver(m))

	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindIo, op, err)
		}
		orc.store = st
	}

	ctx := context.Background()
	conns, err := orc.registry(ctx)
	if err != nil {
		orc.closeStore()
		return nil, err
	}
	for _, c := range conns {
		if err := orc.fleet.Add(c); err != nil {
			orc.closeStore()
			return nil, err
		}
	}

	orc.tournament, err = orc.loadTournament(ctx)
	if err != nil {
		orc.closeStore()
		return nil, err
	}
	videosRoot := cfg.Paths.VideosRoot
	if orc.tournament.VideosRoot != "" {
		videosRoot = orc.tournament.VideosRoot
	}

	popts := []pathgen.Option{pathgen.WithLogger(o.log.Named("planner")), pathgen.WithClock(o.now)}
	if o.mkdir != nil {
		popts = append(popts, pathgen.WithMkdir(o.mkdir))
	}
	orc.planner = pathgen.NewPlanner(pathgen.Config{
		VideosRoot:            videosRoot,
		DefaultFormat:         cfg.Paths.DefaultFormat,
		IncludeMinutesSeconds: cfg.Paths.IncludeMinutesSeconds,
	}, popts...)

	return orc, nil
}

// LoadSchema reads the configured schema file, or the built-in one, and
// applies the configured policy and packet bound.
func LoadSchema(cfg *config.Config) (*pss.Schema, error) {
	const op = "orchestrator.LoadSchema"
	policy, err := pss.ParsePolicy(cfg.Schema.UnknownFields)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, op, err)
	}
	s := pss.Builtin()
	if cfg.Schema.Path != "" {
		s, err = pss.LoadSchemaFile(cfg.Schema.Path)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfig, op, fmt.Errorf("schema %s: %w", cfg.Schema.Path, err))
		}
	}
	return s.WithPolicy(policy).WithMaxPacketSize(cfg.UDP.MaxPacketSize), nil
}

// registry returns the persisted connections when the store has any,
// otherwise the configured ones.
func (o *Orchestrator) registry(ctx context.Context) ([]fleet.ConnectionConfig, error) {
	if o.store != nil {
		rows, err := o.store.Connections(ctx)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindIo, "orchestrator.registry", err)
		}
		if len(rows) > 0 {
			out := make([]fleet.ConnectionConfig, 0, len(rows))
			for _, r := range rows {
				out = append(out, FromStoreConnection(r))
			}
			return out, nil
		}
	}
	out := make([]fleet.ConnectionConfig, 0, len(o.cfg.OBS.Connections))
	for _, c := range o.cfg.OBS.Connections {
		out = append(out, FromConfigConnection(c))
	}
	return out, nil
}

func (o *Orchestrator) loadTournament(ctx context.Context) (store.Tournament, error) {
	t := store.Tournament{Name: o.cfg.Tournament.Name, Day: o.cfg.Tournament.Day}
	if o.store == nil {
		return t, nil
	}
	saved, ok, err := o.store.Tournament(ctx)
	if err != nil {
		return t, apperr.Wrap(apperr.KindIo, "orchestrator.loadTournament", err)
	}
	if ok {
		return saved, nil
	}
	return t, nil
}

// FromConfigConnection converts a configured connection.
func FromConfigConnection(c config.OBSConnection) fleet.ConnectionConfig {
	c.ApplyConnectionDefaults()
	return fleet.ConnectionConfig{
		Name:                 c.Name,
		Host:                 c.Host,
		Port:                 c.Port,
		Password:             c.Password,
		Enabled:              c.Enabled,
		Timeout:              time.Duration(c.TimeoutSeconds) * time.Second,
		AutoReconnect:        c.AutoReconnect,
		ReconnectDelay:       time.Duration(c.ReconnectDelaySeconds) * time.Second,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
	}
}

// FromStoreConnection converts a persisted connection.
func FromStoreConnection(r store.Connection) fleet.ConnectionConfig {
	return fleet.ConnectionConfig{
		Name:                 r.Name,
		Host:                 r.Host,
		Port:                 r.Port,
		Password:             r.Password,
		Enabled:              r.Enabled,
		Timeout:              time.Duration(r.TimeoutSeconds) * time.Second,
		AutoReconnect:        r.AutoReconnect,
		ReconnectDelay:       time.Duration(r.ReconnectDelaySeconds) * time.Second,
		MaxReconnectAttempts: r.MaxReconnectAttempts,
	}
}

// Run binds the PSS socket, connects the enabled OBS instances and blocks
// until ctx is done. A bind failure is returned before anything else runs.
func (o *Orchestrator) Run(ctx context.Context) error {
	const op = "orchestrator.Run"
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return apperr.New(apperr.KindInternal, op, "already running")
	}
	o.running = true
	o.startedAt = time.Now()
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	feed := make(chan pss.Event)

	// Subscriptions are taken before the socket binds so no event is missed.
	pump(ctx, &wg, o.log, "fold", o.events.Subscribe, func(ev pss.Event) {
		select {
		case feed <- ev:
		case <-ctx.Done():
		}
	})
	if o.store != nil {
		pump(ctx, &wg, o.log, "persist events", o.events.Subscribe, o.persistEvent)
	}
	pump(ctx, &wg, o.log, "fleet transitions", o.fleet.Transitions, o.onFleetTransition)
	pump(ctx, &wg, o.log, "match transitions", o.model.Transitions, o.onMatchTransition)
	pump(ctx, &wg, o.log, "match diagnostics", o.model.Diagnostics, func(d pss.Diagnostic) {
		o.metrics.ObserveDiagnostics([]pss.Diagnostic{d})
	})

	wg.Add(2)
	go func() {
		defer wg.Done()
		o.model.Run(ctx, feed)
	}()
	go func() {
		defer wg.Done()
		o.planLoop(ctx)
	}()

	if err := o.listener.Start(ctx, IngestConfig(o.cfg.UDP)); err != nil {
		cancel()
		o.shutdown(&wg)
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, r := range o.fleet.ConnectAll(ctx) {
			if r.Err != nil {
				o.log.Warn(ctx, "OBS connect failed", logger.String("connection", r.Name), logger.Error(r.Err))
			}
		}
	}()

	o.log.Info(ctx, "orchestrator running",
		logger.String("udp", o.listener.Status().Addr),
		logger.Int("connections", len(o.fleet.Names())),
		logger.String("schema", o.schema.Load().Version))

	<-ctx.Done()
	o.shutdown(&wg)
	return nil
}

// IngestConfig converts the udp section into a listener config.
func IngestConfig(u config.UDPConfig) ingest.Config {
	return ingest.Config{
		Port:        u.Port,
		BufferSize:  u.BufferSize,
		ReadTimeout: time.Duration(u.ReadTimeoutMS) * time.Millisecond,
		Network: ingest.NetworkConfig{
			AutoDetect:          u.AutoDetect,
			PreferredType:       u.PreferredType,
			FallbackToLocalhost: u.FallbackToLocalhost,
			SelectedInterface:   u.SelectedInterface,
		},
	}
}

func (o *Orchestrator) shutdown(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		o.listener.Stop()
		o.fleet.Close()
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.log.Info(context.Background(), "orchestrator stopped")
	case <-time.After(ShutdownGrace):
		o.log.Warn(context.Background(), "shutdown exceeded grace period", logger.Duration("grace", ShutdownGrace))
	}
	o.closeStore()

	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

func (o *Orchestrator) closeStore() {
	if o.store == nil {
		return
	}
	if err := o.store.Close(); err != nil {
		o.log.Warn(context.Background(), "store close failed", logger.Error(err))
	}
}

// pump subscribes synchronously and hands every item to fn on its own
// goroutine. An evicted subscriber resubscribes; the pump ends with ctx.
func pump[T any](ctx context.Context, wg *sync.WaitGroup, log logger.Logger, name string, subscribe func() (<-chan T, func()), fn func(T)) {
	ch, cancel := subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { cancel() }()
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-ch:
				if ok {
					fn(item)
					continue
				}
				if ctx.Err() != nil {
					return
				}
				log.Warn(ctx, "subscriber dropped, resubscribing", logger.String("pump", name))
				select {
				case <-ctx.Done():
					return
				case <-time.After(50 * time.Millisecond):
				}
				ch, cancel = subscribe()
			}
		}
	}()
}

func (o *Orchestrator) persistEvent(ev pss.Event) {
	h := ev.Meta()
	matchID := o.model.Snapshot().MatchID
	if mi, ok := ev.(*pss.MatchInfo); ok {
		matchID = mi.MatchID
	}
	ctx := context.Background()
	if _, err := o.store.AppendEvent(ctx, store.EventRow{
		Seq:        h.Seq,
		ReceivedAt: h.ReceivedAt,
		Source:     h.Source,
		Stream:     h.Stream,
		Kind:       string(ev.Kind()),
		Line:       h.Line,
		MatchID:    matchID,
	}); err != nil {
		o.log.Warn(ctx, "persist event failed", logger.Uint64("seq", h.Seq), logger.Error(err))
	}
}

func (o *Orchestrator) onFleetTransition(t fleet.Transition) {
	ctx := context.Background()
	o.metrics.SetConnectionState(t.Name, string(t.To.State))

	if o.store != nil {
		if err := o.store.AppendSessionTransition(ctx, store.SessionRow{
			Connection: t.Name,
			FromState:  string(t.From.State),
			ToState:    string(t.To.State),
			Message:    t.To.Message,
			At:         t.At,
		}); err != nil {
			o.log.Warn(ctx, "persist session transition failed", logger.String("connection", t.Name), logger.Error(err))
		}
	}

	rec, ok := o.fleet.RecordingClient()
	if !ok || rec.Name() != t.Name {
		return
	}
	o.mu.Lock()
	if t.To.State == obs.StateAuthenticated {
		o.recSession = uuid.NewString()
	} else if t.From.State == obs.StateAuthenticated {
		o.recSession = ""
	}
	session := o.recSession
	o.mu.Unlock()

	if t.To.State == obs.StateAuthenticated {
		o.log.Info(ctx, "recording session started", logger.String("connection", t.Name), logger.String("session", session))
		o.requestPlan()
	}
}

func (o *Orchestrator) onMatchTransition(t match.Transition) {
	ctx := context.Background()
	o.log.Debug(ctx, "match transition",
		logger.String("kind", string(t.Kind)),
		logger.String("match_id", t.State.MatchID))
	if t.Kind == match.MatchStarted {
		o.requestPlan()
	}
}

func (o *Orchestrator) requestPlan() {
	select {
	case o.planReq <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) planLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.planReq:
			o.planCurrent(ctx)
		}
	}
}

// planCurrent programs the recording path for the current match on the
// recording connection. The planner itself drops repeats for the same
// session and match.
func (o *Orchestrator) planCurrent(ctx context.Context) {
	snap := o.model.Snapshot()
	if !snap.HasMatch() {
		return
	}
	rec, ok := o.fleet.RecordingClient()
	if !ok || rec.Status().State != obs.StateAuthenticated {
		return
	}

	o.mu.Lock()
	if o.recSession == "" {
		o.recSession = uuid.NewString()
	}
	session := o.recSession
	info := o.matchInfoLocked(snap)
	o.mu.Unlock()

	path, applied, err := o.planner.Plan(ctx, session, info, rec)
	if err != nil {
		o.metrics.PathFailed()
		o.log.Warn(ctx, "recording path not applied",
			logger.String("match_id", snap.MatchID),
			logger.String("connection", rec.Name()),
			logger.Error(err))
		return
	}
	if !applied {
		return
	}
	o.metrics.PathGenerated()
	if o.store != nil {
		if err := o.store.RecordGeneratedPath(ctx, store.PathRow{
			MatchID:   path.MatchID,
			Session:   session,
			Directory: path.Directory,
			Filename:  path.Filename,
			FullPath:  path.FullPath,
			CreatedAt: path.GeneratedAt,
		}); err != nil {
			o.log.Warn(ctx, "persist generated path failed", logger.Error(err))
		}
	}
}

func (o *Orchestrator) matchInfoLocked(s match.State) pathgen.MatchInfo {
	number := s.Number
	if number == "" {
		number = s.MatchID
	}
	a1, a2 := s.Athlete(1), s.Athlete(2)
	return pathgen.MatchInfo{
		MatchID:    s.MatchID,
		Tournament: o.tournament.Name,
		Day:        o.tournament.Day,
		Number:     number,
		Athlete1:   displayName(a1),
		Flag1:      flag(a1),
		Athlete2:   displayName(a2),
		Flag2:      flag(a2),
	}
}

func displayName(a match.AthleteInfo) string {
	if a.ShortName != "" {
		return a.ShortName
	}
	return a.LongName
}

func flag(a match.AthleteInfo) string {
	if a.Country != "" {
		return a.Country
	}
	return a.Code
}

// SetTournament changes the tournament and day used for new paths. The
// store is not written; the registry owner persists settings.
func (o *Orchestrator) SetTournament(name, day string) {
	o.mu.Lock()
	o.tournament.Name, o.tournament.Day = name, day
	o.mu.Unlock()
}

// Status returns the published status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	started := o.startedAt
	o.mu.Unlock()

	st := Status{
		Aggregate: o.fleet.Aggregate(),
		Ingest:    o.listener.Status(),
		Stats:     o.listener.Stats(),
		Schema:    o.schema.Load().Version,
		MatchID:   o.model.Snapshot().MatchID,
		StartedAt: started,
	}
	if p, ok := o.planner.Last(); ok {
		st.LastPath = &p
	}
	return st
}

// RecentEvents returns the merged recent OBS events.
func (o *Orchestrator) RecentEvents() []obs.RawEvent { return o.fleet.RecentEvents() }

// RecentPSSEvents returns the recent decoded PSS events.
func (o *Orchestrator) RecentPSSEvents() []pss.Event { return o.events.Snapshot() }

// ConnectionStatuses returns the per-connection view in insertion order.
func (o *Orchestrator) ConnectionStatuses() []fleet.ConnectionStatus { return o.fleet.Statuses() }

// MatchSnapshot returns the current match state.
func (o *Orchestrator) MatchSnapshot() match.State { return o.model.Snapshot() }

// Fleet exposes the OBS fleet.
func (o *Orchestrator) Fleet() *fleet.Fleet { return o.fleet }

// Metrics exposes the metrics registry.
func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// Listener exposes the PSS listener.
func (o *Orchestrator) Listener() *ingest.Listener { return o.listener }

// Store exposes the store; nil when persistence is disabled.
func (o *Orchestrator) Store() *store.Store { return o.store }

// SubscribeOBSEvents subscribes to the merged OBS event stream.
func (o *Orchestrator) SubscribeOBSEvents() (<-chan obs.RawEvent, func()) { return o.fleet.RawEvents() }

// SubscribePSSEvents subscribes to decoded PSS events.
func (o *Orchestrator) SubscribePSSEvents() (<-chan pss.Event, func()) { return o.events.Subscribe() }

// ChangeAllScenes switches every authenticated connection to scene.
func (o *Orchestrator) ChangeAllScenes(ctx context.Context, scene string) []fleet.Result {
	return o.fleet.ChangeAllScenes(ctx, scene)
}

// StartAllRecordings starts recording on every authenticated connection.
func (o *Orchestrator) StartAllRecordings(ctx context.Context) []fleet.Result {
	return o.fleet.StartAllRecordings(ctx)
}

// StopAllRecordings stops recording on every authenticated connection.
func (o *Orchestrator) StopAllRecordings(ctx context.Context) []fleet.Result {
	return o.fleet.StopAllRecordings(ctx)
}
