// Package fleet manages the set of named OBS connections.
package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/restrike/restrike-vta/internal/apperr"
	"github.com/restrike/restrike-vta/internal/journal"
	"github.com/restrike/restrike-vta/internal/logger"
	"github.com/restrike/restrike-vta/internal/obs"
)

// Role is the job a connection plays in the broadcast.
type Role string

const (
	RoleNone   Role = ""
	RoleSingle Role = "OBS_SINGLE"
	RoleRec    Role = "OBS_REC"
	RoleStr    Role = "OBS_STR"
)

const (
	DefaultReconnectDelay       = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// ConnectionConfig is one registered OBS instance.
type ConnectionConfig struct {
	Name                 string        `json:"name"`
	Host                 string        `json:"host"`
	Port                 int           `json:"port"`
	Password             string        `json:"-"`
	Enabled              bool          `json:"enabled"`
	Timeout              time.Duration `json:"timeout"`
	AutoReconnect        bool          `json:"auto_reconnect"`
	ReconnectDelay       time.Duration `json:"reconnect_delay"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
}

func (c ConnectionConfig) sameTransport(o ConnectionConfig) bool {
	return c.Host == o.Host && c.Port == o.Port && c.Password == o.Password && c.Timeout == o.Timeout
}

// Transition is a status change of one connection.
type Transition struct {
	Name string     `json:"name"`
	From obs.Status `json:"from"`
	To   obs.Status `json:"to"`
	At   time.Time  `json:"at"`
}

// Result is the outcome of a broadcast operation on one connection.
type Result struct {
	Name string `json:"name"`
	Err  error  `json:"-"`
}

// ConnectionStatus is the published view of one connection.
type ConnectionStatus struct {
	Name              string             `json:"name"`
	Role              Role               `json:"role,omitempty"`
	Status            obs.Status         `json:"status"`
	Config            ConnectionConfig   `json:"config"`
	ReconnectAttempts int                `json:"reconnect_attempts"`
	Heartbeat         obs.HeartbeatState `json:"heartbeat"`
}

// Aggregate summarizes output state across authenticated connections.
type Aggregate struct {
	IsRecording         bool    `json:"is_recording"`
	IsStreaming         bool    `json:"is_streaming"`
	CPUUsage            float64 `json:"cpu_usage"`
	RecordingConnection string  `json:"recording_connection,omitempty"`
	StreamingConnection string  `json:"streaming_connection,omitempty"`
}

type entry struct {
	cfg          ConnectionConfig
	client       *obs.Client
	attempts     int
	reconnecting bool
	manual       bool
	timer        *time.Timer
	gen          uint64
}

// Option configures a Fleet.
type Option func(*Fleet)

// WithLogger sets the fleet logger.
func WithLogger(l logger.Logger) Option {
	return func(f *Fleet) { f.log = l }
}

// WithRequestTimeout sets the per-request timeout of every client.
func WithRequestTimeout(d time.Duration) Option {
	return func(f *Fleet) { f.requestTimeout = d }
}

// WithRequestObserver forwards request outcomes of every client.
func WithRequestObserver(o obs.RequestObserver) Option {
	return func(f *Fleet) { f.observer = o }
}

// Fleet owns the named OBS clients and their reconnect timers.
type Fleet struct {
	log            logger.Logger
	requestTimeout time.Duration
	observer       obs.RequestObserver

	ctx    context.Context
	cancel context.CancelFunc

	raw         *journal.Journal[obs.RawEvent]
	transitions *journal.Journal[Transition]

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	gen     uint64
	closed  bool
}

// New creates an empty fleet.
func New(opts ...Option) *Fleet {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Fleet{
		log:         logger.Nop(),
		ctx:         ctx,
		cancel:      cancel,
		raw:         journal.New[obs.RawEvent](journal.DefaultCapacity),
		transitions: journal.New[Transition](journal.DefaultCapacity),
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fleet) newClient(cfg ConnectionConfig) *obs.Client {
	opts := []obs.Option{
		obs.WithLogger(f.log.Named("obs." + cfg.Name)),
		obs.WithStatusFunc(f.onStatus),
		obs.WithRawSink(f.raw.Push),
	}
	if f.observer != nil {
		opts = append(opts, obs.WithRequestObserver(f.observer))
	}
	return obs.NewClient(obs.Config{
		Name:           cfg.Name,
		Host:           cfg.Host,
		Port:           cfg.Port,
		Password:       cfg.Password,
		ConnectTimeout: cfg.Timeout,
		RequestTimeout: f.requestTimeout,
	}, opts...)
}

func normalize(cfg ConnectionConfig) (ConnectionConfig, error) {
	const op = "fleet.normalize"
	if cfg.Name == "" {
		return cfg, apperr.New(apperr.KindConfig, op, "connection name is required")
	}
	if cfg.Host == "" {
		return cfg, apperr.Errorf(apperr.KindConfig, op, "connection %s: host is required", cfg.Name)
	}
	if cfg.Port == 0 {
		cfg.Port = obs.DefaultPort
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return cfg, apperr.Errorf(apperr.KindConfig, op, "connection %s: port %d out of range", cfg.Name, cfg.Port)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return cfg, nil
}

// Add registers a connection at the end of the insertion order.
func (f *Fleet) Add(cfg ConnectionConfig) error {
	const op = "fleet.Add"
	cfg, err := normalize(cfg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return apperr.New(apperr.KindCancelled, op, "fleet closed")
	}
	if _, ok := f.entries[cfg.Name]; ok {
		return apperr.Errorf(apperr.KindConfig, op, "connection %s already exists", cfg.Name)
	}
	f.entries[cfg.Name] = &entry{cfg: cfg, client: f.newClient(cfg)}
	f.order = append(f.order, cfg.Name)
	f.log.Info(f.ctx, "connection added", logger.String("name", cfg.Name), logger.String("host", cfg.Host), logger.Int("port", cfg.Port))
	return nil
}

// Update replaces the config of oldName, keeping its position. An
// Authenticated connection whose name or transport changed is reconnected.
func (f *Fleet) Update(ctx context.Context, oldName string, cfg ConnectionConfig) error {
	const op = "fleet.Update"
	cfg, err := normalize(cfg)
	if err != nil {
		return err
	}

	f.mu.Lock()
	e, ok := f.entries[oldName]
	if !ok {
		f.mu.Unlock()
		return apperr.Errorf(apperr.KindConfig, op, "connection %s not found", oldName)
	}
	if cfg.Name != oldName {
		if _, taken := f.entries[cfg.Name]; taken {
			f.mu.Unlock()
			return apperr.Errorf(apperr.KindConfig, op, "connection %s already exists", cfg.Name)
		}
	}
	if cfg.Name == oldName && cfg.sameTransport(e.cfg) {
		e.cfg = cfg
		f.mu.Unlock()
		return nil
	}

	old := e.client
	wasUp := old.Status().State == obs.StateAuthenticated
	f.stopTimerLocked(e)
	e.manual = true
	f.mu.Unlock()

	old.Disconnect()

	f.mu.Lock()
	ne := &entry{cfg: cfg, client: f.newClient(cfg)}
	delete(f.entries, oldName)
	f.entries[cfg.Name] = ne
	for i, n := range f.order {
		if n == oldName {
			f.order[i] = cfg.Name
		}
	}
	f.mu.Unlock()

	f.log.Info(ctx, "connection updated", logger.String("old_name", oldName), logger.String("name", cfg.Name))
	if wasUp {
		return ne.client.Connect(ctx)
	}
	return nil
}

// Remove disconnects and forgets a connection.
func (f *Fleet) Remove(name string) error {
	f.mu.Lock()
	e, ok := f.entries[name]
	if !ok {
		f.mu.Unlock()
		return apperr.Errorf(apperr.KindConfig, "fleet.Remove", "connection %s not found", name)
	}
	f.stopTimerLocked(e)
	e.manual = true
	delete(f.entries, name)
	for i, n := range f.order {
		if n == name {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	f.mu.Unlock()

	e.client.Disconnect()
	f.log.Info(f.ctx, "connection removed", logger.String("name", name))
	return nil
}

// Connect opens one connection.
func (f *Fleet) Connect(ctx context.Context, name string) error {
	f.mu.Lock()
	e, ok := f.entries[name]
	if !ok {
		f.mu.Unlock()
		return apperr.Errorf(apperr.KindConfig, "fleet.Connect", "connection %s not found", name)
	}
	f.stopTimerLocked(e)
	e.manual = false
	e.attempts = 0
	e.reconnecting = false
	client := e.client
	f.mu.Unlock()

	return client.Connect(ctx)
}

// Disconnect closes one connection and cancels its reconnect timer.
func (f *Fleet) Disconnect(name string) error {
	f.mu.Lock()
	e, ok := f.entries[name]
	if !ok {
		f.mu.Unlock()
		return apperr.Errorf(apperr.KindConfig, "fleet.Disconnect", "connection %s not found", name)
	}
	f.stopTimerLocked(e)
	e.manual = true
	client := e.client
	f.mu.Unlock()

	client.Disconnect()
	return nil
}

// ConnectAll connects every enabled connection concurrently. Results follow
// insertion order.
func (f *Fleet) ConnectAll(ctx context.Context) []Result {
	var names []string
	f.mu.Lock()
	for _, n := range f.order {
		if f.entries[n].cfg.Enabled {
			names = append(names, n)
		}
	}
	f.mu.Unlock()
	return f.each(names, func(name string) error { return f.Connect(ctx, name) })
}

// DisconnectAll closes every connection.
func (f *Fleet) DisconnectAll() {
	f.each(f.Names(), f.Disconnect)
}

func (f *Fleet) each(names []string, fn func(name string) error) []Result {
	results := make([]Result, len(names))
	var wg sync.WaitGroup
	for i, n := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = Result{Name: n, Err: fn(n)}
		}()
	}
	wg.Wait()
	return results
}

// Names returns connection names in insertion order.
func (f *Fleet) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// Client returns the client of a connection.
func (f *Fleet) Client(name string) (*obs.Client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[name]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// Status returns the status of one connection.
func (f *Fleet) Status(name string) (obs.Status, bool) {
	c, ok := f.Client(name)
	if !ok {
		return obs.Status{}, false
	}
	return c.Status(), true
}

// Statuses returns every connection in insertion order.
func (f *Fleet) Statuses() []ConnectionStatus {
	f.mu.Lock()
	out := make([]ConnectionStatus, 0, len(f.order))
	for i, n := range f.order {
		e := f.entries[n]
		out = append(out, ConnectionStatus{
			Name:              n,
			Role:              RoleAt(i, len(f.order)),
			Config:            e.cfg,
			ReconnectAttempts: e.attempts,
		})
	}
	clients := make([]*obs.Client, len(out))
	for i := range out {
		clients[i] = f.entries[out[i].Name].client
	}
	f.mu.Unlock()

	for i, c := range clients {
		out[i].Status = c.Status()
		out[i].Heartbeat = c.Heartbeat()
	}
	return out
}

// RoleAt is the role of the connection at index in a registry of total.
func RoleAt(index, total int) Role {
	switch {
	case total == 1:
		return RoleSingle
	case total >= 2 && index == 0:
		return RoleRec
	case total >= 2 && index == 1:
		return RoleStr
	}
	return RoleNone
}

// Role returns the role of a connection.
func (f *Fleet) Role(name string) Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.order {
		if n == name {
			return RoleAt(i, len(f.order))
		}
	}
	return RoleNone
}

// ClientByRole returns the client playing role.
func (f *Fleet) ClientByRole(role Role) (*obs.Client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.order {
		if RoleAt(i, len(f.order)) == role {
			return f.entries[n].client, true
		}
	}
	return nil, false
}

// RecordingClient returns the client that records matches: OBS_REC, or
// OBS_SINGLE when only one connection exists.
func (f *Fleet) RecordingClient() (*obs.Client, bool) {
	if c, ok := f.ClientByRole(RoleRec); ok {
		return c, true
	}
	return f.ClientByRole(RoleSingle)
}

// ForEachAuthenticated runs op on every Authenticated client concurrently.
// Results follow insertion order.
func (f *Fleet) ForEachAuthenticated(ctx context.Context, op func(ctx context.Context, c *obs.Client) error) []Result {
	f.mu.Lock()
	var clients []*obs.Client
	for _, n := range f.order {
		clients = append(clients, f.entries[n].client)
	}
	f.mu.Unlock()

	var live []*obs.Client
	for _, c := range clients {
		if c.Status().State == obs.StateAuthenticated {
			live = append(live, c)
		}
	}
	results := make([]Result, len(live))
	var wg sync.WaitGroup
	for i, c := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = Result{Name: c.Name(), Err: op(ctx, c)}
		}()
	}
	wg.Wait()
	return results
}

// ChangeAllScenes switches the program scene everywhere.
func (f *Fleet) ChangeAllScenes(ctx context.Context, scene string) []Result {
	return f.ForEachAuthenticated(ctx, func(ctx context.Context, c *obs.Client) error {
		return c.SetCurrentProgramScene(ctx, scene)
	})
}

// StartAllRecordings starts recording everywhere.
func (f *Fleet) StartAllRecordings(ctx context.Context) []Result {
	return f.ForEachAuthenticated(ctx, func(ctx context.Context, c *obs.Client) error {
		return c.StartRecord(ctx)
	})
}

// StopAllRecordings stops recording everywhere.
func (f *Fleet) StopAllRecordings(ctx context.Context) []Result {
	return f.ForEachAuthenticated(ctx, func(ctx context.Context, c *obs.Client) error {
		_, err := c.StopRecord(ctx)
		return err
	})
}

// Aggregate folds the heartbeat caches of Authenticated connections. CPU
// usage is the highest reported.
func (f *Fleet) Aggregate() Aggregate {
	var agg Aggregate
	for _, st := range f.Statuses() {
		if st.Status.State != obs.StateAuthenticated {
			continue
		}
		hb := st.Heartbeat
		if hb.Recording && !agg.IsRecording {
			agg.IsRecording = true
			agg.RecordingConnection = st.Name
		}
		if hb.Streaming && !agg.IsStreaming {
			agg.IsStreaming = true
			agg.StreamingConnection = st.Name
		}
		if hb.CPUUsage > agg.CPUUsage {
			agg.CPUUsage = hb.CPUUsage
		}
	}
	return agg
}

// RecentEvents returns the merged raw events of every connection.
func (f *Fleet) RecentEvents() []obs.RawEvent {
	return f.raw.Snapshot()
}

// RawEvents subscribes to the merged raw events.
func (f *Fleet) RawEvents() (<-chan obs.RawEvent, func()) {
	return f.raw.Subscribe()
}

// Transitions subscribes to connection status changes.
func (f *Fleet) Transitions() (<-chan Transition, func()) {
	return f.transitions.Subscribe()
}

// RecentTransitions returns the retained status changes.
func (f *Fleet) RecentTransitions() []Transition {
	return f.transitions.Snapshot()
}

// Close stops every timer, disconnects everything and closes the journals.
func (f *Fleet) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for _, e := range f.entries {
		f.stopTimerLocked(e)
		e.manual = true
	}
	f.mu.Unlock()

	f.cancel()
	f.DisconnectAll()
	f.transitions.Close()
	f.raw.Close()
}

func (f *Fleet) stopTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.reconnecting = false
}
