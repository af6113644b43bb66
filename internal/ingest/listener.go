// Package ingest receives PSS datagrams from the scoreboard over UDP.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/restrike/restrike-vta/internal/apperr"
	"github.com/restrike/restrike-vta/internal/journal"
	"github.com/restrike/restrike-vta/internal/logger"
	"github.com/restrike/restrike-vta/internal/pss"
)

const (
	DefaultBufferSize  = 8192
	DefaultReadTimeout = 250 * time.Millisecond
)

// State is the listener lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Status is the externally visible listener status.
type Status struct {
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
	Addr    string `json:"addr,omitempty"`
}

// Stats are cumulative listener counters.
type Stats struct {
	PacketsReceived uint64    `json:"packets_received"`
	PacketsParsed   uint64    `json:"packets_parsed"`
	ParseErrors     uint64    `json:"parse_errors"`
	UniqueClients   int       `json:"unique_clients"`
	BytesTotal      uint64    `json:"bytes_total"`
	LastPacketAt    time.Time `json:"last_packet_at,omitempty"`
}

// ClientStats are the counters for one source address.
type ClientStats struct {
	Addr      string    `json:"addr"`
	Packets   uint64    `json:"packets"`
	Bytes     uint64    `json:"bytes"`
	Errors    uint64    `json:"errors"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type clientCounters struct {
	packets   atomic.Uint64
	bytes     atomic.Uint64
	errors    atomic.Uint64
	firstSeen time.Time
	lastSeen  atomic.Int64
}

// Config is the socket configuration of one Start.
type Config struct {
	Port        int
	BufferSize  int
	ReadTimeout time.Duration
	Network     NetworkConfig
}

// Datagram is one received payload with its origin.
type Datagram struct {
	ReceivedAt time.Time
	Source     string
	Payload    []byte
}

// Observer receives per-datagram accounting, typically a metrics sink.
type Observer interface {
	ObserveDatagram(bytes int, parsed bool, diags []pss.Diagnostic)
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the listener logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Listener) { s.log = l }
}

// WithInterfaces overrides the interface enumerator.
func WithInterfaces(l InterfaceLister) Option {
	return func(s *Listener) { s.ifaces = l }
}

// WithObserver attaches a datagram observer.
func WithObserver(o Observer) Option {
	return func(s *Listener) { s.observer = o }
}

// WithPacketListener overrides how the UDP socket is opened.
func WithPacketListener(fn func(addr *net.UDPAddr) (net.PacketConn, error)) Option {
	return func(s *Listener) { s.listen = fn }
}

// WithDatagramHook is called with a private copy of every datagram.
func WithDatagramHook(fn func(Datagram)) Option {
	return func(s *Listener) { s.hook = fn }
}

// Listener owns the PSS datagram socket.
type Listener struct {
	schema   *pss.Holder
	events   *journal.Journal[pss.Event]
	diags    *journal.Journal[pss.Diagnostic]
	ifaces   InterfaceLister
	observer Observer
	hook     func(Datagram)
	listen   func(addr *net.UDPAddr) (net.PacketConn, error)
	log      logger.Logger

	mu     sync.Mutex
	status Status
	conn   net.PacketConn
	cancel context.CancelFunc
	done   chan struct{}

	seq          atomic.Uint64
	received     atomic.Uint64
	parsed       atomic.Uint64
	parseErrors  atomic.Uint64
	bytesTotal   atomic.Uint64
	lastPacketAt atomic.Int64
	clients      *xsync.Map[string, *clientCounters]
}

// NewListener creates a stopped listener that decodes with schema and
// pushes events to events.
func NewListener(schema *pss.Holder, events *journal.Journal[pss.Event], opts ...Option) *Listener {
	s := &Listener{
		schema:  schema,
		events:  events,
		diags:   journal.New[pss.Diagnostic](journal.DefaultCapacity),
		ifaces:  SystemInterfaces{},
		log:     logger.Nop(),
		status:  Status{State: StateStopped},
		clients: xsync.NewMap[string, *clientCounters](),
		listen: func(addr *net.UDPAddr) (net.PacketConn, error) {
			return net.ListenUDP("udp", addr)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the socket and starts the read loop. It returns once the
// socket is bound or binding failed.
func (s *Listener) Start(ctx context.Context, cfg Config) error {
	const op = "ingest.Start"
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status.State {
	case StateStarting, StateRunning, StateStopping:
		return apperr.New(apperr.KindInternal, op, "listener already started")
	}
	s.status = Status{State: StateStarting}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	ip, err := SelectBindAddress(s.ifaces, cfg.Network)
	if err != nil {
		s.status = Status{State: StateError, Message: err.Error()}
		return err
	}
	addr := &net.UDPAddr{IP: ip, Port: cfg.Port}
	conn, err := s.listen(addr)
	if err != nil {
		err = apperr.Wrap(apperr.KindIo, op, fmt.Errorf("listen %s: %w", addr, err))
		s.status = Status{State: StateError, Message: err.Error()}
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.conn = conn
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status = Status{State: StateRunning, Addr: conn.LocalAddr().String()}

	s.log.Info(ctx, "PSS listener bound",
		logger.String("addr", conn.LocalAddr().String()),
		logger.Int("buffer_size", cfg.BufferSize))

	go s.readLoop(loopCtx, conn, cfg, s.done)
	return nil
}

// Stop cancels the read loop and waits for the socket to close.
func (s *Listener) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	if s.status.State == StateRunning {
		s.status.State = StateStopping
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done
}

// Status returns the current lifecycle status.
func (s *Listener) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Addr returns the bound address, or nil when not running.
func (s *Listener) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stats returns a snapshot of the counters.
func (s *Listener) Stats() Stats {
	st := Stats{
		PacketsReceived: s.received.Load(),
		PacketsParsed:   s.parsed.Load(),
		ParseErrors:     s.parseErrors.Load(),
		UniqueClients:   s.clients.Size(),
		BytesTotal:      s.bytesTotal.Load(),
	}
	if ts := s.lastPacketAt.Load(); ts != 0 {
		st.LastPacketAt = time.Unix(0, ts)
	}
	return st
}

// Clients returns per-source counters.
func (s *Listener) Clients() []ClientStats {
	var out []ClientStats
	s.clients.Range(func(addr string, c *clientCounters) bool {
		out = append(out, ClientStats{
			Addr:      addr,
			Packets:   c.packets.Load(),
			Bytes:     c.bytes.Load(),
			Errors:    c.errors.Load(),
			FirstSeen: c.firstSeen,
			LastSeen:  time.Unix(0, c.lastSeen.Load()),
		})
		return true
	})
	return out
}

// RecentEvents returns the retained PSS events, oldest first.
func (s *Listener) RecentEvents() []pss.Event {
	return s.events.Snapshot()
}

// RecentDiagnostics returns the retained decode diagnostics.
func (s *Listener) RecentDiagnostics() []pss.Diagnostic {
	return s.diags.Snapshot()
}

func (s *Listener) readLoop(ctx context.Context, conn net.PacketConn, cfg Config, done chan struct{}) {
	defer close(done)
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		if s.status.State != StateError {
			s.status = Status{State: StateStopped}
		}
		s.mu.Unlock()
		s.log.Info(context.Background(), "PSS listener stopped")
	}()

	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// one byte past the limit so the decoder sees oversized datagrams
		if need := max(cfg.BufferSize, s.schema.Load().MaxPacketSize) + 1; len(buf) < need {
			buf = make([]byte, need)
		}
		conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error(ctx, "PSS read failed, listener halted", logger.Error(err))
			s.mu.Lock()
			s.status = Status{State: StateError, Message: err.Error()}
			s.mu.Unlock()
			return
		}
		s.handleDatagram(ctx, buf[:n], from.String(), time.Now())
	}
}

func (s *Listener) handleDatagram(ctx context.Context, payload []byte, source string, at time.Time) {
	s.received.Add(1)
	s.bytesTotal.Add(uint64(len(payload)))
	s.lastPacketAt.Store(at.UnixNano())

	c, _ := s.clients.LoadOrCompute(source, func() (*clientCounters, bool) {
		s.log.Info(ctx, "new PSS source", logger.String("source", source))
		return &clientCounters{firstSeen: at}, false
	})
	c.packets.Add(1)
	c.bytes.Add(uint64(len(payload)))
	c.lastSeen.Store(at.UnixNano())

	if s.hook != nil {
		s.hook(Datagram{ReceivedAt: at, Source: source, Payload: append([]byte(nil), payload...)})
	}

	events, diags := pss.Decode(s.schema.Load(), payload)
	if len(events) > 0 {
		s.parsed.Add(1)
	}
	if len(diags) > 0 || len(events) == 0 {
		s.parseErrors.Add(1)
		c.errors.Add(1)
	}
	for i := range diags {
		diags[i].Seq = s.seq.Load() + 1
		s.diags.Push(diags[i])
		s.log.Debug(ctx, "PSS diagnostic",
			logger.String("source", source),
			logger.String("kind", string(diags[i].Kind)),
			logger.String("message", diags[i].Message))
	}
	if s.observer != nil {
		s.observer.ObserveDatagram(len(payload), len(events) > 0, diags)
	}
	for _, ev := range events {
		pss.Stamp(ev, s.seq.Add(1), at, source)
		s.events.Push(ev)
	}
}
