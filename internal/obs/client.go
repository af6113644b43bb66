// Package obs is a client for the OBS Studio WebSocket v5 protocol.
package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/restrike/restrike-vta/internal/apperr"
	"github.com/restrike/restrike-vta/internal/journal"
	"github.com/restrike/restrike-vta/internal/logger"
)

const (
	DefaultPort           = 4455
	DefaultConnectTimeout = 30 * time.Second
	DefaultRequestTimeout = 10 * time.Second

	writeWait = 10 * time.Second
)

var errDisconnected = errors.New("disconnected by caller")

// State is the session lifecycle state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateError          State = "error"
)

// Status is a State plus the message carried by Error and by unexpected
// disconnects.
type Status struct {
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

func (s Status) String() string {
	if s.Message == "" {
		return string(s.State)
	}
	return fmt.Sprintf("%s(%s)", s.State, s.Message)
}

// Config identifies one OBS instance.
type Config struct {
	Name           string
	Host           string
	Port           int
	Password       string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// URL returns the ws:// endpoint.
func (c Config) URL() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(c.Host, strconv.Itoa(port))}
	return u.String()
}

// RequestError is a request the server answered with result=false.
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *RequestError) Error() string {
	if e.Comment == "" {
		return fmt.Sprintf("%s failed with status %d", e.RequestType, e.Code)
	}
	return fmt.Sprintf("%s failed with status %d: %s", e.RequestType, e.Code, e.Comment)
}

// StatusFunc observes status transitions.
type StatusFunc func(name string, from, to Status)

// RequestObserver records request outcomes, typically into metrics.
type RequestObserver interface {
	ObserveRequest(connection, requestType, result string, elapsed time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithStatusFunc registers a transition observer. It is called without
// client locks held.
func WithStatusFunc(fn StatusFunc) Option {
	return func(c *Client) { c.onStatus = fn }
}

// WithRequestObserver attaches a request observer.
func WithRequestObserver(o RequestObserver) Option {
	return func(c *Client) { c.observer = o }
}

// WithRawSink receives every raw event in addition to the connection's
// own journal.
func WithRawSink(fn func(RawEvent)) Option {
	return func(c *Client) { c.rawSink = fn }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// HeartbeatState is the cached view of the server's output state.
type HeartbeatState struct {
	Recording bool      `json:"recording"`
	Streaming bool      `json:"streaming"`
	CPUUsage  float64   `json:"cpu_usage"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type result struct {
	resp *responseFrame
	err  error
}

// session is one live websocket. The reader goroutine owns reads; the
// writer goroutine owns writes.
type session struct {
	conn    *websocket.Conn
	out     chan []byte
	quit    chan struct{}
	done    chan struct{}
	closing atomic.Bool
}

// Client is one OBS WebSocket session. It never reconnects by itself.
type Client struct {
	cfg      Config
	dialer   *websocket.Dialer
	log      logger.Logger
	onStatus StatusFunc
	observer RequestObserver
	rawSink  func(RawEvent)

	raw    *journal.Journal[RawEvent]
	events *journal.Journal[Notification]

	mu         sync.Mutex
	status     Status
	sess       *session
	abort      context.CancelCauseFunc // cancels an in-flight Connect
	connecting chan struct{}
	pending   map[string]chan result
	heartbeat HeartbeatState
	version   int
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	c := &Client{
		cfg:     cfg,
		log:     logger.Nop(),
		events:  journal.New[Notification](journal.DefaultCapacity),
		raw:     journal.New[RawEvent](journal.DefaultCapacity),
		status:  Status{State: StateDisconnected},
		pending: make(map[string]chan result),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.ConnectTimeout,
		}
	}
	return c
}

// Name returns the connection name.
func (c *Client) Name() string { return c.cfg.Name }

// Config returns the connection config.
func (c *Client) Config() Config { return c.cfg }

// Status returns the current status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Heartbeat returns the cached output state.
func (c *Client) Heartbeat() HeartbeatState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

// Events subscribes to recognized events.
func (c *Client) Events() (<-chan Notification, func()) {
	return c.events.Subscribe()
}

// RawEvents subscribes to every received event.
func (c *Client) RawEvents() (<-chan RawEvent, func()) {
	return c.raw.Subscribe()
}

// RecentEvents returns the retained raw events, oldest first.
func (c *Client) RecentEvents() []RawEvent {
	return c.raw.Snapshot()
}

func (c *Client) setStatus(to Status) {
	c.mu.Lock()
	from := c.status
	c.status = to
	c.mu.Unlock()
	c.notify(from, to)
}

func (c *Client) notify(from, to Status) {
	if from == to {
		return
	}
	c.log.Info(context.Background(), "OBS status",
		logger.String("from", from.String()),
		logger.String("to", to.String()))
	if c.onStatus != nil {
		c.onStatus(c.cfg.Name, from, to)
	}
}

// Connect dials the server and performs the Hello/Identify/Identified
// handshake. It returns once the session is Authenticated or failed.
func (c *Client) Connect(ctx context.Context) error {
	const op = "obs.Connect"

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	c.mu.Lock()
	switch c.status.State {
	case StateDisconnected, StateError:
	default:
		st := c.status
		c.mu.Unlock()
		return apperr.Errorf(apperr.KindProtocol, op, "connection %s is %s", c.cfg.Name, st.State)
	}
	from := c.status
	c.status = Status{State: StateConnecting}
	connecting := make(chan struct{})
	c.abort, c.connecting = abort, connecting
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.abort, c.connecting = nil, nil
		c.mu.Unlock()
		close(connecting)
	}()
	c.notify(from, Status{State: StateConnecting})

	// fail reports err unless Disconnect aborted the attempt.
	fail := func(err error) error {
		if errors.Is(context.Cause(ctx), errDisconnected) {
			c.setStatus(Status{State: StateDisconnected})
			return apperr.Wrap(apperr.KindCancelled, op, errDisconnected)
		}
		return c.fail(err)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL(), nil)
	if err != nil {
		return fail(apperr.Wrap(apperr.KindIo, op, fmt.Errorf("dial %s: %w", c.cfg.URL(), err)))
	}
	c.setStatus(Status{State: StateConnected})

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}
	// closes the socket if ctx ends mid-handshake
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	negotiated, err := c.handshake(conn)
	if !stop() || err != nil {
		conn.Close()
		if err == nil || ctx.Err() != nil {
			err = apperr.FromContext(op, ctx.Err())
		}
		return fail(err)
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	s := &session{
		conn: conn,
		out:  make(chan []byte, 16),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return fail(apperr.FromContext(op, ctx.Err()))
	}
	c.sess = s
	c.version = negotiated
	from = c.status
	c.status = Status{State: StateAuthenticated}
	c.mu.Unlock()

	go c.writeLoop(s)
	go c.readLoop(s)

	c.notify(from, Status{State: StateAuthenticated})
	return nil
}

func (c *Client) fail(err error) error {
	c.setStatus(Status{State: StateError, Message: err.Error()})
	return err
}

func (c *Client) handshake(conn *websocket.Conn) (int, error) {
	const op = "obs.handshake"

	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		return 0, apperr.Wrap(apperr.KindIo, op, fmt.Errorf("read hello: %w", err))
	}
	if msg.Op != OpHello {
		return 0, apperr.Errorf(apperr.KindProtocol, op, "expected hello, got op %d", msg.Op)
	}
	var h hello
	if err := json.Unmarshal(msg.D, &h); err != nil {
		return 0, apperr.Wrap(apperr.KindProtocol, op, fmt.Errorf("decode hello: %w", err))
	}
	c.setStatus(Status{State: StateAuthenticating})

	id := identify{RPCVersion: RPCVersion}
	if h.RPCVersion > 0 && h.RPCVersion < RPCVersion {
		id.RPCVersion = h.RPCVersion
	}
	if h.Authentication != nil {
		id.Authentication = Auth(c.cfg.Password, h.Authentication.Salt, h.Authentication.Challenge)
	}
	subs := EventSubscriptionAll
	id.EventSubscriptions = &subs
	data, err := encodeMessage(OpIdentify, id)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return 0, apperr.Wrap(apperr.KindIo, op, fmt.Errorf("write identify: %w", err))
	}

	msg = message{}
	if err := conn.ReadJSON(&msg); err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return 0, apperr.Errorf(apperr.KindRemote, op, "identification rejected: %d %s", ce.Code, ce.Text)
		}
		return 0, apperr.Wrap(apperr.KindIo, op, fmt.Errorf("read identified: %w", err))
	}
	switch msg.Op {
	case OpIdentified:
	case OpRequestBatch:
		// some servers answer a failed identify with an op 8 error frame
		return 0, apperr.Errorf(apperr.KindRemote, op, "identification rejected: %s", string(msg.D))
	default:
		return 0, apperr.Errorf(apperr.KindProtocol, op, "expected identified, got op %d", msg.Op)
	}
	var ided identified
	if err := json.Unmarshal(msg.D, &ided); err != nil {
		return 0, apperr.Wrap(apperr.KindProtocol, op, fmt.Errorf("decode identified: %w", err))
	}
	return ided.NegotiatedRPCVersion, nil
}

// Disconnect closes the session and resolves outstanding requests with a
// cancellation error. A Connect in progress is aborted and waited for.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s, connecting := c.sess, c.connecting
	if s == nil && c.abort != nil {
		c.abort(errDisconnected)
	}
	c.mu.Unlock()
	if s == nil {
		if connecting != nil {
			<-connecting
		}
		c.setStatus(Status{State: StateDisconnected})
		return
	}
	s.closing.Store(true)
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.conn.Close()
	<-s.done
}

func (c *Client) writeLoop(s *session) {
	for {
		select {
		case data := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn(context.Background(), "OBS write failed", logger.Error(err))
				s.conn.Close()
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (c *Client) readLoop(s *session) {
	var reason error
	for {
		var msg message
		if err := s.conn.ReadJSON(&msg); err != nil {
			reason = err
			break
		}
		switch msg.Op {
		case OpEvent:
			c.handleEvent(msg.D)
		case OpRequestResponse:
			c.handleResponse(msg.D)
		default:
			c.log.Debug(context.Background(), "ignoring OBS message", logger.Int("op", msg.Op))
		}
	}
	close(s.quit)
	s.conn.Close()
	c.teardown(s, reason)
	close(s.done)
}

func (c *Client) teardown(s *session, reason error) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan result)
	from := c.status
	to := Status{State: StateDisconnected}
	if !s.closing.Load() && reason != nil {
		to.Message = reason.Error()
	}
	c.status = to
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- result{err: apperr.Errorf(apperr.KindCancelled, "obs.Call", "request %s cancelled: session closed", id)}
	}
	c.notify(from, to)
}

func (c *Client) handleEvent(d json.RawMessage) {
	var ef eventFrame
	if err := json.Unmarshal(d, &ef); err != nil {
		c.log.Warn(context.Background(), "malformed OBS event", logger.Error(err))
		return
	}
	now := time.Now()
	raw := RawEvent{
		ConnectionName: c.cfg.Name,
		EventType:      ef.EventType,
		Data:           ef.EventData,
		Timestamp:      now,
	}
	c.raw.Push(raw)
	if c.rawSink != nil {
		c.rawSink(raw)
	}
	ev := decodeEvent(ef.EventType, ef.EventData)
	if ev == nil {
		return
	}

	c.mu.Lock()
	switch e := ev.(type) {
	case Heartbeat:
		c.heartbeat = HeartbeatState{Recording: e.Recording, Streaming: e.Streaming, CPUUsage: e.CPUUsage, UpdatedAt: now}
	case RecordStateChanged:
		c.heartbeat.Recording = e.OutputActive
		c.heartbeat.UpdatedAt = now
	case StreamStateChanged:
		c.heartbeat.Streaming = e.OutputActive
		c.heartbeat.UpdatedAt = now
	}
	c.mu.Unlock()

	c.events.Push(Notification{Connection: c.cfg.Name, ReceivedAt: now, Event: ev})
}

func (c *Client) handleResponse(d json.RawMessage) {
	var rf responseFrame
	if err := json.Unmarshal(d, &rf); err != nil {
		c.log.Warn(context.Background(), "malformed OBS response", logger.Error(err))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[rf.RequestID]
	delete(c.pending, rf.RequestID)
	c.mu.Unlock()
	if !ok {
		c.log.Warn(context.Background(), "unmatched OBS response",
			logger.String("request_id", rf.RequestID),
			logger.String("request_type", rf.RequestType))
		return
	}
	ch <- result{resp: &rf}
}

// Call sends requestType with data and decodes responseData into out when
// out is non-nil. It fails immediately unless the session is Authenticated.
func (c *Client) Call(ctx context.Context, requestType string, data any, out any) error {
	const op = "obs.Call"
	start := time.Now()
	err := c.call(ctx, requestType, data, out)
	if c.observer != nil {
		c.observer.ObserveRequest(c.cfg.Name, requestType, resultLabel(err), time.Since(start))
	}
	if err != nil {
		c.log.Debug(ctx, "OBS request failed",
			logger.String("request_type", requestType),
			logger.Error(err))
		return fmt.Errorf("%s %s: %w", op, requestType, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, requestType string, data any, out any) error {
	const op = "obs.Call"

	id := uuid.NewString()
	frame, err := encodeMessage(OpRequest, requestFrame{RequestType: requestType, RequestID: id, RequestData: data})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}

	ch := make(chan result, 1)
	c.mu.Lock()
	s := c.sess
	if c.status.State != StateAuthenticated || s == nil {
		st := c.status
		c.mu.Unlock()
		return apperr.Errorf(apperr.KindProtocol, op, "connection %s is %s", c.cfg.Name, st.State)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case s.out <- frame:
	case <-s.quit:
	case <-timer.C:
		c.dropPending(id)
		return apperr.Errorf(apperr.KindTimeout, op, "%s timed out after %s", requestType, c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return apperr.FromContext(op, ctx.Err())
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if !r.resp.RequestStatus.Result {
			return apperr.Wrap(apperr.KindRemote, op, &RequestError{
				RequestType: requestType,
				Code:        r.resp.RequestStatus.Code,
				Comment:     r.resp.RequestStatus.Comment,
			})
		}
		if out != nil && len(r.resp.ResponseData) > 0 {
			if err := json.Unmarshal(r.resp.ResponseData, out); err != nil {
				return apperr.Wrap(apperr.KindProtocol, op, fmt.Errorf("decode %s response: %w", requestType, err))
			}
		}
		return nil
	case <-timer.C:
		c.dropPending(id)
		return apperr.Errorf(apperr.KindTimeout, op, "%s timed out after %s", requestType, c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return apperr.FromContext(op, ctx.Err())
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// PendingRequests returns the number of unresolved requests.
func (c *Client) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// NegotiatedRPCVersion returns the version agreed in Identified.
func (c *Client) NegotiatedRPCVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.KindOf(err).String()
}
