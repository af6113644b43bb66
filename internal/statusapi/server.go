// Package statusapi serves the published process state over local HTTP:
// JSON snapshots, a WebSocket stream of OBS events, a Server-Sent Events
// stream of PSS events and Prometheus metrics.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/restrike/restrike-vta/internal/apperr"
	"github.com/restrike/restrike-vta/internal/encoding"
	"github.com/restrike/restrike-vta/internal/fleet"
	"github.com/restrike/restrike-vta/internal/logger"
	"github.com/restrike/restrike-vta/internal/match"
	"github.com/restrike/restrike-vta/internal/obs"
	"github.com/restrike/restrike-vta/internal/orchestrator"
	"github.com/restrike/restrike-vta/internal/pss"
)

const shutdownTimeout = 5 * time.Second

// Backend is the state the server publishes. *orchestrator.Orchestrator
// implements it.
type Backend interface {
	Status() orchestrator.Status
	ConnectionStatuses() []fleet.ConnectionStatus
	MatchSnapshot() match.State
	RecentEvents() []obs.RawEvent
	RecentPSSEvents() []pss.Event
	SubscribeOBSEvents() (<-chan obs.RawEvent, func())
	SubscribePSSEvents() (<-chan pss.Event, func())
	ChangeAllScenes(ctx context.Context, scene string) []fleet.Result
	StartAllRecordings(ctx context.Context) []fleet.Result
	StopAllRecordings(ctx context.Context) []fleet.Result
	SetTournament(name, day string)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// Server is the local status HTTP surface.
type Server struct {
	addr    string
	backend Backend
	metrics http.Handler
	log     logger.Logger

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[*websocket.Conn]bool
	streams  int
	server   *http.Server
	listener net.Listener
}

// New creates a server for addr (host:port; port 0 picks a free one).
func New(addr string, backend Backend, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		backend: backend,
		log:     logger.Nop(),
		clients: make(map[*websocket.Conn]bool),
	}
	s.upgrader.CheckOrigin = localOrigin
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /connections", s.handleConnections)
	mux.HandleFunc("GET /match", s.handleMatch)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /events/recent", s.handleRecentEvents)
	mux.HandleFunc("GET /pss", s.handlePSS)
	mux.HandleFunc("GET /pss/stream", s.handlePSSStream)
	mux.HandleFunc("POST /obs/scene", control(s.handleScene))
	mux.HandleFunc("POST /obs/record/{action}", control(s.handleRecord))
	mux.HandleFunc("POST /tournament", control(s.handleTournament))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Start listens and serves until ctx is done, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return apperr.Wrap(apperr.KindIo, "statusapi.Start", fmt.Errorf("listen %s: %w", s.addr, err))
	}

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	srv := s.server
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "status API listening", logger.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status API failed: %w", err)
		}
		return nil
	}
}

// Shutdown closes every WebSocket client and stops the HTTP server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.mu.Lock()
	for c := range s.clients {
		c.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound address once Start has listened.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// ClientCount returns the number of WebSocket and SSE clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients) + s.streams
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "reStrike VTA status API\n\n")
	fmt.Fprintf(w, "GET  /status /connections /match /events/recent /pss /metrics\n")
	fmt.Fprintf(w, "WS   /events\n")
	fmt.Fprintf(w, "SSE  /pss/stream\n")
	fmt.Fprintf(w, "POST /obs/scene /obs/record/{start|stop} /tournament\n")
	fmt.Fprintf(w, "Connected clients: %d\n", s.ClientCount())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// localOrigin accepts requests without an Origin header and browser
// requests from pages served by a loopback host.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// control admits local callers that send a JSON body.
func control(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !localOrigin(r) {
			writeError(w, http.StatusForbidden, fmt.Errorf("origin %q not allowed", r.Header.Get("Origin")))
			return
		}
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, errors.New("content type must be application/json"))
			return
		}
		next(w, r)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.ConnectionStatuses())
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.MatchSnapshot())
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.RecentEvents())
}

// handlePSS returns the recent PSS events as records. ?format=protobuf
// answers with length-delimited google.protobuf.Struct messages.
func (s *Server) handlePSS(w http.ResponseWriter, r *http.Request) {
	format, err := encoding.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	events := s.backend.RecentPSSEvents()
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit >= 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}

	records := make([]encoding.Record, 0, len(events))
	for _, ev := range events {
		rec, err := encoding.NewRecord(ev)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		records = append(records, rec)
	}

	if format == encoding.FormatJSON {
		writeJSON(w, http.StatusOK, records)
		return
	}
	enc := encoding.NewEncoder(format)
	var body []byte
	for _, rec := range records {
		b, err := enc.Encode(rec)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		body = append(body, b...)
	}
	w.Header().Set("Content-Type", enc.ContentType())
	w.Write(body)
}

type resultView struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

func resultViews(results []fleet.Result) []resultView {
	out := make([]resultView, 0, len(results))
	for _, r := range results {
		v := resultView{Name: r.Name, OK: r.Err == nil}
		if r.Err != nil {
			v.Kind = apperr.KindOf(r.Err).String()
			v.Error = r.Err.Error()
		}
		out = append(out, v)
	}
	return out
}

// multiStatus is 200 when every connection succeeded, 207 otherwise.
func multiStatus(results []fleet.Result) int {
	for _, r := range results {
		if r.Err != nil {
			return http.StatusMultiStatus
		}
	}
	return http.StatusOK
}

func (s *Server) handleScene(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scene string `json:"scene"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Scene == "" {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"scene": "<name>"}`))
		return
	}
	results := s.backend.ChangeAllScenes(r.Context(), body.Scene)
	writeJSON(w, multiStatus(results), resultViews(results))
}

// handleTournament applies to paths planned after the call.
func (s *Server) handleTournament(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Day  string `json:"day"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"name": "<tournament>", "day": "<day>"}`))
		return
	}
	s.backend.SetTournament(body.Name, body.Day)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var results []fleet.Result
	switch r.PathValue("action") {
	case "start":
		results = s.backend.StartAllRecordings(r.Context())
	case "stop":
		results = s.backend.StopAllRecordings(r.Context())
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown record action %q", r.PathValue("action")))
		return
	}
	writeJSON(w, multiStatus(results), resultViews(results))
}
