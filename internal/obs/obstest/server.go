// Package obstest provides an in-process OBS WebSocket v5 server for tests.
package obstest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Handler answers one request. Returning ok=false produces a failed
// requestStatus with code and comment.
type Handler func(data json.RawMessage) (resp any, ok bool, code int, comment string)

// Request is a request the server received.
type Request struct {
	Type string
	ID   string
	Data json.RawMessage
}

// Server speaks just enough OBS WebSocket v5 for client tests.
type Server struct {
	*httptest.Server

	Password  string
	Salt      string
	Challenge string

	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]Handler
	silent   map[string]bool
	conns    map[*websocket.Conn]*sync.Mutex
	requests []Request
	identify []json.RawMessage
}

// NewServer starts a server. An empty password disables authentication.
func NewServer(password string) *Server {
	s := &Server{
		Password:  password,
		Salt:      "lM1GncleQOaCu9lT1yeUZhFYnqhsLLP1G5lAGo3ixaI=",
		Challenge: "+IxH4CnCiqpX1rM9scsNynZzbOe4KhDeYcTNS3PDaeY=",
		handlers:  make(map[string]Handler),
		silent:    make(map[string]bool),
		conns:     make(map[*websocket.Conn]*sync.Mutex),
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Listener.Addr().String())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Handle installs a handler for requestType. Unhandled requests succeed
// with no response data.
func (s *Server) Handle(requestType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[requestType] = h
}

// Respond installs a handler that always succeeds with resp.
func (s *Server) Respond(requestType string, resp any) {
	s.Handle(requestType, func(json.RawMessage) (any, bool, int, string) { return resp, true, 100, "" })
}

// Fail installs a handler that always fails with code and comment.
func (s *Server) Fail(requestType string, code int, comment string) {
	s.Handle(requestType, func(json.RawMessage) (any, bool, int, string) { return nil, false, code, comment })
}

// Silence makes the server never answer requestType.
func (s *Server) Silence(requestType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[requestType] = true
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestsOf returns the received requests of one type.
func (s *Server) RequestsOf(requestType string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Type == requestType {
			out = append(out, r)
		}
	}
	return out
}

// Identifies returns the raw Identify payloads received.
func (s *Server) Identifies() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.identify...)
}

// Clients returns the number of identified connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Emit sends an event to every identified connection.
func (s *Server) Emit(eventType string, data any) {
	raw, _ := json.Marshal(data)
	s.broadcast(5, map[string]any{
		"eventType":   eventType,
		"eventIntent": 1,
		"eventData":   json.RawMessage(raw),
	})
}

// DropAll closes every connection without a close frame.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the server and drops its connections.
func (s *Server) Close() {
	s.DropAll()
	s.Server.Close()
}

// Auth is the expected Identify authentication string.
func (s *Server) Auth() string {
	secret := sha256.Sum256([]byte(s.Password + s.Salt))
	resp := sha256.Sum256([]byte(base64.StdEncoding.EncodeToString(secret[:]) + s.Challenge))
	return base64.StdEncoding.EncodeToString(resp[:])
}

type frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

func write(conn *websocket.Conn, mu *sync.Mutex, op int, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return conn.WriteJSON(frame{Op: op, D: raw})
}

func (s *Server) broadcast(op int, d any) {
	s.mu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(s.conns))
	for c, mu := range s.conns {
		targets[c] = mu
	}
	s.mu.Unlock()
	for c, mu := range targets {
		write(c, mu, op, d)
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	wmu := &sync.Mutex{}

	helloD := map[string]any{"obsWebSocketVersion": "5.4.2", "rpcVersion": 1}
	if s.Password != "" {
		helloD["authentication"] = map[string]string{"challenge": s.Challenge, "salt": s.Salt}
	}
	if err := write(conn, wmu, 0, helloD); err != nil {
		return
	}

	var msg frame
	if err := conn.ReadJSON(&msg); err != nil || msg.Op != 1 {
		return
	}
	var id struct {
		RPCVersion     int    `json:"rpcVersion"`
		Authentication string `json:"authentication"`
	}
	json.Unmarshal(msg.D, &id)
	s.mu.Lock()
	s.identify = append(s.identify, msg.D)
	s.mu.Unlock()
	if s.Password != "" && id.Authentication != s.Auth() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4009, "Authentication failed."), deadline())
		return
	}
	// registered before Identified so events emitted right after the
	// client's handshake are delivered
	s.mu.Lock()
	s.conns[conn] = wmu
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	if err := write(conn, wmu, 2, map[string]int{"negotiatedRpcVersion": 1}); err != nil {
		return
	}

	for {
		var msg frame
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Op != 6 {
			continue
		}
		var req struct {
			RequestType string          `json:"requestType"`
			RequestID   string          `json:"requestId"`
			RequestData json.RawMessage `json:"requestData"`
		}
		if err := json.Unmarshal(msg.D, &req); err != nil {
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, Request{Type: req.RequestType, ID: req.RequestID, Data: req.RequestData})
		h := s.handlers[req.RequestType]
		silent := s.silent[req.RequestType]
		s.mu.Unlock()
		if silent {
			continue
		}

		var resp any
		ok, code, comment := true, 100, ""
		if h != nil {
			resp, ok, code, comment = h(req.RequestData)
		}
		status := map[string]any{"result": ok, "code": code}
		if comment != "" {
			status["comment"] = comment
		}
		d := map[string]any{
			"requestType":   req.RequestType,
			"requestId":     req.RequestID,
			"requestStatus": status,
		}
		if resp != nil {
			d["responseData"] = resp
		}
		if err := write(conn, wmu, 7, d); err != nil {
			return
		}
	}
}

func deadline() time.Time { return time.Now().Add(time.Second) }
