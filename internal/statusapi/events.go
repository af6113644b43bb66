package statusapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/restrike/restrike-vta/internal/logger"
)

const wsWriteWait = 5 * time.Second

// handleEvents streams OBS events to a WebSocket client. ?replay=1 sends
// the retained recent events first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	events, cancel := s.backend.SubscribeOBSEvents()
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(ctx, "websocket upgrade failed", logger.Error(err))
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.mu.Unlock()
	s.log.Info(ctx, "event client connected", logger.String("remote", r.RemoteAddr), logger.Int("clients", count))

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		count := len(s.clients)
		s.mu.Unlock()
		conn.Close()
		s.log.Info(ctx, "event client disconnected", logger.Int("clients", count))
	}()

	// The read side only detects the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if r.URL.Query().Get("replay") == "1" {
		for _, ev := range s.backend.RecentEvents() {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug(ctx, "event write failed", logger.Error(err))
				return
			}
		}
	}
}
