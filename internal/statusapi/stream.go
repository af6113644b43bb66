package statusapi

import (
	"fmt"
	"net/http"

	"github.com/restrike/restrike-vta/internal/encoding"
	"github.com/restrike/restrike-vta/internal/logger"
)

// handlePSSStream pushes every decoded PSS event as a Server-Sent Event
// carrying its JSON record.
func (s *Server) handlePSSStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	events, cancel := s.backend.SubscribePSSEvents()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if origin := r.Header.Get("Origin"); origin != "" && localOrigin(r) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.mu.Lock()
	s.streams++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.streams--
		s.mu.Unlock()
	}()

	enc := encoding.NewJSONEncoder()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			rec, err := encoding.NewRecord(ev)
			if err != nil {
				s.log.Warn(ctx, "record conversion failed", logger.Error(err))
				continue
			}
			data, err := enc.Encode(rec)
			if err != nil {
				s.log.Warn(ctx, "record encoding failed", logger.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", rec.Kind, data)
			flusher.Flush()
		}
	}
}
