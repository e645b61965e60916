package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"nhooyr.io/websocket"

	"github.com/you/cheerfx/internal/logging"
	"github.com/you/cheerfx/internal/store"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 20 * time.Second
)

// handleOverlay streams play_sfx frames for one broadcaster until the
// client leaves or the hub closes. Incoming messages are discarded.
func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	broadcasterID := chi.URLParam(r, "user_id")
	if _, err := s.opts.Store.GetBroadcaster(r.Context(), broadcasterID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown broadcaster", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(baseWriter(w), r, s.acceptOptions())
	if err != nil {
		logging.Warn().Err(err).Str("broadcaster_id", broadcasterID).Msg("ws: accept failed")
		return
	}

	sub := s.opts.Hub.Subscribe(broadcasterID)
	if sub == nil {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.opts.Hub.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		case frame, ok := <-sub.C():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logging.Debug().Err(err).Str("broadcaster_id", broadcasterID).Msg("ws: write failed")
				return
			}
			s.metrics.IncFramesSent()
		}
	}
}

// acceptOptions restricts origins to the CORS allowlist when one is set.
// Overlay browser sources often send no usable Origin, so an empty list
// accepts any.
func (s *Server) acceptOptions() *websocket.AcceptOptions {
	if s.cors == nil || s.cors.any {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: s.cors.hosts()}
}
