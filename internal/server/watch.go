package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	watchWriteTimeout = 10 * time.Second
	watchPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Token auth, not cookies; origin checks add nothing
	},
}

// handleWatch streams job state transitions over a websocket. Only events
// for projects the caller is a member of are forwarded.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	user, err := s.verifier.UserID(r.Header.Get("Authorization"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	if s.metrics != nil {
		s.metrics.WatchClients.Inc()
		defer s.metrics.WatchClients.Dec()
	}
	s.logger.Debug().Str("user", user).Msg("watch client connected")

	// Reader goroutine: drain control frames and detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(watchPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if !s.svc.ProjectVisible(r.Context(), ev.ProjectID, user) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
