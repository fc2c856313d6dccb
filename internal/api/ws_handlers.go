package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleSessionEvents streams a session's progress events over a websocket.
// The first message is a snapshot of the session's current state; live
// events follow in order. The stream stays open after the session ends so
// the client always receives the terminal event.
func (s *RESTServer) HandleSessionEvents(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	// Ownership check before upgrading
	if _, err := s.controller.GetSession(r.Context(), claims.UserID, id); err != nil {
		s.respondEngineError(w, err)
		return
	}

	sub, err := s.controller.Hub().Subscribe(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	log.Debug().
		Str("session_id", id.String()).
		Str("remote", r.RemoteAddr).
		Msg("Progress stream opened")

	defer func() {
		sub.Close()
		conn.Close()
		log.Debug().Str("session_id", id.String()).Msg("Progress stream closed")
	}()

	// Reader goroutine: drains client frames and signals close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
