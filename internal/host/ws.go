package host

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/autostudy/internal/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API token, when set, has already been checked.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams a session's events as JSON frames: first everything
// buffered so far, then live events until the run finishes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound.Error())
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("session", sess.ID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	telemetry.CounterGlobal("autostudy_host_ws_clients", 1, map[string]string{"component": "host"})

	backlog, events, cancel := sess.Subscribe()
	defer cancel()

	// Reads only serve to notice the client going away.
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range backlog {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, open := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("session", sess.ID).Msg("websocket write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
