package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/permit-scheduler/internal/logging"
	"github.com/example/permit-scheduler/internal/permit"
)

// Gorilla timeout discipline, per the chat example.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// Snapshots a slow client hasn't drained before the buffer fills are
	// dropped; the next snapshot supersedes them anyway.
	clientBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleStream upgrades to a websocket and feeds the client every job
// snapshot the hub publishes, starting with the current state of all jobs.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	send := make(chan permit.Job, clientBuffer)
	unsubscribe := s.Hub.Subscribe(func(j permit.Job) {
		select {
		case send <- j:
		default:
		}
	})
	defer unsubscribe()

	// Reader exists only to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, j := range s.Registry.List() {
		if err := writeSnapshot(conn, j); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case j := <-send:
			if err := writeSnapshot(conn, j); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Log.Debugw("stream ping failed", logging.FieldError, err.Error())
				return
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, j permit.Job) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(j)
}
