package controller

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"vpnrelay/internal/api"
)

const (
	changePoll   = 250 * time.Millisecond
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS already governs the control surface; the UI may be served elsewhere.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams the status JSON: once on connect, on every
// StatusInterval tick, and whenever running or last_error changes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	s.streams.Add(1)
	defer s.streams.Done()

	// The client sends nothing; reading detects when it goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	// Closing unblocks the reader; wait for it before returning.
	defer func() {
		_ = conn.Close()
		<-gone
	}()

	poll := time.NewTicker(changePoll)
	defer poll.Stop()
	tick := time.NewTicker(s.opts.StatusInterval)
	defer tick.Stop()

	last := s.status()
	if err := s.push(conn, last); err != nil {
		return
	}
	for {
		select {
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeTimeout))
			return
		case <-gone:
			return
		case <-tick.C:
			last = s.status()
			if err := s.push(conn, last); err != nil {
				return
			}
		case <-poll.C:
			cur := s.status()
			if !changed(last, cur) {
				continue
			}
			last = cur
			if err := s.push(conn, last); err != nil {
				return
			}
		}
	}
}

func (s *Server) push(conn *websocket.Conn, st api.StatusResponse) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(st)
}

func changed(a, b api.StatusResponse) bool {
	if a.Running != b.Running {
		return true
	}
	if (a.LastError == nil) != (b.LastError == nil) {
		return true
	}
	return a.LastError != nil && *a.LastError != *b.LastError
}
