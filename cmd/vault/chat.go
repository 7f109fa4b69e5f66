package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/WessleyAI/rag-vault/engine/rag"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	maxMessage = 16 << 10
)

func (s *server) upgrader() websocket.Upgrader {
	u := websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	if s.corsOrigin == "*" {
		u.CheckOrigin = func(*http.Request) bool { return true }
	} else {
		u.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return o == "" || o == s.corsOrigin
		}
	}
	return u
}

// handleChat serves one websocket per chat session. Each text frame is a
// question; the answer comes back as JSON events ending in done.
func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	colID := r.PathValue("id")
	if _, err := s.catalog.GetCollection(r.Context(), colID); err != nil {
		s.fail(w, r, err)
		return
	}
	u := s.upgrader()
	conn, err := u.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	log := s.log.With("collection_id", colID, "remote", r.RemoteAddr)
	log.Info("chat connected")
	defer log.Info("chat disconnected")

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	wait := s.pongWait
	if wait <= 0 {
		wait = pongWait
	}
	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	// Questions are read on their own goroutine so a closed socket cancels
	// the answer being streamed.
	questions := make(chan string)
	go func() {
		defer cancel()
		defer close(questions)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn("chat read failed", "err", err)
				}
				return
			}
			select {
			case questions <- string(msg):
			case <-ctx.Done():
				return
			}
		}
	}()

	// Pings run beside the answer loop so a slow answer does not starve the
	// read deadline. WriteControl is safe alongside WriteJSON.
	go func() {
		ticker := time.NewTicker(wait * 9 / 10)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	session := s.rag.NewSession(colID, s.catalog)
	for {
		select {
		case q, ok := <-questions:
			if !ok || !s.answer(ctx, conn, session, strings.TrimSpace(q)) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// answer writes every event of one answer. It reports false once the socket
// can no longer be written.
func (s *server) answer(ctx context.Context, conn *websocket.Conn, session *rag.Session, question string) bool {
	for ev := range session.Ask(ctx, question) {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			s.log.Warn("chat write failed", "err", err)
			return false
		}
	}
	return true
}
