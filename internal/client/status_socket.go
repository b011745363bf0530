package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// statusSocket owns one status WebSocket connection: a FIFO write queue
// (gorilla/websocket connections are not safe for concurrent writers) and a
// read loop whose only job is to notice the connection going away.
type statusSocket struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
	doneOne sync.Once
}

func newStatusSocket(conn *websocket.Conn) *statusSocket {
	s := &statusSocket{conn: conn, done: make(chan struct{})}
	go s.readLoop()
	return s
}

func (s *statusSocket) readLoop() {
	defer s.markDone()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *statusSocket) markDone() {
	s.doneOne.Do(func() { close(s.done) })
}

func (s *statusSocket) send(ctx context.Context, payload any, callback func(error)) {
	raw, err := json.Marshal(payload)
	if err != nil {
		callback(err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		callback(websocket.ErrCloseSent)
		return
	default:
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		slog.WarnContext(ctx, "status websocket write failed", "error", err)
		callback(err)
		return
	}
	callback(nil)
}

func (s *statusSocket) close() error {
	s.markDone()
	return s.conn.Close()
}
