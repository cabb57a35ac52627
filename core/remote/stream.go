package remote

import (
	"sync"

	"github.com/gorilla/websocket"
)

// EventStream delivers decoded events from the remote service.
// Next blocks until an event arrives or the stream fails; Close unblocks it.
type EventStream interface {
	Next() (Event, error)
	Close() error
}

type wsStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

// Next skips binary frames (preview images) and message types it does not know.
// A malformed text frame is returned as an error.
func (s *wsStream) Next() (Event, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}
		return ev, nil
	}
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
