package signaling

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/sendrecv/internal/util"
)

// sender serializes outgoing frames to the websocket (private).
type sender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// send writes a text frame, guarded by a mutex.
func (s *sender) send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("failed to write WS message: %w", err)
	}
	util.Stats.AddSent(len(text))
	return nil
}

// sendClose writes a normal-closure control frame. Errors are ignored: the
// connection is torn down right after.
func (s *sender) sendClose(grace time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(grace))
}
