package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/sendrecv/internal/protocol"
	"github.com/1ureka/sendrecv/internal/util"
)

// peer is one registered client connection.
type peer struct {
	id   string
	conn *websocket.Conn

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once

	partner *peer // guarded by Server.mu
}

func newPeer(id string, conn *websocket.Conn) *peer {
	return &peer{id: id, conn: conn, done: make(chan struct{})}
}

// serve reads commands until the connection ends. Frames from a peer in a
// session are forwarded verbatim.
func (p *peer) serve(s *Server) {
	go p.keepalive(s.keepalive)

	p.conn.SetReadDeadline(time.Now().Add(2 * s.keepalive))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(2 * s.keepalive))
	})

	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogDebug("connection to %q ended: %v", p.id, err)
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(2 * s.keepalive))
		if mt != websocket.TextMessage {
			continue
		}
		msg := string(data)

		if partner := s.partnerOf(p); partner != nil {
			util.LogDebug("%q -> %q: %s", p.id, partner.id, msg)
			if err := partner.send(msg); err != nil {
				util.LogWarning("failed to forward to %q: %v", partner.id, err)
			}
			continue
		}

		verb, arg := protocol.ParseCommand(msg)
		if verb != protocol.TokenSession || arg == "" {
			util.LogDebug("ignoring unknown message %q from %q", msg, p.id)
			continue
		}
		if err := p.send(s.bind(p, arg)); err != nil {
			return
		}
	}
}

// keepalive pings the client so idle connections survive middleboxes.
func (p *peer) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *peer) send(text string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.writeMu.Unlock()
		p.conn.Close()
	})
}
