// Package relay is a rendezvous server for sendrecv peers. Clients register
// an id with HELLO, bind to another registered client with SESSION, and from
// then on every frame is forwarded verbatim to the bound partner.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/1ureka/sendrecv/internal/config"
	"github.com/1ureka/sendrecv/internal/protocol"
	"github.com/1ureka/sendrecv/internal/util"
)

const (
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server tracks registered peers and their sessions.
type Server struct {
	keepalive time.Duration
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*peer
}

// New creates a relay that pings idle clients every keepalive.
func New(keepalive time.Duration) *Server {
	if keepalive <= 0 {
		keepalive = config.DefaultRelayKeepaliveTimeout
	}
	return &Server{
		keepalive: keepalive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers: make(map[string]*peer),
	}
}

// Handler returns the HTTP routes: the websocket endpoint on "/" and "/ws",
// and a health probe.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", s.handleWS)
	router.GET("/ws", s.handleWS)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": s.PeerCount()})
	})
	return router
}

// ListenAndServe serves until ctx is cancelled, then disconnects every peer.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.RelayConfig) error {
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLS() {
			errCh <- srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	scheme := "ws"
	if cfg.TLS() {
		scheme = "wss"
	}
	util.LogInfo("Listening on %s://%s", scheme, cfg.ListenAddr())

	select {
	case err := <-errCh:
		return fmt.Errorf("relay server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeAll()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// PeerCount returns the number of registered peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarning("failed to upgrade connection from %s: %v", c.Request.RemoteAddr, err)
		return
	}
	raddr := conn.RemoteAddr().String()
	util.LogDebug("connected to %s", raddr)

	p, err := s.hello(conn)
	if err != nil {
		util.LogWarning("%v (from %s)", err, raddr)
		conn.Close()
		return
	}
	util.LogInfo("registered peer %q at %s", p.id, raddr)

	defer s.removePeer(p)
	p.serve(s)
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// hello reads "HELLO <uid>", validates the uid and acknowledges it.
func (s *Server) hello(conn *websocket.Conn) (*peer, error) {
	conn.SetReadDeadline(time.Now().Add(s.keepalive))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	verb, uid := protocol.ParseCommand(string(data))
	if mt != websocket.TextMessage || verb != protocol.TokenHello {
		rejectConn(conn, "invalid protocol")
		return nil, fmt.Errorf("invalid hello %q", data)
	}

	p := newPeer(uid, conn)

	s.mu.Lock()
	_, taken := s.peers[uid]
	valid := protocol.ValidPeerID(uid) && !taken
	if valid {
		s.peers[uid] = p
	}
	s.mu.Unlock()

	if !valid {
		rejectConn(conn, "invalid peer uid")
		return nil, fmt.Errorf("invalid uid %q", uid)
	}

	if err := p.send(protocol.TokenHello); err != nil {
		s.removePeer(p)
		return nil, err
	}
	return p, nil
}

func rejectConn(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// bind links caller and callee. It returns the reply for the caller.
func (s *Server) bind(caller *peer, calleeID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	callee, ok := s.peers[calleeID]
	if !ok {
		return fmt.Sprintf("%s peer '%s' not found", protocol.TokenError, calleeID)
	}
	if callee == caller || callee.partner != nil || caller.partner != nil {
		return fmt.Sprintf("%s peer '%s' busy", protocol.TokenError, calleeID)
	}

	caller.partner = callee
	callee.partner = caller
	util.LogInfo("session from %q to %q", caller.id, calleeID)
	return protocol.TokenSessionOK
}

// partnerOf returns p's bound partner, nil outside a session.
func (s *Server) partnerOf(p *peer) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.partner
}

// removePeer unregisters p and tears down its session. The partner is
// disconnected too so it can start over.
func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
	partner := p.partner
	p.partner = nil
	if partner != nil {
		partner.partner = nil
		if s.peers[partner.id] == partner {
			delete(s.peers, partner.id)
		}
	}
	s.mu.Unlock()

	p.close()
	util.LogInfo("disconnected peer %q", p.id)

	if partner != nil {
		util.LogInfo("closing connection to %q", partner.id)
		partner.close()
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[string]*peer)
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}
