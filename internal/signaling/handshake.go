package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/sendrecv/internal/protocol"
	"github.com/1ureka/sendrecv/internal/util"
)

// Handshake registers localID with the relay and asks it to bind the session
// to remoteID:
//
//	→ HELLO <localID>     ← HELLO
//	→ SESSION <remoteID>  ← SESSION_OK
//
// Any other reply is ErrHandshakeViolation and closes the channel. On success
// the channel emits EventOpen and starts delivering frames.
func (c *Channel) Handshake(ctx context.Context, localID, remoteID string) (err error) {
	if !protocol.ValidPeerID(localID) {
		return fmt.Errorf("invalid local peer id %q", localID)
	}
	if !protocol.ValidPeerID(remoteID) {
		return fmt.Errorf("invalid remote peer id %q", remoteID)
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != stateDialed {
		return ErrNotConnected
	}

	// Unblock the synchronous reads below if ctx ends first.
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	defer func() {
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("handshake aborted: %w", ctx.Err())
			}
			c.Close()
		}
	}()

	if c.opts.HandshakeTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	}

	if err := c.sender.send(protocol.Hello(localID)); err != nil {
		return err
	}
	if err := c.expect(protocol.TokenHello); err != nil {
		return err
	}
	util.LogDebug("registered with relay as %q", localID)

	if err := c.sender.send(protocol.SessionRequest(remoteID)); err != nil {
		return err
	}
	if err := c.expect(protocol.TokenSessionOK); err != nil {
		return err
	}

	c.conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateDialed {
		return ErrChannelClosed
	}
	c.state = stateReady
	c.watching = true

	c.events <- Event{Kind: EventOpen}
	go c.receiver.watch()
	return nil
}

// expect reads one frame and requires it to be exactly token.
func (c *Channel) expect(token string) error {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return fmt.Errorf("%w: relay closed the connection waiting for %s (%d %s)",
				ErrHandshakeViolation, token, closeErr.Code, closeErr.Text)
		}
		return fmt.Errorf("handshake read failed waiting for %s: %w", token, err)
	}
	if mt != websocket.TextMessage {
		return fmt.Errorf("%w: non-text frame waiting for %s", ErrHandshakeViolation, token)
	}

	text := string(data)
	if detail, ok := protocol.ErrorDetail(text); ok {
		return fmt.Errorf("%w: relay error: %s", ErrHandshakeViolation, detail)
	}
	if text != token {
		return fmt.Errorf("%w: got %q, want %s", ErrHandshakeViolation, text, token)
	}
	return nil
}
