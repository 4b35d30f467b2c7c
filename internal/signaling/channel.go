// Package signaling is the client side of the relay protocol: it opens the
// websocket, registers with the relay, binds to the remote peer, and then
// carries opaque text frames in both directions.
package signaling

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnectFailed      = errors.New("failed to connect to signaling server")
	ErrNotConnected       = errors.New("signaling channel not connected")
	ErrHandshakeViolation = errors.New("signaling handshake violation")
	ErrChannelClosed      = errors.New("signaling channel closed")
)

const (
	eventBufferSize = 64
	closeGrace      = time.Second
)

// EventKind identifies a channel event.
type EventKind uint8

const (
	EventOpen    EventKind = iota + 1 // handshake completed
	EventMessage                      // text frame from the remote peer
	EventClose                        // connection closed; Reason set
	EventError                        // transport failure; Err set
)

// Event is delivered on Channel.Events once the handshake has completed.
type Event struct {
	Kind   EventKind
	Text   string
	Reason string
	Err    error
}

// Options tunes Dial.
type Options struct {
	// Insecure skips TLS certificate verification for wss:// URLs.
	Insecure bool
	// HandshakeTimeout bounds both the websocket upgrade and the relay
	// handshake. Zero means no limit.
	HandshakeTimeout time.Duration
}

type channelState uint8

const (
	stateDialed channelState = iota
	stateReady
	stateClosed
)

// Channel is a websocket connection to the relay.
type Channel struct {
	conn *websocket.Conn
	opts Options

	sender   *sender
	receiver *receiver
	events   chan Event
	done     chan struct{}

	mu        sync.Mutex
	state     channelState
	watching  bool // receiver started; it owns closing events
	closeOnce sync.Once
}

// Dial opens the websocket to url. The returned Channel must complete
// Handshake before it can carry signaling.
func Dial(ctx context.Context, url string, opts Options) (*Channel, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: opts.Insecure},
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	c := &Channel{
		conn:   conn,
		opts:   opts,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
	}
	c.sender = &sender{conn: conn}
	c.receiver = &receiver{conn: conn, events: c.events, done: c.done, onExit: c.markClosed}
	return c, nil
}

// Events streams channel events. It is closed after the final Close or
// Error event, or by Close when the handshake never completed.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// SendText writes one text frame. Calls are written in order.
func (c *Channel) SendText(text string) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != stateReady {
		return ErrNotConnected
	}
	if err := c.sender.send(text); err != nil {
		if c.currentState() == stateClosed {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return err
	}
	return nil
}

// Close sends a normal close frame and releases the connection. It is safe
// to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		watching := c.watching
		c.mu.Unlock()

		close(c.done)
		c.sender.sendClose(closeGrace)
		err = c.conn.Close()

		// Without a running receiver nobody else closes the stream.
		if !watching {
			close(c.events)
		}
	})
	return err
}

// markClosed is called by the receiver once the connection has failed or
// the relay has closed it.
func (c *Channel) markClosed() {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
}

func (c *Channel) currentState() channelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
