package signaling

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/sendrecv/internal/util"
)

// receiver turns inbound websocket frames into channel events (private).
type receiver struct {
	conn   *websocket.Conn
	events chan Event
	done   <-chan struct{}
	onExit func() // marks the channel closed before the terminal event
}

// watch reads until the connection fails, emits the terminal event and
// closes the event stream.
func (r *receiver) watch() {
	defer close(r.events)

	for {
		mt, data, err := r.conn.ReadMessage()
		if err != nil {
			ev := r.terminal(err)
			r.onExit()
			r.emit(ev)
			return
		}

		switch mt {
		case websocket.TextMessage:
			util.Stats.AddRecv(len(data))
			r.emit(Event{Kind: EventMessage, Text: string(data)})
		default:
			util.LogDebug("ignoring non-text WS frame (type=%d, %d bytes)", mt, len(data))
		}
	}
}

func (r *receiver) terminal(err error) Event {
	select {
	case <-r.done:
		return Event{Kind: EventClose, Reason: "closed locally"}
	default:
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		reason := closeErr.Text
		if reason == "" {
			reason = fmt.Sprintf("close code %d", closeErr.Code)
		}
		return Event{Kind: EventClose, Reason: reason, Err: fmt.Errorf("%w: %s", ErrChannelClosed, reason)}
	}
	return Event{Kind: EventError, Err: fmt.Errorf("failed to read WS message: %w", err)}
}

// emit delivers ev unless the channel is being closed locally.
func (r *receiver) emit(ev Event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}
