package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"inkup/internal/domain"
	"inkup/internal/infra"
)

// Message is a decoded text frame from the notification channel.
type Message struct {
	Type string      `json:"type"`
	Data MessageData `json:"data"`
}

// MessageData holds the fields the waiter inspects. Node is nil on the
// "executing" message that marks the end of a prompt.
type MessageData struct {
	Node             *string `json:"node"`
	PromptID         string  `json:"prompt_id"`
	NodeID           string  `json:"node_id,omitempty"`
	NodeType         string  `json:"node_type,omitempty"`
	ExceptionMessage string  `json:"exception_message,omitempty"`
}

// Completes reports whether m ends promptID successfully.
func (m Message) Completes(promptID string) bool {
	return m.Type == "executing" && m.Data.Node == nil && m.Data.PromptID == promptID
}

// Fails reports whether m ends promptID with an error.
func (m Message) Fails(promptID string) bool {
	return (m.Type == "execution_error" || m.Type == "execution_interrupted") && m.Data.PromptID == promptID
}

// Listener reads the notification channel of one client id.
type Listener struct {
	conn      *websocket.Conn
	messages  chan Message
	errc      chan error
	done      chan struct{}
	closeOnce sync.Once
	logger    *infra.Logger
}

// Listen dials the notification channel for clientID. Call it before
// queueing a prompt so the completion message cannot be missed.
func (c *Client) Listen(ctx context.Context, clientID string) (*Listener, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(clientID), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial: %v (status %d)", domain.ErrChannel, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial: %v", domain.ErrChannel, err)
	}
	l := &Listener{
		conn:     conn,
		messages: make(chan Message),
		errc:     make(chan error, 1),
		done:     make(chan struct{}),
		logger:   c.logger,
	}
	go l.readLoop()
	return l, nil
}

func (l *Listener) readLoop() {
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			case l.errc <- err:
			}
			return
		}
		if kind != websocket.TextMessage {
			// binary frames carry previews
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Debug().Err(err).Msg("comfy: skip undecodable frame")
			continue
		}
		select {
		case l.messages <- msg:
		case <-l.done:
			return
		}
	}
}

// WaitFor consumes messages until match reports true or returns an error.
// A context deadline is reported as domain.ErrTimeout, a broken
// connection as domain.ErrChannel.
func (l *Listener) WaitFor(ctx context.Context, match func(Message) (bool, error)) error {
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
			}
			return ctx.Err()
		case err := <-l.errc:
			return fmt.Errorf("%w: %v", domain.ErrChannel, err)
		case msg := <-l.messages:
			ok, err := match(msg)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}

// Wait blocks until promptID finishes. Messages about other prompts are
// ignored; an execution error for promptID returns domain.ErrExecution.
func (l *Listener) Wait(ctx context.Context, promptID string) error {
	return l.WaitFor(ctx, func(m Message) (bool, error) {
		switch {
		case m.Completes(promptID):
			return true, nil
		case m.Fails(promptID):
			detail := m.Data.ExceptionMessage
			if detail == "" {
				detail = m.Type
			}
			return false, fmt.Errorf("%w: node %s (%s): %s", domain.ErrExecution, m.Data.NodeID, m.Data.NodeType, detail)
		default:
			return false, nil
		}
	})
}

// Close ends the read loop and the connection. Safe to call more than once.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = l.conn.Close()
	})
	return err
}
