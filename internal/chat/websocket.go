package chat

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// StreamWebSocket runs the same protocol over a WebSocket: the request is
// the first text message and every server message carries one frame.
func (c *Client) StreamWebSocket(ctx context.Context, wsURL string, req Request, opts ...Option) (*Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(c.firstByteTimeout(), func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if timedOut.Load() {
			return nil, ErrFirstByteTimeout
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("chat: dial websocket: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("chat: send request: %w", err)
	}

	// unblock ReadMessage when the context ends
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	chunks := make(chan chunk)
	go func() {
		defer close(chunks)
		first := true
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, context.Canceled) {
					return
				}
				select {
				case chunks <- chunk{err: err}:
				case <-ctx.Done():
				}
				return
			}
			if first {
				first = false
				watchdog.Stop()
			}
			framed := append(data, frameSeparator...)
			select {
			case chunks <- chunk{data: framed}:
			case <-ctx.Done():
				return
			}
		}
	}()

	msg, err := c.fold(ctx, chunks, &timedOut, opts)
	if err == nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	return msg, err
}
