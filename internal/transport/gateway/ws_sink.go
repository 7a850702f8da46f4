package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/coder/websocket"

	"github.com/nupi-ai/voxgate/internal/constants"
)

// wsSink serialises writes to one device connection. Writes after close
// and writes failing because the peer went away are dropped silently.
type wsSink struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (s *wsSink) WriteFrame(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, constants.DeviceWSWriteTimeout)
	defer cancel()
	err := s.conn.Write(writeCtx, websocket.MessageText, data)
	if isExpectedWSClose(err) {
		return nil
	}
	return err
}

func (s *wsSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// isExpectedWSClose returns true for errors that occur during normal
// WebSocket disconnection (client closed, server shutdown, etc.).
func isExpectedWSClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}
