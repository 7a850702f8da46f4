// Package upstream connects speech sessions to the inference service.
package upstream

import (
	"context"
	"errors"

	"github.com/nupi-ai/voxgate/internal/protocol"
)

// ErrChannelClosed is returned by Send after the channel was closed.
var ErrChannelClosed = errors.New("upstream: channel closed")

// Channel is a bidirectional event stream for one speech session.
type Channel interface {
	// Send writes one event. It must not be called concurrently with Close.
	Send(ctx context.Context, evt *protocol.Event) error
	// Events yields output events. It is closed when the stream ends.
	Events() <-chan *protocol.Event
	// Err reports why the stream ended; nil after a clean close.
	Err() error
	Close() error
}

// DialRequest identifies the session a channel is opened for.
type DialRequest struct {
	DeviceID  string
	SessionID string
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, req DialRequest) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, req DialRequest) (Channel, error) {
	return f(ctx, req)
}
