package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nupi-ai/voxgate/internal/constants"
	"github.com/nupi-ai/voxgate/internal/protocol"
	"github.com/nupi-ai/voxgate/internal/version"
)

const relayEventBuffer = 256

// Request headers set on every relay connection.
const (
	HeaderDeviceID  = "X-Voxgate-Device"
	HeaderSessionID = "X-Voxgate-Session"
)

// RelayDialer opens channels to a websocket relay in front of the
// inference service. Model and region travel as query parameters.
type RelayDialer struct {
	URL     string
	ModelID string
	Region  string
	Headers map[string]string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Dial connects and starts the read loop.
func (d *RelayDialer) Dial(ctx context.Context, req DialRequest) (Channel, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	headers := make(http.Header)
	for k, v := range d.Headers {
		headers.Set(k, v)
	}
	headers.Set("User-Agent", version.UserAgent())
	if req.DeviceID != "" {
		headers.Set(HeaderDeviceID, req.DeviceID)
	}
	if req.SessionID != "" {
		headers.Set(HeaderSessionID, req.SessionID)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, constants.UpstreamDialTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstream: dial %s (status %d): %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("upstream: dial %s: %w", endpoint, err)
	}

	ch := &relayChannel{
		conn:   conn,
		events: make(chan *protocol.Event, relayEventBuffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		label:  req.DeviceID,
	}
	go ch.readLoop()
	return ch, nil
}

func (d *RelayDialer) endpoint() (string, error) {
	if d.URL == "" {
		return "", errors.New("upstream: relay url not configured")
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("upstream: parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("upstream: unsupported relay scheme %q", u.Scheme)
	}
	q := u.Query()
	if d.ModelID != "" {
		q.Set("model_id", d.ModelID)
	}
	if d.Region != "" {
		q.Set("region", d.Region)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type relayChannel struct {
	conn  *websocket.Conn
	label string

	events chan *protocol.Event
	done   chan struct{} // read loop exited
	closed chan struct{} // Close called

	writeMu   sync.Mutex
	closeOnce sync.Once
	isClosed  atomic.Bool

	errMu sync.Mutex
	err   error
}

func (c *relayChannel) Send(ctx context.Context, evt *protocol.Event) error {
	if c.isClosed.Load() {
		return ErrChannelClosed
	}
	select {
	case <-c.done:
		if err := c.Err(); err != nil {
			return fmt.Errorf("upstream: send after stream ended: %w", err)
		}
		return ErrChannelClosed
	default:
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("upstream: encode %s: %w", evt.Name, err)
	}

	deadline := time.Now().Add(constants.UpstreamWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("upstream: write %s: %w", evt.Name, err)
	}
	return nil
}

func (c *relayChannel) Events() <-chan *protocol.Event {
	return c.events
}

func (c *relayChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *relayChannel) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *relayChannel) Close() error {
	c.closeOnce.Do(func() {
		c.isClosed.Store(true)
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *relayChannel) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.setErr(fmt.Errorf("upstream: read: %w", err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		evt, err := protocol.DecodeOutput(data)
		if err != nil {
			log.Printf("[Upstream] device %s: dropping malformed output frame: %v", c.label, err)
			continue
		}

		select {
		case c.events <- evt:
		case <-c.closed:
			return
		}
	}
}
