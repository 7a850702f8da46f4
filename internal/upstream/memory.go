package upstream

import (
	"context"
	"sync"

	"github.com/nupi-ai/voxgate/internal/protocol"
)

// MemoryChannel is an in-process Channel. It records sent events and
// lets the owner inject output, which makes it useful wherever a real
// inference service is not available.
type MemoryChannel struct {
	Request DialRequest

	mu      sync.Mutex
	sent    []*protocol.Event
	sendErr error
	closed  bool
	err     error
	onSend  func(*protocol.Event)

	events    chan *protocol.Event
	closeOnce sync.Once
}

// NewMemoryChannel returns an open channel.
func NewMemoryChannel(req DialRequest) *MemoryChannel {
	return &MemoryChannel{Request: req, events: make(chan *protocol.Event, relayEventBuffer)}
}

func (c *MemoryChannel) Send(_ context.Context, evt *protocol.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, evt.Clone())
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook(evt)
	}
	return nil
}

func (c *MemoryChannel) Events() <-chan *protocol.Event { return c.events }

func (c *MemoryChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *MemoryChannel) Close() error {
	c.finish(nil)
	return nil
}

// Emit queues an output event. It reports false once the channel ended.
func (c *MemoryChannel) Emit(evt *protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events <- evt
	return true
}

// Fail ends the stream with err, as a broken connection would.
func (c *MemoryChannel) Fail(err error) {
	c.finish(err)
}

// FailSends makes every later Send return err.
func (c *MemoryChannel) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// OnSend installs a hook run after each recorded Send.
func (c *MemoryChannel) OnSend(fn func(*protocol.Event)) {
	c.mu.Lock()
	c.onSend = fn
	c.mu.Unlock()
}

// Sent returns a copy of every event sent so far.
func (c *MemoryChannel) Sent() []*protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Event(nil), c.sent...)
}

// SentNames returns the names of every event sent so far.
func (c *MemoryChannel) SentNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.sent))
	for i, evt := range c.sent {
		names[i] = evt.Name
	}
	return names
}

// Closed reports whether Close or Fail was called.
func (c *MemoryChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MemoryChannel) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		close(c.events)
		c.mu.Unlock()
	})
}

// MemoryDialer hands out MemoryChannels and remembers them.
type MemoryDialer struct {
	mu       sync.Mutex
	channels []*MemoryChannel
	err      error
	onDial   func(*MemoryChannel)
}

// FailWith makes subsequent dials return err (nil restores success).
func (d *MemoryDialer) FailWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// OnDial installs a hook run for every new channel before it is returned.
func (d *MemoryDialer) OnDial(fn func(*MemoryChannel)) {
	d.mu.Lock()
	d.onDial = fn
	d.mu.Unlock()
}

func (d *MemoryDialer) Dial(_ context.Context, req DialRequest) (Channel, error) {
	d.mu.Lock()
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	ch := NewMemoryChannel(req)
	d.channels = append(d.channels, ch)
	hook := d.onDial
	d.mu.Unlock()

	if hook != nil {
		hook(ch)
	}
	return ch, nil
}

// Channels returns every channel dialed so far.
func (d *MemoryDialer) Channels() []*MemoryChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MemoryChannel(nil), d.channels...)
}

// Last returns the most recent channel or nil.
func (d *MemoryDialer) Last() *MemoryChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}
