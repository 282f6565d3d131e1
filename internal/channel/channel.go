package channel

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"facecam-go/internal/sio"
)

// Message is one inbound event on a channel.
type Message struct {
	Namespace string
	Event     string
	Args      []json.RawMessage
	// Ack is nil unless the sender asked for an acknowledgement.
	Ack func()
}

// Payload returns the first event argument, or nil when the event carried none.
func (m Message) Payload() json.RawMessage {
	if len(m.Args) == 0 {
		return nil
	}
	return m.Args[0]
}

type listener struct {
	event string
	fn    func(Message)
}

// Channel is the logical request channel for one namespace.
type Channel struct {
	t         *Transport
	namespace string
	connected atomic.Bool
	closed    atomic.Bool

	mu       sync.RWMutex
	listener *listener

	submitted atomic.Uint64
	dropped   atomic.Uint64
}

func (c *Channel) Namespace() string {
	return c.namespace
}

// Connected reports whether the namespace is currently usable.
func (c *Channel) Connected() bool {
	return !c.closed.Load() && c.t.Connected() && c.connected.Load()
}

// Submit emits event with payload and returns immediately. It reports false when the
// submission was dropped because the channel is down, closed or its send queue is
// full.
func (c *Channel) Submit(event string, payload any) bool {
	return c.Send(event, payload) == nil
}

// Send is Submit with the reason for a drop: ErrClosed, ErrNotConnected, ErrQueueFull
// or an encoding error.
func (c *Channel) Send(event string, payload any) error {
	err := c.send(event, payload)
	if err != nil {
		c.dropped.Add(1)
		return err
	}
	c.submitted.Add(1)
	return nil
}

func (c *Channel) send(event string, payload any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.Connected() {
		return ErrNotConnected
	}
	p, err := sio.NewEvent(c.namespace, event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if !c.t.enqueue(p.Encode()) {
		return ErrQueueFull
	}
	return nil
}

// Listen registers the response listener for event, replacing any previous one.
func (c *Channel) Listen(event string, fn func(Message)) {
	c.mu.Lock()
	c.listener = &listener{event: event, fn: fn}
	c.mu.Unlock()
}

// Close detaches the listener; later events and submissions are dropped.
func (c *Channel) Close() {
	c.closed.Store(true)
	c.mu.Lock()
	c.listener = nil
	c.mu.Unlock()
}

// Counts returns the submitted and dropped totals.
func (c *Channel) Counts() (submitted, dropped uint64) {
	return c.submitted.Load(), c.dropped.Load()
}

func (c *Channel) deliver(p sio.Packet) {
	if c.closed.Load() {
		return
	}
	name, args, err := p.EventArgs()
	if err != nil {
		c.t.logger.Debugw("ignoring event", "namespace", c.namespace, "error", err)
		return
	}
	c.mu.RLock()
	l := c.listener
	c.mu.RUnlock()
	if l == nil || l.event != name {
		return
	}
	msg := Message{Namespace: c.namespace, Event: name, Args: args}
	if p.HasID {
		id := p.ID
		var once sync.Once
		msg.Ack = func() {
			once.Do(func() {
				ack, err := sio.NewAck(c.namespace, id)
				if err != nil {
					return
				}
				c.t.enqueue(ack.Encode())
			})
		}
	}
	l.fn(msg)
}
