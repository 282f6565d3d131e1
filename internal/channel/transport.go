// Package channel multiplexes one logical request channel per capability namespace
// over a single auto-reconnecting Socket.IO websocket connection.
//
// Submissions are fire-and-forget: while the transport or a namespace is down they are
// dropped, and nothing queued before a disconnect is replayed after reconnecting.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"facecam-go/internal/logging"
	"facecam-go/internal/sio"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("channel closed")
	ErrQueueFull    = errors.New("send queue full")
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 5 * time.Second
	readLimit        = 1 << 20
	defaultQueueSize = 16
)

// Direction tags recorded frames.
const (
	DirOut = "out"
	DirIn  = "in"
)

// Recorder receives every raw frame written to or read from the socket.
type Recorder interface {
	Record(direction string, frame []byte) error
}

type Options struct {
	// Backend is the server base URL (http, https, ws or wss).
	Backend      string
	Path         string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	QueueSize    int
	Header       http.Header
	Clock        clock.Clock
	Recorder     Recorder
	// OnStateChange is called from the transport goroutine on connect and disconnect.
	OnStateChange func(connected bool)
}

// Stats counts transport activity.
type Stats struct {
	Connects    uint64
	Disconnects uint64
	Sent        uint64
	Dropped     uint64
	Received    uint64
}

// Transport owns the websocket connection and its reconnection loop.
type Transport struct {
	opts   Options
	url    string
	logger *zap.SugaredLogger
	dialer websocket.Dialer
	every  *logging.EveryN

	mu       sync.Mutex
	conn     *websocket.Conn
	outbound chan []byte
	channels map[string]*Channel

	writeMu   sync.Mutex
	connected atomic.Bool

	connects    atomic.Uint64
	disconnects atomic.Uint64
	sent        atomic.Uint64
	dropped     atomic.Uint64
	received    atomic.Uint64
}

// SocketURL converts a backend base URL into the Engine.IO websocket endpoint.
func SocketURL(backend, path string) (string, error) {
	u, err := url.Parse(backend)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("backend url %q has no host", backend)
	}
	if path == "" {
		path = "/socket.io/"
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func NewTransport(opts Options, logger *zap.SugaredLogger) (*Transport, error) {
	wsURL, err := SocketURL(opts.Backend, opts.Path)
	if err != nil {
		return nil, err
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Transport{
		opts:   opts,
		url:    wsURL,
		logger: logger,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		every:    logging.NewEveryN(20),
		channels: make(map[string]*Channel),
	}, nil
}

// Channel returns the logical channel for namespace, creating it on first use.
func (t *Transport) Channel(namespace string) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.channels[namespace]; ok {
		return c
	}
	c := &Channel{t: t, namespace: namespace}
	t.channels[namespace] = c
	if t.conn != nil {
		t.enqueueLocked(sio.NewConnect(namespace).Encode())
	}
	return c
}

func (t *Transport) Connected() bool {
	return t.connected.Load()
}

func (t *Transport) Stats() Stats {
	return Stats{
		Connects:    t.connects.Load(),
		Disconnects: t.disconnects.Load(),
		Sent:        t.sent.Load(),
		Dropped:     t.dropped.Load(),
		Received:    t.received.Load(),
	}
}

// Run dials the backend and keeps the connection alive until ctx is done, backing off
// exponentially between failed attempts.
func (t *Transport) Run(ctx context.Context) error {
	backoff := t.opts.ReconnectMin
	for {
		opened, err := t.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if opened {
			backoff = t.opts.ReconnectMin
		}
		if t.every.Allow() {
			t.logger.Infow("backend connection lost, will reconnect", "error", err, "retry_in", backoff)
		}
		timer := t.opts.Clock.Timer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if !opened {
			backoff *= 2
			if backoff > t.opts.ReconnectMax {
				backoff = t.opts.ReconnectMax
			}
		}
	}
}

// session runs one connection from dial to failure. opened reports whether the
// Engine.IO handshake completed.
func (t *Transport) session(ctx context.Context) (opened bool, err error) {
	conn, _, err := t.dialer.DialContext(ctx, t.url, t.opts.Header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	defer conn.Close()

	open, err := t.handshake(conn)
	if err != nil {
		return false, err
	}
	pongWait := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	if pongWait <= 0 {
		pongWait = 45 * time.Second
	}

	outbound := t.attach(conn)
	defer t.detach(conn)
	if t.opts.OnStateChange != nil {
		t.opts.OnStateChange(true)
	}

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.writeLoop(conn, outbound, stop)
	}()
	defer func() {
		close(stop)
		<-writerDone
	}()

	closeOnCancel := make(chan struct{})
	defer close(closeOnCancel)
	go func() {
		select {
		case <-ctx.Done():
			t.writeMessage(conn, []byte{sio.EngineClose})
			_ = conn.Close()
		case <-closeOnCancel:
		}
	}()

	t.logger.Infow("connected to backend", "url", t.url, "sid", open.SID)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		messageType, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		t.record(DirIn, msg)
		kind, body, err := sio.DecodeEngine(msg)
		if err != nil {
			t.logger.Debugw("ignoring engine frame", "error", err)
			continue
		}
		switch kind {
		case sio.EnginePing:
			if err := t.writeMessage(conn, []byte{sio.EnginePong}); err != nil {
				return true, fmt.Errorf("pong: %w", err)
			}
		case sio.EngineClose:
			return true, errors.New("server closed the session")
		case sio.EngineMessage:
			t.handlePacket(body)
		}
	}
}

func (t *Transport) handshake(conn *websocket.Conn) (sio.OpenPayload, error) {
	var open sio.OpenPayload
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return open, fmt.Errorf("handshake read: %w", err)
	}
	t.record(DirIn, msg)
	kind, body, err := sio.DecodeEngine(msg)
	if err != nil {
		return open, fmt.Errorf("handshake: %w", err)
	}
	if kind != sio.EngineOpen {
		return open, fmt.Errorf("handshake: expected open packet, got %q", kind)
	}
	if err := json.Unmarshal(body, &open); err != nil {
		return open, fmt.Errorf("handshake payload: %w", err)
	}
	return open, nil
}

// attach installs conn as the current connection and asks every channel's namespace
// to connect.
func (t *Transport) attach(conn *websocket.Conn) chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
	t.outbound = make(chan []byte, t.opts.QueueSize+len(t.channels))
	for ns, c := range t.channels {
		if c.closed.Load() {
			continue
		}
		t.outbound <- sio.NewConnect(ns).Encode()
	}
	t.connected.Store(true)
	t.connects.Add(1)
	return t.outbound
}

// detach drops the connection together with anything still queued for it.
func (t *Transport) detach(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		t.outbound = nil
	}
	for _, c := range t.channels {
		c.connected.Store(false)
	}
	t.mu.Unlock()
	t.connected.Store(false)
	t.disconnects.Add(1)
	if t.opts.OnStateChange != nil {
		t.opts.OnStateChange(false)
	}
}

func (t *Transport) writeLoop(conn *websocket.Conn, outbound <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg := <-outbound:
			if err := t.writeMessage(conn, msg); err != nil {
				_ = conn.Close()
				return
			}
			t.sent.Add(1)
		}
	}
}

func (t *Transport) writeMessage(conn *websocket.Conn, msg []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return err
	}
	t.record(DirOut, msg)
	return nil
}

// enqueue queues msg on the current connection without blocking.
func (t *Transport) enqueue(msg []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enqueueLocked(msg)
}

func (t *Transport) enqueueLocked(msg []byte) bool {
	if t.outbound == nil {
		t.dropped.Add(1)
		return false
	}
	select {
	case t.outbound <- msg:
		return true
	default:
		t.dropped.Add(1)
		return false
	}
}

func (t *Transport) handlePacket(body []byte) {
	p, err := sio.Decode(body)
	if err != nil {
		t.logger.Debugw("ignoring packet", "error", err)
		return
	}
	t.mu.Lock()
	c, ok := t.channels[p.Namespace]
	t.mu.Unlock()
	if !ok {
		return
	}
	switch p.Type {
	case sio.Connect:
		c.connected.Store(true)
		t.logger.Debugw("namespace connected", "namespace", p.Namespace)
	case sio.Disconnect:
		c.connected.Store(false)
		t.logger.Infow("namespace disconnected by server", "namespace", p.Namespace)
	case sio.ConnectError:
		c.connected.Store(false)
		t.logger.Warnw("namespace refused", "namespace", p.Namespace, "reason", p.ErrorMessage())
	case sio.Event:
		t.received.Add(1)
		c.deliver(p)
	}
}

func (t *Transport) record(direction string, msg []byte) {
	if t.opts.Recorder == nil {
		return
	}
	if direction == DirOut {
		msg = redactImages(msg)
	}
	if err := t.opts.Recorder.Record(direction, msg); err != nil && t.every.Allow() {
		t.logger.Debugw("session record failed", "error", err)
	}
}

// redactImages replaces data URI arguments of an outbound event with their length so
// recordings never hold captured frames. Other frames are returned unchanged.
func redactImages(msg []byte) []byte {
	kind, body, err := sio.DecodeEngine(msg)
	if err != nil || kind != sio.EngineMessage {
		return msg
	}
	p, err := sio.Decode(body)
	if err != nil || p.Type != sio.Event {
		return msg
	}
	name, args, err := p.EventArgs()
	if err != nil {
		return msg
	}
	redacted := false
	out := make([]any, 0, len(args)+1)
	out = append(out, name)
	for _, arg := range args {
		var obj map[string]json.RawMessage
		var uri string
		if json.Unmarshal(arg, &obj) != nil || json.Unmarshal(obj["data"], &uri) != nil || !strings.HasPrefix(uri, "data:") {
			out = append(out, arg)
			continue
		}
		delete(obj, "data")
		obj["data_bytes"] = json.RawMessage(strconv.Itoa(len(uri)))
		out = append(out, obj)
		redacted = true
	}
	if !redacted {
		return msg
	}
	data, err := json.Marshal(out)
	if err != nil {
		return msg
	}
	p.Data = data
	return p.Encode()
}
