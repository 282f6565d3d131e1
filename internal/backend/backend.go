// Package backend is a small in-process Socket.IO inference server. It speaks the same
// namespaces and events as the real backend and is used for local demos and tests.
package backend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"facecam-go/internal/sio"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 25 * time.Second
	pingTimeout  = 20 * time.Second
)

// Responder answers one request. ok=false sends no reply.
type Responder func(namespace, event string, payload json.RawMessage) (reply string, body any, ok bool)

type Options struct {
	Responder Responder
	// RequestAck makes every reply ask the client for an acknowledgement.
	RequestAck bool
	// Delay postpones every reply.
	Delay time.Duration
}

// Counts reports what the server saw.
type Counts struct {
	Connections uint64
	Requests    uint64
	Replies     uint64
	Acks        uint64
}

type Server struct {
	opts     Options
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	clients   map[*websocket.Conn]*sync.Mutex
	accepting bool

	connections atomic.Uint64
	requests    atomic.Uint64
	replies     atomic.Uint64
	acks        atomic.Uint64
	ackID       atomic.Int64
}

func New(opts Options, logger *zap.SugaredLogger) *Server {
	return &Server{
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*websocket.Conn]*sync.Mutex),
		accepting: true,
	}
}

// Handler serves the Socket.IO websocket endpoint and a JSON status document at /.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/", s.handleWS)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "counts": s.Counts()})
	})
	return mux
}

// SetAccepting toggles whether new websocket connections are accepted.
func (s *Server) SetAccepting(accept bool) {
	s.mu.Lock()
	s.accepting = accept
	s.mu.Unlock()
}

// DropClients closes every open connection.
func (s *Server) DropClients() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (s *Server) Counts() Counts {
	return Counts{
		Connections: s.connections.Load(),
		Requests:    s.requests.Load(),
		Replies:     s.replies.Load(),
		Acks:        s.acks.Load(),
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	accepting := s.accepting
	s.mu.Unlock()
	if !accepting {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(8 << 20)

	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.clients[conn] = writeMu
	s.mu.Unlock()
	s.connections.Add(1)

	open, _ := json.Marshal(sio.OpenPayload{
		SID:          uuid.NewString(),
		Upgrades:     []string{},
		PingInterval: int(pingInterval / time.Millisecond),
		PingTimeout:  int(pingTimeout / time.Millisecond),
		MaxPayload:   8 << 20,
	})
	if err := s.write(conn, writeMu, append([]byte{sio.EngineOpen}, open...)); err != nil {
		s.removeClient(conn)
		return
	}

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.write(conn, writeMu, []byte{sio.EnginePing}); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
			messageType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			kind, body, err := sio.DecodeEngine(msg)
			if err != nil {
				continue
			}
			switch kind {
			case sio.EngineClose:
				return
			case sio.EngineMessage:
				s.handlePacket(conn, writeMu, body)
			}
		}
	}()
}

func (s *Server) handlePacket(conn *websocket.Conn, writeMu *sync.Mutex, body []byte) {
	p, err := sio.Decode(body)
	if err != nil {
		return
	}
	switch p.Type {
	case sio.Connect:
		reply := sio.Packet{Type: sio.Connect, Namespace: p.Namespace, Data: json.RawMessage(`{"sid":"` + uuid.NewString() + `"}`)}
		_ = s.write(conn, writeMu, reply.Encode())
	case sio.Ack:
		s.acks.Add(1)
	case sio.Event:
		name, args, err := p.EventArgs()
		if err != nil {
			return
		}
		s.requests.Add(1)
		if s.opts.Responder == nil {
			return
		}
		var payload json.RawMessage
		if len(args) > 0 {
			payload = args[0]
		}
		go s.reply(conn, writeMu, p.Namespace, name, payload)
	}
}

func (s *Server) reply(conn *websocket.Conn, writeMu *sync.Mutex, namespace, event string, payload json.RawMessage) {
	if s.opts.Delay > 0 {
		time.Sleep(s.opts.Delay)
	}
	replyEvent, body, ok := s.opts.Responder(namespace, event, payload)
	if !ok {
		return
	}
	p, err := sio.NewEvent(namespace, replyEvent, body)
	if err != nil {
		s.logger.Warnw("reply encode failed", "event", replyEvent, "error", err)
		return
	}
	if s.opts.RequestAck {
		p.ID = s.ackID.Add(1)
		p.HasID = true
	}
	if err := s.write(conn, writeMu, p.Encode()); err != nil {
		return
	}
	s.replies.Add(1)
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) write(conn *websocket.Conn, writeMu *sync.Mutex, msg []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// RegionReply formats a region reply the way the real backend does, with numbers as
// strings.
func RegionReply(x, y, height, width int) map[string]string {
	return map[string]string{
		"bb_x":      strconv.Itoa(x),
		"bb_y":      strconv.Itoa(y),
		"bb_height": strconv.Itoa(height),
		"bb_width":  strconv.Itoa(width),
	}
}

// LabelReply formats a classification reply.
func LabelReply(label string) map[string]string {
	return map[string]string{"data": label}
}

func (c Counts) String() string {
	return fmt.Sprintf("connections=%d requests=%d replies=%d acks=%d", c.Connections, c.Requests, c.Replies, c.Acks)
}
