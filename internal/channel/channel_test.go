package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"facecam-go/internal/backend"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func echoResponder(namespace, event string, payload json.RawMessage) (string, any, bool) {
	if namespace != "/compute_emotion_route" || event != "analyze_emotion_request" {
		return "", nil, false
	}
	return "emotion_model_response", backend.LabelReply("happy"), true
}

type memRecorder struct {
	mu     sync.Mutex
	frames map[string]int
	out    []string
}

func (r *memRecorder) Record(direction string, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = map[string]int{}
	}
	r.frames[direction]++
	if direction == DirOut {
		r.out = append(r.out, string(frame))
	}
	return nil
}

func (r *memRecorder) outbound() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.out...)
}

func (r *memRecorder) count(direction string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[direction]
}

func startTransport(t *testing.T, srvURL string, rec Recorder) (*Transport, context.CancelFunc) {
	t.Helper()
	tr, err := NewTransport(Options{
		Backend:      srvURL,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
		Recorder:     rec,
	}, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tr, cancel
}

func TestSocketURL(t *testing.T) {
	cases := []struct {
		backend, path, want string
	}{
		{"http://localhost:5000", "", "ws://localhost:5000/socket.io/?EIO=4&transport=websocket"},
		{"https://infer.example.com/", "/sio", "wss://infer.example.com/sio/?EIO=4&transport=websocket"},
		{"ws://10.0.0.2:80/api", "", "ws://10.0.0.2:80/api/socket.io/?EIO=4&transport=websocket"},
	}
	for _, tc := range cases {
		got, err := SocketURL(tc.backend, tc.path)
		if err != nil {
			t.Fatalf("%s: %v", tc.backend, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.backend, got, tc.want)
		}
	}
	if _, err := SocketURL("ftp://host", ""); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
	if _, err := SocketURL("http://", ""); err == nil {
		t.Fatalf("expected error for missing host")
	}
}

func TestSubmitDroppedWhileDisconnected(t *testing.T) {
	tr, err := NewTransport(Options{Backend: "http://127.0.0.1:1"}, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	ch := tr.Channel("/compute_bb")
	if ch.Submit("compute_bb_event", map[string]string{"data": "x"}) {
		t.Fatalf("submit must be dropped while disconnected")
	}
	submitted, dropped := ch.Counts()
	if submitted != 0 || dropped != 1 {
		t.Fatalf("unexpected counts: submitted=%d dropped=%d", submitted, dropped)
	}
	if tr.Channel("/compute_bb") != ch {
		t.Fatalf("expected the same channel for the same namespace")
	}

	if err := ch.Send("compute_bb_event", map[string]string{"data": "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	ch.Close()
	if err := ch.Send("compute_bb_event", map[string]string{"data": "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, dropped := ch.Counts(); dropped != 3 {
		t.Fatalf("unexpected dropped count: %d", dropped)
	}
}

func TestRedactImages(t *testing.T) {
	uri := "data:image/jpeg;base64,/9j/4AAQSkZJRg=="
	cases := []struct{ frame, want string }{
		{`42/compute_bb,["compute_bb_event",{"data":"` + uri + `","seq":7}]`, `42/compute_bb,["compute_bb_event",{"data_bytes":39,"seq":7}]`},
		{`42/compute_bb,3["compute_bb_event",{"data":"` + uri + `"}]`, `42/compute_bb,3["compute_bb_event",{"data_bytes":39}]`},
		{`42/compute_emotion_route,["analyze_emotion_request",{"data":"happy"}]`, `42/compute_emotion_route,["analyze_emotion_request",{"data":"happy"}]`},
		{`43/compute_bb,3[]`, `43/compute_bb,3[]`},
		{`40/compute_bb,`, `40/compute_bb,`},
		{`3`, `3`},
	}
	for _, tc := range cases {
		if got := string(redactImages([]byte(tc.frame))); got != tc.want {
			t.Fatalf("%s:\n got %s\nwant %s", tc.frame, got, tc.want)
		}
	}
}

func TestSubmitAndReceiveWithAck(t *testing.T) {
	be := backend.New(backend.Options{Responder: echoResponder, RequestAck: true}, zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(be.Handler())
	defer srv.Close()

	rec := &memRecorder{}
	tr, _ := startTransport(t, srv.URL, rec)
	ch := tr.Channel("/compute_emotion_route")

	got := make(chan Message, 4)
	ch.Listen("emotion_model_response", func(m Message) { got <- m })

	waitFor(t, "namespace connect", ch.Connected)
	if !ch.Submit("analyze_emotion_request", map[string]any{"data": "data:image/jpeg;base64,/9j/", "seq": 1}) {
		t.Fatalf("submit dropped on a connected channel")
	}

	var msg Message
	select {
	case msg = <-got:
	case <-time.After(5 * time.Second):
		t.Fatalf("no response delivered")
	}
	var body map[string]string
	if err := json.Unmarshal(msg.Payload(), &body); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if body["data"] != "happy" {
		t.Fatalf("unexpected payload: %v", body)
	}
	if msg.Ack == nil {
		t.Fatalf("expected an ack callback")
	}
	msg.Ack()
	msg.Ack()
	waitFor(t, "ack", func() bool { return be.Counts().Acks == 1 })

	time.Sleep(20 * time.Millisecond)
	if n := be.Counts().Acks; n != 1 {
		t.Fatalf("ack sent %d times", n)
	}
	if rec.count(DirIn) == 0 || rec.count(DirOut) == 0 {
		t.Fatalf("recorder missed frames: in=%d out=%d", rec.count(DirIn), rec.count(DirOut))
	}
	sawRequest := false
	for _, frame := range rec.outbound() {
		if strings.Contains(frame, "base64") {
			t.Fatalf("recorded frame holds image data: %s", frame)
		}
		if strings.Contains(frame, `"data_bytes":27`) && strings.Contains(frame, `"seq":1`) {
			sawRequest = true
		}
	}
	if !sawRequest {
		t.Fatalf("request not recorded: %v", rec.outbound())
	}
}

func TestListenerReplacedAndFiltered(t *testing.T) {
	be := backend.New(backend.Options{Responder: echoResponder}, zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(be.Handler())
	defer srv.Close()

	tr, _ := startTransport(t, srv.URL, nil)
	ch := tr.Channel("/compute_emotion_route")

	first := make(chan Message, 4)
	second := make(chan Message, 4)
	ch.Listen("emotion_model_response", func(m Message) { first <- m })
	ch.Listen("emotion_model_response", func(m Message) { second <- m })

	waitFor(t, "namespace connect", ch.Connected)
	ch.Submit("analyze_emotion_request", map[string]any{"data": "", "seq": 1})

	select {
	case m := <-second:
		if m.Ack != nil {
			t.Fatalf("reply did not request an ack")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("replacement listener not called")
	}
	select {
	case <-first:
		t.Fatalf("replaced listener still called")
	default:
	}

	ch.Close()
	if ch.Submit("analyze_emotion_request", map[string]any{"data": ""}) {
		t.Fatalf("submit accepted on a closed channel")
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	be := backend.New(backend.Options{Responder: echoResponder}, zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(be.Handler())
	defer srv.Close()

	var mu sync.Mutex
	var states []bool
	tr, err := NewTransport(Options{
		Backend:      srv.URL,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
		OnStateChange: func(connected bool) {
			mu.Lock()
			states = append(states, connected)
			mu.Unlock()
		},
	}, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	ch := tr.Channel("/compute_emotion_route")
	waitFor(t, "first connect", ch.Connected)

	be.SetAccepting(false)
	be.DropClients()
	waitFor(t, "disconnect", func() bool { return !tr.Connected() })

	if ch.Submit("analyze_emotion_request", map[string]any{"data": ""}) {
		t.Fatalf("submit accepted while the backend is down")
	}

	be.SetAccepting(true)
	waitFor(t, "reconnect", ch.Connected)
	if tr.Stats().Connects < 2 {
		t.Fatalf("expected a second connect, got %+v", tr.Stats())
	}

	got := make(chan Message, 1)
	ch.Listen("emotion_model_response", func(m Message) { got <- m })
	ch.Submit("analyze_emotion_request", map[string]any{"data": ""})
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatalf("no response after reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 3 || !states[0] || states[1] {
		t.Fatalf("unexpected state transitions: %v", states)
	}
}
