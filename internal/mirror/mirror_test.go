package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap/zaptest"

	"facecam-go/internal/types"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	sent []message
	err  error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.sent = append(f.sent, message{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{err: f.err}
}

func snapshot() types.UISnapshot {
	return types.UISnapshot{
		Type:    types.TypeOverlay,
		Values:  map[string]string{types.KeyBBX: "10", types.KeyEmotion: "happy"},
		Version: 3,
	}
}

func TestTopic(t *testing.T) {
	for prefix, want := range map[string]string{"facecam": "facecam/overlay", "/lab/cam1/": "lab/cam1/overlay", "": "overlay"} {
		if got := Topic(prefix); got != want {
			t.Fatalf("%q: got %q, want %q", prefix, got, want)
		}
	}
}

func TestEncodeFormats(t *testing.T) {
	snap := snapshot()

	data, err := Encode(snap, EncodingJSON)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	var fromJSON types.UISnapshot
	if err := json.Unmarshal(data, &fromJSON); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if diff := cmp.Diff(snap, fromJSON); diff != "" {
		t.Fatalf("json mismatch (-want +got):\n%s", diff)
	}

	data, err = Encode(snap, EncodingMsgpack)
	if err != nil {
		t.Fatalf("msgpack: %v", err)
	}
	var fromMsgpack types.UISnapshot
	if err := msgpack.Unmarshal(data, &fromMsgpack); err != nil {
		t.Fatalf("decode msgpack: %v", err)
	}
	if diff := cmp.Diff(snap, fromMsgpack); diff != "" {
		t.Fatalf("msgpack mismatch (-want +got):\n%s", diff)
	}

	if _, err := Encode(snap, "xml"); err == nil {
		t.Fatalf("expected error for unknown encoding")
	}
}

func TestPublish(t *testing.T) {
	m := New("localhost:1883", "facecam", EncodingJSON, "test", zaptest.NewLogger(t).Sugar())
	if m.broker != "tcp://localhost:1883" {
		t.Fatalf("unexpected broker: %s", m.broker)
	}
	if err := m.Publish(snapshot()); err == nil {
		t.Fatalf("expected error before connect")
	}

	pub := &fakePublisher{}
	m.pub = pub
	m.connected.Store(true)
	if err := m.Publish(snapshot()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(pub.sent) != 1 || pub.sent[0].topic != "facecam/overlay" || !pub.sent[0].retained {
		t.Fatalf("unexpected messages: %+v", pub.sent)
	}

	pub.err = errors.New("broker refused")
	if err := m.Publish(snapshot()); err == nil {
		t.Fatalf("expected publish error")
	}
	st := m.Stats()
	if st.Published != 1 || st.Errors != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

// pendingToken never completes, like a connect attempt against a dead broker.
type pendingToken struct{}

func (pendingToken) Wait() bool                     { return false }
func (pendingToken) WaitTimeout(time.Duration) bool { return false }
func (pendingToken) Done() <-chan struct{}          { return make(chan struct{}) }
func (pendingToken) Error() error                   { return nil }

type fakeClient struct {
	mqtt.Client
	connect     mqtt.Token
	disconnects int
}

func (c *fakeClient) Connect() mqtt.Token { return c.connect }
func (c *fakeClient) Disconnect(uint)     { c.disconnects++ }

func TestFailedConnectStopsRetrying(t *testing.T) {
	cases := map[string]mqtt.Token{
		"refused": doneToken{err: errors.New("not authorized")},
		"pending": pendingToken{},
	}
	for name, token := range cases {
		client := &fakeClient{connect: token}
		m := New("localhost:1883", "facecam", EncodingJSON, "test", zaptest.NewLogger(t).Sugar())
		m.newClient = func(*mqtt.ClientOptions) mqtt.Client { return client }

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := m.Connect(ctx)
		cancel()
		if err == nil {
			t.Fatalf("%s: expected connect error", name)
		}
		if client.disconnects != 1 {
			t.Fatalf("%s: client left retrying, disconnects=%d", name, client.disconnects)
		}
		if err := m.Publish(snapshot()); err == nil {
			t.Fatalf("%s: publish accepted without a connection", name)
		}
		if err := m.Close(); err != nil || client.disconnects != 1 {
			t.Fatalf("%s: close touched the discarded client: %v", name, err)
		}
	}
}

func TestCloseDisconnectsWhileReconnecting(t *testing.T) {
	client := &fakeClient{connect: doneToken{}}
	m := New("localhost:1883", "facecam", EncodingJSON, "test", zaptest.NewLogger(t).Sugar())
	m.newClient = func(*mqtt.ClientOptions) mqtt.Client { return client }
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.connected.Store(false)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if client.disconnects != 1 {
		t.Fatalf("expected a disconnect, got %d", client.disconnects)
	}
}
