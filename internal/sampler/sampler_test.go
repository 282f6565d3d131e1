package sampler

import (
	"encoding/json"
	"image"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"facecam-go/internal/types"
)

type fakeChannel struct {
	connected bool
	accept    bool
	sent      []types.Request
}

func (f *fakeChannel) Connected() bool { return f.connected }

func (f *fakeChannel) Submit(event string, payload any) bool {
	if !f.connected || !f.accept {
		return false
	}
	// Round trip through JSON like the wire does.
	data, _ := json.Marshal(payload)
	var req types.Request
	_ = json.Unmarshal(data, &req)
	f.sent = append(f.sent, req)
	return true
}

func frame() (image.Image, bool) {
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), true
}

func empty() (image.Image, bool) {
	return nil, false
}

func tick(t *testing.T, s *Sampler) bool {
	t.Helper()
	job, ok := s.Begin(frame)
	if !ok {
		return false
	}
	return s.Finish(Encode(job))
}

func TestSequenceIsMonotonic(t *testing.T) {
	ch := &fakeChannel{connected: true, accept: true}
	s := New(Options{Capability: types.CapRegion, Event: "compute_bb_event"}, ch)
	for i := 0; i < 5; i++ {
		if !tick(t, s) {
			t.Fatalf("tick %d not submitted", i)
		}
	}
	for i, req := range ch.sent {
		if req.Seq != uint64(i+1) {
			t.Fatalf("request %d has seq %d", i, req.Seq)
		}
		if !strings.HasPrefix(req.Data, "data:image/jpeg;base64,") {
			t.Fatalf("request %d is not a jpeg data uri", i)
		}
	}
	if s.Stats().Submitted != 5 {
		t.Fatalf("unexpected stats: %+v", s.Stats())
	}
}

func TestDisconnectedTickIsDropped(t *testing.T) {
	ch := &fakeChannel{connected: false, accept: true}
	s := New(Options{Capability: types.CapEmotion, Event: "analyze_emotion_request"}, ch)
	if _, ok := s.Begin(frame); ok {
		t.Fatalf("expected no job while disconnected")
	}
	if len(ch.sent) != 0 || s.Stats().Dropped != 1 {
		t.Fatalf("unexpected state: sent=%d stats=%+v", len(ch.sent), s.Stats())
	}
}

func TestSubmitRefusedCountsDrop(t *testing.T) {
	ch := &fakeChannel{connected: true, accept: false}
	s := New(Options{Capability: types.CapAge, Event: "analyze_age_request"}, ch)
	if tick(t, s) {
		t.Fatalf("expected a refused submit")
	}
	if s.Stats().Dropped != 1 || s.InFlight() != 0 {
		t.Fatalf("unexpected state: %+v inflight=%d", s.Stats(), s.InFlight())
	}
}

func TestEmptyCanvasSkipsTick(t *testing.T) {
	ch := &fakeChannel{connected: true, accept: true}
	s := New(Options{Capability: types.CapRegion, Event: "compute_bb_event"}, ch)
	if _, ok := s.Begin(empty); ok {
		t.Fatalf("expected skip on empty canvas")
	}
	if s.Stats().EmptyCanvas != 1 || s.LastSeq() != 0 {
		t.Fatalf("unexpected state: %+v", s.Stats())
	}
}

func TestBusyWhileEncoding(t *testing.T) {
	ch := &fakeChannel{connected: true, accept: true}
	s := New(Options{Capability: types.CapRegion, Event: "compute_bb_event"}, ch)
	job, ok := s.Begin(frame)
	if !ok {
		t.Fatalf("expected a job")
	}
	if _, ok := s.Begin(frame); ok {
		t.Fatalf("second job handed out while encoding")
	}
	s.Finish(Encode(job))
	if _, ok := s.Begin(frame); !ok {
		t.Fatalf("expected a job after finish")
	}
	if s.Stats().Busy != 1 {
		t.Fatalf("unexpected stats: %+v", s.Stats())
	}
}

func TestBackpressureAndExpiry(t *testing.T) {
	clk := clock.NewMock()
	ch := &fakeChannel{connected: true, accept: true}
	s := New(Options{
		Capability:  types.CapRegion,
		Event:       "compute_bb_event",
		MaxInFlight: 2,
		Timeout:     time.Second,
		Clock:       clk,
	}, ch)

	tick(t, s)
	tick(t, s)
	if tick(t, s) {
		t.Fatalf("third request sent with two outstanding")
	}
	if s.Stats().Throttled != 1 {
		t.Fatalf("unexpected stats: %+v", s.Stats())
	}

	s.Answered(1)
	if !tick(t, s) {
		t.Fatalf("expected a slot after an answer")
	}
	if s.InFlight() != 2 {
		t.Fatalf("unexpected in flight: %d", s.InFlight())
	}

	clk.Add(2 * time.Second)
	if !tick(t, s) {
		t.Fatalf("expected expired requests to free slots")
	}
	if s.Stats().Expired != 2 {
		t.Fatalf("unexpected stats: %+v", s.Stats())
	}
}

func TestAnsweredWithoutSeqClearsOldest(t *testing.T) {
	ch := &fakeChannel{connected: true, accept: true}
	s := New(Options{Capability: types.CapRegion, Event: "compute_bb_event", MaxInFlight: 4}, ch)
	tick(t, s)
	tick(t, s)
	s.Answered(0)
	if s.InFlight() != 1 {
		t.Fatalf("unexpected in flight: %d", s.InFlight())
	}
	if _, ok := s.outstanding[2]; !ok {
		t.Fatalf("expected the newest request to remain")
	}
}

func TestDisconnectClearsOutstanding(t *testing.T) {
	ch := &fakeChannel{connected: true, accept: true}
	s := New(Options{Capability: types.CapRegion, Event: "compute_bb_event", MaxInFlight: 1}, ch)
	tick(t, s)
	ch.connected = false
	s.Begin(frame)
	ch.connected = true
	if !tick(t, s) {
		t.Fatalf("expected a request after reconnect")
	}
}
