package session

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"facecam-go/internal/backend"
	"facecam-go/internal/config"
	"facecam-go/internal/overlay"
	"facecam-go/internal/types"
)

type staticSource struct {
	img image.Image
}

func (s staticSource) Dimensions() (int, int) {
	return s.img.Bounds().Dx(), s.img.Bounds().Dy()
}

func (s staticSource) Frame() (image.Image, bool) { return s.img, true }

func (s staticSource) Close() error { return nil }

func grayFrame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}
	return img
}

func regionOnly(backendURL string) config.AppConfig {
	cfg := config.Default()
	cfg.Backend = backendURL
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 20 * time.Millisecond
	for i := range cfg.Capabilities {
		cfg.Capabilities[i].Disabled = cfg.Capabilities[i].Capability != types.CapRegion
	}
	return cfg
}

type regionResponder struct {
	region atomic.Pointer[[4]int]
}

func (r *regionResponder) set(x, y, h, w int) {
	r.region.Store(&[4]int{x, y, h, w})
}

func (r *regionResponder) respond(namespace, event string, _ json.RawMessage) (string, any, bool) {
	if namespace != "/compute_bb" || event != "compute_bb_event" {
		return "", nil, false
	}
	v := r.region.Load()
	if v == nil {
		return "", nil, false
	}
	return "bb_response", backend.RegionReply(v[0], v[1], v[2], v[3]), true
}

func start(t *testing.T, s *Session) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("session did not stop")
		}
	})
	return cancel
}

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

// advanceUntil moves the mock clock in steps until cond holds.
func advanceUntil(t *testing.T, clk *clock.Mock, step time.Duration, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		clk.Add(step)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", what)
}

func regionIs(state *overlay.State, want types.Region) func() bool {
	return func() bool {
		r, ok := state.Region()
		return ok && r == want
	}
}

func isPurple(img image.Image, x, y int) bool {
	r, g, b, _ := img.At(x, y).RGBA()
	r, g, b = r>>8, g>>8, b>>8
	return r > 100 && r < 160 && g < 30 && b > 100 && b < 160
}

func TestRegionResponseDrawnOnCanvas(t *testing.T) {
	resp := &regionResponder{}
	resp.set(10, 20, 50, 40)
	be := backend.New(backend.Options{Responder: resp.respond, RequestAck: true}, zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(be.Handler())
	defer srv.Close()

	clk := clock.NewMock()
	s, err := New(Options{Config: regionOnly(srv.URL), Source: staticSource{grayFrame(100, 100)}, Clock: clk}, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	start(t, s)
	waitFor(t, "channels ready", s.Ready)

	want := types.Region{X: 10, Y: 20, Height: 50, Width: 40}
	advanceUntil(t, clk, 100*time.Millisecond, "region applied", regionIs(s.Overlay(), want))
	advanceUntil(t, clk, 10*time.Millisecond, "ack", func() bool { return be.Counts().Acks > 0 })

	var img image.Image
	advanceUntil(t, clk, 10*time.Millisecond, "rectangle drawn", func() bool {
		var ok bool
		img, ok = s.Snapshot(context.Background())
		return ok && isPurple(img, 10, 40)
	})
	// bb_height=50 is the horizontal extent: edges at x=10 and x=60, y=20 and y=60.
	for _, p := range []image.Point{{10, 40}, {60, 40}, {35, 20}, {35, 60}} {
		if !isPurple(img, p.X, p.Y) {
			t.Fatalf("expected stroke at %v", p)
		}
	}
	for _, p := range []image.Point{{35, 40}, {50, 40}, {35, 70}, {80, 40}} {
		if isPurple(img, p.X, p.Y) {
			t.Fatalf("stroke drawn outside the region outline at %v", p)
		}
	}

	st := s.Stats()
	if st.Responses[types.CapRegion].Applied == 0 || st.Samplers[types.CapRegion].Submitted == 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestRenderRunsWithoutBackend(t *testing.T) {
	clk := clock.NewMock()
	cfg := regionOnly("http://127.0.0.1:1")
	s, err := New(Options{Config: cfg, Source: staticSource{grayFrame(32, 24)}, Clock: clk}, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	start(t, s)

	advanceUntil(t, clk, 10*time.Millisecond, "draws and dropped samples", func() bool {
		st := s.Stats()
		return st.Render.Draws >= 10 && st.Samplers[types.CapRegion].Dropped >= 1
	})
	if _, ok := s.Overlay().Region(); ok {
		t.Fatalf("region set without a backend")
	}
	if s.Stats().Transport.Sent != 0 {
		t.Fatalf("frames sent without a connection")
	}
}

func TestReconnectResumesUpdates(t *testing.T) {
	resp := &regionResponder{}
	resp.set(10, 20, 50, 40)
	be := backend.New(backend.Options{Responder: resp.respond}, zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(be.Handler())
	defer srv.Close()

	clk := clock.NewMock()
	s, err := New(Options{Config: regionOnly(srv.URL), Source: staticSource{grayFrame(100, 100)}, Clock: clk}, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	start(t, s)
	waitFor(t, "channels ready", s.Ready)

	first := types.Region{X: 10, Y: 20, Height: 50, Width: 40}
	advanceUntil(t, clk, 100*time.Millisecond, "first region", regionIs(s.Overlay(), first))

	be.SetAccepting(false)
	be.DropClients()
	waitFor(t, "disconnect", func() bool { return !s.Stats().Connected })

	dropped := s.Stats().Samplers[types.CapRegion].Dropped
	draws := s.Stats().Render.Draws
	advanceUntil(t, clk, 100*time.Millisecond, "drops while down", func() bool {
		st := s.Stats()
		return st.Samplers[types.CapRegion].Dropped > dropped && st.Render.Draws > draws
	})
	if r, _ := s.Overlay().Region(); r != first {
		t.Fatalf("region changed while disconnected: %+v", r)
	}

	second := types.Region{X: 30, Y: 30, Height: 20, Width: 20}
	resp.set(30, 30, 20, 20)
	be.SetAccepting(true)
	waitFor(t, "reconnect", s.Ready)
	advanceUntil(t, clk, 100*time.Millisecond, "second region", regionIs(s.Overlay(), second))
}

func TestWatchOverlayReportsChanges(t *testing.T) {
	clk := clock.NewMock()
	s, err := New(Options{Config: regionOnly("http://127.0.0.1:1"), Source: staticSource{grayFrame(8, 8)}, Clock: clk}, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan overlay.Snapshot, 8)
	go s.WatchOverlay(ctx, 100*time.Millisecond, func(snap overlay.Snapshot) { got <- snap })
	time.Sleep(5 * time.Millisecond)

	clk.Add(100 * time.Millisecond)
	select {
	case <-got:
		t.Fatalf("unchanged overlay reported")
	case <-time.After(20 * time.Millisecond):
	}

	s.Overlay().SetLabel(types.CapEmotion, "happy", 0)
	clk.Add(100 * time.Millisecond)
	select {
	case snap := <-got:
		if snap.Labels[types.CapEmotion] != "happy" {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatalf("change not reported")
	}
}

func TestNewRejectsBadColor(t *testing.T) {
	cfg := regionOnly("http://localhost:5000")
	cfg.StrokeColor = "not-a-color"
	if _, err := New(Options{Config: cfg, Source: staticSource{grayFrame(8, 8)}}, zaptest.NewLogger(t).Sugar()); err == nil {
		t.Fatalf("expected color error")
	}
}
