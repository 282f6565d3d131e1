// Package session wires the capture, render, sampling and response pipeline together
// and drives it from one scheduler goroutine.
//
// Every overlay write and every canvas draw happens on the scheduler. Frame encoding
// and socket I/O run on their own goroutines and hand results back to it.
package session

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"facecam-go/internal/capture"
	"facecam-go/internal/channel"
	"facecam-go/internal/config"
	"facecam-go/internal/dispatch"
	"facecam-go/internal/overlay"
	"facecam-go/internal/render"
	"facecam-go/internal/sampler"
	"facecam-go/internal/types"
)

const responseQueue = 64

type Options struct {
	Config config.AppConfig
	Source capture.Source
	// Clock drives the render and sampler tickers. The transport backoff always uses
	// wall time.
	Clock    clock.Clock
	Recorder channel.Recorder
}

// SamplerStats is a sampler's counters plus its outstanding request count.
type SamplerStats struct {
	sampler.Stats
	InFlight int
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	Connected      bool
	OverlayVersion uint64
	Render         render.Stats
	Transport      channel.Stats
	Samplers       map[types.Capability]SamplerStats
	Responses      map[types.Capability]dispatch.Stats
}

type lane struct {
	cfg     config.CapabilityConfig
	ch      *channel.Channel
	sampler *sampler.Sampler
}

type Session struct {
	cfg    config.AppConfig
	clk    clock.Clock
	logger *zap.SugaredLogger

	state      *overlay.State
	canvas     *render.Canvas
	renderer   *render.Renderer
	transport  *channel.Transport
	dispatcher *dispatch.Dispatcher
	lanes      []*lane
	byCap      map[types.Capability]*lane

	responses chan types.Response
	encoded   chan sampler.Result
	snapshots chan chan image.Image
	encoders  sync.WaitGroup

	mu           sync.Mutex
	samplerStats map[types.Capability]SamplerStats
}

func New(opts Options, logger *zap.SugaredLogger) (*Session, error) {
	cfg := opts.Config
	if opts.Source == nil {
		return nil, fmt.Errorf("session needs a frame source")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	style := render.DefaultStyle()
	if cfg.StrokeColor != "" {
		c, err := render.ParseColor(cfg.StrokeColor)
		if err != nil {
			return nil, err
		}
		style.Color = c
	}
	if cfg.StrokeWidth > 0 {
		style.Width = cfg.StrokeWidth
	}
	style.DrawLabels = cfg.DrawLabels

	transport, err := channel.NewTransport(channel.Options{
		Backend:      cfg.Backend,
		Path:         cfg.SocketPath,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		Recorder:     opts.Recorder,
	}, logger.Named("transport"))
	if err != nil {
		return nil, err
	}

	state := overlay.New(cfg.RejectStale)
	canvas := render.NewCanvas()
	s := &Session{
		cfg:          cfg,
		clk:          clk,
		logger:       logger,
		state:        state,
		canvas:       canvas,
		renderer:     render.NewRenderer(opts.Source, canvas, state, style, logger.Named("render")),
		transport:    transport,
		dispatcher:   dispatch.New(state, logger.Named("dispatch")),
		byCap:        make(map[types.Capability]*lane),
		responses:    make(chan types.Response, responseQueue),
		encoded:      make(chan sampler.Result, len(cfg.Capabilities)+1),
		snapshots:    make(chan chan image.Image),
		samplerStats: make(map[types.Capability]SamplerStats),
	}
	for _, cc := range cfg.Enabled() {
		ch := transport.Channel(cc.Namespace)
		l := &lane{
			cfg: cc,
			ch:  ch,
			sampler: sampler.New(sampler.Options{
				Capability:  cc.Capability,
				Event:       cc.RequestEvent,
				Quality:     cfg.JPEGQuality,
				MaxInFlight: cfg.MaxInFlight,
				Timeout:     cfg.RequestTimeout,
				Clock:       clk,
			}, ch),
		}
		s.lanes = append(s.lanes, l)
		s.byCap[cc.Capability] = l
		s.samplerStats[cc.Capability] = SamplerStats{}
	}
	return s, nil
}

// Overlay returns the session's overlay state.
func (s *Session) Overlay() *overlay.State {
	return s.state
}

// Ready reports whether every capability channel is connected.
func (s *Session) Ready() bool {
	if !s.transport.Connected() {
		return false
	}
	for _, l := range s.lanes {
		if !l.ch.Connected() {
			return false
		}
	}
	return true
}

// Run drives the session until ctx is done. Listeners are detached before it returns,
// so late responses are dropped.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range s.lanes {
		capability := l.sampler.Capability()
		l.ch.Listen(l.cfg.ResponseEvent, func(m channel.Message) {
			payload := m.Payload()
			r := types.Response{
				Capability: capability,
				Event:      m.Event,
				Data:       payload,
				Seq:        dispatch.EchoedSeq(payload),
				Ack:        m.Ack,
			}
			select {
			case s.responses <- r:
			case <-ctx.Done():
			}
		})
	}
	defer func() {
		for _, l := range s.lanes {
			l.ch.Close()
		}
	}()

	g.Go(func() error {
		return s.transport.Run(ctx)
	})
	g.Go(func() error {
		return s.loop(ctx)
	})
	err := g.Wait()
	s.encoders.Wait()
	return err
}

func (s *Session) loop(ctx context.Context) error {
	renderTicker := s.clk.Ticker(s.cfg.RenderInterval)
	defer renderTicker.Stop()

	sampleTicks := make(chan int, len(s.lanes))
	for i, l := range s.lanes {
		ticker := s.clk.Ticker(l.cfg.Cadence)
		defer ticker.Stop()
		go forwardTicks(ctx, ticker.C, i, sampleTicks)
	}

	s.logger.Infow("session started", "capabilities", len(s.lanes), "render_interval", s.cfg.RenderInterval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("session stopped")
			return nil
		case <-renderTicker.C:
			s.renderer.Tick()
		case i := <-sampleTicks:
			s.sample(ctx, s.lanes[i])
		case res := <-s.encoded:
			if l, ok := s.byCap[res.Capability]; ok {
				l.sampler.Finish(res)
				s.publishSampler(l)
			}
		case r := <-s.responses:
			s.dispatcher.Handle(r)
			if l, ok := s.byCap[r.Capability]; ok {
				l.sampler.Answered(r.Seq)
				s.publishSampler(l)
			}
		case reply := <-s.snapshots:
			img, ok := s.canvas.Snapshot()
			if !ok {
				img = nil
			}
			reply <- img
		}
	}
}

// forwardTicks funnels one ticker into the shared sample channel. A tick is dropped
// when the scheduler has not picked up the previous one.
func forwardTicks(ctx context.Context, ticks <-chan time.Time, i int, out chan<- int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			select {
			case out <- i:
			default:
			}
		}
	}
}

func (s *Session) sample(ctx context.Context, l *lane) {
	job, ok := l.sampler.Begin(s.canvas.Snapshot)
	s.publishSampler(l)
	if !ok {
		return
	}
	s.encoders.Add(1)
	go func() {
		defer s.encoders.Done()
		res := sampler.Encode(job)
		select {
		case s.encoded <- res:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) publishSampler(l *lane) {
	st := SamplerStats{Stats: l.sampler.Stats(), InFlight: l.sampler.InFlight()}
	s.mu.Lock()
	s.samplerStats[l.sampler.Capability()] = st
	s.mu.Unlock()
}

// Snapshot returns a copy of the canvas taken on the scheduler. It reports false when
// nothing has been drawn yet.
func (s *Session) Snapshot(ctx context.Context) (image.Image, bool) {
	reply := make(chan image.Image, 1)
	select {
	case s.snapshots <- reply:
	case <-ctx.Done():
		return nil, false
	}
	select {
	case img := <-reply:
		return img, img != nil
	case <-ctx.Done():
		return nil, false
	}
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	samplers := make(map[types.Capability]SamplerStats, len(s.samplerStats))
	for c, st := range s.samplerStats {
		samplers[c] = st
	}
	s.mu.Unlock()
	return Stats{
		Connected:      s.transport.Connected(),
		OverlayVersion: s.state.Version(),
		Render:         s.renderer.Stats(),
		Transport:      s.transport.Stats(),
		Samplers:       samplers,
		Responses:      s.dispatcher.Stats(),
	}
}

// WatchOverlay calls fn with a snapshot whenever the overlay changed, checking every
// interval, until ctx is done.
func (s *Session) WatchOverlay(ctx context.Context, every time.Duration, fn func(overlay.Snapshot)) {
	ticker := s.clk.Ticker(every)
	defer ticker.Stop()
	var seen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if v := s.state.Version(); v != seen {
				seen = v
				fn(s.state.Snapshot())
			}
		}
	}
}
