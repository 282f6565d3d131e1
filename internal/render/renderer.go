// Package render draws camera frames and the overlay region onto a canvas.
package render

import (
	"strings"
	"sync/atomic"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"go.uber.org/zap"

	"facecam-go/internal/capture"
	"facecam-go/internal/logging"
	"facecam-go/internal/overlay"
	"facecam-go/internal/types"
)

// Stats counts render ticks by outcome.
type Stats struct {
	Ticks    uint64
	Draws    uint64
	Skips    uint64
	Failures uint64
	Resizes  uint64
}

// Renderer draws the latest frame and overlay region on each tick. It only reads the
// overlay.
type Renderer struct {
	src    capture.Source
	canvas *Canvas
	state  *overlay.State
	style  Style
	logger *zap.SugaredLogger
	every  *logging.EveryN

	ticks    atomic.Uint64
	draws    atomic.Uint64
	skips    atomic.Uint64
	failures atomic.Uint64
	resizes  atomic.Uint64
}

func NewRenderer(src capture.Source, canvas *Canvas, state *overlay.State, style Style, logger *zap.SugaredLogger) *Renderer {
	if style.FontSize <= 0 {
		style.FontSize = DefaultStyle().FontSize
	}
	return &Renderer{
		src:    src,
		canvas: canvas,
		state:  state,
		style:  style,
		logger: logger,
		every:  logging.NewEveryN(500),
	}
}

// Tick performs one render pass and reports whether anything was drawn. A camera
// that is not ready or a failing draw only skips this tick.
func (r *Renderer) Tick() bool {
	r.ticks.Add(1)

	width, height := r.src.Dimensions()
	if width <= 0 || height <= 0 {
		r.skips.Add(1)
		return false
	}
	if r.canvas.Resize(width, height) {
		r.resizes.Add(1)
	}
	frame, ok := r.src.Frame()
	if !ok {
		r.skips.Add(1)
		return false
	}

	snap := r.state.Snapshot()
	err := r.canvas.Draw(func(dc *gg.Context) {
		dc.SetRGB(0, 0, 0)
		dc.Clear()
		dc.DrawImage(frame, 0, 0)
		if !snap.HasRegion {
			return
		}
		region := snap.Region
		// bb_height is the horizontal extent and bb_width the vertical one.
		dc.DrawRectangle(region.X, region.Y, region.Height, region.Width)
		dc.SetColor(r.style.Color)
		dc.SetLineWidth(r.style.Width)
		dc.Stroke()
		if r.style.DrawLabels {
			r.drawLabels(dc, region, snap.Labels)
		}
	})
	if err != nil {
		r.failures.Add(1)
		if r.every.Allow() {
			r.logger.Debugw("render tick skipped", "error", err)
		}
		return false
	}
	r.draws.Add(1)
	return true
}

func (r *Renderer) drawLabels(dc *gg.Context, region types.Region, labels map[types.Capability]string) {
	parts := make([]string, 0, len(labels))
	for _, c := range types.Capabilities {
		if label, ok := labels[c]; ok && label != "" {
			parts = append(parts, label)
		}
	}
	if len(parts) == 0 {
		return
	}
	dc.SetFontFace(truetype.NewFace(labelFont, &truetype.Options{Size: r.style.FontSize}))
	dc.SetColor(r.style.Color)
	dc.DrawString(strings.Join(parts, " "), region.X, region.Y-10)
}

func (r *Renderer) Stats() Stats {
	return Stats{
		Ticks:    r.ticks.Load(),
		Draws:    r.draws.Load(),
		Skips:    r.skips.Load(),
		Failures: r.failures.Load(),
		Resizes:  r.resizes.Load(),
	}
}
