package capture

import (
	"context"
	"image"
	"image/color"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// Simulator produces synthetic frames: a shaded background with a bright ellipse that
// orbits the centre, standing in for a face.
type Simulator struct {
	latest
	width, height int
}

// NewSimulator starts publishing frames at fps until ctx is done.
func NewSimulator(ctx context.Context, clk clock.Clock, width, height int, fps float64) *Simulator {
	s := &Simulator{width: width, height: height}
	if fps <= 0 {
		fps = 30
	}
	interval := time.Duration(float64(time.Second) / fps)
	go func() {
		ticker := clk.Ticker(interval)
		defer ticker.Stop()
		step := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.publish(s.render(step))
				step++
			}
		}
	}()
	return s
}

// FaceAt returns the ellipse bounds drawn at step.
func (s *Simulator) FaceAt(step int) image.Rectangle {
	cx := float64(s.width) / 2
	cy := float64(s.height) / 2
	radius := math.Min(cx, cy) / 3
	angle := float64(step) * 2 * math.Pi / 120
	fx := cx + radius*math.Cos(angle)
	fy := cy + radius*math.Sin(angle)
	fw := float64(s.width) / 6
	fh := float64(s.height) / 4
	return image.Rect(int(fx-fw/2), int(fy-fh/2), int(fx+fw/2), int(fy+fh/2))
}

func (s *Simulator) render(step int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	face := s.FaceAt(step)
	fcx := float64(face.Min.X+face.Max.X) / 2
	fcy := float64(face.Min.Y+face.Max.Y) / 2
	rx := float64(face.Dx()) / 2
	ry := float64(face.Dy()) / 2
	for y := 0; y < s.height; y++ {
		shade := uint8(40 + 80*y/max(s.height, 1))
		for x := 0; x < s.width; x++ {
			dx := (float64(x) - fcx) / rx
			dy := (float64(y) - fcy) / ry
			if dx*dx+dy*dy <= 1 {
				img.SetRGBA(x, y, color.RGBA{R: 224, G: 172, B: 105, A: 255})
				continue
			}
			img.SetRGBA(x, y, color.RGBA{R: shade, G: shade, B: shade + 20, A: 255})
		}
	}
	return img
}

func (s *Simulator) Close() error { return nil }
