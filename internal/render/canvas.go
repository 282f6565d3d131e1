package render

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

var errEmptyCanvas = errors.New("canvas has no pixels")

// Canvas is the drawing surface shared by the renderer (writer) and the samplers and
// preview (readers of copies).
type Canvas struct {
	mu    sync.RWMutex
	dc    *gg.Context
	drawn bool
}

func NewCanvas() *Canvas {
	return &Canvas{}
}

// Size returns the current canvas dimensions.
func (c *Canvas) Size() (int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.dc == nil {
		return 0, 0
	}
	return c.dc.Width(), c.dc.Height()
}

// Resize replaces the surface when the dimensions changed. It reports whether a new
// surface was allocated.
func (c *Canvas) Resize(width, height int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dc != nil && c.dc.Width() == width && c.dc.Height() == height {
		return false
	}
	c.dc = gg.NewContext(width, height)
	c.drawn = false
	return true
}

// Draw runs fn against the surface. A panic inside the drawing library is returned as
// an error so one bad tick cannot stop the render loop.
func (c *Canvas) Draw(fn func(dc *gg.Context)) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dc == nil || c.dc.Width() <= 0 || c.dc.Height() <= 0 {
		return errEmptyCanvas
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("draw panicked: %v", r)
		}
	}()
	fn(c.dc)
	c.drawn = true
	return nil
}

// Snapshot copies the canvas pixels. It returns false until something was drawn.
func (c *Canvas) Snapshot() (image.Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.dc == nil || !c.drawn {
		return nil, false
	}
	return imaging.Clone(c.dc.Image()), true
}
